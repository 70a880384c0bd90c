// Package config centralises runtime configuration for the execution core.
// The core owns no global state: a Settings value is built here and handed
// to constructors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Network identifies which venue deployment the core talks to.
type Network string

const (
	// NetworkMainnet targets the production venue.
	NetworkMainnet Network = "mainnet"
	// NetworkTestnet targets the venue's test deployment.
	NetworkTestnet Network = "testnet"
)

const (
	mainnetAPIURL = "https://api.hyperliquid.xyz"
	testnetAPIURL = "https://api.hyperliquid-testnet.xyz"
	mainnetWSURL  = "wss://api.hyperliquid.xyz/ws"
	testnetWSURL  = "wss://api.hyperliquid-testnet.xyz/ws"
)

// Credentials carries the signing key material for one venue account.
type Credentials struct {
	// PrivateKeyHex is the secp256k1 signing key, hex encoded with or
	// without a 0x prefix.
	PrivateKeyHex string `yaml:"privateKey"`
	// AccountAddress is the expected account address. When set, the signer
	// verifies that the key derives to this address at startup.
	AccountAddress string `yaml:"accountAddress"`
}

// RetrySettings tunes the retry manager for idempotent venue calls.
type RetrySettings struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// BreakerSettings tunes the per-endpoint circuit breakers.
type BreakerSettings struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	MonitorWindow    time.Duration `yaml:"monitorWindow"`
	ResetTimeout     time.Duration `yaml:"resetTimeout"`
}

// StreamSettings tunes the resilient websocket connection.
type StreamSettings struct {
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	HeartbeatMargin   time.Duration `yaml:"heartbeatMargin"`
	MaxReconnects     int           `yaml:"maxReconnects"`
	MaxBackoff        time.Duration `yaml:"maxBackoff"`
	// SteadyOpenPeriod is how long a connection must stay open before the
	// reconnect attempt counter resets to zero.
	SteadyOpenPeriod time.Duration `yaml:"steadyOpenPeriod"`
	// SubscriberBuffer bounds each market-data subscriber's queue.
	SubscriberBuffer int `yaml:"subscriberBuffer"`
	// DialTimeout bounds the initial connection wait. Zero lets the stream
	// derive it from the reconnect budget.
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

// VenueSettings aggregates transport configuration for the venue.
type VenueSettings struct {
	Network     Network       `yaml:"network"`
	APIURL      string        `yaml:"apiUrl"`
	WSURL       string        `yaml:"wsUrl"`
	HTTPTimeout time.Duration `yaml:"httpTimeout"`
	// RequestsPerSecond throttles outbound REST requests.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	// DefaultLeverage is applied when a caller does not specify one.
	DefaultLeverage int `yaml:"defaultLeverage"`
	// MaxLeverage bounds SetLeverage requests before they reach the venue.
	MaxLeverage int `yaml:"maxLeverage"`
}

// Settings is the full configuration tree for the execution core.
type Settings struct {
	Venue       VenueSettings   `yaml:"venue"`
	Credentials Credentials     `yaml:"credentials"`
	Retry       RetrySettings   `yaml:"retry"`
	Breaker     BreakerSettings `yaml:"breaker"`
	Stream      StreamSettings  `yaml:"stream"`
}

// Default returns the default configuration for mainnet.
func Default() Settings {
	return Settings{
		Venue: VenueSettings{
			Network:           NetworkMainnet,
			APIURL:            mainnetAPIURL,
			WSURL:             mainnetWSURL,
			HTTPTimeout:       30 * time.Second,
			RequestsPerSecond: 10,
			DefaultLeverage:   1,
			MaxLeverage:       50,
		},
		Credentials: Credentials{PrivateKeyHex: "", AccountAddress: ""},
		Retry: RetrySettings{
			MaxAttempts: 3,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			Multiplier:  2,
		},
		Breaker: BreakerSettings{
			FailureThreshold: 5,
			MonitorWindow:    60 * time.Second,
			ResetTimeout:     30 * time.Second,
		},
		Stream: StreamSettings{
			HeartbeatInterval: 30 * time.Second,
			HeartbeatMargin:   5 * time.Second,
			MaxReconnects:     10,
			MaxBackoff:        30 * time.Second,
			SteadyOpenPeriod:  60 * time.Second,
			SubscriberBuffer:  256,
		},
	}
}

// Load reads settings from the YAML file at path, applying env overrides on
// top. A missing file is not an error: defaults plus env are returned.
func Load(path string) (Settings, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// fall through to env overrides
	default:
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(&cfg)
	applyNetwork(&cfg)

	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Settings) {
	if v := strings.TrimSpace(os.Getenv("HYPERGATE_NETWORK")); v != "" {
		cfg.Venue.Network = Network(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("HYPERGATE_API_URL")); v != "" {
		cfg.Venue.APIURL = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPERGATE_WS_URL")); v != "" {
		cfg.Venue.WSURL = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPERGATE_PRIVATE_KEY")); v != "" {
		cfg.Credentials.PrivateKeyHex = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPERGATE_ACCOUNT_ADDRESS")); v != "" {
		cfg.Credentials.AccountAddress = v
	}
	if v := strings.TrimSpace(os.Getenv("HYPERGATE_DEFAULT_LEVERAGE")); v != "" {
		if lev, err := strconv.Atoi(v); err == nil && lev > 0 {
			cfg.Venue.DefaultLeverage = lev
		}
	}
}

// applyNetwork swaps in the well-known endpoints when the network selects
// them and the user did not override the URLs explicitly.
func applyNetwork(cfg *Settings) {
	if cfg.Venue.Network != NetworkTestnet {
		return
	}
	if cfg.Venue.APIURL == mainnetAPIURL {
		cfg.Venue.APIURL = testnetAPIURL
	}
	if cfg.Venue.WSURL == mainnetWSURL {
		cfg.Venue.WSURL = testnetWSURL
	}
}

// Validate rejects configurations the core cannot run with.
func (s Settings) Validate() error {
	if s.Venue.Network != NetworkMainnet && s.Venue.Network != NetworkTestnet {
		return fmt.Errorf("config: unknown network %q", s.Venue.Network)
	}
	if strings.TrimSpace(s.Venue.APIURL) == "" {
		return fmt.Errorf("config: venue API URL is required")
	}
	if strings.TrimSpace(s.Venue.WSURL) == "" {
		return fmt.Errorf("config: venue websocket URL is required")
	}
	if s.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: retry.maxAttempts must be >= 1, got %d", s.Retry.MaxAttempts)
	}
	if s.Retry.Multiplier < 1 {
		return fmt.Errorf("config: retry.multiplier must be >= 1, got %v", s.Retry.Multiplier)
	}
	if s.Retry.BaseDelay <= 0 || s.Retry.MaxDelay < s.Retry.BaseDelay {
		return fmt.Errorf("config: retry delays must satisfy 0 < baseDelay <= maxDelay")
	}
	if s.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("config: breaker.failureThreshold must be >= 1, got %d", s.Breaker.FailureThreshold)
	}
	if s.Breaker.MonitorWindow <= 0 || s.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("config: breaker window and reset timeout must be positive")
	}
	if s.Stream.HeartbeatInterval <= 0 {
		return fmt.Errorf("config: stream.heartbeatInterval must be positive")
	}
	if s.Stream.HeartbeatMargin <= 0 || s.Stream.HeartbeatMargin >= s.Stream.HeartbeatInterval {
		return fmt.Errorf("config: stream.heartbeatMargin must be positive and below heartbeatInterval")
	}
	if s.Venue.MaxLeverage < 1 {
		return fmt.Errorf("config: venue.maxLeverage must be >= 1, got %d", s.Venue.MaxLeverage)
	}
	return nil
}

// IsMainnet reports whether the settings target the production venue.
func (s Settings) IsMainnet() bool { return s.Venue.Network == NetworkMainnet }
