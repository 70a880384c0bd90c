package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Venue.Network != NetworkMainnet {
		t.Fatalf("Network = %q, want %q", cfg.Venue.Network, NetworkMainnet)
	}
	if cfg.Venue.APIURL != mainnetAPIURL {
		t.Fatalf("APIURL = %q, want %q", cfg.Venue.APIURL, mainnetAPIURL)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("Retry.MaxAttempts = %d, want 3", cfg.Retry.MaxAttempts)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	body := `
venue:
  network: testnet
  httpTimeout: 5s
retry:
  maxAttempts: 7
  baseDelay: 250ms
  maxDelay: 4s
  multiplier: 1.5
stream:
  heartbeatInterval: 10s
  heartbeatMargin: 2s
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Venue.Network != NetworkTestnet {
		t.Fatalf("Network = %q, want testnet", cfg.Venue.Network)
	}
	// Known endpoints follow the network when not explicitly overridden.
	if cfg.Venue.APIURL != testnetAPIURL {
		t.Fatalf("APIURL = %q, want %q", cfg.Venue.APIURL, testnetAPIURL)
	}
	if cfg.Venue.WSURL != testnetWSURL {
		t.Fatalf("WSURL = %q, want %q", cfg.Venue.WSURL, testnetWSURL)
	}
	if cfg.Venue.HTTPTimeout != 5*time.Second {
		t.Fatalf("HTTPTimeout = %v, want 5s", cfg.Venue.HTTPTimeout)
	}
	if cfg.Retry.MaxAttempts != 7 || cfg.Retry.BaseDelay != 250*time.Millisecond {
		t.Fatalf("Retry = %+v, want maxAttempts=7 baseDelay=250ms", cfg.Retry)
	}
	if cfg.Stream.HeartbeatInterval != 10*time.Second {
		t.Fatalf("HeartbeatInterval = %v, want 10s", cfg.Stream.HeartbeatInterval)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HYPERGATE_NETWORK", "testnet")
	t.Setenv("HYPERGATE_API_URL", "https://example.test")
	t.Setenv("HYPERGATE_PRIVATE_KEY", "0xabc123")
	t.Setenv("HYPERGATE_DEFAULT_LEVERAGE", "5")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Venue.Network != NetworkTestnet {
		t.Fatalf("Network = %q, want testnet", cfg.Venue.Network)
	}
	if cfg.Venue.APIURL != "https://example.test" {
		t.Fatalf("APIURL = %q, env override lost", cfg.Venue.APIURL)
	}
	if cfg.Credentials.PrivateKeyHex != "0xabc123" {
		t.Fatalf("PrivateKeyHex = %q, env override lost", cfg.Credentials.PrivateKeyHex)
	}
	if cfg.Venue.DefaultLeverage != 5 {
		t.Fatalf("DefaultLeverage = %d, want 5", cfg.Venue.DefaultLeverage)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Settings)
	}{
		{"unknown network", func(s *Settings) { s.Venue.Network = "devnet" }},
		{"empty api url", func(s *Settings) { s.Venue.APIURL = "" }},
		{"zero attempts", func(s *Settings) { s.Retry.MaxAttempts = 0 }},
		{"multiplier below one", func(s *Settings) { s.Retry.Multiplier = 0.5 }},
		{"max below base delay", func(s *Settings) { s.Retry.MaxDelay = s.Retry.BaseDelay / 2 }},
		{"zero threshold", func(s *Settings) { s.Breaker.FailureThreshold = 0 }},
		{"margin above interval", func(s *Settings) { s.Stream.HeartbeatMargin = s.Stream.HeartbeatInterval * 2 }},
		{"zero max leverage", func(s *Settings) { s.Venue.MaxLeverage = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("Validate() = nil, want error")
			}
		})
	}
}

func TestDefaultValidates(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
}
