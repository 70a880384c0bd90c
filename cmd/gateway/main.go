// Command gateway launches the execution core: it connects the venue client
// and the market/account stream and keeps both alive until a shutdown signal.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/Jboner-Corvus/hypergate/config"
	"github.com/Jboner-Corvus/hypergate/internal/stream"
	"github.com/Jboner-Corvus/hypergate/internal/telemetry"
	"github.com/Jboner-Corvus/hypergate/internal/venue"
)

const (
	defaultConfigPath        = "config/gateway.yaml"
	bootstrapTimeout         = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", defaultConfigPath, "path to the gateway configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "[gateway] ", log.LstdFlags|log.Lmsgprefix)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: network=%s api=%s", cfg.Venue.Network, cfg.Venue.APIURL)

	tel, err := telemetry.NewProvider(ctx, telemetry.DefaultConfig())
	if err != nil {
		logger.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Printf("telemetry shutdown: %v", err)
		}
	}()

	client, err := venue.NewClient(cfg, tel)
	if err != nil {
		logger.Fatalf("init venue client: %v", err)
	}

	bootCtx, cancel := context.WithTimeout(ctx, bootstrapTimeout)
	err = client.Bootstrap(bootCtx)
	cancel()
	if err != nil {
		logger.Fatalf("bootstrap asset registry: %v", err)
	}

	conn, err := stream.Dial(ctx, stream.Config{
		URL:               cfg.Venue.WSURL,
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		HeartbeatMargin:   cfg.Stream.HeartbeatMargin,
		MaxReconnects:     cfg.Stream.MaxReconnects,
		MaxBackoff:        cfg.Stream.MaxBackoff,
		SteadyOpenPeriod:  cfg.Stream.SteadyOpenPeriod,
		SubscriberBuffer:  cfg.Stream.SubscriberBuffer,
		DialTimeout:       cfg.Stream.DialTimeout,
		Meter:             tel.Meter("hypergate/stream"),
	})
	if err != nil {
		logger.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	mids, err := conn.Subscribe(ctx, stream.Subscription{Type: stream.ChannelAllMids}, stream.DropOldest)
	if err != nil {
		logger.Fatalf("subscribe %s: %v", stream.ChannelAllMids, err)
	}
	fills, err := conn.Subscribe(ctx, stream.Subscription{Type: stream.ChannelUserFills, User: client.Address()}, stream.Block)
	if err != nil {
		logger.Fatalf("subscribe %s: %v", stream.ChannelUserFills, err)
	}
	orders, err := conn.Subscribe(ctx, stream.Subscription{Type: stream.ChannelOrderUpdates, User: client.Address()}, stream.Block)
	if err != nil {
		logger.Fatalf("subscribe %s: %v", stream.ChannelOrderUpdates, err)
	}

	states := conn.StateChanges()

	var wg conc.WaitGroup
	wg.Go(func() { drain(logger, "mid", mids) })
	wg.Go(func() { drain(logger, "fill", fills) })
	wg.Go(func() { drain(logger, "order", orders) })
	wg.Go(func() {
		for change := range states {
			logger.Printf("stream %s -> %s (err=%v)", change.From, change.To, change.Err)
			if change.Terminal {
				logger.Printf("stream closed permanently, shutting down")
				stop()
				return
			}
		}
	})

	logger.Printf("gateway running for %s", client.Address())
	<-ctx.Done()
	logger.Printf("shutdown signal received")

	if err := conn.Close(); err != nil {
		logger.Printf("close stream: %v", err)
	}
	wg.Wait()
	logger.Printf("gateway stopped")
}

func drain(logger *log.Logger, kind string, events <-chan stream.Event) {
	for ev := range events {
		logger.Printf("%s event: channel=%s bytes=%d", kind, ev.Channel, len(ev.Data))
	}
}
