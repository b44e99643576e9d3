// streamtest connects to a market stream and prints routed events to the console.
// Usage: go run ./cmd/streamtest --config configs/streamer.example.yaml --symbols AAPL,MSFT
//
// Symbols and channels from the config file are subscribed as well. Set
// STREAM_TOKEN (or stream.token_file) when the server requires a token.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/market"
	"github.com/rickgao/marketstream/internal/model"
	"github.com/rickgao/marketstream/internal/notify"
	"github.com/rickgao/marketstream/internal/router"
)

// consolePrinter prints prices and portfolio updates as they are routed.
type consolePrinter struct {
	verbose bool
}

func (p consolePrinter) UpdatePrice(symbol string, snap model.Snapshot) {
	if p.verbose {
		data, _ := json.MarshalIndent(snap, "", "  ")
		fmt.Printf("[PRICE] %s\n", data)
		return
	}
	fmt.Printf("[PRICE] symbol=%s price=%s change=%s (%s%%) vol=%d\n",
		symbol, snap.Price, snap.Change, snap.ChangePercent.StringFixed(2), snap.Volume)
}

func (p consolePrinter) UpdatePortfolio(u model.PortfolioUpdate) {
	if p.verbose {
		fmt.Printf("[PORTFOLIO] %s\n", u.Payload)
		return
	}
	fmt.Printf("[PORTFOLIO] bytes=%d received=%s\n", len(u.Payload), u.ReceivedAt.Format(time.RFC3339))
}

func main() {
	configPath := flag.String("config", "configs/streamer.example.yaml", "path to config file")
	symbols := flag.String("symbols", "", "comma-separated symbols to subscribe")
	events := flag.String("events", "alert_triggered", "comma-separated event names to print from the fan-out")
	verbose := flag.Bool("verbose", false, "print full message JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	// Load config
	cfg, err := config.LoadWithDefaults(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	creds, err := auth.FromConfig(cfg.Stream.Token, cfg.Stream.TokenFile)
	if err != nil {
		logger.Error("failed to set up credentials", "error", err)
		os.Exit(1)
	}

	printer := consolePrinter{verbose: *verbose}
	notifier := notify.New(0, nil, logger)
	cache := market.NewCache()
	fanout := router.NewFanout(nil, logger)

	for _, name := range splitList(*events) {
		name := name
		fanout.On(name, func(payload json.RawMessage) error {
			fmt.Printf("[EVENT %s] %s\n", name, payload)
			return nil
		})
	}

	rcfg := router.DefaultConfig()
	rcfg.ThrottleWindow = cfg.Stream.ThrottleWindow
	rtr := router.NewRouter(rcfg, cache, fanout, router.Sinks{
		Prices:    []router.PriceSink{printer},
		Portfolio: []router.PortfolioSink{printer},
		Notifier:  notifier,
	}, nil, logger)

	scfg := connection.DefaultSessionConfig()
	scfg.Host = cfg.Stream.Host
	scfg.PathTemplate = cfg.Stream.PathTemplate
	scfg.ReconnectBaseDelay = cfg.Stream.ReconnectBaseDelay
	scfg.ReconnectMaxDelay = cfg.Stream.ReconnectMaxDelay
	scfg.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts
	session := connection.NewSession(scfg, creds, rtr, notifier, nil, logger)

	// Start Router
	logger.Info("starting router")
	if err := rtr.Start(ctx); err != nil {
		logger.Error("failed to start router", "error", err)
		os.Exit(1)
	}

	logger.Info("starting session", "host", cfg.Stream.Host)
	if err := session.Start(ctx); err != nil {
		logger.Error("failed to start session", "error", err)
		os.Exit(1)
	}

	subscribe := append(splitList(*symbols), cfg.Subscriptions.Symbols...)
	if len(subscribe) > 0 {
		session.SubscribeSymbols(subscribe)
	}
	for _, ch := range cfg.Subscriptions.Channels {
		session.Subscribe(ch.Channel, ch.Params)
	}

	if err := session.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				routerStats := rtr.Stats()
				sessStats := session.Stats()
				logger.Info("stats",
					"state", sessStats.State,
					"symbols_subscribed", sessStats.Symbols,
					"queue_depth", sessStats.QueueDepth,
					"router_received", routerStats.MessagesReceived,
					"router_routed", routerStats.MessagesRouted,
					"parse_errors", routerStats.ParseErrors,
					"coalesced", routerStats.Coalesced,
					"cached_symbols", cache.Len(),
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "client_id", session.ClientID())

	// Wait for shutdown
	<-ctx.Done()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	logger.Info("shutting down...")
	session.Disconnect()
	session.Stop(shutdownCtx)
	rtr.Stop(shutdownCtx)

	logger.Info("shutdown complete")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
