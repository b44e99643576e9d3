// Command streamer maintains the dashboard's streaming connection, keeps the
// last-known price cache and optionally persists routed data.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/rickgao/marketstream/internal/auth"
	"github.com/rickgao/marketstream/internal/config"
	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/database"
	"github.com/rickgao/marketstream/internal/logging"
	"github.com/rickgao/marketstream/internal/market"
	"github.com/rickgao/marketstream/internal/metrics"
	"github.com/rickgao/marketstream/internal/notify"
	"github.com/rickgao/marketstream/internal/router"
	"github.com/rickgao/marketstream/internal/version"
	"github.com/rickgao/marketstream/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/streamer.yaml", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("streamer failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		logger.Warn("invalid log level, using info", "error", err)
	}
	slog.SetDefault(logger)

	build := version.Get()
	logger.Info("starting streamer",
		"version", build.Version,
		"commit", build.Commit,
		"go", build.GoVersion,
		"config", configPath,
		"instance_id", cfg.Instance.ID,
	)
	if unset := cfg.UnsetEnv(); len(unset) > 0 {
		logger.Warn("config references unset environment variables", "vars", unset)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	notifier := notify.New(100, m, logger)
	cache := market.NewCache()
	events := router.NewFanout(m, logger)
	sinks := router.Sinks{Notifier: notifier}

	// Optional persistence
	var (
		pool    *pgxpool.Pool
		writers []stopper
	)
	if cfg.Database.Enabled {
		db := cfg.Database.Postgres
		logger.Info("connecting to database", "host", db.Host, "port", db.Port, "database", db.Name)

		pool, err = database.Connect(ctx, db, "marketstream "+cfg.Instance.ID)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()

		if err := database.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		logger.Info("database connected")

		wcfg := writer.DefaultConfig()
		wcfg.BatchSize = cfg.Writers.BatchSize
		wcfg.FlushInterval = cfg.Writers.FlushInterval

		prices := writer.NewPriceWriter(wcfg, pool, m, logger)
		portfolio := writer.NewPortfolioWriter(wcfg, pool, m, logger)
		if err := prices.Start(ctx); err != nil {
			return fmt.Errorf("start price writer: %w", err)
		}
		if err := portfolio.Start(ctx); err != nil {
			return fmt.Errorf("start portfolio writer: %w", err)
		}
		writers = append(writers, prices, portfolio)
		sinks.Prices = append(sinks.Prices, prices)
		sinks.Portfolio = append(sinks.Portfolio, portfolio)
	}

	rcfg := router.DefaultConfig()
	rcfg.ThrottleWindow = cfg.Stream.ThrottleWindow
	rcfg.InputBufferSize = cfg.Stream.BufferSize
	rt := router.NewRouter(rcfg, cache, events, sinks, m, logger)

	creds, err := auth.FromConfig(cfg.Stream.Token, cfg.Stream.TokenFile)
	if err != nil {
		return fmt.Errorf("credentials: %w", err)
	}

	session := connection.NewSession(sessionConfig(cfg.Stream), creds, rt, notifier, m, logger)

	if err := rt.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start session: %w", err)
	}

	// Initial subscriptions are queued and replayed on open.
	if len(cfg.Subscriptions.Symbols) > 0 {
		session.SubscribeSymbols(cfg.Subscriptions.Symbols)
	}
	for _, ch := range cfg.Subscriptions.Channels {
		id := session.Subscribe(ch.Channel, ch.Params)
		logger.Info("subscribed channel", "channel", ch.Channel, "id", id)
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler: newHandler(handlerDeps{
			session:  session,
			cache:    cache,
			notifier: notifier,
			db:       poolPinger(pool),
			metrics:  metrics.Handler(reg),
			path:     cfg.Metrics.Path,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting health server", "port", cfg.Metrics.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := session.Connect(gctx)
		switch {
		case err == nil:
			logger.Info("streamer running",
				"client_id", session.ClientID(),
				"health_url", fmt.Sprintf("http://localhost:%d/health", cfg.Metrics.Port),
			)
		case errors.Is(err, context.Canceled), errors.Is(err, connection.ErrStopped):
		default:
			// The session stays usable; a later Connect can retry.
			logger.Error("initial connect failed", "error", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	// Wait for shutdown
	<-gctx.Done()
	logger.Info("shutting down...")
	cancel()

	waitErr := g.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	session.Disconnect()
	if err := session.Stop(shutdownCtx); err != nil {
		logger.Warn("session stop", "error", err)
	}
	rt.Stop(shutdownCtx)
	for _, w := range writers {
		w.Stop(shutdownCtx)
	}

	st := rt.Stats()
	logger.Info("streamer stopped",
		"received", st.MessagesReceived,
		"routed", st.MessagesRouted,
		"parse_errors", st.ParseErrors,
		"coalesced", st.Coalesced,
		"symbols_cached", cache.Len(),
	)
	return waitErr
}

type stopper interface {
	Stop(ctx context.Context) error
}

func sessionConfig(s config.StreamConfig) connection.SessionConfig {
	cfg := connection.DefaultSessionConfig()
	cfg.Host = s.Host
	cfg.PathTemplate = s.PathTemplate
	cfg.Client.HandshakeTimeout = s.HandshakeTimeout
	cfg.Client.WriteTimeout = s.WriteTimeout
	cfg.Client.PingTimeout = s.PingTimeout
	cfg.Client.BufferSize = s.BufferSize
	cfg.KeepAliveInterval = s.KeepAliveInterval
	cfg.ReconnectBaseDelay = s.ReconnectBaseDelay
	cfg.ReconnectMaxDelay = s.ReconnectMaxDelay
	cfg.MaxReconnectAttempts = s.MaxReconnectAttempts
	cfg.BatchSize = s.BatchSize
	cfg.BatchInterval = s.BatchInterval
	cfg.SymbolChunkSize = s.SymbolChunkSize
	return cfg
}

// poolPinger avoids a typed-nil pinger when the database is disabled.
func poolPinger(pool *pgxpool.Pool) pinger {
	if pool == nil {
		return nil
	}
	return pool
}
