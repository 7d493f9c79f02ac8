package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/flowpbx/mediabot/internal/agent"
	"github.com/flowpbx/mediabot/internal/auth"
	"github.com/flowpbx/mediabot/internal/callback"
	"github.com/flowpbx/mediabot/internal/config"
	"github.com/flowpbx/mediabot/internal/journal"
	"github.com/flowpbx/mediabot/internal/media"
	"github.com/flowpbx/mediabot/internal/metrics"
	"github.com/flowpbx/mediabot/internal/platform"
	"github.com/flowpbx/mediabot/internal/workflow"
)

// journalCounts adapts the journal's aggregate query to the metrics collector.
type journalCounts struct {
	store *journal.Store
}

func (j journalCounts) CountByEvent(ctx context.Context) ([]metrics.EventCount, error) {
	counts, err := j.store.CountByEvent(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]metrics.EventCount, len(counts))
	for i, c := range counts {
		out[i] = metrics.EventCount{Event: string(c.Event), Status: c.Status, Count: c.Count}
	}
	return out, nil
}

func main() {
	startTime := time.Now()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting mediabot",
		"http_port", cfg.HTTPPort,
		"callback_url", cfg.CallbackURL,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Open the call event journal if configured; without it the events
	// endpoint returns 503 and metrics omit event counts.
	var store *journal.Store
	if cfg.JournalEnabled() {
		store, err = journal.Open(cfg.JournalDSN, logger)
		if err != nil {
			slog.Error("failed to open call event journal", "error", err)
			os.Exit(1)
		}
		defer store.Close()
		journal.StartRetentionTicker(ctx, store, cfg.JournalRetentionDays, 1*time.Hour)
	} else {
		slog.Warn("no journal-dsn configured, call events will not be persisted")
	}

	builder, err := workflow.NewBuilder(cfg.CallbackURL, cfg.NotificationURL)
	if err != nil {
		slog.Error("invalid callback links", "error", err)
		os.Exit(1)
	}

	// Outbound platform client. Without bot credentials subscribe and end
	// call still work, but joining a call fails.
	var tokens platform.TokenProvider
	if cfg.CredentialsConfigured() {
		cc, err := auth.NewClientCredentials(auth.ClientCredentialsConfig{
			BotID:     cfg.BotID,
			BotSecret: cfg.BotSecret,
			TokenURL:  cfg.TokenURL,
			Scopes:    []string{cfg.TokenScope},
		})
		if err != nil {
			slog.Error("failed to configure bot credentials", "error", err)
			os.Exit(1)
		}
		tokens = cc
	} else {
		slog.Warn("bot credentials not configured, placing calls is disabled")
	}

	middleware := []platform.Middleware{platform.WithLogging(logger)}
	if cfg.OutboundRate > 0 {
		burst := int(cfg.OutboundRate)
		if burst < 1 {
			burst = 1
		}
		middleware = append(middleware, platform.WithRateLimit(rate.NewLimiter(rate.Limit(cfg.OutboundRate), burst)))
	}
	client := platform.NewClient(tokens,
		platform.WithPlaceCallEndpoint(cfg.PlaceCallEndpoint),
		platform.WithTransport(http.DefaultTransport, middleware...),
		platform.WithLogger(logger),
	)

	// Media session used to answer incoming calls and to join meetings.
	var session media.Session
	if cfg.MediaConfigFile != "" {
		mediaCfg, err := media.LoadConfiguration(cfg.MediaConfigFile)
		if err != nil {
			slog.Error("failed to load media configuration", "error", err)
			os.Exit(1)
		}
		static, err := media.NewStaticSession(mediaCfg,
			workflow.NotificationCallStateChange, workflow.NotificationRosterUpdate)
		if err != nil {
			slog.Error("invalid media configuration", "error", err)
			os.Exit(1)
		}
		session = static
	} else {
		slog.Warn("no media-config-file provided, incoming calls will be rejected and join is disabled")
	}

	registry := callback.NewRegistry()
	bot := agent.New(session, registry, logger)

	rl := callback.NewRateLimiter(callback.DefaultRateLimiterConfig(), logger)
	rl.Start(ctx)

	srvCfg := callback.Config{
		Builder:          builder,
		Client:           client,
		Handlers:         bot.Handlers(),
		Expiry:           cfg.CallExpiry,
		JoinSession:      session,
		RateLimiter:      rl,
		CallbackSecret:   []byte(cfg.CallbackSecret),
		CallbackAudience: cfg.BotID,
		Logger:           logger,
	}
	var events metrics.EventCounter
	if store != nil {
		srvCfg.EventLog = store
		srvCfg.History = store
		events = journalCounts{store: store}
	}
	server := callback.NewServer(registry, srvCfg)

	// Prometheus metrics, collected at scrape time.
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(metrics.NewCollector(registry, events, startTime, logger, metrics.WithThrottle(rl)))
	server.Router().Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	// HTTP server with graceful shutdown.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      server,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	slog.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown error", "error", err)
	}

	registry.Shutdown()
	cancel()

	slog.Info("mediabot stopped", "active_legs", registry.ActiveCount())
}
