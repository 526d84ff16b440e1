package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/agigate/internal/agi"
	"github.com/flowpbx/agigate/internal/api"
	"github.com/flowpbx/agigate/internal/callfile"
	"github.com/flowpbx/agigate/internal/config"
	"github.com/flowpbx/agigate/internal/database"
	"github.com/flowpbx/agigate/internal/dispatch"
	"github.com/flowpbx/agigate/internal/handlers"
	"github.com/flowpbx/agigate/internal/metrics"
	"github.com/flowpbx/agigate/internal/notify"
	"github.com/flowpbx/agigate/internal/server"
	"github.com/flowpbx/agigate/internal/session"
	"github.com/flowpbx/agigate/internal/session/pgstore"
)

// sessionExpiryInterval is how often backends without native expiry are swept.
const sessionExpiryInterval = 15 * time.Minute

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting agigate",
		"agi_port", cfg.AGIPort,
		"http_port", cfg.HTTPPort,
		"default_handler", cfg.DefaultHandler,
		"session_backend", cfg.SessionBackend,
	)

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	backend, stored, err := openSessionBackend(appCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to open session store", "backend", cfg.SessionBackend, "error", err)
		os.Exit(1)
	}
	sessions := session.NewStore(backend, logger)
	defer sessions.Close()

	registry := dispatch.NewRegistry()
	handlers.Register(registry, logger)
	dispatcher := dispatch.New(registry, logger)

	// A nil *notify.Client must not reach the acceptor as a non-nil interface.
	var notifier server.Notifier
	if client := notify.NewClient(cfg.NotifyURL, cfg.NotifyToken, logger); client.Configured() {
		notifier = client
		logger.Info("call notifications enabled", "url", cfg.NotifyURL)
	}

	agiSrv := server.New(server.Config{
		Addr:           ":" + strconv.Itoa(cfg.AGIPort),
		DefaultHandler: cfg.DefaultHandler,
		Conn: agi.ConnConfig{
			Sessions:       sessions,
			StatusVariable: cfg.StatusVariable,
		},
	}, dispatcher, notifier, logger)

	scheduler, err := callfile.New(callfile.Config{
		OutgoingDir: cfg.OutgoingDir,
		WakeupDir:   cfg.WakeupDir,
		StagingDir:  cfg.StagingDir,
		AGIServer:   cfg.AGIServer,
		CallerID:    cfg.CallerID,
		Channel:     cfg.DialChannel,
		Context:     cfg.DialContext,
		Extension:   cfg.DialExtension,
	}, logger)
	if err != nil {
		logger.Error("failed to create call scheduler", "error", err)
		os.Exit(1)
	}

	if err := agiSrv.Start(); err != nil {
		logger.Error("failed to start agi server", "error", err)
		os.Exit(1)
	}

	// Control API and metrics.
	errCh := make(chan error, 1)
	var httpSrv *http.Server
	var apiSrv *api.Server
	if cfg.HTTPPort != 0 {
		secret, err := cfg.JWTSecretBytes()
		if err != nil {
			logger.Error("invalid jwt secret", "error", err)
			os.Exit(1)
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			metrics.NewCollector(agiSrv, scheduler, stored, time.Now(), logger),
		)

		apiSrv = api.NewServer(scheduler, agiSrv, api.Config{
			JWTSecret: secret,
			Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		}, logger)

		httpSrv = &http.Server{
			Addr:         ":" + strconv.Itoa(cfg.HTTPPort),
			Handler:      apiSrv,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		go func() {
			logger.Info("http server listening", "addr", httpSrv.Addr)
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	// Wait for interrupt or server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		logger.Error("http server error", "error", err)
	}

	// Stop accepting calls; sessions in progress run to completion.
	logger.Info("shutting down servers", "active_sessions", agiSrv.ActiveSessions())
	agiSrv.Shutdown()

	if httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
		cancel()
		apiSrv.Close()
	}

	agiSrv.Join()
	logger.Info("agigate stopped")
}

// openSessionBackend creates the configured session backend. The returned
// counter is nil for backends that cannot count their sessions.
func openSessionBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (session.Backend, metrics.StoredSessionCounter, error) {
	switch cfg.SessionBackend {
	case config.BackendSQLite:
		db, err := database.Open(cfg.DataDir, logger)
		if err != nil {
			return nil, nil, err
		}
		repo := database.NewSessionRepository(db)
		session.StartExpiryTicker(ctx, repo, cfg.SessionTTL, sessionExpiryInterval, logger)
		return &closingBackend{SessionRepository: repo, db: db}, repo, nil

	case config.BackendPostgres:
		store, err := pgstore.New(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		session.StartExpiryTicker(ctx, store, cfg.SessionTTL, sessionExpiryInterval, logger)
		return store, store, nil

	case config.BackendRedis:
		rb, err := session.OpenRedis(ctx, session.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.SessionTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return rb, nil, nil

	default:
		return session.NewMemoryBackend(cfg.SessionCacheSize, cfg.SessionTTL), nil, nil
	}
}

// closingBackend closes the SQLite database along with the session store.
type closingBackend struct {
	*database.SessionRepository
	db *database.DB
}

func (b *closingBackend) Close() error {
	return b.db.Close()
}
