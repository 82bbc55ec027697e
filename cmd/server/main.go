package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/manpreetbhatti/codehive/internal/api"
	"github.com/manpreetbhatti/codehive/internal/assistant"
	"github.com/manpreetbhatti/codehive/internal/chat"
	"github.com/manpreetbhatti/codehive/internal/config"
	"github.com/manpreetbhatti/codehive/internal/execute"
	"github.com/manpreetbhatti/codehive/internal/fileset"
	"github.com/manpreetbhatti/codehive/internal/logger"
	"github.com/manpreetbhatti/codehive/internal/metrics"
	"github.com/manpreetbhatti/codehive/internal/packages"
	"github.com/manpreetbhatti/codehive/internal/ratelimit"
	"github.com/manpreetbhatti/codehive/internal/session"
	"github.com/manpreetbhatti/codehive/internal/store"
	"github.com/manpreetbhatti/codehive/internal/store/mongo"
	"github.com/manpreetbhatti/codehive/internal/store/sqlite"
	"github.com/manpreetbhatti/codehive/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "codehive:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New("codehive", cfg.Level())
	slog.SetDefault(log)
	if cfg.Level() > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	limiter, closeLimiter, err := newLimiter(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLimiter()

	m := metrics.New()

	hub := ws.NewHub(log, m, ws.WithFrameLimit(cfg.FrameRate(), cfg.WSMaxRateViolations))
	go hub.Run(ctx)

	files := fileset.NewManager(db, log)
	sessions := session.NewService(hub, files, log, m)

	handler := api.New(api.Deps{
		Store:          db,
		Hub:            hub,
		Sessions:       sessions,
		Files:          files,
		Chat:           chat.NewService(db, sessions, log),
		Executor:       execute.NewDispatcher(execute.NewPistonClient(cfg.PistonURL, cfg.PistonTimeout), log, m),
		Packages:       packages.NewService(db),
		Assistant:      assistant.NewClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel, cfg.OpenAITimeout),
		Limiter:        limiter,
		Metrics:        m,
		Log:            log,
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", srv.Addr, "store", cfg.Store, "assistant", cfg.OpenAIKey != "")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	select {
	case <-hub.Done():
	case <-shutdownCtx.Done():
		log.Warn("hub did not stop before the shutdown deadline")
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (store.Store, error) {
	switch cfg.Store {
	case config.StoreMongo:
		s, err := mongo.New(ctx, cfg.MongoURI, cfg.MongoDatabase, log)
		if err != nil {
			return nil, fmt.Errorf("open mongo store: %w", err)
		}
		log.Info("document store ready", "backend", "mongo", "database", cfg.MongoDatabase)
		return s, nil
	default:
		s, err := sqlite.New(ctx, cfg.SQLitePath, log)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		log.Info("document store ready", "backend", "sqlite", "path", cfg.SQLitePath)
		return s, nil
	}
}

// newLimiter shares limits through Redis when configured and keeps them in
// process otherwise
func newLimiter(ctx context.Context, cfg *config.Config, log *slog.Logger) (ratelimit.Policy, func(), error) {
	if cfg.RateLimitPerMinute <= 0 {
		return nil, func() {}, nil
	}

	if cfg.RedisAddr != "" {
		rl, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RateLimitPerMinute, time.Minute, log)
		if err != nil {
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		return rl, func() { rl.Close() }, nil
	}

	cl := ratelimit.NewClientLimiters(ratelimit.PerMinute(cfg.RateLimitPerMinute), 10*time.Minute)
	return cl, cl.Stop, nil
}
