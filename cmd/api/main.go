package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"guildhall/advisor"
	"guildhall/auth"
	"guildhall/config"
	"guildhall/db"
	"guildhall/decay"
	"guildhall/engine"
	"guildhall/logging"
	"guildhall/memstore"
	"guildhall/migrations"
	"guildhall/pgstore"
	"guildhall/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.New(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	eng := engine.New(st, logger).
		WithWelcomeBonus(cfg.WelcomeBonus).
		WithNotificationTTL(cfg.NotificationTTL)
	if cfg.AdvisorURL != "" {
		eng = eng.WithAdvisor(advisor.NewHTTP(cfg.AdvisorURL, cfg.AdvisorAPIKey, cfg.AdvisorRPS, 30*time.Second))
	}

	authSvc, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	server := NewServer(eng, authSvc, logger, cfg.RateLimitPerMinute, cfg.MaxBodySizeBytes)
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	scheduler := eng.Scheduler(decay.Config{
		Interval:   cfg.DecayInterval,
		Inactivity: cfg.DecayInactivity,
		Points:     cfg.DecayPoints,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return scheduler.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if werr := eng.Wait(); werr != nil {
		logger.Warn("background trust recompute failed", "error", werr)
	}
	return err
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory store")
		return memstore.New(), nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		return nil, err
	}
	if err := migrations.Apply(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pgstore.New(pool, logger), nil
}
