package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/famledger/internal/allowance"
	"github.com/dukerupert/famledger/internal/config"
	"github.com/dukerupert/famledger/internal/database"
	"github.com/dukerupert/famledger/internal/logging"
	"github.com/dukerupert/famledger/internal/server"
	"github.com/dukerupert/famledger/internal/verify"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve(cfg, logger)
	case "process-due":
		err = processDue(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "usage: %s [serve|process-due]\n", os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		logger.Error("exiting", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if cfg.JWTSecret == "" {
		cfg.JWTSecret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("FAMLEDGER_JWT_SECRET not set, using a random secret; tokens will not survive a restart")
	}

	var codes *verify.Store
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		codes = verify.NewStore(rdb, cfg.VerifyTTL)
	} else {
		logger.Info("FAMLEDGER_REDIS_ADDR not set, phone verification disabled")
	}
	if cfg.OpenRegistration {
		logger.Warn("FAMLEDGER_OPEN_REGISTRATION is on; members can register without a verified phone")
	}

	srv := server.New(db, cfg, codes, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.RateLimiter().Run(ctx, 5*time.Minute)

	if cfg.ProcessInterval > 0 {
		sched := allowance.NewScheduler(srv.Allowance(), cfg.ProcessInterval)
		sched.Start(ctx)
		defer sched.Stop()
		logger.Info("allowance scheduler started", "interval", cfg.ProcessInterval)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("famledger listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// processDue pays every due allowance once and exits. It is meant to be run
// from cron or a systemd timer.
func processDue(cfg *config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(db, cfg, nil, logger)
	results, err := srv.Allowance().ProcessAllDue(ctx)
	for _, res := range results {
		logger.Info("allowance batch finished",
			"run_id", res.RunID, "family_id", res.FamilyID,
			"processed", res.Processed, "skipped", res.Skipped, "failed", res.Failed)
		if res.Err != nil {
			logger.Warn("allowance batch failures", "run_id", res.RunID, "error", res.Err)
		}
	}
	return err
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
