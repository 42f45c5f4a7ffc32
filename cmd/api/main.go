// Package main provides the duebook API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" // #nosec G108 - pprof is intentionally exposed for debugging, isolated to separate port
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/duebook/internal/alert"
	"github.com/muaviaUsmani/duebook/internal/api"
	"github.com/muaviaUsmani/duebook/internal/config"
	"github.com/muaviaUsmani/duebook/internal/confirm"
	"github.com/muaviaUsmani/duebook/internal/finance"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/metrics"
	"github.com/muaviaUsmani/duebook/internal/period"
	"github.com/muaviaUsmani/duebook/internal/posting"
	"github.com/muaviaUsmani/duebook/internal/scanner"
	"github.com/muaviaUsmani/duebook/internal/store"
	"github.com/muaviaUsmani/duebook/internal/userdir"
)

// connectRedis connects to Redis, failing fast when it is unreachable
func connectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	scanCfg, err := config.LoadScannerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load scanner config: %v\n", err)
		os.Exit(1)
	}
	if cfg.FinanceAPIURL == "" {
		fmt.Fprintln(os.Stderr, "FINANCE_API_URL is required by the API server")
		os.Exit(1)
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to close logger: %v\n", err)
		}
	}()

	logger.SetDefault(log)

	apiLog := log.WithComponent(logger.ComponentAPI).WithSource(logger.LogSourceInternal)

	apiLog.Info("API server starting",
		"db_driver", cfg.DBDriver,
		"api_port", cfg.APIPort,
		"posting_timeout", cfg.PostingTimeout,
		"claim_ttl", cfg.ClaimTTL)

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6060"
	}
	go func() {
		apiLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		pprofServer := &http.Server{
			Addr:              ":" + pprofPort,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		if err := pprofServer.ListenAndServe(); err != nil {
			apiLog.Error("pprof server failed", "error", err)
		}
	}()

	db, err := store.Open(store.Options{Driver: cfg.DBDriver, DSN: cfg.DatabaseURL, Logger: log})
	if err != nil {
		apiLog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	dir := userdir.NewSQL(db, cfg.DefaultTimezone)
	if err := dir.Migrate(); err != nil {
		apiLog.Error("Failed to migrate user directory", "error", err)
		os.Exit(1)
	}
	fallback, err := period.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		apiLog.Error("Invalid default timezone", "error", err)
		os.Exit(1)
	}
	zones := userdir.NewLocator(dir, fallback)

	fx := finance.NewClient(cfg.FinanceAPIURL, cfg.FinanceAPIToken, cfg.PostingTimeout)
	coordinator := posting.NewCoordinator(fx, zones, cfg.PostingTimeout)
	coordinator.SetLogger(log)
	handler := confirm.NewHandler(st, coordinator, cfg.ClaimTTL, cfg.DefaultSnooze)
	handler.SetLogger(log)

	// Only used for due listings; delivery runs in the scheduler.
	due := scanner.New(st, nil, zones, scanCfg)
	due.SetLogger(log)

	serverCfg := api.Config{
		Store:              st,
		Confirmer:          handler,
		Due:                due,
		Zones:              zones,
		Timezones:          dir,
		Metrics:            metrics.Default(),
		DefaultCatchUp:     scanCfg.DefaultCatchUp,
		DefaultMaxBackfill: scanCfg.DefaultMaxBackfill,
		AllowedOrigins:     cfg.AllowedOrigins,
	}

	if cfg.RedisURL != "" {
		rdb, err := connectRedis(cfg.RedisURL)
		if err != nil {
			apiLog.Error("Redis unavailable, alerts endpoint disabled", "error", err)
		} else {
			defer rdb.Close()
			serverCfg.Alerts = alert.NewRedisSink(rdb)
		}
	}

	srv := api.NewServer(serverCfg)
	srv.SetLogger(log)

	addr := ":" + cfg.APIPort
	apiLog.Info("API server listening", "address", addr)

	server := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      cfg.PostingTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			apiLog.Error("API server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	apiLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		apiLog.Error("Graceful shutdown failed", "error", err)
	}

	apiLog.Info("API server shut down successfully")
}
