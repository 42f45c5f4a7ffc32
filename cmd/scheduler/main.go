package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/muaviaUsmani/duebook/internal/alert"
	"github.com/muaviaUsmani/duebook/internal/config"
	"github.com/muaviaUsmani/duebook/internal/confirm"
	"github.com/muaviaUsmani/duebook/internal/finance"
	"github.com/muaviaUsmani/duebook/internal/logger"
	"github.com/muaviaUsmani/duebook/internal/notify"
	"github.com/muaviaUsmani/duebook/internal/period"
	"github.com/muaviaUsmani/duebook/internal/posting"
	"github.com/muaviaUsmani/duebook/internal/scanner"
	"github.com/muaviaUsmani/duebook/internal/store"
	"github.com/muaviaUsmani/duebook/internal/task"
	"github.com/muaviaUsmani/duebook/internal/userdir"
)

// connectWithRetry connects to Redis with exponential backoff
func connectWithRetry(redisURL string, maxRetries int, log logger.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	for attempt := 0; attempt < maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = client.Ping(ctx).Err()
		cancel()
		if err == nil {
			return client, nil
		}

		// 2^attempt seconds, capped at 30 seconds
		delay := time.Duration(1<<uint(attempt)) * time.Second
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}

		log.Warn("Failed to connect to Redis, retrying",
			"attempt", attempt+1,
			"max_attempts", maxRetries,
			"error", err,
			"retry_in", delay)

		time.Sleep(delay)
	}

	client.Close()
	return nil, fmt.Errorf("failed to connect to Redis after %d attempts: %w", maxRetries, err)
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

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	scannerLog := log.WithComponent(logger.ComponentScanner).WithSource(logger.LogSourceInternal)

	scannerLog.Info("Scheduler starting",
		"db_driver", cfg.DBDriver,
		"interval", scanCfg.Interval,
		"scanner_enabled", scanCfg.Enabled,
		"redis", cfg.RedisURL != "")

	pprofPort := os.Getenv("PPROF_PORT")
	if pprofPort == "" {
		pprofPort = "6062"
	}
	go func() {
		scannerLog.Info("Starting pprof server", "port", pprofPort, "url", fmt.Sprintf("http://localhost:%s/debug/pprof/", pprofPort))
		if err := http.ListenAndServe(":"+pprofPort, nil); err != nil {
			scannerLog.Error("pprof server failed", "error", err)
		}
	}()

	db, err := store.Open(store.Options{Driver: cfg.DBDriver, DSN: cfg.DatabaseURL, Logger: log})
	if err != nil {
		scannerLog.Error("Failed to open store", "error", err)
		os.Exit(1)
	}
	st := store.New(db)

	dir := userdir.NewSQL(db, cfg.DefaultTimezone)
	if err := dir.Migrate(); err != nil {
		scannerLog.Error("Failed to migrate user directory", "error", err)
		os.Exit(1)
	}
	fallback, err := period.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		scannerLog.Error("Invalid default timezone", "error", err)
		os.Exit(1)
	}
	zones := userdir.NewLocator(dir, fallback)

	var fx *finance.Client
	var converter notify.Converter
	if cfg.FinanceAPIURL != "" {
		fx = finance.NewClient(cfg.FinanceAPIURL, cfg.FinanceAPIToken, cfg.PostingTimeout)
		converter = fx
	}

	renderer := notify.NewRenderer(zones, converter, cfg.DisplayCurrency)
	renderer.SetLogger(log)
	router := notify.NewRouter(renderer, cfg.NotifyRatePerSec)
	router.SetLogger(log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.TelegramToken != "" {
		sender, bot, err := notify.NewTelegramSender(cfg.TelegramToken)
		if err != nil {
			scannerLog.Error("Failed to connect to telegram", "error", err)
			os.Exit(1)
		}
		router.Register(task.ChannelTelegram, sender)

		// Button presses are confirmations, which need the expense API.
		if fx != nil {
			coordinator := posting.NewCoordinator(fx, zones, cfg.PostingTimeout)
			coordinator.SetLogger(log)
			handler := confirm.NewHandler(st, coordinator, cfg.ClaimTTL, cfg.DefaultSnooze)
			handler.SetLogger(log)

			listener := notify.NewListener(bot, bot, st, handler)
			listener.SetLogger(log)
			go func() {
				if err := listener.Run(ctx); err != nil {
					scannerLog.Error("Callback listener failed", "error", err)
				}
			}()
		} else {
			scannerLog.Warn("FINANCE_API_URL is not set, telegram buttons will not be handled")
		}
	}
	if cfg.NotifyWebhookURL != "" {
		router.Register(task.ChannelWebhook, notify.NewWebhookSender(cfg.NotifyWebhookURL, cfg.NotifyWebhookToken, cfg.PostingTimeout))
	}
	scannerLog.Info("Notification channels ready", "channels", router.Channels())

	sc := scanner.New(st, router, zones, scanCfg)
	sc.SetLogger(log)

	if cfg.RedisURL != "" {
		rdb, err := connectWithRetry(cfg.RedisURL, 5, log.WithComponent(logger.ComponentRedis))
		if err != nil {
			scannerLog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()

		sc.SetLeaser(scanner.NewRedisLeaser(rdb))
		sc.SetAlertSink(alert.NewRedisSink(rdb))
		scannerLog.Info("Successfully connected to Redis")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	if scanCfg.Enabled {
		go func() {
			defer close(done)
			sc.Run(ctx)
		}()
	} else {
		scannerLog.Warn("Scan loop disabled, only serving callbacks")
		close(done)
	}

	sig := <-sigChan
	scannerLog.Info("Received shutdown signal, initiating graceful shutdown", "signal", sig)

	cancel()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		scannerLog.Warn("Scanner did not stop in time")
	}

	scannerLog.Info("Scheduler shut down successfully")
}
