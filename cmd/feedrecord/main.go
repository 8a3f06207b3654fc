// feedrecord subscribes to the configured symbols and persists every
// merged snapshot to Postgres in batches.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/algotrade/feedmux/internal/api"
	"github.com/algotrade/feedmux/internal/auth"
	"github.com/algotrade/feedmux/internal/config"
	"github.com/algotrade/feedmux/internal/database"
	"github.com/algotrade/feedmux/internal/feed"
	"github.com/algotrade/feedmux/internal/model"
	"github.com/algotrade/feedmux/internal/record"
	"github.com/algotrade/feedmux/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/feedmux.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting feedrecord",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateDatabase(); err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Watch.Symbols) == 0 {
		logger.Error("no watch.symbols configured")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	rest := api.NewClient(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithLogger(logger),
	)
	tokens := auth.NewTokenSource(rest, logger)

	writer := record.NewWriter(record.Config{
		BatchSize:     cfg.Recorder.BatchSize,
		FlushInterval: cfg.Recorder.FlushInterval,
		BufferSize:    cfg.Recorder.BufferSize,
	}, pool, logger)

	manager := feed.NewManager(feedConfig(cfg), rest, tokens, logger)
	defer manager.Close()

	if err := writer.Start(ctx); err != nil {
		logger.Error("failed to start writer", "error", err)
		os.Exit(1)
	}

	removeListener := manager.AddStateListener(func(c feed.StateChange) {
		if c.Err != "" {
			logger.Warn("feed state", "state", c.State, "error", c.Err, "fallback", c.Fallback)
			return
		}
		logger.Info("feed state", "state", c.State, "fallback", c.Fallback)
	})
	defer removeListener()

	for _, ws := range cfg.Watch.Symbols {
		mode := model.Mode(ws.Mode)
		if ws.Mode == "" {
			mode = model.ModeQuote
		}

		unsub, err := manager.Subscribe(ws.Symbol, ws.Exchange, mode, writer.Handle)
		if err != nil {
			logger.Error("subscribe failed",
				"symbol", ws.Symbol,
				"exchange", ws.Exchange,
				"error", err,
			)
			os.Exit(1)
		}
		defer unsub()
	}

	manager.Connect()

	// Periodic health logging until shutdown.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				fs := manager.Stats()
				ws := writer.Stats()
				logger.Info("health",
					"state", fs.State,
					"fallback", fs.FallbackMode,
					"subscriptions", fs.Subscriptions,
					"messages", fs.MessagesReceived,
					"inserted", ws.Inserts,
					"dropped", ws.Dropped,
				)
			}
		}
	})
	g.Wait()

	manager.Disconnect()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := writer.Stop(stopCtx); err != nil {
		logger.Error("writer stop failed", "error", err)
	}

	logger.Info("feedrecord stopped",
		"feed_stats", fmt.Sprintf("%+v", manager.Stats()),
		"writer_stats", fmt.Sprintf("%+v", writer.Stats()),
	)
}

func feedConfig(cfg *config.Config) feed.Config {
	return feed.Config{
		WSURL:                cfg.Feed.WSURL,
		InstanceID:           cfg.Instance.ID,
		ReconnectBaseDelay:   cfg.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.Feed.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		FailureThreshold:     cfg.Feed.FailureThreshold,
		PollInterval:         cfg.Feed.PollInterval,
		PingInterval:         cfg.Feed.PingInterval,
		PingTimeout:          cfg.Feed.PingTimeout,
		WriteTimeout:         cfg.Feed.WriteTimeout,
		BufferSize:           cfg.Feed.BufferSize,
		ControlRate:          cfg.Feed.ControlRate,
		ControlBurst:         cfg.Feed.ControlBurst,
	}
}
