// feedwatch subscribes to the configured symbols and prints every tick.
// It is the debugging companion for the feed client: one glance shows
// whether data flows over push or fallback polling.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/algotrade/feedmux/internal/api"
	"github.com/algotrade/feedmux/internal/auth"
	"github.com/algotrade/feedmux/internal/config"
	"github.com/algotrade/feedmux/internal/feed"
	"github.com/algotrade/feedmux/internal/model"
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

	// Optional .env for local development; absence is fine.
	godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	logger.Info("starting feedwatch",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if len(cfg.Watch.Symbols) == 0 {
		logger.Error("no watch.symbols configured")
		os.Exit(1)
	}

	rest := api.NewClient(cfg.API.BaseURL,
		api.WithTimeout(cfg.API.Timeout),
		api.WithRetries(cfg.API.MaxRetries, time.Second),
		api.WithLogger(logger),
	)
	tokens := auth.NewTokenSource(rest, logger)

	manager := feed.NewManager(feedConfig(cfg), rest, tokens, logger)
	defer manager.Close()

	// SIGUSR1/SIGUSR2 stand in for the host app's hidden/visible
	// transitions, driving the debounced pause/resume path.
	vis := feed.NewVisibilityCoordinator(manager, cfg.Feed.HiddenPauseDelay, logger)
	defer vis.Stop()
	visCh := make(chan os.Signal, 1)
	signal.Notify(visCh, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range visCh {
			if sig == syscall.SIGUSR1 {
				vis.Hidden()
			} else {
				vis.Visible()
			}
		}
	}()

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

		symbol, exchange := ws.Symbol, ws.Exchange
		unsub, err := manager.Subscribe(symbol, exchange, mode, func(s model.SymbolData) {
			printTick(s)
		})
		if err != nil {
			logger.Error("subscribe failed",
				"symbol", symbol,
				"exchange", exchange,
				"mode", mode,
				"error", err,
			)
			os.Exit(1)
		}
		defer unsub()
	}

	manager.Connect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	manager.Disconnect()
	logger.Info("feedwatch stopped", "stats", fmt.Sprintf("%+v", manager.Stats()))
}

func printTick(s model.SymbolData) {
	line := fmt.Sprintf("%s %s:%s ltp=%.2f bid=%.2f ask=%.2f vol=%d",
		s.LastUpdate.Format("15:04:05.000"),
		s.Exchange, s.Symbol, s.LTP, s.BidPrice, s.AskPrice, s.Volume,
	)
	if s.Depth != nil {
		line += fmt.Sprintf(" depth=%dx%d", len(s.Depth.Buy), len(s.Depth.Sell))
	}
	fmt.Println(line)
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
