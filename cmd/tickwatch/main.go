package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"tickwatch/internal/alerts"
	"tickwatch/internal/config"
	"tickwatch/internal/feed"
	"tickwatch/internal/hub"
	"tickwatch/internal/logger"
	"tickwatch/internal/market"
	"tickwatch/internal/metadata"
	"tickwatch/internal/models"
	"tickwatch/internal/notify"
	"tickwatch/internal/profile"
	"tickwatch/internal/sched"
	"tickwatch/internal/storage"
)

var configPath = flag.String("config", "configs/config.yaml", "Path to configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", *configPath)

	loc, err := time.LoadLocation(cfg.Market.Timezone)
	if err != nil {
		logger.Fatal("Failed to load market timezone: %v", err)
	}

	store, err := storage.New(cfg.Storage.DBPath, loc)
	if err != nil {
		logger.Fatal("Failed to initialize storage: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	meta, err := metadata.Load(cfg.Metadata.CSVPath)
	if err != nil {
		logger.Fatal("Failed to load instrument metadata: %v", err)
	}
	symbols := make([]string, 0, len(meta))
	for sym := range meta {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var accessToken string
	if cfg.Feed.TokenFile != "" {
		raw, err := os.ReadFile(cfg.Feed.TokenFile)
		if err != nil {
			logger.Fatal("Failed to read feed token: %v", err)
		}
		accessToken = strings.TrimSpace(string(raw))
	}

	table := feed.NewTable()
	feedClient := feed.NewClient(feed.Config{
		URL:          cfg.Feed.URL,
		AccessToken:  accessToken,
		DialTimeout:  cfg.Feed.DialTimeout,
		MinReconnect: cfg.Feed.MinReconnect,
		MaxReconnect: cfg.Feed.MaxReconnect,
	}, symbols, table)

	profiles := profile.NewStore(store, loc)
	engine := alerts.New(meta, alerts.Config{
		Toggles: alerts.Toggles{
			UserAlerts:   cfg.Alerts.UserAlerts,
			PDHCross:     cfg.Alerts.PDHCross,
			VolumeSpike:  cfg.Alerts.VolumeSpike,
			PositiveOpen: cfg.Alerts.PositiveOpen,
		},
		SpikeWindow:  cfg.Alerts.SpikeWindow,
		SpikeRatio:   cfg.Alerts.SpikeRatio,
		HistoryLimit: cfg.Alerts.HistoryLimit,
	}, loc)

	var telegramClient *notify.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = notify.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			logger.Fatal("Failed to initialize Telegram client: %v", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	broadcaster := hub.New(cfg.Publish.SubscriberBuffer)
	cyc := newCycle(cfg, loc, table, market.New(), engine, profiles, broadcaster, store, meta)

	engine.SetNotifier(func(a models.SystemAlert) {
		broadcaster.BroadcastSystemAlert(a)
		if telegramClient != nil {
			go func() {
				if err := telegramClient.SendAlert(a); err != nil {
					logger.Warn("Failed to send Telegram alert: %v", err)
				}
			}()
		}
	})
	engine.SetPersister(func(a models.SystemAlert) {
		pctx, pcancel := context.WithTimeout(ctx, cfg.Storage.QueryTimeout)
		defer pcancel()
		if err := store.InsertSystemAlert(pctx, &a); err != nil {
			logger.Warn("Failed to persist system alert %s: %v", a.ID, err)
		}
	})

	server := hub.NewServer(broadcaster, engine, cyc.initialSnapshot, func() hub.Stats {
		status := "disconnected"
		if feedClient.Connected() {
			status = "connected"
		}
		return hub.Stats{
			TotalSymbols:   len(meta),
			ActiveSymbols:  table.ActiveCount(),
			InvalidSymbols: len(table.InvalidSymbols()),
			Subscribers:    broadcaster.Subscribers(),
			Status:         status,
		}
	})
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: server}
	go func() {
		logger.Info("Listening on %s", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failed: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if cfg.Telegram.Enabled && telegramClient != nil {
		telegramClient.ListenForCommands(ctx)
	}

	go feedClient.Run(ctx)

	// Load the volume profile before the first cycle; a miss just means no
	// RVol until the next scheduled reload.
	loadProfile := func(c context.Context) error {
		qctx, qcancel := context.WithTimeout(c, cfg.Storage.QueryTimeout)
		defer qcancel()
		return profiles.Load(qctx, cfg.Profile.LookbackDays)
	}
	if err := loadProfile(ctx); err != nil {
		logger.Warn("Initial volume profile load failed: %v", err)
	}
	go sched.Every(ctx, cfg.Profile.RefreshInterval, "volume-profile reload", loadProfile)

	openT, _ := time.Parse("15:04", cfg.Market.OpenTime)
	go sched.Daily(ctx, loc, openT.Hour(), openT.Minute(), cfg.Alerts.PositiveOpenDelay, "positive-open check", func(c context.Context) error {
		qctx, qcancel := context.WithTimeout(c, cfg.Storage.QueryTimeout)
		defer qcancel()
		return engine.RunPositiveOpenCheck(qctx, store, cfg.MarketOpen(time.Now()))
	})

	logger.Info("Starting publication cycle (interval: %v, epsilon: %.2f, %d symbols)",
		cfg.Publish.Interval, cfg.Publish.Epsilon, len(symbols))

	ticker := time.NewTicker(cfg.Publish.Interval)
	defer ticker.Stop()

	consecutiveFailures := 0
	handleCycleResult := func(err error) {
		if err != nil {
			consecutiveFailures++
			logger.Error("Publication cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	for {
		select {
		case <-ctx.Done():
			cyc.flush(context.Background())
			logger.Info("Service stopped")
			return

		case <-ticker.C:
			handleCycleResult(cyc.run(ctx))
		}
	}
}
