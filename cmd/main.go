package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"storytrack/internal/backend"
	"storytrack/internal/bot"
	"storytrack/internal/config"
	"storytrack/internal/database"
	"storytrack/internal/feed"
	"storytrack/internal/push"
	"storytrack/internal/scheduler"
	"storytrack/internal/tracking"
)

const shutdownTimeout = 15 * time.Second

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(log)

	start := time.Now()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		log.ErrorContext(ctx, "Failed to load config",
			"error", err)

		return
	}

	log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	client, err := backend.New(backend.Config{
		BaseURL:       cfg.APIBaseURL,
		Path:          cfg.APIPath,
		Token:         cfg.APIToken,
		Timeout:       cfg.APITimeout,
		RatePerSecond: cfg.APIRatePerSecond,
	}, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize backend client",
			"error", err,
			"baseURL", cfg.APIBaseURL)

		return
	}

	fetcher, err := initFetcher(ctx, cfg, client, log)
	if err != nil {
		log.ErrorContext(ctx, "Failed to initialize feed search",
			"error", err,
			"feedSearchURL", cfg.FeedSearchURL)

		return
	}

	opts := []tracking.Option{}

	if cfg.CachePath != "" {
		db, dbErr := database.New(ctx, cfg.CachePath, log)
		if dbErr != nil {
			log.ErrorContext(ctx, "Failed to initialize cache",
				"error", dbErr,
				"cachePath", cfg.CachePath)

			return
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				log.ErrorContext(ctx, "Failed to close cache",
					"error", closeErr,
					"cachePath", cfg.CachePath)
			}
		}()

		opts = append(opts, tracking.WithCache(db))
		log.InfoContext(ctx, "Cache is initialized",
			"cachePath", cfg.CachePath)
	}

	if cfg.PushURL != "" {
		pushClient, pushErr := initPush(ctx, cfg, log)
		if pushErr != nil {
			log.ErrorContext(ctx, "Failed to connect push client",
				"error", pushErr,
				"pushURL", cfg.PushURL)

			return
		}
		defer func() {
			if closeErr := pushClient.Close(); closeErr != nil {
				log.WarnContext(ctx, "Failed to close push client",
					"error", closeErr)
			}
		}()

		opts = append(opts, tracking.WithPush(pushClient))
	}

	sched := scheduler.New(log)
	sched.Start()
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()

		sched.Stop(stopCtx)
		log.InfoContext(ctx, "Scheduler is stopped")
	}()
	log.InfoContext(ctx, "Scheduler is started",
		"timezone", time.FixedZone(scheduler.Timezone, scheduler.TimezoneOffsetSeconds).String())

	store := tracking.New(tracking.Config{
		PollInterval:       cfg.PollInterval,
		PollMinInterval:    cfg.PollMinInterval,
		PollTimeout:        cfg.PollTimeout,
		PollOnStart:        true,
		SeenMaxEntries:     cfg.SeenCacheSize,
		RefreshConcurrency: cfg.RefreshConcurrency,
	}, client, fetcher, sched, log, opts...)
	defer store.Close()

	if err = store.Load(ctx); err != nil {
		log.ErrorContext(ctx, "Failed to load tracked stories",
			"error", err)
	}

	var botInst *bot.Bot
	if cfg.TelegramToken != "" {
		botInst, err = bot.New(cfg.TelegramToken, store, cfg.AllowedUsers, log)
		if err != nil {
			log.ErrorContext(ctx, "Failed to initialize bot",
				"error", err,
				"allowedUsersCount", len(cfg.AllowedUsers))

			return
		}

		go botInst.Start(ctx)
	}

	log.InfoContext(ctx, "Story tracking is started",
		"topics", len(store.Topics()),
		"scheduledTopics", sched.Len(),
		"pollInterval", cfg.PollInterval,
		"pollMinInterval", cfg.PollMinInterval,
		"push", cfg.PushURL != "",
		"bot", botInst != nil)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	sig := <-c
	log.InfoContext(ctx, "Shutdown signal is received",
		"signal", sig.String())
	cancel()

	store.Close()
	log.InfoContext(ctx, "Workers are stopped",
		"uptimeSeconds", time.Since(start).Seconds())

	if botInst != nil {
		botInst.Stop()
		log.InfoContext(ctx, "Bot is stopped")
	}

	log.InfoContext(ctx, "Exiting...",
		"signal", sig.String(),
		"uptimeSeconds", time.Since(start).Seconds())
}

func initFetcher(
	ctx context.Context,
	cfg config.Config,
	client *backend.Client,
	log *slog.Logger,
) (tracking.ArticleFetcher, error) {
	if cfg.FeedSearchURL == "" {
		return client, nil
	}

	search, err := feed.NewSearch(cfg.FeedSearchURL, nil, log)
	if err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "Feed search is used for polling",
		"feedSearchURL", cfg.FeedSearchURL)

	return search, nil
}

func initPush(ctx context.Context, cfg config.Config, log *slog.Logger) (*push.Client, error) {
	pushClient, err := push.New(push.Config{
		URL:    cfg.PushURL,
		APIKey: cfg.PushAPIKey,
	}, log)
	if err != nil {
		return nil, err
	}

	if err = pushClient.Connect(ctx); err != nil {
		return nil, err
	}

	log.InfoContext(ctx, "Push client is connected",
		"pushURL", cfg.PushURL)

	return pushClient, nil
}
