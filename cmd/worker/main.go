package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/lurkerhound/lurkerhound/internal/config"
	"github.com/lurkerhound/lurkerhound/internal/credentials"
	"github.com/lurkerhound/lurkerhound/internal/fetcher"
	"github.com/lurkerhound/lurkerhound/internal/listener"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/queue"
	"github.com/lurkerhound/lurkerhound/internal/sightings"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
	"github.com/lurkerhound/lurkerhound/internal/twitchapi"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("Starting lurkerhound fetcher workers", "pool_size", cfg.FetcherPoolSize)

	db, err := pg.InitDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.DB.Close()

	redisOpts := &redis.Options{
		Addr:        cfg.RedisAddr(),
		DB:          cfg.RedisDB,
		DialTimeout: cfg.RedisTimeout,
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	workbench := queue.New(rdb, "workbench", queue.WithSizeLimit(cfg.JoinLimitCount))
	cache := sightings.NewFromOptions(redisOpts, cfg.CacheShardCount)

	api := twitchapi.NewClient(cfg.HTTPTimeout)
	creds := credentials.NewService(db.Queries, api, cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.OAuthBaseURL, log)

	writer := fetcher.NewSightingWriter(db.Queries, cache,
		cfg.SightingWriterPoolSize, cfg.SightingWriterBuffer, cfg.WorkerWriteRetries, log)
	defer writer.Close()

	listeners := func(accessToken string) fetcher.ChatListener {
		return listener.NewClient(listener.Config{
			URL:             cfg.IRCURL,
			Nick:            cfg.TwitchBotNick,
			AccessToken:     accessToken,
			ChannelTimeout:  cfg.ListenerChannelTimeout,
			JoinLimitCount:  cfg.JoinLimitCount,
			JoinLimitWindow: cfg.JoinLimitWindow,
		}, log)
	}

	workerCfg := fetcher.Config{
		DequeueTimeout: cfg.WorkerDequeueTimeout,
		IdleTick:       cfg.WorkerIdleTick,
		WriteRetries:   cfg.WorkerWriteRetries,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fetcher.RunPool(ctx, cfg.FetcherPoolSize, func(id string) *fetcher.Worker {
		return fetcher.NewWorker(id, workbench, db.Queries, creds, listeners, writer, workerCfg, log)
	})

	log.Info("Fetcher workers stopped")
}
