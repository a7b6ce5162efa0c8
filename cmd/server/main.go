package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/lurkerhound/lurkerhound/internal/aggregator"
	"github.com/lurkerhound/lurkerhound/internal/conductor"
	"github.com/lurkerhound/lurkerhound/internal/config"
	"github.com/lurkerhound/lurkerhound/internal/credentials"
	"github.com/lurkerhound/lurkerhound/internal/enricher"
	"github.com/lurkerhound/lurkerhound/internal/enumerator"
	"github.com/lurkerhound/lurkerhound/internal/jobs"
	"github.com/lurkerhound/lurkerhound/internal/logger"
	"github.com/lurkerhound/lurkerhound/internal/metrics"
	"github.com/lurkerhound/lurkerhound/internal/queue"
	"github.com/lurkerhound/lurkerhound/internal/sightings"
	"github.com/lurkerhound/lurkerhound/internal/storage/pg"
	"github.com/lurkerhound/lurkerhound/internal/twitchapi"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("Starting lurkerhound server", "port", cfg.Port)

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

	pending := queue.New(rdb, "pending")
	// The workbench holds at most one join-window's worth of fetches.
	workbench := queue.New(rdb, "workbench", queue.WithSizeLimit(cfg.JoinLimitCount))
	cache := sightings.NewFromOptions(redisOpts, cfg.CacheShardCount)

	api := twitchapi.NewClient(cfg.HTTPTimeout)
	creds := credentials.NewService(db.Queries, api, cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.OAuthBaseURL, log)

	enum := enumerator.New(db.Queries, api, creds, pending, cfg.HelixBaseURL, cfg.ScanProfile, log)
	cond := conductor.New(db.Queries, pending, workbench, cache, enum, conductor.Config{
		RefillInterval: cfg.JoinLimitWindow,
		WriteRetries:   cfg.WorkerWriteRetries,
	}, log)

	enrich := enricher.New(db.Queries, api, creds, cache, cfg.HelixBaseURL, cfg.EnrichBatchSize, log)
	agg := aggregator.New(db.Queries, cache, log)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.EnrichCronSpec, func() {
		if _, err := enrich.RunOnce(context.Background()); err != nil {
			log.Error("Scheduled enrichment failed", "error", err)
		}
	}); err != nil {
		log.Error("Failed to schedule enrichment", "error", err)
		os.Exit(1)
	}
	if _, err := scheduler.AddFunc(cfg.AggregateCronSpec, func() {
		if _, err := agg.RunLatest(context.Background()); err != nil {
			log.Error("Scheduled aggregation failed", "error", err)
		}
	}); err != nil {
		log.Error("Failed to schedule aggregation", "error", err)
		os.Exit(1)
	}
	scheduler.Start()

	gin.SetMode(cfg.GinMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logger.RequestLoggingMiddleware(log))

	router.GET("/healthcheck", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	credsHandler := credentials.NewHandler(creds, log)
	router.POST("/store-token", credsHandler.StoreToken)
	router.GET("/force-tokens-refresh", credsHandler.ForceTokensRefresh)

	scanHandler := conductor.NewHandler(cond, log)
	router.POST("/scans", scanHandler.StartScan)
	router.GET("/scans/:id", scanHandler.GetScan)
	router.DELETE("/scans/:id", scanHandler.CancelScan)

	jobsHandler := jobs.NewHandler(enrich, agg, log)
	router.POST("/jobs/enrich", jobsHandler.Enrich)
	router.POST("/jobs/aggregate", jobsHandler.Aggregate)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	scheduler.Stop()
	cond.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", "error", err)
	}
	log.Info("Server stopped")
}
