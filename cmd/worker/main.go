package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ThreeDotsLabs/watermill"

	"trailhead/api/internal/app"
	"trailhead/api/internal/cache"
	"trailhead/api/internal/config"
	"trailhead/api/internal/engine"
	"trailhead/api/internal/notify"
	"trailhead/api/internal/queue"
	"trailhead/api/internal/search"
	"trailhead/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)

	cacheTier, err := cache.New(cfg.RedisURL, cfg.CounterTTL, cfg.StatusTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer cacheTier.Close()

	var indexer engine.Indexer
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		indexer = meiliClient
	}

	wmLogger := watermill.NewStdLogger(false, false)
	queueCfg := queue.Config{URL: cfg.NATSURL, QueueGroup: cfg.QueueGroup, Workers: cfg.Workers}

	notifyPub, err := queue.NewNATSPublisher(queueCfg, wmLogger)
	if err != nil {
		log.Fatalf("nats publisher failed: %v", err)
	}
	defer notifyPub.Close()
	notifier := notify.NewPublisher(notifyPub, "notifications.item_engaged")

	processor := engine.NewProcessor(dataStore, cacheTier, notifier, cfg.MaxRetries, cfg.RetryBase, cfg.RetryCap)

	subscriber, err := queue.NewNATSSubscriber(queueCfg, wmLogger)
	if err != nil {
		log.Fatalf("nats subscriber failed: %v", err)
	}

	router, err := queue.NewIntentRouter(subscriber, cfg.IntentTopic, processor, wmLogger)
	if err != nil {
		log.Fatalf("intent router failed: %v", err)
	}

	batcher := engine.NewBatcher(cacheTier, cfg.DebounceWindow, cfg.DebounceThreshold)
	syncer := engine.NewSyncer(dataStore, cacheTier, batcher, indexer, cfg.SyncInterval, cfg.SyncBatchLimit)

	go func() {
		if err := router.Run(ctx); err != nil {
			log.Fatalf("router failed: %v", err)
		}
	}()
	go syncer.Run(ctx)

	service := app.NewService(dataStore, cacheTier)
	if meiliClient != nil {
		service.WithSearchHealth(meiliClient)
	}
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Trailhead engine listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancel()
	if err := router.Close(); err != nil {
		log.Printf("router close error: %v", err)
	}
	batcher.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
