// The sweep binary runs one full reconciliation pass and exits 0 only
// when every denormalized table agrees with its authoritative source
// afterwards. The nightly scheduler alerts on a non-zero exit.
package main

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"trailhead/api/internal/archive"
	"trailhead/api/internal/config"
	"trailhead/api/internal/reconcile"
	"trailhead/api/internal/search"
	"trailhead/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Hour)
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

	sweeper := reconcile.NewSweeper(cfg.SweepAutoFix,
		reconcile.Check{Table: "items", Run: dataStore.ReconcileItemCounters},
		reconcile.Check{Table: "user_stats", Run: dataStore.ReconcileUserStats},
		reconcile.Check{Table: "conversation_participants", Run: dataStore.ReconcileUnreadCounts},
	)

	refreshers := []reconcile.Refresher{
		{Name: "leaderboard", Run: dataStore.RefreshLeaderboard},
	}
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
		refreshers = append(refreshers, reconcile.Refresher{
			Name: "item_index",
			Run: func(ctx context.Context) error {
				items, err := dataStore.ListTopItems(ctx, 100)
				if err != nil {
					return err
				}
				meiliClient.IndexItems(ctx, items)
				return nil
			},
		})
	}
	sweeper.WithRefreshers(refreshers...)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		reportStore, err := archive.New(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Printf("report archive unavailable, continuing without: %v", err)
		} else {
			sweeper.WithArchiver(reportStore)
		}
	}

	report := sweeper.Run(ctx)
	log.Printf("sweep: checked=%v found=%d fixed=%d errors=%d duration=%s",
		report.TablesChecked,
		report.DiscrepanciesFound,
		report.DiscrepanciesFixed,
		len(report.Errors),
		report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)

	if !report.Clean() {
		os.Exit(1)
	}
}
