package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/regulata/regwatch/config"
	"github.com/regulata/regwatch/internal/kb"
	"github.com/regulata/regwatch/internal/notifier"
	srv "github.com/regulata/regwatch/internal/server"
	"github.com/regulata/regwatch/internal/store"
	"github.com/regulata/regwatch/internal/streams"
	"github.com/regulata/regwatch/internal/watcher"
)

func watchCMD() *cobra.Command {
	var cfgPath string
	var migDir string

	var watch = &cobra.Command{
		Use:   "watch",
		Short: "Run the watcher, notifier and ops API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			logger := log.New(log.Writer(), "[REGWATCH] ", log.LstdFlags)

			if err := srv.Migrate(migDir, cfg.Storage.Postgres.DSN(), "up", 0); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer st.DB.Close()

			registry, err := watcher.NewRegistry(cfg.Watcher.Sources)
			if err != nil {
				return err
			}

			fetcher := watcher.NewHTTPFetcher(cfg.Watcher.FetchTimeout, cfg.Watcher.UserAgent, nil)
			for _, src := range registry.ListSources() {
				if src.Fetch == watcher.FetchRender {
					fetcher.WithRenderer(watcher.NewChromeRenderer(cfg.Watcher.UserAgent))
					break
				}
			}

			pipeline := watcher.NewPipeline(fetcher, watcher.NewNormalizer(nil), watcher.NewRuleClassifier(), st, nil)
			scheduler := watcher.NewScheduler(registry, pipeline, nil)

			var rdb *redis.Client
			if addr := cfg.Storage.Redis.Addr(); addr != "" {
				rdb = redis.NewClient(&redis.Options{
					Addr:     addr,
					Password: cfg.Storage.Redis.Password,
					DB:       cfg.Storage.Redis.DB,
				})
				defer rdb.Close()
				if cfg.Watcher.CycleLockTTL > 0 {
					scheduler.WithCycleLock(rdb, cfg.Watcher.CycleLockTTL)
				}
			}

			notif := notifier.New(st, cfg.Notifier.SweepInterval, cfg.Notifier.BatchSize, nil)

			var loader *kb.Loader
			if cfg.Knowledge.Enabled {
				loader, err = kb.NewLoader(cfg.Knowledge.IndexPath, st, nil)
				if err != nil {
					return fmt.Errorf("open knowledge base: %w", err)
				}
				defer loader.Close()
				if err := loader.Bootstrap(ctx); err != nil {
					return fmt.Errorf("bootstrap knowledge base: %w", err)
				}
				notif.Register(loader)
			}
			if rdb != nil && cfg.Notifier.Stream != "" {
				pub := streams.NewPublisher(rdb)
				notif.Register(notifier.NewStreamConsumer(pub, cfg.Notifier.Stream, cfg.Notifier.StreamMaxLen))
			}

			e := srv.New(st, registry, scheduler, loader).Echo()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error { return scheduler.Run(ctx) })
			g.Go(func() error { return notif.Run(ctx) })
			g.Go(func() error {
				err := e.Start(cfg.Server.Address)
				if err != nil && err != http.ErrServerClosed {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return e.Shutdown(shutdownCtx)
			})

			logger.Printf("watching %d sources, api on %s", len(registry.ListSources()), cfg.Server.Address)
			if err := g.Wait(); err != nil && err != context.Canceled {
				return err
			}
			return nil
		},
	}
	watch.Flags().StringVar(&migDir, "migrations", "file://migrations", "migrations source")
	watch.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return watch
}
