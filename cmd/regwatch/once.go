package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/regulata/regwatch/config"
	"github.com/regulata/regwatch/internal/store"
	"github.com/regulata/regwatch/internal/watcher"
)

func onceCMD() *cobra.Command {
	var cfgPath string
	var sourceID string

	var once = &cobra.Command{
		Use:   "once",
		Short: "Run a single cycle for one source and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sourceID == "" {
				return fmt.Errorf("--source is required")
			}
			cfg := config.LoadConfig(cfgPath)

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
			src, ok := registry.Get(sourceID)
			if !ok {
				return fmt.Errorf("unknown source: %s", sourceID)
			}

			fetcher := watcher.NewHTTPFetcher(cfg.Watcher.FetchTimeout, cfg.Watcher.UserAgent, nil)
			if src.Fetch == watcher.FetchRender {
				fetcher.WithRenderer(watcher.NewChromeRenderer(cfg.Watcher.UserAgent))
			}
			pipeline := watcher.NewPipeline(fetcher, watcher.NewNormalizer(nil), watcher.NewRuleClassifier(), st, nil)

			res, err := pipeline.RunCycle(ctx, src)
			if err != nil {
				return err
			}
			fmt.Printf("fetched=%d stored=%d unchanged=%d failed=%d\n", res.Fetched, res.Stored, res.Unchanged, res.Failed)
			return nil
		},
	}
	once.Flags().StringVar(&sourceID, "source", "", "source id to run")
	once.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return once
}
