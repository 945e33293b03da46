package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/regulata/regwatch/config"
	"github.com/regulata/regwatch/internal/notifier"
	"github.com/regulata/regwatch/internal/streams"
)

func tailCMD() *cobra.Command {
	var cfgPath string
	var group string
	var name string

	var tail = &cobra.Command{
		Use:   "tail",
		Short: "Follow the change stream and print events",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			addr := cfg.Storage.Redis.Addr()
			if addr == "" || cfg.Notifier.Stream == "" {
				return fmt.Errorf("tail needs storage.redis and notifier.stream configured")
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rdb := redis.NewClient(&redis.Options{
				Addr:     addr,
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			defer rdb.Close()

			if err := streams.EnsureGroup(ctx, rdb, cfg.Notifier.Stream, group); err != nil {
				return err
			}
			consumer := streams.NewConsumer(rdb, group, name)

			for {
				msgs, err := consumer.Read(ctx, cfg.Notifier.Stream, streams.WithBlock(5*time.Second), streams.WithCount(32))
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
				var acked []string
				for _, msg := range msgs {
					var payload notifier.ChangePayload
					if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
						fmt.Fprintf(os.Stderr, "skip %s: %v\n", msg.ID, err)
						acked = append(acked, msg.ID)
						continue
					}
					fmt.Printf("%s %s %s %d->%d %v %s\n",
						msg.Envelope.OccurredAt.Format(time.RFC3339), msg.Envelope.EventID,
						payload.Identity, payload.OldSeq, payload.NewSeq, payload.Labels, payload.DiffSummary)
					acked = append(acked, msg.ID)
				}
				if err := consumer.Ack(ctx, cfg.Notifier.Stream, acked...); err != nil {
					return err
				}
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
	tail.Flags().StringVar(&group, "group", "regwatch-tail", "consumer group")
	tail.Flags().StringVar(&name, "name", "tail-1", "consumer name within the group")
	tail.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config)")

	return tail
}
