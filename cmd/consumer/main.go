// Command consumer joins a consumer group against a log root and prints
// every delivered record until interrupted, then leaves the group
// gracefully.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eferro/brokerd/internal/assign"
	"github.com/eferro/brokerd/internal/config"
	"github.com/eferro/brokerd/internal/consumer"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/plog"
)

func main() {
	var root, group, strategy string

	cmd := &cobra.Command{
		Use:   "consumer",
		Short: "Join a consumer group and print delivered records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			if group == "" {
				return fmt.Errorf("consumer: --group is required")
			}
			n, err := plog.DiscoverPartitionCount(root)
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.LogLevel)
			log, err := plog.Open(root, plog.Options{
				Partitions:  n,
				Compression: cfg.Compression,
				Logger:      logger,
			})
			if err != nil {
				return err
			}

			handler := func(key, payload []byte, partition uint32, offset uint64) error {
				fmt.Printf("partition=%d offset=%d key=%q payload=%q\n", partition, offset, key, payload)
				return nil
			}

			member, err := consumer.Subscribe(log, consumer.Options{
				Group:             group,
				Strategy:          assign.Name(strategy),
				HeartbeatInterval: cfg.HeartbeatInterval,
				SessionTimeout:    cfg.SessionTimeout,
				IdlePollInterval:  cfg.IdlePollInterval,
				Logger:            logger,
			}, handler)
			if err != nil {
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return member.Close(ctx)
		},
	}

	cmd.Flags().StringVar(&root, "root", "./data", "log root directory")
	cmd.Flags().StringVar(&group, "group", "", "consumer group name")
	cmd.Flags().StringVar(&strategy, "strategy", "round_robin", "assignment strategy: round_robin | range")
	config.BindFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
