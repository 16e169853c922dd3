// Command producer publishes a single record to a log root and prints the
// (partition, offset) it was assigned.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/eferro/brokerd/internal/config"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/plog"
)

func main() {
	var root, key, payload string

	cmd := &cobra.Command{
		Use:   "producer",
		Short: "Publish one record to a brokerd log root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.New(), cmd.Flags())
			if err != nil {
				return err
			}
			if key == "" {
				return fmt.Errorf("producer: --key is required")
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

			partition, offset, err := log.Produce([]byte(key), []byte(payload))
			if err != nil {
				return err
			}
			fmt.Printf("partition=%d offset=%d\n", partition, offset)
			return nil
		},
	}

	cmd.Flags().StringVar(&root, "root", "./data", "log root directory")
	cmd.Flags().StringVar(&key, "key", "", "record key, routed via stable_hash(key) mod N")
	cmd.Flags().StringVar(&payload, "payload", "", "record payload")
	config.BindFlags(cmd.Flags())

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
