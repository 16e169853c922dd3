// Command broker is the operator CLI for a log root: it has no long-lived
// network server of its own (routing happens in-process, via plog.Log),
// only init/status for standing up and inspecting a root, and serve for
// hosting the optional external HTTP ingestion front end.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/eferro/brokerd/internal/config"
	"github.com/eferro/brokerd/internal/ingest"
	"github.com/eferro/brokerd/internal/logging"
	"github.com/eferro/brokerd/internal/metrics"
	"github.com/eferro/brokerd/internal/plog"
)

func main() {
	var root string

	rootCmd := &cobra.Command{
		Use:   "broker",
		Short: "Operate a brokerd log root",
	}
	rootCmd.PersistentFlags().StringVar(&root, "root", "./data", "log root directory")
	config.BindFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(
		newInitCmd(&root),
		newStatusCmd(&root),
		newServeCmd(&root),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	return config.Load(viper.New(), fs)
}

func newInitCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the partition directories for a new log root",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.LogLevel)
			log, err := plog.Open(*root, plog.Options{
				Partitions:  cfg.Partitions,
				Compression: cfg.Compression,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			logging.Info(logger, "msg", "log root initialized", "root", *root, "partitions", log.PartitionCount())
			return nil
		},
	}
}

func newStatusCmd(root *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print per-partition high watermarks",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := plog.DiscoverPartitionCount(*root)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			log, err := plog.Open(*root, plog.Options{
				Partitions:  n,
				Compression: cfg.Compression,
			})
			if err != nil {
				return err
			}
			for p := uint32(0); p < log.PartitionCount(); p++ {
				store, err := log.Partition(p)
				if err != nil {
					return err
				}
				fmt.Printf("partition %d: high_watermark=%d\n", p, store.HighWatermark())
			}
			return nil
		},
	}
}

func newServeCmd(root *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Host the external HTTP ingestion front end",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}
			logger := logging.New(os.Stderr, cfg.LogLevel)
			m := metrics.New(prometheus.DefaultRegisterer)

			log, err := plog.Open(*root, plog.Options{
				Partitions:  cfg.Partitions,
				Compression: cfg.Compression,
				Logger:      logger,
				Metrics:     m,
			})
			if err != nil {
				return err
			}

			server := ingest.NewServer(log, m)
			logging.Info(logger, "msg", "ingest server listening", "addr", addr)
			return http.ListenAndServe(addr, server)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "listen address for the ingestion front end")
	return cmd
}
