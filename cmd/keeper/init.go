package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/keeper/pkg/config"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/worker"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Bootstrap a fresh cluster's partition space",
	Long: `init writes the cluster's immutable partition count and one
unassigned-slot marker per partition. It is idempotent in effect only once:
a second call against an already-initialized cluster fails without changing
any state.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().IntP("partitions", "p", 0, "Total number of partitions (overrides config default)")
	initCmd.Flags().StringSlice("endpoints", nil, "Store endpoints (overrides config)")
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	partitions, _ := cmd.Flags().GetInt("partitions")
	if partitions <= 0 {
		partitions = cfg.PartitionsDefault
	}

	cli, err := store.NewEtcdClient(store.EtcdConfig{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("dialing store: %w", err)
	}
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := worker.Init(ctx, cli, cfg.Root, partitions); err != nil {
		return fmt.Errorf("initializing cluster: %w", err)
	}

	fmt.Printf("initialized %d partitions under %s\n", partitions, cfg.Root)
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading config: %w", err)
	}

	endpoints, _ := cmd.Flags().GetStringSlice("endpoints")
	if len(endpoints) > 0 {
		cfg.Endpoints = endpoints
	}
	return cfg, nil
}
