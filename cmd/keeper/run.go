package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/cuemby/keeper/pkg/log"
	"github.com/cuemby/keeper/pkg/metrics"
	"github.com/cuemby/keeper/pkg/producer"
	"github.com/cuemby/keeper/pkg/store"
	"github.com/cuemby/keeper/pkg/worker"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a coordinator worker",
	Long: `run registers this process as a worker, negotiates partition
ownership with its peers over the store, and delivers owned-partition
messages read from stdin (one "<id> <payload>" pair per line) to stdout.

Integrators embedding the coordinator in their own stream pipeline should
use the worker package directly instead of this command: run exists to
exercise and demonstrate the protocol end to end.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("id", "", "This worker's unique id (required)")
	runCmd.Flags().String("ip", "127.0.0.1", "This worker's advertised IP")
	runCmd.Flags().String("metrics-addr", ":9090", "Address to serve /metrics, /health, /ready, and /live on")
	runCmd.Flags().StringSlice("endpoints", nil, "Store endpoints (overrides config)")
	_ = runCmd.MarkFlagRequired("id")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	id, _ := cmd.Flags().GetString("id")
	ip, _ := cmd.Flags().GetString("ip")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	runLog := log.WithWorker(id)

	cli, err := store.NewEtcdClient(store.EtcdConfig{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("dialing store: %w", err)
	}
	defer cli.Close()

	metrics.SetVersion(Version)
	metrics.RegisterComponent("store", true, "connected")
	metrics.RegisterComponent("registry", false, "registering")
	go serveMetrics(metricsAddr, runLog)

	source := &stdinSource{scanner: bufio.NewScanner(os.Stdin)}
	deliver := func(_ context.Context, partition int, payload any) error {
		fmt.Printf("partition=%d payload=%v\n", partition, payload)
		return nil
	}

	w := worker.New(cli, cfg, id, ip, source, deliver, nil)
	metrics.RegisterComponent("registry", true, "ready")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		runLog.Info().Msg("received shutdown signal")
		cancel()
	}()

	runLog.Info().Strs("endpoints", cfg.Endpoints).Msg("starting worker")
	if err := w.Run(ctx); err != nil {
		return fmt.Errorf("worker run loop: %w", err)
	}
	return nil
}

func serveMetrics(addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

// stdinSource adapts stdin lines of the form "<id> <payload>" into a
// producer.Source, for exercising run without wiring a real stream client.
type stdinSource struct {
	scanner *bufio.Scanner
}

func (s *stdinSource) Next(ctx context.Context) (producer.Message, bool, error) {
	if !s.scanner.Scan() {
		return producer.Message{}, false, s.scanner.Err()
	}
	line := strings.TrimSpace(s.scanner.Text())
	if line == "" {
		return s.Next(ctx)
	}
	fields := strings.SplitN(line, " ", 2)
	id, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return producer.Message{}, false, fmt.Errorf("parsing message id %q: %w", fields[0], err)
	}
	var payload any
	if len(fields) == 2 {
		payload = fields[1]
	}
	return producer.Message{ID: id, Payload: payload}, true, nil
}
