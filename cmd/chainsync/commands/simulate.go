package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfg "github.com/celestiaorg/chainsync/config"
	"github.com/celestiaorg/chainsync/libs/log"
	"github.com/celestiaorg/chainsync/node"
	"github.com/celestiaorg/chainsync/pipeline"
	"github.com/celestiaorg/chainsync/types"
)

const statusInterval = 500 * time.Millisecond

// SimulateCmd syncs the local block store from a simulated network of
// faulty peers.
var SimulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Sync the block store from a simulated network",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		status, err := simulate(ctx, config, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "synced to height %d\n", status.Height)
		return nil
	},
}

func init() {
	AddNetworkFlags(SimulateCmd)
}

// AddNetworkFlags exposes the simulated network and instrumentation options
// on the command line.
func AddNetworkFlags(cmd *cobra.Command) {
	cmd.Flags().Int("network.peers", config.Network.Peers, "number of simulated peers")
	cmd.Flags().Uint64("network.chain_length", config.Network.ChainLength, "length of the simulated chain")
	cmd.Flags().Uint64("network.local_head", config.Network.LocalHead, "height the block store is preloaded to")
	cmd.Flags().Duration("network.latency", config.Network.Latency, "latency of every peer response")
	cmd.Flags().Float64("network.fault_rate", config.Network.FaultRate,
		"probability that one of the first requests served by a peer is faulty")
	cmd.Flags().Duration("network.block_interval", config.Network.BlockInterval,
		"interval at which the simulated chain grows by one block")

	cmd.Flags().Bool("instrumentation.prometheus", config.Instrumentation.Prometheus, "serve Prometheus metrics")
	cmd.Flags().String("instrumentation.prometheus_listen_addr", config.Instrumentation.PrometheusListenAddr,
		"Prometheus listen address")
	cmd.Flags().Bool("instrumentation.trace_stdout", config.Instrumentation.TraceStdout, "print spans to stdout")
}

// simulate runs a node until its first sync to the tip completes.
func simulate(ctx context.Context, conf *cfg.Config, logger log.Logger, options ...node.Option) (pipeline.Status, error) {
	n, err := node.NewNode(conf, logger, options...)
	if err != nil {
		return pipeline.Status{}, fmt.Errorf("failed to create node: %w", err)
	}
	if err := n.Start(ctx); err != nil {
		return pipeline.Status{}, fmt.Errorf("failed to start node: %w", err)
	}
	defer func() {
		if n.IsRunning() {
			if err := n.Stop(); err != nil {
				logger.Error("error stopping node", "err", err)
			}
		}
	}()

	logger.Info("syncing", "local", n.BlockStore().Height(), "tip", n.Tip().Number())
	n.SyncTo(types.TipTarget())

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return n.Status(), ctx.Err()
		case <-ticker.C:
		}

		status := n.Status()
		if status.Completed == 0 {
			logger.Info("sync progress", "height", status.Height, "peers", n.PeerSet().Len())
			continue
		}
		if status.Err != nil {
			return status, fmt.Errorf("sync failed at height %d: %w", status.Height, status.Err)
		}
		logger.Info("sync complete", "height", status.Height, "head", n.BlockStore().Head())
		return status, nil
	}
}
