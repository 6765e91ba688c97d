package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/datalayer/internal/changequeue"
	"github.com/offlinefirst/datalayer/internal/channel"
	"github.com/offlinefirst/datalayer/internal/config"
	"github.com/offlinefirst/datalayer/internal/metrics"
	"github.com/offlinefirst/datalayer/internal/resolver"
	"github.com/offlinefirst/datalayer/internal/store"
	"github.com/offlinefirst/datalayer/internal/store/kvslot"
	"github.com/offlinefirst/datalayer/internal/syncengine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle against the configured endpoint",
	Long: `Wires the Duplex Channel, Conflict Resolver, Change Queue, and
Metrics Collector into a Sync Engine and runs exactly one push/pull
cycle, the same phases the embedded engine runs on its own timer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		logger := setupLogger()
		ctx := context.Background()

		mgr, err := store.New(opts.DataDir, newDiskEstimator(opts.DataDir), logger)
		if err != nil {
			return fmt.Errorf("offlinectl sync: %w", err)
		}
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("offlinectl sync: %w", err)
		}

		var deviceID string
		if found, err := mgr.Slots().Get(kvslot.SlotDeviceID, &deviceID); err != nil {
			return fmt.Errorf("offlinectl sync: read device id: %w", err)
		} else if !found {
			return fmt.Errorf("offlinectl sync: no device id; run 'offlinectl init' first")
		}

		db, err := mgr.Handle()
		if err != nil {
			return fmt.Errorf("offlinectl sync: %w", err)
		}

		queue := changequeue.New(db)
		res := resolver.New(policyFor(opts.ConflictStrategy))
		coll := metrics.New(deviceID, db, logger)

		var client *channel.Client
		if opts.WSEndpoint != "" {
			client = channel.New(opts.WSEndpoint, deviceID, toChannelReconnect(opts.Reconnect), logger)
			if err := client.Connect(ctx); err != nil {
				logger.Warn("offlinectl sync: connect failed, syncing offline", "error", err)
				client = nil
			} else {
				defer func() { _ = client.Disconnect() }()
			}
		}

		eng := syncengine.New(mgr, queue, res, client, coll, logger, syncengine.Options{
			BatchSize: opts.BatchSize, Interval: opts.SyncInterval, AutoSync: false, DeviceID: deviceID,
		})

		report, err := eng.Sync(ctx)
		if err != nil {
			return fmt.Errorf("offlinectl sync: %w", err)
		}
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(report)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "pushed=%d pulled=%d conflicts=%d errored=%d pending=%d\n",
			report.Pushed, report.Pulled, report.Conflicts, report.Errored, report.PendingLeft)
		return nil
	},
}

func policyFor(strategy config.ConflictStrategy) resolver.Policy {
	switch strategy {
	case config.StrategyRemoteWins:
		return resolver.RemoteWins{}
	case config.StrategyLocalWins:
		return resolver.LocalWins{}
	case config.StrategyMerge:
		return resolver.Merge{}
	default:
		return resolver.LastWriteWins{}
	}
}

func toChannelReconnect(r config.ReconnectOptions) channel.ReconnectOptions {
	return channel.ReconnectOptions{
		MaxAttempts: r.MaxAttempts, BaseDelay: r.BaseDelay, MaxDelay: r.MaxDelay, Factor: r.Factor,
	}
}
