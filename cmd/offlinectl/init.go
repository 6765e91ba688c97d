package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/datalayer/internal/idgen"
	"github.com/offlinefirst/datalayer/internal/store"
	"github.com/offlinefirst/datalayer/internal/store/kvslot"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the local store and mint a device id",
	Long: `Runs the Local Store Manager's initialization protocol (durable
store check, free-quota probe, engine open with retries, schema
migrations) and mints a persistent device id on first run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		logger := setupLogger()

		mgr, err := store.New(opts.DataDir, newDiskEstimator(opts.DataDir), logger)
		if err != nil {
			return fmt.Errorf("offlinectl init: %w", err)
		}
		ctx := context.Background()
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("offlinectl init: %w", err)
		}

		var deviceID string
		found, err := mgr.Slots().Get(kvslot.SlotDeviceID, &deviceID)
		if err != nil {
			return fmt.Errorf("offlinectl init: read device id: %w", err)
		}
		if !found || deviceID == "" {
			deviceID = idgen.NewDeviceID()
			if err := mgr.Slots().Set(kvslot.SlotDeviceID, deviceID); err != nil {
				return fmt.Errorf("offlinectl init: persist device id: %w", err)
			}
			logger.Info("offlinectl: minted new device id", "deviceId", deviceID)
		}

		health := mgr.Health(ctx)
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"dataDir":  opts.DataDir,
				"deviceId": deviceID,
				"status":   health.Status,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\ndevice id: %s\nstatus:    %s\n", opts.DataDir, deviceID, health.Status)
		return nil
	},
}
