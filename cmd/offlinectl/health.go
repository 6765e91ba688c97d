package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/datalayer/internal/store"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Report the Local Store Manager's health",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		logger := setupLogger()

		mgr, err := store.New(opts.DataDir, newDiskEstimator(opts.DataDir), logger)
		if err != nil {
			return fmt.Errorf("offlinectl health: %w", err)
		}
		ctx := context.Background()
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("offlinectl health: %w", err)
		}

		h := mgr.Health(ctx)
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
				"status":  h.Status,
				"details": h.Details,
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "status: %s\n", h.Status)
		for k, v := range h.Details {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s: %s\n", k, v)
		}
		return nil
	},
}
