package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/offlinefirst/datalayer/internal/migration"
	"github.com/offlinefirst/datalayer/internal/store"
)

var migrateSourcePath string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run (or resume) the legacy-store migration",
	Long: `Runs the Migration Engine against a legacy store export: a JSON
file of the shape {"users": [...], "issues": [...]}. Resumable — a
second invocation against the same local store picks up from the last
persisted checkpoint, and returns immediately if a prior run already
completed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateSourcePath == "" {
			return fmt.Errorf("offlinectl migrate: --source is required")
		}
		opts, err := loadOptions()
		if err != nil {
			return err
		}
		logger := setupLogger()
		ctx := context.Background()

		mgr, err := store.New(opts.DataDir, newDiskEstimator(opts.DataDir), logger)
		if err != nil {
			return fmt.Errorf("offlinectl migrate: %w", err)
		}
		if err := mgr.Initialize(ctx); err != nil {
			return fmt.Errorf("offlinectl migrate: %w", err)
		}

		src, err := newJSONLegacySource(migrateSourcePath)
		if err != nil {
			return fmt.Errorf("offlinectl migrate: %w", err)
		}

		eng := migration.New(src, mgr, logger, migration.Callbacks{
			OnProgress: func(p migration.Progress) {
				logger.Info("offlinectl migrate: progress", "phase", p.CurrentStep,
					"processed", p.ProcessedRecords, "total", p.TotalRecords, "percent", p.PercentComplete)
			},
			OnError: func(err error) {
				logger.Warn("offlinectl migrate: record error", "error", err)
			},
		}, migration.Options{
			BatchSize:       opts.Migration.BatchSize,
			InterBatchDelay: opts.Migration.InterBatchDelay,
		})

		result, err := eng.Migrate(ctx)
		if err != nil && err != migration.ErrAlreadyCompleted {
			return fmt.Errorf("offlinectl migrate: %w", err)
		}
		if jsonOutput {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "phase=%s completed=%v users=%d/%d issues=%d/%d errors=%d\n",
			result.State.Phase, result.Completed, result.State.UsersCompleted, result.State.TotalUsers,
			result.State.IssuesCompleted, result.State.TotalIssues, len(result.State.Errors))
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrateSourcePath, "source", "", "path to the legacy store's JSON export")
}

// jsonLegacySource implements migration.Source by loading an entire
// legacy export into memory once and slicing it; the legacy store this
// migrates from (spec §4.H) is a flat key-value blob, small enough for
// whole-file loads to be the pragmatic operator-tool choice.
type jsonLegacySource struct {
	users  []migration.LegacyUser
	issues []migration.LegacyIssue
	raw    []byte
}

type jsonLegacyExport struct {
	Users  []migration.LegacyUser  `json:"users"`
	Issues []migration.LegacyIssue `json:"issues"`
}

func newJSONLegacySource(path string) (*jsonLegacySource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read legacy export: %w", err)
	}
	var export jsonLegacyExport
	if err := json.Unmarshal(raw, &export); err != nil {
		return nil, fmt.Errorf("parse legacy export: %w", err)
	}
	return &jsonLegacySource{users: export.Users, issues: export.Issues, raw: raw}, nil
}

func (s *jsonLegacySource) CountUsers() (int, error)  { return len(s.users), nil }
func (s *jsonLegacySource) CountIssues() (int, error) { return len(s.issues), nil }

func (s *jsonLegacySource) ReadUsers(offset, limit int) ([]migration.LegacyUser, error) {
	return paginateUsers(s.users, offset, limit), nil
}

func (s *jsonLegacySource) ReadIssues(offset, limit int) ([]migration.LegacyIssue, error) {
	return paginateIssues(s.issues, offset, limit), nil
}

func (s *jsonLegacySource) Serialize() ([]byte, error) {
	return s.raw, nil
}

func paginateUsers(all []migration.LegacyUser, offset, limit int) []migration.LegacyUser {
	if offset < 0 || offset >= len(all) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]migration.LegacyUser(nil), all[offset:end]...)
}

func paginateIssues(all []migration.LegacyIssue, offset, limit int) []migration.LegacyIssue {
	if offset < 0 || offset >= len(all) || limit <= 0 {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]migration.LegacyIssue(nil), all[offset:end]...)
}
