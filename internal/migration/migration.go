// Package migration implements the Migration Engine of spec §4.H: a
// one-shot, resumable transfer from a legacy flat key-value blob store
// into the Local Store Manager's SQL engine. The batched,
// checkpoint-aware, per-record-error-tolerant loop is adapted from the
// teacher's internal/importer.ImportIssues — that function already does
// almost this exact job (batched upsert accumulating a running Result of
// created/updated/errors) for a different source format; this package
// generalizes it from "import issues from JSONL" to "migrate from a
// legacy KV blob, resumable, with pause".
package migration

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/offlinefirst/datalayer/internal/errs"
	"github.com/offlinefirst/datalayer/internal/idgen"
	"github.com/offlinefirst/datalayer/internal/model"
	"github.com/offlinefirst/datalayer/internal/store"
	"github.com/offlinefirst/datalayer/internal/store/kvslot"
)

// Phase is one step of the migration pipeline (spec §4.H "Phases").
type Phase string

const (
	PhaseAnalyze       Phase = "analyze"
	PhaseValidate       Phase = "validate"
	PhaseMigrateUsers   Phase = "migrate_users"
	PhaseMigrateIssues  Phase = "migrate_issues"
	PhaseVerify         Phase = "verify"
	PhaseBackup         Phase = "backup"
	PhaseDone           Phase = "done"
)

// phaseOrder is the fixed pipeline sequence; State.Phase always names a
// member of this slice (or PhaseDone once complete).
var phaseOrder = []Phase{PhaseAnalyze, PhaseValidate, PhaseMigrateUsers, PhaseMigrateIssues, PhaseVerify, PhaseBackup}

const (
	// DefaultBatchSize is the issue-migration batch size (spec §6 config
	// "migration: {batchSize=100, interBatchDelay=100}").
	DefaultBatchSize = 100
	// DefaultInterBatchDelay is the pause between issue batches, giving
	// the host event loop a chance to service other suspension points
	// (spec §5 "Explicit timer waits... inter-batch delays").
	DefaultInterBatchDelay = 100 * time.Millisecond
	// MaxRetainedBackups is the rolling backup count kept by the backup
	// phase (spec §3 "Backups are... pruned to a fixed rolling count").
	MaxRetainedBackups = 3
)

// State is the resumable checkpoint persisted to the "migration_state"
// kvslot after every batch (spec §4.H "Resumability").
type State struct {
	Phase                   Phase     `json:"phase"`
	TotalUsers              int       `json:"totalUsers"`
	TotalIssues             int       `json:"totalIssues"`
	UsersCompleted          int       `json:"usersCompleted"`
	LastProcessedUserIndex  int       `json:"lastProcessedUserIndex"`
	IssuesCompleted         int       `json:"issuesCompleted"`
	LastProcessedIssueIndex int       `json:"lastProcessedIssueIndex"`
	Errors                  []string  `json:"errors,omitempty"`
	StartedAt               time.Time `json:"startedAt"`
}

// Progress is the shape passed to onProgress (spec §4.H control surface).
type Progress struct {
	CurrentStep      Phase
	TotalRecords     int
	ProcessedRecords int
	PercentComplete  float64
	EstimatedTime    time.Duration
	Errors           []string
}

// Result is returned by Migrate on completion (success or otherwise).
type Result struct {
	State     State
	Completed bool
}

var (
	// ErrAlreadyCompleted is returned by Migrate if migration_completed is
	// already set (spec §4.H "Preconditions").
	ErrAlreadyCompleted = errors.New("migration: already completed")
	// ErrCancelled is returned by Migrate when Cancel was invoked mid-run.
	ErrCancelled = errors.New("migration: cancelled")
)

// Callbacks groups the three host-facing hooks of spec §4.H.
type Callbacks struct {
	OnProgress func(Progress)
	OnError    func(error)
	OnComplete func(Result)
}

// Engine drives the migration pipeline. Not safe for concurrent Migrate
// calls; Pause/Resume/Cancel are safe to call from another goroutine
// while Migrate is running.
type Engine struct {
	source    Source
	store     *store.Manager
	slots     *kvslot.Store
	logger    *slog.Logger
	callbacks Callbacks

	batchSize       int
	interBatchDelay time.Duration

	pauseRequested chan struct{} // single-slot awaitable (spec §5 "single-slot awaitable")
	resumeSignal   chan struct{}
	cancelled      chan struct{}
	paused         bool
}

// Options configures batch size / inter-batch delay; zero values take
// the spec §6 defaults.
type Options struct {
	BatchSize       int
	InterBatchDelay time.Duration
}

// New constructs an Engine. source must not be nil.
func New(source Source, st *store.Manager, logger *slog.Logger, callbacks Callbacks, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.InterBatchDelay <= 0 {
		opts.InterBatchDelay = DefaultInterBatchDelay
	}
	return &Engine{
		source: source, store: st, slots: st.Slots(), logger: logger, callbacks: callbacks,
		batchSize: opts.BatchSize, interBatchDelay: opts.InterBatchDelay,
		pauseRequested: make(chan struct{}, 1),
		resumeSignal:   make(chan struct{}, 1),
		cancelled:      make(chan struct{}),
	}
}

// Pause requests that the next checkpoint boundary suspend the run and
// persist state (spec §4.H "A paused migration suspends at the next
// checkpoint").
func (e *Engine) Pause() {
	select {
	case e.pauseRequested <- struct{}{}:
	default:
	}
}

// Resume releases a paused run.
func (e *Engine) Resume() {
	select {
	case e.resumeSignal <- struct{}{}:
	default:
	}
}

// Cancel aborts the run at the next checkpoint, keeping state for later
// resumption (spec §4.H "a cancelled migration aborts and keeps state").
func (e *Engine) Cancel() {
	select {
	case <-e.cancelled:
	default:
		close(e.cancelled)
	}
}

// checkpoint persists state, then honors a pending Pause/Cancel request.
// Returns ErrCancelled if cancellation won the race.
func (e *Engine) checkpoint(ctx context.Context, st *State) error {
	if err := e.slots.Set(kvslot.SlotMigrationState, st); err != nil {
		return fmt.Errorf("migration: persist checkpoint: %w", err)
	}

	select {
	case <-e.cancelled:
		return ErrCancelled
	default:
	}

	select {
	case <-e.pauseRequested:
		e.reportProgress(*st)
		select {
		case <-e.resumeSignal:
		case <-e.cancelled:
			return ErrCancelled
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
	}
	return nil
}

func (e *Engine) reportProgress(st State) {
	if e.callbacks.OnProgress == nil {
		return
	}
	total := st.TotalUsers + st.TotalIssues
	processed := st.UsersCompleted + st.IssuesCompleted
	percent := 0.0
	if total > 0 {
		percent = float64(processed) / float64(total) * 100
	}
	var eta time.Duration
	if processed > 0 && !st.StartedAt.IsZero() {
		elapsed := time.Since(st.StartedAt)
		perRecord := elapsed / time.Duration(processed)
		eta = perRecord * time.Duration(total-processed)
	}
	e.callbacks.OnProgress(Progress{
		CurrentStep: st.Phase, TotalRecords: total, ProcessedRecords: processed,
		PercentComplete: percent, EstimatedTime: eta, Errors: st.Errors,
	})
}

func (e *Engine) reportError(err error) {
	if e.callbacks.OnError != nil {
		e.callbacks.OnError(err)
	}
}

// Migrate runs the pipeline from whatever checkpoint (if any) was
// persisted, to completion, pause, cancellation, or failure.
func (e *Engine) Migrate(ctx context.Context) (Result, error) {
	var completed bool
	found, err := e.slots.Get(kvslot.SlotMigrationCompleted, &completed)
	if err != nil {
		return Result{}, fmt.Errorf("migration: read completion flag: %w", err)
	}
	if found && completed {
		return Result{Completed: true}, ErrAlreadyCompleted
	}

	st := State{Phase: PhaseAnalyze, StartedAt: time.Now().UTC()}
	if ok, err := e.slots.Get(kvslot.SlotMigrationState, &st); err != nil {
		return Result{}, fmt.Errorf("migration: read checkpoint: %w", err)
	} else if !ok {
		st = State{Phase: PhaseAnalyze, StartedAt: time.Now().UTC()}
	}

	for _, phase := range phaseOrderFrom(st.Phase) {
		st.Phase = phase
		e.logger.Info("migration: entering phase", "phase", phase)
		var err error
		switch phase {
		case PhaseAnalyze:
			err = e.runAnalyze(&st)
		case PhaseValidate:
			err = e.runValidate(ctx, &st)
		case PhaseMigrateUsers:
			err = e.runMigrateUsers(ctx, &st)
		case PhaseMigrateIssues:
			err = e.runMigrateIssues(ctx, &st)
		case PhaseVerify:
			err = e.runVerify(ctx, &st)
		case PhaseBackup:
			err = e.runBackup(ctx, &st)
		}
		if errors.Is(err, ErrCancelled) {
			return Result{State: st}, ErrCancelled
		}
		if err != nil {
			e.reportError(err)
			_ = e.slots.Set(kvslot.SlotMigrationState, st)
			return Result{State: st}, err
		}
		if cpErr := e.checkpoint(ctx, &st); cpErr != nil {
			if errors.Is(cpErr, ErrCancelled) {
				return Result{State: st}, ErrCancelled
			}
			return Result{State: st}, cpErr
		}
	}

	st.Phase = PhaseDone
	if err := e.slots.Set(kvslot.SlotMigrationState, st); err != nil {
		return Result{State: st}, fmt.Errorf("migration: persist final state: %w", err)
	}
	if err := e.slots.Set(kvslot.SlotMigrationCompleted, true); err != nil {
		return Result{State: st}, fmt.Errorf("migration: mark completed: %w", err)
	}

	result := Result{State: st, Completed: true}
	if e.callbacks.OnComplete != nil {
		e.callbacks.OnComplete(result)
	}
	return result, nil
}

func phaseOrderFrom(current Phase) []Phase {
	for i, p := range phaseOrder {
		if p == current {
			return phaseOrder[i:]
		}
	}
	return phaseOrder
}

func (e *Engine) runAnalyze(st *State) error {
	users, err := e.source.CountUsers()
	if err != nil {
		return errs.New(errs.KindMigrationFailed, "migration.analyze", err)
	}
	issues, err := e.source.CountIssues()
	if err != nil {
		return errs.New(errs.KindMigrationFailed, "migration.analyze", err)
	}
	st.TotalUsers = users
	st.TotalIssues = issues
	return nil
}

// runValidate performs the structural checks of spec §4.H ("required
// fields present; referential integrity for Issue.assignee"). Per-record
// violations are collected into st.Errors rather than aborting, per
// spec §4.H "Failure semantics" (engine-level failures abort; per-record
// ones don't).
func (e *Engine) runValidate(ctx context.Context, st *State) error {
	users, err := e.source.ReadUsers(0, st.TotalUsers)
	if err != nil {
		return errs.New(errs.KindMigrationFailed, "migration.validate", err)
	}
	knownUsers := make(map[string]bool, len(users))
	for _, u := range users {
		knownUsers[u.UserID] = true
		if u.DisplayName == "" {
			st.Errors = append(st.Errors, fmt.Sprintf("user %s: missing displayName", u.UserID))
		}
	}

	const pageSize = 500
	for offset := 0; offset < st.TotalIssues; offset += pageSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		limit := pageSize
		if offset+limit > st.TotalIssues {
			limit = st.TotalIssues - offset
		}
		page, err := e.source.ReadIssues(offset, limit)
		if err != nil {
			return errs.New(errs.KindMigrationFailed, "migration.validate", err)
		}
		for _, iss := range page {
			if iss.Title == "" {
				st.Errors = append(st.Errors, validationMsg(iss.IssueID, "missing title"))
			}
			if iss.AssigneeID != "" && !knownUsers[iss.AssigneeID] {
				st.Errors = append(st.Errors, validationMsg(iss.IssueID, fmt.Sprintf("assignee %s not found", iss.AssigneeID)))
			}
		}
	}
	return nil
}

func validationMsg(issueID, reason string) string {
	return errs.New(errs.KindMigrationValidation, "migration.validate", fmt.Errorf("issue %s: %s", issueID, reason)).Error()
}

// runMigrateUsers migrates users unbatched (spec §4.H "migrate Users
// (unbatched)"), resuming from LastProcessedUserIndex.
func (e *Engine) runMigrateUsers(ctx context.Context, st *State) error {
	if st.UsersCompleted >= st.TotalUsers {
		return nil
	}
	users, err := e.source.ReadUsers(st.LastProcessedUserIndex, st.TotalUsers-st.LastProcessedUserIndex)
	if err != nil {
		return errs.New(errs.KindMigrationFailed, "migration.migrateUsers", err)
	}
	for _, lu := range users {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		user := model.User{
			UserID:      lu.UserID,
			DisplayName: lu.DisplayName,
			Email:       lu.Email,
			CreatedAt:   lu.CreatedAt,
			ModifiedAt:  lu.ModifiedAt,
		}
		if user.UserID == "" {
			user.UserID = idgen.NewUserID()
		}
		if err := e.store.UpsertUser(ctx, user); err != nil {
			st.Errors = append(st.Errors, fmt.Sprintf("user %s: %v", lu.UserID, err))
			e.reportError(err)
			continue
		}
		st.UsersCompleted++
		st.LastProcessedUserIndex++
	}
	return nil
}

// runMigrateIssues migrates issues in DefaultBatchSize batches with an
// inter-batch delay (spec §4.H), checkpointing after every batch.
func (e *Engine) runMigrateIssues(ctx context.Context, st *State) error {
	for st.IssuesCompleted < st.TotalIssues {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		remaining := st.TotalIssues - st.LastProcessedIssueIndex
		limit := e.batchSize
		if limit > remaining {
			limit = remaining
		}
		if limit <= 0 {
			break
		}
		batch, err := e.source.ReadIssues(st.LastProcessedIssueIndex, limit)
		if err != nil {
			return errs.New(errs.KindMigrationFailed, "migration.migrateIssues", err)
		}
		for _, li := range batch {
			issue := model.Issue{
				IssueID:     li.IssueID,
				Title:       li.Title,
				Description: li.Description,
				Status:      model.IssueStatus(li.Status),
				Priority:    model.IssuePriority(li.Priority),
				AssigneeID:  li.AssigneeID,
				SessionID:   li.SessionID,
				TaskID:      li.TaskID,
				CreatedAt:   li.CreatedAt,
				ModifiedAt:  li.ModifiedAt,
				CompletedAt: li.CompletedAt,
				Version:     1,
			}
			if issue.IssueID == "" {
				issue.IssueID = idgen.ContentHash(issue.Title, issue.Description, issue.CreatedAt, "")
			}
			if !issue.Status.Valid() {
				issue.Status = model.StatusPending
			}
			if !issue.Priority.Valid() {
				issue.Priority = model.PriorityMedium
			}
			if err := issue.Validate(); err != nil {
				st.Errors = append(st.Errors, fmt.Sprintf("issue %s: %v", li.IssueID, err))
				e.reportError(err)
				st.LastProcessedIssueIndex++
				continue
			}
			if err := e.store.UpsertIssue(ctx, issue); err != nil {
				st.Errors = append(st.Errors, fmt.Sprintf("issue %s: %v", li.IssueID, err))
				e.reportError(err)
				st.LastProcessedIssueIndex++
				continue
			}
			st.IssuesCompleted++
			st.LastProcessedIssueIndex++
		}

		if cpErr := e.checkpoint(ctx, st); cpErr != nil {
			return cpErr
		}
		e.reportProgress(*st)

		if st.IssuesCompleted < st.TotalIssues {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.interBatchDelay):
			}
		}
	}
	return nil
}

// runVerify checks migrated counts match the source within tolerance
// (spec §4.H "verify (counts match within tolerance)").
func (e *Engine) runVerify(ctx context.Context, st *State) error {
	userTolerance := countErrorsWithPrefix(st.Errors, "user ")
	if st.UsersCompleted < st.TotalUsers-userTolerance {
		return errs.New(errs.KindMigrationFailed, "migration.verify",
			fmt.Errorf("users migrated (%d) below tolerance of total (%d), errors (%d)",
				st.UsersCompleted, st.TotalUsers, userTolerance))
	}
	issueTolerance := countErrorsWithPrefix(st.Errors, "issue ")
	if st.IssuesCompleted < st.TotalIssues-issueTolerance {
		return errs.New(errs.KindMigrationFailed, "migration.verify",
			fmt.Errorf("issues migrated (%d) below tolerance of total (%d), errors (%d)",
				st.IssuesCompleted, st.TotalIssues, issueTolerance))
	}
	return nil
}

func countErrorsWithPrefix(errList []string, prefix string) int {
	n := 0
	for _, e := range errList {
		if strings.Contains(e, prefix) {
			n++
		}
	}
	return n
}

// runBackup serializes the legacy store into a BackupBlob kvslot and
// prunes to the most recent MaxRetainedBackups (spec §4.H, §3).
func (e *Engine) runBackup(ctx context.Context, st *State) error {
	snapshot, err := e.source.Serialize()
	if err != nil {
		return errs.New(errs.KindMigrationFailed, "migration.backup", err)
	}
	blob := model.BackupBlob{
		BackupID:   idgen.NewBackupID(),
		CreatedAt:  time.Now().UTC(),
		VersionTag: string(st.Phase),
		ByteSize:   int64(len(snapshot)),
		Snapshot:   snapshot,
	}
	if err := e.slots.Set(kvslot.BackupSlot(blob.BackupID), blob); err != nil {
		return errs.New(errs.KindMigrationFailed, "migration.backup", err)
	}
	return e.pruneBackups(blob.BackupID, blob.CreatedAt)
}

type backupIndexEntry struct {
	BackupID  string    `json:"backupId"`
	CreatedAt time.Time `json:"createdAt"`
}

const backupIndexSlot = "backup_index"

func (e *Engine) pruneBackups(newID string, createdAt time.Time) error {
	var index []backupIndexEntry
	if _, err := e.slots.Get(backupIndexSlot, &index); err != nil {
		return fmt.Errorf("migration: read backup index: %w", err)
	}
	index = append(index, backupIndexEntry{BackupID: newID, CreatedAt: createdAt})
	sort.Slice(index, func(i, j int) bool { return index[i].CreatedAt.After(index[j].CreatedAt) })

	for i := MaxRetainedBackups; i < len(index); i++ {
		if err := e.slots.Delete(kvslot.BackupSlot(index[i].BackupID)); err != nil {
			return fmt.Errorf("migration: prune backup %s: %w", index[i].BackupID, err)
		}
	}
	if len(index) > MaxRetainedBackups {
		index = index[:MaxRetainedBackups]
	}
	return e.slots.Set(backupIndexSlot, index)
}

// BackupUsage reports the file count and total byte size of the backup
// trail currently retained in backup_index, backing the quota manager's
// breakdown report's "backups" category (spec §4.G).
func (e *Engine) BackupUsage(ctx context.Context) (count int64, totalBytes int64, err error) {
	var index []backupIndexEntry
	if _, err := e.slots.Get(backupIndexSlot, &index); err != nil {
		return 0, 0, fmt.Errorf("migration: read backup index: %w", err)
	}
	for _, entry := range index {
		var blob model.BackupBlob
		ok, err := e.slots.Get(kvslot.BackupSlot(entry.BackupID), &blob)
		if err != nil {
			return count, totalBytes, fmt.Errorf("migration: read backup %s: %w", entry.BackupID, err)
		}
		if !ok {
			continue
		}
		count++
		totalBytes += blob.ByteSize
	}
	return count, totalBytes, nil
}

// CompactOlderThan gzip-compresses backup blobs created before cutoff,
// satisfying the quotamgr.BackupCompactor contract (spec §4.G "compress
// backups older than 7 d"). Compaction never removes a blob outright —
// only the migration backup phase's rolling-count prune does that.
func (e *Engine) CompactOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var index []backupIndexEntry
	if _, err := e.slots.Get(backupIndexSlot, &index); err != nil {
		return 0, fmt.Errorf("migration: read backup index: %w", err)
	}
	var compacted int64
	for _, entry := range index {
		if !entry.CreatedAt.Before(cutoff) {
			continue
		}
		var blob model.BackupBlob
		if ok, err := e.slots.Get(kvslot.BackupSlot(entry.BackupID), &blob); err != nil || !ok {
			continue
		}
		if blob.Compressed {
			continue
		}
		compressed, err := gzipBytes(blob.Snapshot)
		if err != nil {
			return compacted, fmt.Errorf("migration: compact backup %s: %w", entry.BackupID, err)
		}
		blob.Snapshot = compressed
		blob.Compressed = true
		blob.ByteSize = int64(len(compressed))
		if err := e.slots.Set(kvslot.BackupSlot(entry.BackupID), blob); err != nil {
			return compacted, fmt.Errorf("migration: persist compacted backup %s: %w", entry.BackupID, err)
		}
		compacted++
	}
	return compacted, nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decompress reverses CompactOlderThan's gzip encoding, for callers that
// need to read a compacted backup's original snapshot bytes.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
