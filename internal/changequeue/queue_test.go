package changequeue

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
	"github.com/offlinefirst/datalayer/internal/store"
)

func newTestQueue(t *testing.T) (*Queue, *sql.DB) {
	t.Helper()
	mgr, err := store.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Reset(context.Background()) })
	db, err := mgr.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return New(db), db
}

func sampleIssuePayload(id string) model.Payload {
	return model.NewIssuePayload(model.Issue{
		IssueID:    id,
		Title:      "sample",
		Status:     model.StatusPending,
		Priority:   model.PriorityMedium,
		CreatedAt:  time.Now().UTC(),
		ModifiedAt: time.Now().UTC(),
		Version:    1,
		DeviceID:   "dev-1",
	})
}

func TestEnqueueCoalescesUnsyncedRowForSameTarget(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "issues", "bd-1", model.OpCreate, sampleIssuePayload("bd-1"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}

	if _, _, err := q.BumpRetry(ctx, first, "transient failure"); err != nil {
		t.Fatalf("BumpRetry: %v", err)
	}

	second, err := q.Enqueue(ctx, "issues", "bd-1", model.OpUpdate, sampleIssuePayload("bd-1"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if second != first {
		t.Fatalf("coalesced enqueue should reuse the existing change_id: got %s, want %s", second, first)
	}

	var count int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_queue`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 1 {
		t.Errorf("row count = %d, want 1 (coalesced, not appended)", count)
	}

	var op string
	var retries int
	var lastError string
	if err := db.QueryRowContext(ctx, `SELECT operation, retries, last_error FROM sync_queue WHERE change_id = ?`, first).
		Scan(&op, &retries, &lastError); err != nil {
		t.Fatalf("read coalesced row: %v", err)
	}
	if op != string(model.OpUpdate) {
		t.Errorf("operation = %q, want UPDATE after coalescing", op)
	}
	if retries != 0 {
		t.Errorf("retries = %d, want 0 (coalescing resets the retry counter)", retries)
	}
	if lastError != "" {
		t.Errorf("last_error = %q, want empty after coalescing", lastError)
	}
}

func TestEnqueueDoesNotCoalesceAcrossDifferentRows(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, "issues", "bd-1", model.OpCreate, sampleIssuePayload("bd-1"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue bd-1: %v", err)
	}
	b, err := q.Enqueue(ctx, "issues", "bd-2", model.OpCreate, sampleIssuePayload("bd-2"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue bd-2: %v", err)
	}
	if a == b {
		t.Fatal("distinct rows should not share a change_id")
	}

	pending, err := q.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("Pending count = %d, want 2", len(pending))
	}
}

func TestEnqueueDoesNotCoalesceAlreadySyncedRow(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "issues", "bd-1", model.OpCreate, sampleIssuePayload("bd-1"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	if err := q.MarkSynced(ctx, first); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	second, err := q.Enqueue(ctx, "issues", "bd-1", model.OpUpdate, sampleIssuePayload("bd-1"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}
	if second == first {
		t.Fatal("a synced row is immutable; a new mutation for the same target should get its own change_id")
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Synced != 1 || stats.Pending != 1 || stats.Total != 2 {
		t.Errorf("stats = %+v, want {pending:1 synced:1 total:2}", stats)
	}
}

// TestBumpRetryDeadLetterBoundary pins the exact retry count at which a row
// transitions to dead-lettered: the failure that bumps retries to
// MaxRetries is itself the terminal one, not the one after it.
func TestBumpRetryDeadLetterBoundary(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	changeID, err := q.Enqueue(ctx, "issues", "bd-1", model.OpCreate, sampleIssuePayload("bd-1"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	for i := 1; i < MaxRetries; i++ {
		retries, dead, err := q.BumpRetry(ctx, changeID, "attempt failed")
		if err != nil {
			t.Fatalf("BumpRetry %d: %v", i, err)
		}
		if retries != i {
			t.Errorf("BumpRetry %d: retries = %d, want %d", i, retries, i)
		}
		if dead {
			t.Fatalf("BumpRetry %d: row marked dead at retries=%d, want alive until retries=%d", i, retries, MaxRetries)
		}

		pending, err := q.Pending(ctx, 10)
		if err != nil {
			t.Fatalf("Pending after bump %d: %v", i, err)
		}
		if len(pending) != 1 {
			t.Fatalf("Pending after bump %d: len = %d, want 1 (still eligible)", i, len(pending))
		}
	}

	retries, dead, err := q.BumpRetry(ctx, changeID, "final failure")
	if err != nil {
		t.Fatalf("final BumpRetry: %v", err)
	}
	if retries != MaxRetries {
		t.Errorf("final retries = %d, want %d", retries, MaxRetries)
	}
	if !dead {
		t.Errorf("row should be dead-lettered the moment retries reaches %d, not on a further attempt", MaxRetries)
	}

	pending, err := q.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending after dead-letter: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Pending after dead-letter: len = %d, want 0 (excluded from future cycles)", len(pending))
	}

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Dead != 1 || stats.Pending != 0 {
		t.Errorf("stats = %+v, want {pending:0 dead:1}", stats)
	}
}

func TestRetryDeadRevivesADeadLetteredRow(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	changeID, err := q.Enqueue(ctx, "issues", "bd-1", model.OpCreate, sampleIssuePayload("bd-1"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	for i := 0; i < MaxRetries; i++ {
		if _, _, err := q.BumpRetry(ctx, changeID, "failed"); err != nil {
			t.Fatalf("BumpRetry %d: %v", i, err)
		}
	}

	if err := q.RetryDead(ctx, changeID); err != nil {
		t.Fatalf("RetryDead: %v", err)
	}

	pending, err := q.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending after revival: len = %d, want 1", len(pending))
	}
	if pending[0].Retries != 0 {
		t.Errorf("revived row retries = %d, want 0", pending[0].Retries)
	}
	if pending[0].LastError != "" {
		t.Errorf("revived row last_error = %q, want empty", pending[0].LastError)
	}
}

func TestPruneDeletesOnlyOldSyncedRows(t *testing.T) {
	q, db := newTestQueue(t)
	ctx := context.Background()

	oldSynced, err := q.Enqueue(ctx, "issues", "bd-old", model.OpCreate, sampleIssuePayload("bd-old"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue old: %v", err)
	}
	if err := q.MarkSynced(ctx, oldSynced); err != nil {
		t.Fatalf("MarkSynced old: %v", err)
	}
	oldCutoff := time.Now().UTC().AddDate(0, 0, -40)
	if _, err := db.ExecContext(ctx, `UPDATE sync_queue SET synced_at = ? WHERE change_id = ?`, oldCutoff, oldSynced); err != nil {
		t.Fatalf("backdate synced_at: %v", err)
	}

	recentSynced, err := q.Enqueue(ctx, "issues", "bd-recent", model.OpCreate, sampleIssuePayload("bd-recent"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue recent: %v", err)
	}
	if err := q.MarkSynced(ctx, recentSynced); err != nil {
		t.Fatalf("MarkSynced recent: %v", err)
	}

	unsynced, err := q.Enqueue(ctx, "issues", "bd-pending", model.OpCreate, sampleIssuePayload("bd-pending"), "dev-1")
	if err != nil {
		t.Fatalf("Enqueue pending: %v", err)
	}

	pruned, err := q.Prune(ctx, 30)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("pruned = %d, want 1", pruned)
	}

	var remaining []string
	rows, err := db.QueryContext(ctx, `SELECT change_id FROM sync_queue ORDER BY change_id`)
	if err != nil {
		t.Fatalf("query remaining: %v", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			t.Fatalf("scan remaining: %v", err)
		}
		remaining = append(remaining, id)
	}

	found := map[string]bool{}
	for _, id := range remaining {
		found[id] = true
	}
	if found[oldSynced] {
		t.Error("old synced row should have been pruned")
	}
	if !found[recentSynced] {
		t.Error("recent synced row should survive a 30-day prune")
	}
	if !found[unsynced] {
		t.Error("unsynced row should never be pruned regardless of age")
	}
}
