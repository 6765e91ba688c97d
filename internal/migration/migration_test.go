package migration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/offlinefirst/datalayer/internal/store"
)

type fakeSource struct {
	mu     sync.Mutex
	users  []LegacyUser
	issues []LegacyIssue
}

func (f *fakeSource) CountUsers() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.users), nil
}

func (f *fakeSource) CountIssues() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.issues), nil
}

func (f *fakeSource) ReadUsers(offset, limit int) ([]LegacyUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sliceUsers(f.users, offset, limit), nil
}

func (f *fakeSource) ReadIssues(offset, limit int) ([]LegacyIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return sliceIssues(f.issues, offset, limit), nil
}

func (f *fakeSource) Serialize() ([]byte, error) {
	return []byte("legacy-snapshot"), nil
}

func sliceUsers(all []LegacyUser, offset, limit int) []LegacyUser {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]LegacyUser(nil), all[offset:end]...)
}

func sliceIssues(all []LegacyIssue, offset, limit int) []LegacyIssue {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]LegacyIssue(nil), all[offset:end]...)
}

func newTestStore(t *testing.T) *store.Manager {
	t.Helper()
	mgr, err := store.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return mgr
}

func seedSource(userCount, issueCount int) *fakeSource {
	src := &fakeSource{}
	now := time.Now().UTC()
	for i := 0; i < userCount; i++ {
		src.users = append(src.users, LegacyUser{
			UserID: idFor("u", i), DisplayName: "User " + idFor("", i), CreatedAt: now, ModifiedAt: now,
		})
	}
	for i := 0; i < issueCount; i++ {
		src.issues = append(src.issues, LegacyIssue{
			IssueID: idFor("bd", i), Title: "issue " + idFor("", i), Status: "pending", Priority: "medium",
			CreatedAt: now, ModifiedAt: now,
		})
	}
	return src
}

func idFor(prefix string, i int) string {
	if prefix == "" {
		return string(rune('a' + i%26))
	}
	return prefix + "-" + string(rune('a'+i%26)) + string(rune('0'+i/26))
}

func TestMigrateCompletesAndMarksDone(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(3, 5)
	eng := New(src, st, nil, Callbacks{}, Options{})

	result, err := eng.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if !result.Completed {
		t.Error("expected Completed = true")
	}
	if result.State.UsersCompleted != 3 || result.State.IssuesCompleted != 5 {
		t.Errorf("state = %+v", result.State)
	}

	if _, err := eng.Migrate(context.Background()); !errors.Is(err, ErrAlreadyCompleted) {
		t.Errorf("second Migrate: err = %v, want ErrAlreadyCompleted", err)
	}
}

func TestMigrateBatchesIssuesWithInterBatchDelay(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(0, 25)
	var progressCalls int
	eng := New(src, st, nil, Callbacks{
		OnProgress: func(p Progress) { progressCalls++ },
	}, Options{BatchSize: 10, InterBatchDelay: time.Millisecond})

	result, err := eng.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if result.State.IssuesCompleted != 25 {
		t.Errorf("IssuesCompleted = %d, want 25", result.State.IssuesCompleted)
	}
	if progressCalls == 0 {
		t.Error("expected at least one progress callback across 3 batches")
	}
}

func TestMigratePerRecordErrorsDoNotAbort(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(0, 3)
	src.issues[1].Title = "" // invalid: empty title

	var reportedErrs []error
	eng := New(src, st, nil, Callbacks{
		OnError: func(err error) { reportedErrs = append(reportedErrs, err) },
	}, Options{})

	result, err := eng.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate should tolerate per-record errors, got: %v", err)
	}
	if result.State.IssuesCompleted != 2 {
		t.Errorf("IssuesCompleted = %d, want 2 (one invalid record skipped)", result.State.IssuesCompleted)
	}
	if len(reportedErrs) == 0 {
		t.Error("expected OnError to fire for the invalid record")
	}
}

func TestPauseSuspendsAtCheckpointAndResumeContinues(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(0, 20)
	eng := New(src, st, nil, Callbacks{}, Options{BatchSize: 5})

	eng.Pause()
	go func() {
		time.Sleep(20 * time.Millisecond)
		eng.Resume()
	}()

	result, err := eng.Migrate(context.Background())
	if err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	if result.State.IssuesCompleted != 20 {
		t.Errorf("IssuesCompleted = %d, want 20", result.State.IssuesCompleted)
	}
}

func TestCancelAbortsAndPreservesState(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(0, 20)
	eng := New(src, st, nil, Callbacks{}, Options{BatchSize: 5})
	eng.Cancel()

	result, err := eng.Migrate(context.Background())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if result.State.Phase == PhaseDone {
		t.Error("cancelled migration should not reach PhaseDone")
	}
}

func TestMigrateResumesFromCheckpointAfterRestart(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(0, 20)

	first := New(src, st, nil, Callbacks{}, Options{BatchSize: 5})
	first.Cancel() // abort immediately, simulating a process restart before any batch runs
	if _, err := first.Migrate(context.Background()); !errors.Is(err, ErrCancelled) {
		t.Fatalf("first Migrate: err = %v, want ErrCancelled", err)
	}

	second := New(src, st, nil, Callbacks{}, Options{BatchSize: 5})
	result, err := second.Migrate(context.Background())
	if err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
	if result.State.IssuesCompleted != 20 {
		t.Errorf("IssuesCompleted = %d, want 20 after resume", result.State.IssuesCompleted)
	}
}

func TestBackupPhaseRetainsOnlyMostRecentThree(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(1, 1)

	for i := 0; i < 5; i++ {
		eng := New(src, st, nil, Callbacks{}, Options{})
		if _, err := eng.Migrate(context.Background()); err != nil && !errors.Is(err, ErrAlreadyCompleted) {
			t.Fatalf("Migrate run %d: %v", i, err)
		}
		// Force another backup cycle by resetting the completed flag, simulating
		// repeated migration runs against the same legacy source over time.
		_ = st.Slots().Delete("migration_completed")
		_ = st.Slots().Delete("migration_state")
	}

	var index []backupIndexEntry
	if ok, err := st.Slots().Get(backupIndexSlot, &index); err != nil || !ok {
		t.Fatalf("read backup index: ok=%v err=%v", ok, err)
	}
	if len(index) != MaxRetainedBackups {
		t.Errorf("len(index) = %d, want %d", len(index), MaxRetainedBackups)
	}
}

func TestCompactOlderThanCompressesWithoutDeleting(t *testing.T) {
	st := newTestStore(t)
	src := seedSource(1, 1)
	eng := New(src, st, nil, Callbacks{}, Options{})
	if _, err := eng.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	future := time.Now().Add(time.Hour)
	n, err := eng.CompactOlderThan(context.Background(), future)
	if err != nil {
		t.Fatalf("CompactOlderThan: %v", err)
	}
	if n != 1 {
		t.Errorf("compacted = %d, want 1", n)
	}

	var index []backupIndexEntry
	if _, err := st.Slots().Get(backupIndexSlot, &index); err != nil {
		t.Fatalf("read index: %v", err)
	}
	if len(index) != 1 {
		t.Fatalf("expected the single backup to remain in the index, got %d", len(index))
	}
}
