package quotamgr

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/offlinefirst/datalayer/internal/cache"
	"github.com/offlinefirst/datalayer/internal/changequeue"
	"github.com/offlinefirst/datalayer/internal/errs"
	"github.com/offlinefirst/datalayer/internal/model"
	"github.com/offlinefirst/datalayer/internal/store"
)

type fakeEstimator struct {
	used, quota int64
	err         error
}

func (f fakeEstimator) Usage(ctx context.Context) (int64, int64, error) {
	return f.used, f.quota, f.err
}

type fakeBackups struct {
	compacted int64
	calls     int
}

func (f *fakeBackups) CompactOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	f.calls++
	return f.compacted, nil
}

type fakeRows struct{}

func (fakeRows) RowCounts(ctx context.Context) (issues, users, changeQueue, conflicts, metricsRows, cacheEntries, backupBytes int64, err error) {
	return 10, 2, 3, 1, 100, 5, 4096, nil
}

func newTestManager(t *testing.T) *store.Manager {
	t.Helper()
	mgr, err := store.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := mgr.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Reset(context.Background()) })
	return mgr
}

func seedCompletedIssue(t *testing.T, st *store.Manager, id string, modifiedAt time.Time) {
	t.Helper()
	db, err := st.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	issue := model.Issue{
		IssueID:    id,
		Title:      "old issue",
		Status:     model.StatusCompleted,
		Priority:   model.PriorityMedium,
		CreatedAt:  modifiedAt,
		ModifiedAt: modifiedAt,
		Version:    1,
		DeviceID:   "dev-1",
	}
	if err := st.UpsertIssue(context.Background(), issue); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	// UpsertIssue always stamps modified_at via the struct field above, but
	// force it again directly in case any default overwrote it.
	if _, err := db.Exec(`UPDATE issues SET modified_at = ? WHERE issue_id = ?`, modifiedAt, id); err != nil {
		t.Fatalf("force modified_at: %v", err)
	}
}

func TestProbeBelowWarnThresholdTakesNoAction(t *testing.T) {
	st := newTestManager(t)
	backups := &fakeBackups{}
	notified := 0
	notify := func(n errs.Notification) { notified++ }

	m := New(fakeEstimator{used: 10, quota: 100}, changequeue.New(mustHandle(t, st)), st, nil, backups, fakeRows{}, notify, nil, Options{})
	report, err := m.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.Severity != SeverityNone {
		t.Errorf("severity = %v, want none", report.Severity)
	}
	if backups.calls != 0 {
		t.Error("cleanup should not run below warn threshold")
	}
	if notified != 0 {
		t.Error("no notification should fire below warn threshold")
	}
}

func TestProbeAtWarningRunsGradedCleanupWithWideWindows(t *testing.T) {
	st := newTestManager(t)
	old := time.Now().AddDate(0, 0, -100)
	seedCompletedIssue(t, st, "bd-old", old)

	backups := &fakeBackups{compacted: 3}
	var gotNotification errs.Notification
	notify := func(n errs.Notification) { gotNotification = n }

	m := New(fakeEstimator{used: 85, quota: 100}, changequeue.New(mustHandle(t, st)), st, nil, backups, fakeRows{}, notify, nil, Options{})
	report, err := m.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.Severity != SeverityWarning {
		t.Errorf("severity = %v, want warning", report.Severity)
	}
	if report.CleanedUp.IssuesSoftDeleted != 1 {
		t.Errorf("IssuesSoftDeleted = %d, want 1", report.CleanedUp.IssuesSoftDeleted)
	}
	if backups.calls != 1 || report.CleanedUp.BackupsCompacted != 3 {
		t.Errorf("backups not invoked as expected: %+v", report.CleanedUp)
	}
	if gotNotification.Type != errs.KindQuotaCritical {
		t.Errorf("notification type = %v", gotNotification.Type)
	}
}

func TestProbeAtCriticalUsesNarrowWindowsAndClearsCache(t *testing.T) {
	st := newTestManager(t)
	recentButOldEnoughForCritical := time.Now().AddDate(0, 0, -40) // >30d (critical) but <90d (warning)
	seedCompletedIssue(t, st, "bd-crit", recentButOldEnoughForCritical)

	db := mustHandle(t, st)
	c := cache.New(db, nil)
	if _, err := c.Get(context.Background(), cache.Key{"k"}, func(ctx context.Context) (any, error) { return "v", nil }, cache.Options{}); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	backups := &fakeBackups{}
	m := New(fakeEstimator{used: 97, quota: 100}, changequeue.New(db), st, c, backups, fakeRows{}, func(errs.Notification) {}, nil, Options{})
	report, err := m.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.Severity != SeverityCritical {
		t.Errorf("severity = %v, want critical", report.Severity)
	}
	if report.CleanedUp.IssuesSoftDeleted != 1 {
		t.Errorf("critical window should catch a 40-day-old completed issue: %+v", report.CleanedUp)
	}
	if !report.CleanedUp.CachesCleared {
		t.Error("caches should be cleared at critical severity")
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&count); err != nil {
		t.Fatalf("query cache_entries: %v", err)
	}
	if count != 0 {
		t.Error("cache_entries should be empty after critical cleanup")
	}
}

func TestProbeReportsBreakdownFromRowEstimator(t *testing.T) {
	st := newTestManager(t)
	m := New(fakeEstimator{used: 50, quota: 100}, changequeue.New(mustHandle(t, st)), st, nil, nil, fakeRows{}, nil, nil, Options{})
	report, err := m.Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if report.Breakdown.Database == 0 {
		t.Error("expected a non-zero database breakdown estimate")
	}
	if report.Breakdown.Other == 0 {
		t.Error("expected a non-zero 'other' breakdown estimate from metrics rows")
	}
	if report.Breakdown.Caches == 0 {
		t.Error("expected a non-zero 'caches' breakdown estimate from cache_entries rows")
	}
	if report.Breakdown.Backups == 0 {
		t.Error("expected a non-zero 'backups' breakdown estimate from backup byte size")
	}
}

func TestNotificationThrottledToOncePerHour(t *testing.T) {
	st := newTestManager(t)
	notified := 0
	notify := func(errs.Notification) { notified++ }

	m := New(fakeEstimator{used: 96, quota: 100}, changequeue.New(mustHandle(t, st)), st, nil, &fakeBackups{}, fakeRows{}, notify, nil, Options{})
	if _, err := m.Probe(context.Background()); err != nil {
		t.Fatalf("Probe 1: %v", err)
	}
	if _, err := m.Probe(context.Background()); err != nil {
		t.Fatalf("Probe 2: %v", err)
	}
	if notified != 1 {
		t.Errorf("notified = %d, want 1 (second probe within the hour should be throttled)", notified)
	}
}

func TestProbeWithoutEstimatorErrors(t *testing.T) {
	st := newTestManager(t)
	m := New(nil, changequeue.New(mustHandle(t, st)), st, nil, nil, nil, nil, nil, Options{})
	if _, err := m.Probe(context.Background()); err == nil {
		t.Error("expected an error with no estimator configured")
	}
}

func TestLastReportReflectsMostRecentProbe(t *testing.T) {
	st := newTestManager(t)
	m := New(fakeEstimator{used: 1, quota: 100}, changequeue.New(mustHandle(t, st)), st, nil, nil, nil, nil, nil, Options{})
	if m.LastReport().ProbedAt.IsZero() == false {
		t.Error("LastReport should be zero-valued before any Probe runs")
	}
	if _, err := m.Probe(context.Background()); err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if m.LastReport().ProbedAt.IsZero() {
		t.Error("LastReport should be populated after Probe")
	}
}

func mustHandle(t *testing.T, st *store.Manager) *sql.DB {
	t.Helper()
	db, err := st.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return db
}
