package store

import (
	"context"
	"testing"
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Reset(context.Background()) })
	return m
}

func testIssue(id, title string) model.Issue {
	now := time.Now().UTC()
	return model.Issue{
		IssueID:    id,
		Title:      title,
		Status:     model.StatusPending,
		Priority:   model.PriorityMedium,
		CreatedAt:  now,
		ModifiedAt: now,
		Version:    1,
		DeviceID:   "device-1",
	}
}

func TestUpsertAndGetIssue(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	issue := testIssue("bd-1", "first")
	if err := m.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}

	got, err := m.GetIssue(ctx, "bd-1")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.Title != "first" {
		t.Errorf("title = %q, want %q", got.Title, "first")
	}

	issue.Title = "updated"
	issue.Version = 2
	if err := m.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("UpsertIssue (update): %v", err)
	}
	got, err = m.GetIssue(ctx, "bd-1")
	if err != nil {
		t.Fatalf("GetIssue after update: %v", err)
	}
	if got.Title != "updated" || got.Version != 2 {
		t.Errorf("got = %+v, want title=updated version=2", got)
	}
}

func TestGetIssueNotFound(t *testing.T) {
	m := newTestManager(t)
	_, err := m.GetIssue(context.Background(), "missing")
	if err != ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSoftDeleteIssue(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	issue := testIssue("bd-2", "to delete")
	if err := m.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}

	at := time.Now().UTC()
	if err := m.SoftDeleteIssue(ctx, "bd-2", at); err != nil {
		t.Fatalf("SoftDeleteIssue: %v", err)
	}

	got, err := m.GetIssue(ctx, "bd-2")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.IsLive() {
		t.Error("issue should no longer be live after soft delete")
	}
	if got.DeletedAt == nil {
		t.Fatal("DeletedAt should be set")
	}
}

func TestApplyPayloadDeleteSoftDeletes(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	issue := testIssue("bd-3", "to delete via payload")
	if err := m.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}

	payload := model.NewIssuePayload(issue)
	if err := m.ApplyPayload(ctx, model.OpDelete, payload, "bd-3", time.Now().UTC()); err != nil {
		t.Fatalf("ApplyPayload: %v", err)
	}

	got, err := m.GetIssue(ctx, "bd-3")
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.IsLive() {
		t.Error("issue should be soft-deleted after OpDelete payload apply")
	}
}

func TestGetPayloadMissingReturnsNotFoundFalse(t *testing.T) {
	m := newTestManager(t)
	_, ok, err := m.GetPayload(context.Background(), model.TableIssues, "missing")
	if err != nil {
		t.Fatalf("GetPayload: %v", err)
	}
	if ok {
		t.Error("ok should be false for a missing row")
	}
}

func TestRecordConflict(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	local := model.NewIssuePayload(testIssue("bd-4", "local"))
	remote := model.NewIssuePayload(testIssue("bd-4", "remote"))

	c := model.ConflictRecord{
		ConflictID: "conflict-1",
		TableName:  string(model.TableIssues),
		RowID:      "bd-4",
		Local:      local,
		Remote:     remote,
		Kind:       model.ConflictUpdateUpdate,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.RecordConflict(ctx, c); err != nil {
		t.Fatalf("RecordConflict: %v", err)
	}
}
