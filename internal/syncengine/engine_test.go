package syncengine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/offlinefirst/datalayer/internal/changequeue"
	"github.com/offlinefirst/datalayer/internal/channel"
	"github.com/offlinefirst/datalayer/internal/model"
	"github.com/offlinefirst/datalayer/internal/resolver"
	"github.com/offlinefirst/datalayer/internal/store"
)

// stubDispatcher answers every batch push as an unconditional success and
// every pull-updates request with a fixed set of updates, letting tests
// drive the Engine's phase logic without a real remote replica.
type stubDispatcher struct {
	batchResp channel.BatchResponseEnvelope
	pullResp  channel.PullUpdatesResponse
}

func (s stubDispatcher) ApplyBatch(ctx context.Context, env channel.BatchEnvelope) channel.BatchResponseEnvelope {
	resp := s.batchResp
	resp.BatchID = env.BatchID // the client matches responses to requests by batch id
	return resp
}

func (s stubDispatcher) PullUpdates(ctx context.Context, req channel.PullUpdatesRequest) channel.PullUpdatesResponse {
	return s.pullResp
}

func newTestManager(t *testing.T) *store.Manager {
	t.Helper()
	m, err := store.New(t.TempDir(), nil, nil)
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	if err := m.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { _ = m.Reset(context.Background()) })
	return m
}

func dialedClient(t *testing.T, dispatcher channel.Dispatcher) (*channel.Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(channel.Handler(dispatcher, nil))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	c := channel.New(wsURL, "device-1", channel.DefaultReconnectOptions(), nil)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, server
}

func testIssue(id string) model.Issue {
	now := time.Now().UTC()
	return model.Issue{
		IssueID: id, Title: "t-" + id, Status: model.StatusPending, Priority: model.PriorityMedium,
		CreatedAt: now, ModifiedAt: now, Version: 1, DeviceID: "device-1",
	}
}

func TestSyncPushesPendingAndMarksSynced(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	db, err := mgr.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	queue := changequeue.New(db)

	issue := testIssue("bd-1")
	if err := mgr.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	changeID, err := queue.Enqueue(ctx, "issues", issue.IssueID, model.OpCreate, model.NewIssuePayload(issue), "device-1")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	client, _ := dialedClient(t, stubDispatcher{
		batchResp: channel.BatchResponseEnvelope{Results: []channel.ItemOutcome{{Success: true}}},
	})

	eng := New(mgr, queue, resolver.New(resolver.LastWriteWins{}), client, nil, nil, Options{BatchSize: 10, DeviceID: "device-1"})
	report, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Pushed != 1 {
		t.Errorf("Pushed = %d, want 1", report.Pushed)
	}

	stats, err := queue.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Pending != 0 {
		t.Errorf("Pending = %d, want 0 after sync", stats.Pending)
	}
	_ = changeID
}

func TestSyncPullsAndAppliesInboundUpdates(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	db, err := mgr.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	queue := changequeue.New(db)

	inbound := testIssue("bd-remote")
	client, _ := dialedClient(t, stubDispatcher{
		pullResp: channel.PullUpdatesResponse{
			Updates: []channel.ServerUpdate{
				{TableName: "issues", RowID: inbound.IssueID, Operation: model.OpCreate, Payload: model.NewIssuePayload(inbound), Version: 1},
			},
		},
	})

	eng := New(mgr, queue, resolver.New(resolver.LastWriteWins{}), client, nil, nil, Options{BatchSize: 10, DeviceID: "device-1"})
	report, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Pulled != 1 {
		t.Errorf("Pulled = %d, want 1", report.Pulled)
	}

	got, err := mgr.GetIssue(ctx, inbound.IssueID)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if got.Title != inbound.Title {
		t.Errorf("title = %q, want %q", got.Title, inbound.Title)
	}
}

func TestSyncRejectsConcurrentEntrants(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	db, err := mgr.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	queue := changequeue.New(db)
	eng := New(mgr, queue, resolver.New(resolver.LastWriteWins{}), nil, nil, nil, Options{BatchSize: 10, DeviceID: "device-1"})

	eng.inProgress.Store(true)
	defer eng.inProgress.Store(false)

	_, err = eng.Sync(ctx)
	if err != ErrSyncInProgress {
		t.Errorf("err = %v, want ErrSyncInProgress", err)
	}
}

func TestStatusReportsPendingAndLastSyncTime(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	db, err := mgr.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	queue := changequeue.New(db)
	eng := New(mgr, queue, resolver.New(resolver.LastWriteWins{}), nil, nil, nil, Options{BatchSize: 10, DeviceID: "device-1"})

	before := eng.Status(ctx)
	if before.Syncing {
		t.Error("Syncing should be false before any cycle runs")
	}
	if !before.LastSyncTime.IsZero() {
		t.Error("LastSyncTime should be zero before any cycle runs")
	}

	issue := testIssue("bd-status")
	if err := mgr.UpsertIssue(ctx, issue); err != nil {
		t.Fatalf("UpsertIssue: %v", err)
	}
	if _, err := queue.Enqueue(ctx, "issues", issue.IssueID, model.OpCreate, model.NewIssuePayload(issue), "device-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	status := eng.Status(ctx)
	if status.PendingChanges != 1 {
		t.Errorf("PendingChanges = %d, want 1", status.PendingChanges)
	}
}

func TestNoOpSyncWithoutClientStillRunsPullNoop(t *testing.T) {
	mgr := newTestManager(t)
	ctx := context.Background()
	db, err := mgr.Handle()
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	queue := changequeue.New(db)
	eng := New(mgr, queue, resolver.New(resolver.LastWriteWins{}), nil, nil, nil, Options{BatchSize: 10, DeviceID: "device-1"})

	report, err := eng.Sync(ctx)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.Pushed != 0 || report.Pulled != 0 {
		t.Errorf("report = %+v, want all-zero with no client wired", report)
	}
}
