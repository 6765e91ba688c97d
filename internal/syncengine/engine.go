// Package syncengine implements the Sync Engine of spec §4.E: it drains
// the Change Queue over the Duplex Channel, routes conflicts through the
// Conflict Resolver, applies inbound updates to the Local Store Manager,
// and records progress through the Metrics Collector. The phase-table
// dispatch pattern — a fixed ordered list of named phases, each processed
// to completion before the next starts, with per-phase error isolation —
// is grounded on the pack's onedrive-go sync executor
// (other_examples/9384fb77_tonimelisma-onedrive-go__internal-sync-executor.go.go),
// adapted from its file-sync phases (folder_creates/moves/downloads/...)
// to this domain's push/pull phases.
package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/offlinefirst/datalayer/internal/changequeue"
	"github.com/offlinefirst/datalayer/internal/channel"
	"github.com/offlinefirst/datalayer/internal/metrics"
	"github.com/offlinefirst/datalayer/internal/model"
	"github.com/offlinefirst/datalayer/internal/resolver"
	"github.com/offlinefirst/datalayer/internal/store"
)

// ErrSyncInProgress is returned by Sync when a cycle is already running;
// per spec §4.E step 1 the concurrent entrant is rejected, not queued.
var ErrSyncInProgress = errors.New("syncengine: a sync cycle is already running")

// Options configures one Engine (spec §4.E "Inputs").
type Options struct {
	BatchSize int
	Interval  time.Duration
	AutoSync  bool
	DeviceID  string
}

// DefaultOptions are the spec §4.E defaults.
func DefaultOptions(deviceID string) Options {
	return Options{BatchSize: 100, Interval: 30 * time.Second, AutoSync: true, DeviceID: deviceID}
}

// Status is the snapshot exposed to callers (spec §4.E "Status exposed").
type Status struct {
	Online         bool
	Syncing        bool
	LastSyncTime   time.Time
	PendingChanges int64
	Conflicts      int64
}

// Engine orchestrates one logical sync cycle at a time across the Local
// Store Manager, Change Queue, Conflict Resolver, Duplex Channel, and
// Metrics Collector.
type Engine struct {
	store    *store.Manager
	queue    *changequeue.Queue
	resolver *resolver.Resolver
	client   *channel.Client
	metrics  *metrics.Collector
	logger   *slog.Logger
	opts     Options

	inProgress   atomic.Bool
	online       atomic.Bool
	lastSyncTime atomic.Value // time.Time
	conflicts    atomic.Int64

	timerStop chan struct{}
}

// New wires an Engine from its component dependencies.
func New(st *store.Manager, queue *changequeue.Queue, res *resolver.Resolver, client *channel.Client, coll *metrics.Collector, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{store: st, queue: queue, resolver: res, client: client, metrics: coll, logger: logger, opts: opts}
	e.lastSyncTime.Store(time.Time{})
	return e
}

// Start wires the timer trigger (every opts.Interval, if AutoSync) and the
// channel's "connected"/"reconnect-failed" signals to the online flag
// (spec §4.E "Trigger sources"). It also subscribes to the server's
// unsolicited "conflict" push (spec §4.C "server-initiated conflict
// notification") so a conflict detected on the server side outside of any
// push the client initiated still reaches the resolver instead of being
// silently dropped.
func (e *Engine) Start(ctx context.Context) {
	if e.client != nil {
		e.client.Subscribe("connected", func(channel.Message) { e.online.Store(true) })
		e.client.Subscribe("reconnect-failed", func(channel.Message) { e.online.Store(false) })
		e.client.Subscribe(channel.TypeConflict, func(m channel.Message) {
			var n channel.ConflictNotification
			if err := m.Decode(&n); err != nil {
				e.logger.Warn("syncengine: malformed conflict notification", "error", err)
				return
			}
			if err := e.handleServerPushedConflict(ctx, n); err != nil {
				e.logger.Warn("syncengine: handle server-pushed conflict", "error", err)
			}
		})
	}

	if !e.opts.AutoSync || e.opts.Interval <= 0 {
		return
	}
	e.timerStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(e.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := e.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
					e.logger.Warn("syncengine: timer-triggered sync failed", "error", err)
				}
			case <-ctx.Done():
				return
			case <-e.timerStop:
				return
			}
		}
	}()
}

// Stop cancels the timer trigger, if running.
func (e *Engine) Stop() {
	if e.timerStop == nil {
		return
	}
	select {
	case <-e.timerStop:
	default:
		close(e.timerStop)
	}
}

// NotifyOnline is invoked by the host's "online"/"about to unload" signals
// (spec §4.E "Trigger sources").
func (e *Engine) NotifyOnline(ctx context.Context) {
	e.online.Store(true)
	if _, err := e.Sync(ctx); err != nil && !errors.Is(err, ErrSyncInProgress) {
		e.logger.Warn("syncengine: online-triggered sync failed", "error", err)
	}
}

// Report summarizes one completed (or aborted) cycle.
type Report struct {
	Pushed      int
	Conflicts   int
	Errored     int
	Pulled      int
	PendingLeft int64
}

// Sync runs one cycle. Concurrent entrants are rejected, not queued
// (spec §4.E step 1).
func (e *Engine) Sync(ctx context.Context) (Report, error) {
	if !e.inProgress.CompareAndSwap(false, true) {
		return Report{}, ErrSyncInProgress
	}
	defer e.inProgress.Store(false)

	start := time.Now()
	var report Report
	var cycleErr error

	for _, phase := range []struct {
		name string
		run  func(context.Context, *Report) error
	}{
		{"push", e.phasePush},
		{"pull", e.phasePull},
	} {
		if err := ctx.Err(); err != nil {
			cycleErr = err
			break
		}
		if err := phase.run(ctx, &report); err != nil {
			e.logger.Warn("syncengine: phase failed", "phase", phase.name, "error", err)
			cycleErr = err
			break
		}
	}

	success := cycleErr == nil
	if success {
		e.lastSyncTime.Store(start)
	}
	if e.queue != nil {
		if stats, err := e.queue.Stats(ctx); err == nil {
			report.PendingLeft = stats.Pending
		}
	}

	if e.metrics != nil {
		elapsed := time.Since(start)
		if err := metrics.RecordSyncMetric(ctx, e.dbHandle(), model.SyncMetric{
			DeviceID:    e.opts.DeviceID,
			Kind:        model.SyncKindFullSync,
			LatencyMs:   elapsed.Milliseconds(),
			RecordCount: report.Pushed + report.Pulled,
			Success:     success,
			Error:       errString(cycleErr),
			At:          time.Now().UTC(),
		}); err != nil {
			e.logger.Warn("syncengine: record sync metric failed", "error", err)
		}
		e.metrics.Record("syncengine", "full_sync", float64(elapsed.Milliseconds()))
	}

	return report, cycleErr
}

func (e *Engine) dbHandle() *sql.DB {
	if e.store == nil {
		return nil
	}
	db, err := e.store.Handle()
	if err != nil {
		return nil
	}
	return db
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// phasePush drains the change queue in batches over the duplex channel,
// routing per-item outcomes to markSynced/resolver/bumpRetry (spec §4.E
// steps 2-4).
func (e *Engine) phasePush(ctx context.Context, report *Report) error {
	if e.queue == nil || e.client == nil {
		return nil
	}
	for {
		pending, err := e.queue.Pending(ctx, e.opts.BatchSize)
		if err != nil {
			return fmt.Errorf("syncengine: read pending: %w", err)
		}
		if len(pending) == 0 {
			return nil
		}

		resp, err := e.client.SendBatch(ctx, channel.BatchEnvelope{Messages: pending})
		if err != nil {
			// Transport failure aborts the cycle; rows remain in the
			// queue for the next cycle (spec §4.E "Failure semantics").
			return fmt.Errorf("syncengine: push batch: %w", err)
		}

		if err := e.applyBatchOutcomes(ctx, pending, resp, report); err != nil {
			return err
		}

		if len(pending) < e.opts.BatchSize {
			return nil
		}
	}
}

func (e *Engine) applyBatchOutcomes(ctx context.Context, sent []model.ChangeRecord, resp channel.BatchResponseEnvelope, report *Report) error {
	for i, rec := range sent {
		if i >= len(resp.Results) {
			break
		}
		outcome := resp.Results[i]
		switch {
		case outcome.Success:
			if err := e.queue.MarkSynced(ctx, rec.ChangeID); err != nil {
				return fmt.Errorf("syncengine: mark synced: %w", err)
			}
			if e.store != nil {
				_ = e.store.ClearLocallyModified(ctx, rec.RowID)
			}
			report.Pushed++
		case outcome.Conflict:
			if err := e.handleConflict(ctx, rec, outcome); err != nil {
				return err
			}
			report.Conflicts++
		default:
			if _, _, err := e.queue.BumpRetry(ctx, rec.ChangeID, outcome.Error); err != nil {
				return fmt.Errorf("syncengine: bump retry: %w", err)
			}
			report.Errored++
		}
	}
	return nil
}

// handleConflict fetches the local side, classifies, resolves, and either
// applies the resolution or persists a ConflictRecord (spec §4.E step 4,
// §4.C). A conflict on one row never poisons the rest of the batch.
func (e *Engine) handleConflict(ctx context.Context, rec model.ChangeRecord, outcome channel.ItemOutcome) error {
	table := model.TableName(rec.TableName)
	local, localExists, err := e.store.GetPayload(ctx, table, rec.RowID)
	if err != nil {
		return fmt.Errorf("syncengine: fetch local for conflict: %w", err)
	}

	localDeleted := !localExists
	if localExists && local.Issue != nil {
		localDeleted = local.Issue.DeletedAt != nil
	}
	remoteDeleted := outcome.ConflictType == string(model.ConflictUpdateDelete) && !localDeleted

	kind := resolver.Classify(local, rec.Payload, localDeleted, remoteDeleted)
	resolved, resolution := e.resolver.Resolve(local, rec.Payload, kind, localDeleted)

	now := time.Now().UTC()
	if resolution == model.ResolutionUserDecision {
		e.conflicts.Add(1)
		return e.store.RecordConflict(ctx, model.ConflictRecord{
			ConflictID: rec.ChangeID + "-conflict",
			TableName:  rec.TableName,
			RowID:      rec.RowID,
			Local:      local,
			Remote:     rec.Payload,
			Kind:       kind,
			CreatedAt:  now,
		})
	}

	return e.store.ApplyPayload(ctx, rec.Operation, resolved, rec.RowID, now)
}

// handleServerPushedConflict resolves a conflict the server detected and
// pushed unprompted, outside any batch this client sent (spec §4.C). The
// notification already carries the conflict's kind, so unlike
// handleConflict there is no outcome to classify from.
func (e *Engine) handleServerPushedConflict(ctx context.Context, n channel.ConflictNotification) error {
	table := model.TableName(n.TableName)
	local, localExists, err := e.store.GetPayload(ctx, table, n.RowID)
	if err != nil {
		return fmt.Errorf("syncengine: fetch local for server-pushed conflict: %w", err)
	}
	localDeleted := localExists && local.Issue != nil && local.Issue.DeletedAt != nil

	resolved, resolution := e.resolver.Resolve(local, n.Remote, n.ConflictKind, localDeleted)

	now := time.Now().UTC()
	e.conflicts.Add(1)
	if resolution == model.ResolutionUserDecision {
		return e.store.RecordConflict(ctx, model.ConflictRecord{
			ConflictID: fmt.Sprintf("%s-%s-server-push-%d", n.TableName, n.RowID, now.UnixNano()),
			TableName:  n.TableName,
			RowID:      n.RowID,
			Local:      local,
			Remote:     n.Remote,
			Kind:       n.ConflictKind,
			CreatedAt:  now,
		})
	}

	return e.store.ApplyPayload(ctx, model.OpUpdate, resolved, n.RowID, now)
}

// phasePull requests updates since the last successful sync and applies
// each to the local store (spec §4.E step 6).
func (e *Engine) phasePull(ctx context.Context, report *Report) error {
	if e.client == nil {
		return nil
	}
	since, _ := e.lastSyncTime.Load().(time.Time)

	msg, err := channel.NewMessage(channel.TypePullUpdates, e.opts.DeviceID, channel.PullUpdatesRequest{
		Since: since, DeviceID: e.opts.DeviceID,
	})
	if err != nil {
		return fmt.Errorf("syncengine: build pull request: %w", err)
	}

	waitCh := make(chan channel.PullUpdatesResponse, 1)
	e.client.Subscribe(channel.TypePullUpdatesResp, func(m channel.Message) {
		var resp channel.PullUpdatesResponse
		if err := m.Decode(&resp); err == nil {
			select {
			case waitCh <- resp:
			default:
			}
		}
	})

	if err := e.client.Send(msg); err != nil {
		return fmt.Errorf("syncengine: send pull request: %w", err)
	}

	select {
	case resp := <-waitCh:
		return e.applyInbound(ctx, resp.Updates, report)
	case <-time.After(30 * time.Second):
		return fmt.Errorf("syncengine: pull-updates timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) applyInbound(ctx context.Context, updates []channel.ServerUpdate, report *Report) error {
	for _, u := range updates {
		if err := e.store.ApplyPayload(ctx, u.Operation, u.Payload, u.RowID, time.Now().UTC()); err != nil {
			return fmt.Errorf("syncengine: apply inbound update for %s/%s: %w", u.TableName, u.RowID, err)
		}
		report.Pulled++
	}
	return nil
}

// Status reports the engine's current state (spec §4.E).
func (e *Engine) Status(ctx context.Context) Status {
	s := Status{
		Online:  e.online.Load(),
		Syncing: e.inProgress.Load(),
	}
	if t, ok := e.lastSyncTime.Load().(time.Time); ok {
		s.LastSyncTime = t
	}
	if e.queue != nil {
		if stats, err := e.queue.Stats(ctx); err == nil {
			s.PendingChanges = stats.Pending
		}
	}
	s.Conflicts = e.conflicts.Load()
	return s
}
