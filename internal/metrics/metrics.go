// Package metrics implements the Metrics Collector of spec §4.I: a
// bounded in-memory reservoir of latency samples per (family, operation),
// with percentile computation and periodic flush to the performance_metrics
// table. The bounded-ring-buffer-under-a-mutex shape follows the teacher's
// general style of guarding small in-memory aggregates with sync.Mutex
// rather than importing a metrics library (see DESIGN.md).
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
)

// ReservoirSize bounds each (family, operation) sample set (spec §4.I).
const ReservoirSize = 1000

// InMemoryRetention is how long samples are kept before a flush evicts
// them; on-disk retention is the quota manager's responsibility (§4.G).
const InMemoryRetention = time.Hour

const defaultFlushInterval = 60 * time.Second

type sample struct {
	value float64
	at    time.Time
}

type series struct {
	samples []sample // ring buffer, oldest overwritten first
	next    int
}

func (s *series) add(v float64, at time.Time) {
	if len(s.samples) < ReservoirSize {
		s.samples = append(s.samples, sample{v, at})
		return
	}
	s.samples[s.next] = sample{v, at}
	s.next = (s.next + 1) % ReservoirSize
}

func (s *series) values(since time.Time) []float64 {
	out := make([]float64, 0, len(s.samples))
	for _, sm := range s.samples {
		if sm.at.Before(since) {
			continue
		}
		out = append(out, sm.value)
	}
	return out
}

// evictBefore drops samples older than cutoff, preserving each kept
// sample's original timestamp (needed by Rate's trailing-window math).
func (s *series) evictBefore(cutoff time.Time) {
	// Walk the ring from its oldest slot so the kept samples are in
	// chronological order and the next wrap overwrites the oldest first.
	ordered := append(append([]sample(nil), s.samples[s.next:]...), s.samples[:s.next]...)
	kept := ordered[:0]
	for _, sm := range ordered {
		if !sm.at.Before(cutoff) {
			kept = append(kept, sm)
		}
	}
	s.samples = kept
	s.next = 0
}

func (s *series) countSince(since time.Time) int {
	n := 0
	for _, sm := range s.samples {
		if !sm.at.Before(since) {
			n++
		}
	}
	return n
}

// Percentiles is the P50/P95/P99 summary of one reservoir.
type Percentiles struct {
	P50, P95, P99 float64
	Count         int
}

func percentilesOf(values []float64) Percentiles {
	if len(values) == 0 {
		return Percentiles{}
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return Percentiles{
		P50:   percentileAt(sorted, 0.50),
		P95:   percentileAt(sorted, 0.95),
		P99:   percentileAt(sorted, 0.99),
		Count: len(sorted),
	}
}

func percentileAt(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

type key struct {
	family    string
	operation string
}

// Collector is the per-process metrics reservoir and flush loop.
type Collector struct {
	deviceID string
	db       *sql.DB
	logger   *slog.Logger

	mu     sync.Mutex
	series map[key]*series

	stop chan struct{}
	done chan struct{}
}

// New constructs a Collector. db may be nil if flushing is not wired up
// yet (e.g. before store.Manager.Initialize has run); Flush becomes a
// no-op in that case.
func New(deviceID string, db *sql.DB, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		deviceID: deviceID,
		db:       db,
		logger:   logger,
		series:   make(map[key]*series),
	}
}

// SetHandle swaps in a live *sql.DB once the store finishes initializing.
func (c *Collector) SetHandle(db *sql.DB) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.db = db
}

// Record appends one sample to the (family, operation) reservoir.
func (c *Collector) Record(family, operation string, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := key{family, operation}
	s, ok := c.series[k]
	if !ok {
		s = &series{}
		c.series[k] = s
	}
	s.add(value, time.Now())
}

// Percentiles computes P50/P95/P99 over the live reservoir for (family, operation).
func (c *Collector) Percentiles(family, operation string) Percentiles {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[key{family, operation}]
	if !ok {
		return Percentiles{}
	}
	return percentilesOf(s.values(time.Time{}))
}

// Rate returns samples-per-second over the trailing window ending now.
func (c *Collector) Rate(family, operation string, window time.Duration) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.series[key{family, operation}]
	if !ok || window <= 0 {
		return 0
	}
	since := time.Now().Add(-window)
	n := s.countSince(since)
	return float64(n) / window.Seconds()
}

// StartFlushLoop runs Flush every 60s until ctx is canceled.
func (c *Collector) StartFlushLoop(ctx context.Context) {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go func() {
		defer close(c.done)
		ticker := time.NewTicker(defaultFlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.Flush(ctx); err != nil {
					c.logger.Warn("metrics: flush failed", "error", err)
				}
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			}
		}
	}()
}

// StopFlushLoop cancels the background flush goroutine, if running.
func (c *Collector) StopFlushLoop() {
	c.mu.Lock()
	stop := c.stop
	c.mu.Unlock()
	if stop == nil {
		return
	}
	select {
	case <-stop:
	default:
		close(stop)
	}
	<-c.done
}

// Flush persists P50/P95/P99 rows for every tracked (family, operation)
// pair into performance_metrics, then evicts samples older than
// InMemoryRetention (spec §4.I).
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	db := c.db
	snapshot := make(map[key][]float64, len(c.series))
	cutoff := time.Now().Add(-InMemoryRetention)
	for k, s := range c.series {
		snapshot[k] = s.values(time.Time{})
		s.evictBefore(cutoff)
	}
	c.mu.Unlock()

	if db == nil {
		return nil
	}

	now := time.Now().UTC()
	for k, values := range snapshot {
		pct := percentilesOf(values)
		if pct.Count == 0 {
			continue
		}
		rows := []model.PerformanceMetric{
			{Family: k.family, Operation: k.operation, Value: pct.P50, Percentile: "p50", At: now, DeviceID: c.deviceID},
			{Family: k.family, Operation: k.operation, Value: pct.P95, Percentile: "p95", At: now, DeviceID: c.deviceID},
			{Family: k.family, Operation: k.operation, Value: pct.P99, Percentile: "p99", At: now, DeviceID: c.deviceID},
		}
		for _, r := range rows {
			if _, err := db.ExecContext(ctx,
				`INSERT INTO performance_metrics (family, operation, value, percentile, created_at, device_id) VALUES (?, ?, ?, ?, ?, ?)`,
				r.Family, r.Operation, r.Value, r.Percentile, r.At, r.DeviceID); err != nil {
				return err
			}
		}
	}
	return nil
}

// PruneOlderThan deletes performance_metrics and sync_metrics rows older
// than cutoff, part of the quota manager's graded cleanup (spec §4.G
// "prune metrics older than 7 d").
func PruneOlderThan(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	if db == nil {
		return 0, nil
	}
	var total int64
	res, err := db.ExecContext(ctx, `DELETE FROM performance_metrics WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("metrics: prune performance_metrics: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = db.ExecContext(ctx, `DELETE FROM sync_metrics WHERE created_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("metrics: prune sync_metrics: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n
	return total, nil
}

// RecordSyncMetric persists a SyncMetric row directly (spec §4.E step 7),
// bypassing the reservoir since sync metrics are recorded once per cycle
// rather than sampled at high frequency.
func RecordSyncMetric(ctx context.Context, db *sql.DB, m model.SyncMetric) error {
	if db == nil {
		return nil
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sync_metrics (device_id, sync_kind, latency_ms, record_count, bytes_xferred, success, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.DeviceID, string(m.Kind), m.LatencyMs, m.RecordCount, m.BytesXferred, m.Success, m.Error, m.At)
	return err
}
