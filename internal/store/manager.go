// Package store implements the Local Store Manager of spec §4.A: it owns
// the singleton handle to the embedded SQL engine, runs the
// initialization protocol (including emergency-mode fallback), applies
// migrations, and exposes a health probe. Connection setup and the
// retry/WAL-mode handling are adapted from the teacher's
// internal/storage/sqlite/store.go.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // database/sql driver registration
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded SQLite binary, no cgo required

	"github.com/offlinefirst/datalayer/internal/errs"
	"github.com/offlinefirst/datalayer/internal/store/kvslot"
)

// Status is the health state a Manager can report (spec §4.A).
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusEmergency Status = "emergency"
)

// Health is returned by Manager.Health.
type Health struct {
	Status  Status
	Details map[string]string
}

// retryDelays is the fixed backoff schedule for opening the engine
// (spec §4.A step 3): 2s, 4s, 8s.
var retryDelays = []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}

// minFreeFraction is the floor below which initialization fails fast
// with InsufficientStorage (spec §4.A step 2).
const minFreeFraction = 0.10

// Estimator reports how much of the host's durable object store is
// free, so Manager can enforce the 10%-free floor at step 2 of init.
type Estimator interface {
	// Usage returns bytes used and bytes quota for the host storage
	// envelope. The same interface backs the quota manager's probe.
	Usage(ctx context.Context) (used, quota int64, err error)
}

// Manager owns the singleton *sql.DB handle plus the emergency-mode
// fallback. It is safe for concurrent use.
type Manager struct {
	dataDir   string
	estimator Estimator
	logger    *slog.Logger

	mu     sync.RWMutex
	db     *sql.DB
	ready  atomic.Bool
	status atomic.Value // Status

	emergency *emergencyStore
	slots     *kvslot.Store
}

// New constructs a Manager rooted at dataDir. estimator may be nil, in
// which case the free-quota check at init step 2 is skipped (useful in
// hosts that cannot report storage usage).
func New(dataDir string, estimator Estimator, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	slots, err := kvslot.New(dataDir)
	if err != nil {
		return nil, err
	}
	m := &Manager{
		dataDir:   dataDir,
		estimator: estimator,
		logger:    logger,
		slots:     slots,
	}
	m.status.Store(StatusDegraded)
	return m, nil
}

// Initialize runs the six-step protocol of spec §4.A. It is idempotent:
// calling it again after a successful call returns immediately.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ready.Load() {
		return nil
	}

	// Step 1: verify presence of the host's durable object store.
	if err := os.MkdirAll(m.dataDir, 0o750); err != nil {
		m.activateEmergencyLocked("durable store unavailable: " + err.Error())
		return errs.New(errs.KindStorageUnavailable, "store.Initialize", err)
	}

	// Step 2: probe free quota.
	if m.estimator != nil {
		used, quota, err := m.estimator.Usage(ctx)
		if err == nil && quota > 0 {
			free := float64(quota-used) / float64(quota)
			if free < minFreeFraction {
				err := fmt.Errorf("only %.1f%% free, need at least %.0f%%", free*100, minFreeFraction*100)
				m.activateEmergencyLocked(err.Error())
				return errs.New(errs.KindInsufficientStorage, "store.Initialize", err)
			}
		}
	}

	// Step 3: open the engine, retrying with exponential backoff.
	dbPath := filepath.Join(m.dataDir, "local.db")
	var db *sql.DB
	var openErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		db, openErr = openSQLite(dbPath)
		if openErr == nil {
			break
		}
		m.logger.Warn("store: open failed, retrying", "attempt", attempt, "error", openErr)
		if attempt == len(retryDelays) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryDelays[attempt]):
		}
	}
	if openErr != nil {
		m.activateEmergencyLocked("engine open failed: " + openErr.Error())
		return errs.New(errs.KindStorageUnavailable, "store.Initialize", openErr)
	}

	// Step 4: apply migrations (idempotent CREATE TABLE IF NOT EXISTS).
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		m.activateEmergencyLocked("schema init failed: " + err.Error())
		return errs.New(errs.KindMigrationFailed, "store.Initialize", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		m.activateEmergencyLocked("migrations failed: " + err.Error())
		return errs.New(errs.KindMigrationFailed, "store.Initialize", err)
	}

	// Step 5: mark ready.
	m.db = db
	m.ready.Store(true)
	m.status.Store(StatusHealthy)

	// If we previously fell back to emergency mode, try to ingest its
	// serialized backup now that the engine is back.
	if m.emergency != nil {
		if err := m.ingestEmergencyBackup(ctx); err != nil {
			m.logger.Warn("store: emergency backup ingest failed", "error", err)
		}
	}

	m.recordHealthCheck(ctx, StatusHealthy, "initialized")
	return nil
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	connStr := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(30000)&_time_format=sqlite", path)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Handle returns the live *sql.DB. It is an error (not a panic) to call
// this before a successful Initialize, or while in emergency mode.
func (m *Manager) Handle() (*sql.DB, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.ready.Load() || m.db == nil {
		return nil, errs.New(errs.KindStorageUnavailable, "store.Handle", fmt.Errorf("store not initialized"))
	}
	return m.db, nil
}

// emergencyActive reports whether the manager is currently serving reads
// and writes from the in-memory emergency map instead of the SQL engine
// (spec §4.A step 6). repo.go's data methods consult this before calling
// Handle() so emergency mode is an actual degraded data path, not just a
// status flag.
func (m *Manager) emergencyActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emergency != nil && m.emergency.active.Load()
}

// Slots exposes the host key-value slot store so components outside
// package store (the migration engine's checkpoints, the config
// package's deviceId/conflictResolution slots) can share the same
// on-disk slot family rather than opening a second one.
func (m *Manager) Slots() *kvslot.Store {
	return m.slots
}

// Health reports the manager's current status (spec §4.A).
func (m *Manager) Health(ctx context.Context) Health {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status, _ := m.status.Load().(Status)
	details := map[string]string{}
	if m.emergency != nil && m.emergency.active.Load() {
		details["emergencyEntries"] = fmt.Sprintf("%d", m.emergency.len())
	}
	if m.db != nil {
		if err := m.db.PingContext(ctx); err != nil {
			details["pingError"] = err.Error()
			return Health{Status: StatusDegraded, Details: details}
		}
	}
	return Health{Status: status, Details: details}
}

// Reset closes the handle and wipes in-memory state. Used by tests and
// by operator tooling; not part of the normal sync lifecycle.
func (m *Manager) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.db != nil {
		if err := m.db.Close(); err != nil {
			return fmt.Errorf("store: close: %w", err)
		}
		m.db = nil
	}
	m.ready.Store(false)
	m.status.Store(StatusDegraded)
	if m.emergency != nil {
		m.emergency.clear()
	}
	return nil
}

// recordHealthCheck appends a row to health_checks; failures are logged,
// never returned, matching §4.A's "query errors never tear down the
// handle" failure semantics.
func (m *Manager) recordHealthCheck(ctx context.Context, status Status, detail string) {
	if m.db == nil {
		return
	}
	_, err := m.db.ExecContext(ctx,
		`INSERT INTO health_checks (checked_at, status, detail) VALUES (?, ?, ?)`,
		time.Now().UTC(), string(status), detail)
	if err != nil {
		m.logger.Warn("store: health_checks insert failed", "error", err)
	}
}
