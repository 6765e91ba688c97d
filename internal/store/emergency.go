package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
)

// emergencyFlushInterval is how often the emergency map is serialized to
// the host's "emergency_backup" kv slot (spec §4.A step 6).
const emergencyFlushInterval = 30 * time.Second

// emergencyStore is the in-memory key→value fallback activated when the
// SQL engine cannot be brought up. It is the process-wide signal spec §5
// describes: writers (the initializer, the serializer) happen-before
// readers observe active.Load() true.
type emergencyStore struct {
	mu     sync.RWMutex
	data   map[string]string
	active atomic.Bool
	reason string

	slots     kvslotSetter
	stopFlush chan struct{}
}

// kvslotSetter narrows the kvslot.Store surface emergencyStore needs, so
// this file has no import-cycle-prone dependency on the concrete type.
type kvslotSetter interface {
	Set(slot string, v any) error
	Get(slot string, v any) (bool, error)
	Delete(slot string) error
}

func newEmergencyStore(slots kvslotSetter) *emergencyStore {
	return &emergencyStore{
		data:      make(map[string]string),
		slots:     slots,
		stopFlush: make(chan struct{}),
	}
}

// activateEmergencyLocked flips the process-wide signal and starts the
// periodic serializer. Caller must hold m.mu.
func (m *Manager) activateEmergencyLocked(reason string) {
	if m.emergency == nil {
		m.emergency = newEmergencyStore(m.slots)
	}
	m.emergency.active.Store(true)
	m.emergency.reason = reason
	m.status.Store(StatusEmergency)
	m.logger.Error("store: emergency mode activated", "reason", reason)

	go m.runEmergencyFlush()
}

func (m *Manager) runEmergencyFlush() {
	ticker := time.NewTicker(emergencyFlushInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.RLock()
		em := m.emergency
		ready := m.ready.Load()
		m.mu.RUnlock()
		if em == nil || !em.active.Load() {
			return
		}
		if ready {
			// Initialize succeeded since activation; stop flushing, the
			// ingest path in Initialize already pulled the last snapshot.
			return
		}
		if err := em.flush(); err != nil {
			m.logger.Warn("store: emergency flush failed", "error", err)
		}
	}
}

func (e *emergencyStore) get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.data[key]
	return v, ok
}

func (e *emergencyStore) put(key, value string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data[key] = value
}

func (e *emergencyStore) len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.data)
}

func (e *emergencyStore) clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.data = make(map[string]string)
	e.active.Store(false)
}

// keysWithPrefix lists the keys of the in-memory map under prefix, used
// by repo.go's emergency-mode sweeps that need to scan "table:" rows
// without a SQL WHERE clause to do it for them.
func (e *emergencyStore) keysWithPrefix(prefix string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	keys := make([]string, 0, len(e.data))
	for k := range e.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

// putValue JSON-encodes v and stores it under key, the typed counterpart
// to put that repo.go's entity methods use so the emergency map can hold
// Issues/Users/ConflictRecords without a bespoke encoding per type.
func (e *emergencyStore) putValue(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.put(key, string(b))
	return nil
}

// getValue decodes the value stored under key into v, reporting whether
// the key was present at all.
func (e *emergencyStore) getValue(key string, v any) (bool, error) {
	raw, ok := e.get(key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, err
	}
	return true, nil
}

// flush serializes the map to the "emergency_backup" slot as a single
// blob, per spec §4.A step 6.
func (e *emergencyStore) flush() error {
	e.mu.RLock()
	snapshot := make(map[string]string, len(e.data))
	for k, v := range e.data {
		snapshot[k] = v
	}
	e.mu.RUnlock()
	return e.slots.Set("emergency_backup", snapshot)
}

// ingestEmergencyBackup attempts to load a previously-serialized
// emergency blob back into the (now healthy) SQL engine. Every key was
// filed under emergencyKey's "table:rowId" convention (or the
// "conflicts:" prefix) by the repo.go methods that served reads and
// writes out of the map while degraded, so each entry is replayed as a
// real row rather than an opaque blob.
//
// This runs from inside Initialize's locked section, so it must not call
// any Manager method that re-acquires m.mu (emergencyActive, UpsertIssue,
// etc.) — it talks to m.db and m.emergency's fields directly.
func (m *Manager) ingestEmergencyBackup(ctx context.Context) error {
	var snapshot map[string]string
	found, err := m.slots.Get("emergency_backup", &snapshot)
	if err != nil || !found || len(snapshot) == 0 {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for key, raw := range snapshot {
		if table, rowID, ok := strings.Cut(key, ":"); ok {
			switch model.TableName(table) {
			case model.TableIssues:
				var issue model.Issue
				if err := json.Unmarshal([]byte(raw), &issue); err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("store: ingest emergency issue %s: %w", rowID, err)
				}
				if err := upsertIssueExec(ctx, tx, issue); err != nil {
					_ = tx.Rollback()
					return err
				}
				continue
			case model.TableUsers:
				var user model.User
				if err := json.Unmarshal([]byte(raw), &user); err != nil {
					_ = tx.Rollback()
					return fmt.Errorf("store: ingest emergency user %s: %w", rowID, err)
				}
				if err := upsertUserExec(ctx, tx, user); err != nil {
					_ = tx.Rollback()
					return err
				}
				continue
			}
		}
		if strings.HasPrefix(key, emergencyConflictPrefix) {
			var c model.ConflictRecord
			if err := json.Unmarshal([]byte(raw), &c); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("store: ingest emergency conflict %s: %w", key, err)
			}
			if err := upsertConflictExec(ctx, tx, c); err != nil {
				_ = tx.Rollback()
				return err
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.emergency.clear()
	return m.slots.Delete("emergency_backup")
}
