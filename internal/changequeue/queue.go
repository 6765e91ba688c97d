// Package changequeue implements the append-only Change Queue of spec
// §4.B: local mutations awaiting remote application, batched by the Sync
// Engine and retried with an exponential backoff schedule. Query style follows
// the teacher's internal/storage/sqlite package (plain database/sql
// statements, wrapped errors, explicit row scanning).
package changequeue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/offlinefirst/datalayer/internal/idgen"
	"github.com/offlinefirst/datalayer/internal/model"
)

// MaxRetries is the retry budget of spec §4.B/§8: a row reaching this
// count is dead-lettered and excluded from future cycles.
const MaxRetries = 5

// Queue is the append-only change log backed by the sync_queue table.
type Queue struct {
	db *sql.DB
}

// New wraps an already-initialized *sql.DB (typically store.Manager.Handle()).
func New(db *sql.DB) *Queue { return &Queue{db: db} }

// Enqueue appends a mutation, or coalesces it into the existing unsynced
// row for the same (table, rowId) — spec §4.B: "if an unsynced row
// already exists... overwrite its op/payload and reset retries".
func (q *Queue) Enqueue(ctx context.Context, table, rowID string, op model.Operation, payload model.Payload, deviceID string) (string, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("changequeue: marshal payload: %w", err)
	}

	var existingID string
	err = q.db.QueryRowContext(ctx,
		`SELECT change_id FROM sync_queue WHERE table_name = ? AND row_id = ? AND synced_at IS NULL`,
		table, rowID).Scan(&existingID)

	switch {
	case err == nil:
		_, err = q.db.ExecContext(ctx,
			`UPDATE sync_queue SET operation = ?, payload = ?, retries = 0, last_error = '' WHERE change_id = ?`,
			string(op), payloadJSON, existingID)
		if err != nil {
			return "", fmt.Errorf("changequeue: coalesce update: %w", err)
		}
		return existingID, nil
	case errors.Is(err, sql.ErrNoRows):
		changeID := idgen.NewChangeID()
		_, err = q.db.ExecContext(ctx,
			`INSERT INTO sync_queue (change_id, table_name, row_id, operation, payload, device_id, created_at, retries)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
			changeID, table, rowID, string(op), payloadJSON, deviceID, time.Now().UTC())
		if err != nil {
			return "", fmt.Errorf("changequeue: insert: %w", err)
		}
		return changeID, nil
	default:
		return "", fmt.Errorf("changequeue: lookup existing: %w", err)
	}
}

// Pending returns up to limit unsynced, non-dead rows ordered by creation
// time (spec §4.B, §4.E step 2-3: "drained in creation order").
func (q *Queue) Pending(ctx context.Context, limit int) ([]model.ChangeRecord, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT change_id, table_name, row_id, operation, payload, device_id, created_at, synced_at, retries, last_error
		 FROM sync_queue
		 WHERE synced_at IS NULL AND retries < ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		MaxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("changequeue: pending query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ChangeRecord
	for rows.Next() {
		rec, err := scanChangeRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChangeRecord(rs rowScanner) (model.ChangeRecord, error) {
	var rec model.ChangeRecord
	var payloadJSON []byte
	var syncedAt sql.NullTime
	var lastError sql.NullString
	var op string

	if err := rs.Scan(&rec.ChangeID, &rec.TableName, &rec.RowID, &op, &payloadJSON,
		&rec.DeviceID, &rec.CreatedAt, &syncedAt, &rec.Retries, &lastError); err != nil {
		return model.ChangeRecord{}, fmt.Errorf("changequeue: scan: %w", err)
	}
	rec.Operation = model.Operation(op)
	if syncedAt.Valid {
		t := syncedAt.Time
		rec.SyncedAt = &t
	}
	if lastError.Valid {
		rec.LastError = lastError.String
	}
	if len(payloadJSON) > 0 {
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return model.ChangeRecord{}, fmt.Errorf("changequeue: unmarshal payload: %w", err)
		}
	}
	return rec, nil
}

// MarkSynced sets SyncedAt=now, making the row immutable and eligible
// for pruning (spec §3 invariant).
func (q *Queue) MarkSynced(ctx context.Context, changeID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET synced_at = ? WHERE change_id = ?`, time.Now().UTC(), changeID)
	if err != nil {
		return fmt.Errorf("changequeue: mark synced: %w", err)
	}
	return nil
}

// BumpRetry increments the retry counter and records errString. Reaching
// MaxRetries leaves the row in a terminal dead state (spec §4.B).
// RetryDelay reports the advisory backoff for the next attempt; per the
// Open Question decision in DESIGN.md, this delay is informational only
// — Pending() is the sole gate on what a cycle may drain.
func (q *Queue) BumpRetry(ctx context.Context, changeID, errString string) (retries int, dead bool, err error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("changequeue: begin bump: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current int
	if err := tx.QueryRowContext(ctx, `SELECT retries FROM sync_queue WHERE change_id = ?`, changeID).Scan(&current); err != nil {
		return 0, false, fmt.Errorf("changequeue: read retries: %w", err)
	}
	current++

	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_queue SET retries = ?, last_error = ? WHERE change_id = ?`,
		current, errString, changeID); err != nil {
		return 0, false, fmt.Errorf("changequeue: bump retries: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("changequeue: commit bump: %w", err)
	}
	return current, current >= MaxRetries, nil
}

// RetryDelay computes the advisory backoff for a row currently at
// `retries` failed attempts: 5s · 2^(retries-1).
func RetryDelay(retries int) time.Duration {
	if retries <= 0 {
		return 0
	}
	return 5 * time.Second * time.Duration(1<<uint(retries-1))
}

// RetryDead resets a dead-lettered row's retry counter and clears its
// error, making it eligible for the next cycle again.
func (q *Queue) RetryDead(ctx context.Context, changeID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE sync_queue SET retries = 0, last_error = '' WHERE change_id = ?`, changeID)
	if err != nil {
		return fmt.Errorf("changequeue: retry dead: %w", err)
	}
	return nil
}

// Prune deletes synced rows older than olderThanDays.
func (q *Queue) Prune(ctx context.Context, olderThanDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM sync_queue WHERE synced_at IS NOT NULL AND synced_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("changequeue: prune: %w", err)
	}
	return res.RowsAffected()
}

// Stats is the counts summary of spec §4.B.
type Stats struct {
	Pending int64
	Synced  int64
	Dead    int64
	Total   int64
}

// Stats returns the {pending, synced, dead, total} counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	row := q.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE synced_at IS NULL AND retries < ?) AS pending,
			COUNT(*) FILTER (WHERE synced_at IS NOT NULL) AS synced,
			COUNT(*) FILTER (WHERE synced_at IS NULL AND retries >= ?) AS dead,
			COUNT(*) AS total
		FROM sync_queue`, MaxRetries, MaxRetries)
	if err := row.Scan(&s.Pending, &s.Synced, &s.Dead, &s.Total); err != nil {
		return Stats{}, fmt.Errorf("changequeue: stats: %w", err)
	}
	return s, nil
}
