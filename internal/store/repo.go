package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
)

// ErrNotFound is returned by the typed query surface when a row does not
// exist, matching the teacher's sql.ErrNoRows-wrapping convention at the
// storage-package boundary (internal/storage/sqlite/store.go).
var ErrNotFound = errors.New("store: not found")

// execer is the subset of *sql.DB and *sql.Tx the upsert helpers need, so
// the same SQL runs whether called through the normal Handle() path or
// from ingestEmergencyBackup's transaction while replaying the emergency
// map back into the engine.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// emergencyKey is the in-memory map key an entity is filed under while
// store.Manager is in emergency mode (spec §4.A step 6, Glossary
// "Emergency mode"): table-tag-prefixed so ingestEmergencyBackup and the
// quota-style sweeps can scan by table without a SQL WHERE clause.
func emergencyKey(table model.TableName, rowID string) string {
	return string(table) + ":" + rowID
}

const emergencyConflictPrefix = "conflicts:"

// upsertIssueExec runs the issue upsert against either a live *sql.DB or
// an in-flight *sql.Tx (ingestEmergencyBackup's replay transaction).
func upsertIssueExec(ctx context.Context, ex execer, issue model.Issue) error {
	metadataJSON, err := json.Marshal(issue.Metadata)
	if err != nil {
		return fmt.Errorf("store: marshal issue metadata: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO issues (issue_id, title, description, status, priority, assignee_id,
			session_id, task_id, created_at, modified_at, completed_at, version,
			locally_modified, deleted_at, metadata, device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			priority = excluded.priority,
			assignee_id = excluded.assignee_id,
			session_id = excluded.session_id,
			task_id = excluded.task_id,
			modified_at = excluded.modified_at,
			completed_at = excluded.completed_at,
			version = excluded.version,
			locally_modified = excluded.locally_modified,
			deleted_at = excluded.deleted_at,
			metadata = excluded.metadata,
			device_id = excluded.device_id`,
		issue.IssueID, issue.Title, issue.Description, string(issue.Status), string(issue.Priority),
		issue.AssigneeID, issue.SessionID, issue.TaskID, issue.CreatedAt, issue.ModifiedAt,
		issue.CompletedAt, issue.Version, issue.LocallyModified, issue.DeletedAt, metadataJSON, issue.DeviceID)
	if err != nil {
		return fmt.Errorf("store: upsert issue: %w", err)
	}
	return nil
}

// UpsertIssue inserts or overwrites an Issue row by IssueID, satisfying
// the Sync Engine's "apply each inbound update" step (spec §4.E step 6)
// and the resolver's post-resolution write-back. While store.Manager is
// in emergency mode (spec §4.A step 6), it writes into the in-memory map
// instead of failing outright.
func (m *Manager) UpsertIssue(ctx context.Context, issue model.Issue) error {
	if m.emergencyActive() {
		return m.emergency.putValue(emergencyKey(model.TableIssues, issue.IssueID), issue)
	}
	db, err := m.Handle()
	if err != nil {
		return err
	}
	return upsertIssueExec(ctx, db, issue)
}

// GetIssue fetches a single issue by id.
func (m *Manager) GetIssue(ctx context.Context, issueID string) (model.Issue, error) {
	if m.emergencyActive() {
		var issue model.Issue
		found, err := m.emergency.getValue(emergencyKey(model.TableIssues, issueID), &issue)
		if err != nil {
			return model.Issue{}, fmt.Errorf("store: get issue from emergency map: %w", err)
		}
		if !found {
			return model.Issue{}, ErrNotFound
		}
		return issue, nil
	}
	db, err := m.Handle()
	if err != nil {
		return model.Issue{}, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT issue_id, title, description, status, priority, assignee_id, session_id, task_id,
			created_at, modified_at, completed_at, version, locally_modified, deleted_at, metadata, device_id
		FROM issues WHERE issue_id = ?`, issueID)
	issue, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Issue{}, ErrNotFound
	}
	if err != nil {
		return model.Issue{}, fmt.Errorf("store: get issue: %w", err)
	}
	return issue, nil
}

// SoftDeleteIssue sets DeletedAt, per the spec §3 invariant that every
// DELETE is soft (physical eviction is the quota manager's job).
func (m *Manager) SoftDeleteIssue(ctx context.Context, issueID string, at time.Time) error {
	if m.emergencyActive() {
		key := emergencyKey(model.TableIssues, issueID)
		var issue model.Issue
		found, err := m.emergency.getValue(key, &issue)
		if err != nil {
			return fmt.Errorf("store: soft delete issue in emergency map: %w", err)
		}
		if !found {
			return ErrNotFound
		}
		at := at
		issue.DeletedAt = &at
		issue.ModifiedAt = at
		return m.emergency.putValue(key, issue)
	}
	db, err := m.Handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`UPDATE issues SET deleted_at = ?, modified_at = ? WHERE issue_id = ?`, at, at, issueID)
	if err != nil {
		return fmt.Errorf("store: soft delete issue: %w", err)
	}
	return nil
}

// ClearLocallyModified marks an issue as confirmed-synced, per spec §3's
// lifecycle ("When the Sync Engine confirms remote application,
// LocallyModified is cleared").
func (m *Manager) ClearLocallyModified(ctx context.Context, issueID string) error {
	if m.emergencyActive() {
		key := emergencyKey(model.TableIssues, issueID)
		var issue model.Issue
		found, err := m.emergency.getValue(key, &issue)
		if err != nil {
			return fmt.Errorf("store: clear locally_modified in emergency map: %w", err)
		}
		if !found {
			return ErrNotFound
		}
		issue.LocallyModified = false
		return m.emergency.putValue(key, issue)
	}
	db, err := m.Handle()
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `UPDATE issues SET locally_modified = 0 WHERE issue_id = ?`, issueID)
	if err != nil {
		return fmt.Errorf("store: clear locally_modified: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIssue(rs rowScanner) (model.Issue, error) {
	var i model.Issue
	var status, priority string
	var description, assigneeID, sessionID, taskID sql.NullString
	var completedAt, deletedAt sql.NullTime
	var metadataJSON []byte

	err := rs.Scan(&i.IssueID, &i.Title, &description, &status, &priority, &assigneeID, &sessionID, &taskID,
		&i.CreatedAt, &i.ModifiedAt, &completedAt, &i.Version, &i.LocallyModified, &deletedAt, &metadataJSON, &i.DeviceID)
	if err != nil {
		return model.Issue{}, err
	}
	i.Status = model.IssueStatus(status)
	i.Priority = model.IssuePriority(priority)
	i.Description = description.String
	i.AssigneeID = assigneeID.String
	i.SessionID = sessionID.String
	i.TaskID = taskID.String
	if completedAt.Valid {
		t := completedAt.Time
		i.CompletedAt = &t
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		i.DeletedAt = &t
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &i.Metadata); err != nil {
			return model.Issue{}, fmt.Errorf("store: unmarshal issue metadata: %w", err)
		}
	}
	return i, nil
}

// upsertUserExec runs the user upsert against either a live *sql.DB or an
// in-flight *sql.Tx (ingestEmergencyBackup's replay transaction).
func upsertUserExec(ctx context.Context, ex execer, user model.User) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO users (user_id, display_name, email, created_at, modified_at, last_synced_at, device_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			display_name = excluded.display_name,
			email = excluded.email,
			modified_at = excluded.modified_at,
			last_synced_at = excluded.last_synced_at,
			device_id = excluded.device_id`,
		user.UserID, user.DisplayName, user.Email, user.CreatedAt, user.ModifiedAt, user.LastSyncedAt, user.DeviceID)
	if err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

// UpsertUser inserts or overwrites a User row by UserID.
func (m *Manager) UpsertUser(ctx context.Context, user model.User) error {
	if m.emergencyActive() {
		return m.emergency.putValue(emergencyKey(model.TableUsers, user.UserID), user)
	}
	db, err := m.Handle()
	if err != nil {
		return err
	}
	return upsertUserExec(ctx, db, user)
}

// GetUser fetches a single user by id.
func (m *Manager) GetUser(ctx context.Context, userID string) (model.User, error) {
	if m.emergencyActive() {
		var user model.User
		found, err := m.emergency.getValue(emergencyKey(model.TableUsers, userID), &user)
		if err != nil {
			return model.User{}, fmt.Errorf("store: get user from emergency map: %w", err)
		}
		if !found {
			return model.User{}, ErrNotFound
		}
		return user, nil
	}
	db, err := m.Handle()
	if err != nil {
		return model.User{}, err
	}
	var u model.User
	var email sql.NullString
	var lastSyncedAt sql.NullTime
	err = db.QueryRowContext(ctx,
		`SELECT user_id, display_name, email, created_at, modified_at, last_synced_at, device_id
		 FROM users WHERE user_id = ?`, userID).
		Scan(&u.UserID, &u.DisplayName, &email, &u.CreatedAt, &u.ModifiedAt, &lastSyncedAt, &u.DeviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("store: get user: %w", err)
	}
	u.Email = email.String
	if lastSyncedAt.Valid {
		t := lastSyncedAt.Time
		u.LastSyncedAt = &t
	}
	return u, nil
}

// ApplyPayload upserts or soft-deletes the row a Payload snapshots,
// dispatching on its table tag (spec §4.E step 6: "UPSERT on
// CREATE/UPDATE, soft-delete on DELETE").
func (m *Manager) ApplyPayload(ctx context.Context, op model.Operation, payload model.Payload, rowID string, at time.Time) error {
	switch payload.Table {
	case model.TableIssues:
		if op == model.OpDelete || (payload.Issue != nil && payload.Issue.DeletedAt != nil) {
			return m.SoftDeleteIssue(ctx, rowID, at)
		}
		if payload.Issue == nil {
			return fmt.Errorf("store: apply payload: issue snapshot missing for row %s", rowID)
		}
		return m.UpsertIssue(ctx, *payload.Issue)
	case model.TableUsers:
		if payload.User == nil {
			return fmt.Errorf("store: apply payload: user snapshot missing for row %s", rowID)
		}
		return m.UpsertUser(ctx, *payload.User)
	default:
		return fmt.Errorf("store: apply payload: unrecognized table %q", payload.Table)
	}
}

// GetPayload fetches the current snapshot for (table, rowID) as a
// Payload, used by the resolver to obtain the "local" side of a conflict.
func (m *Manager) GetPayload(ctx context.Context, table model.TableName, rowID string) (model.Payload, bool, error) {
	switch table {
	case model.TableIssues:
		issue, err := m.GetIssue(ctx, rowID)
		if errors.Is(err, ErrNotFound) {
			return model.Payload{}, false, nil
		}
		if err != nil {
			return model.Payload{}, false, err
		}
		return model.NewIssuePayload(issue), true, nil
	case model.TableUsers:
		user, err := m.GetUser(ctx, rowID)
		if errors.Is(err, ErrNotFound) {
			return model.Payload{}, false, nil
		}
		if err != nil {
			return model.Payload{}, false, err
		}
		return model.NewUserPayload(user), true, nil
	default:
		return model.Payload{}, false, fmt.Errorf("store: get payload: unrecognized table %q", table)
	}
}

// SweepCompletedIssues soft-deletes completed issues last modified before
// cutoff, part of the quota manager's graded cleanup (spec §4.G: "delete
// completed Issues older than 30 d (soft-deleted)").
func (m *Manager) SweepCompletedIssues(ctx context.Context, cutoff time.Time) (int64, error) {
	if m.emergencyActive() {
		return m.sweepCompletedIssuesEmergency(cutoff)
	}
	db, err := m.Handle()
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	res, err := db.ExecContext(ctx,
		`UPDATE issues SET deleted_at = ?, modified_at = ?
		 WHERE status = ? AND deleted_at IS NULL AND modified_at < ?`,
		now, now, string(model.StatusCompleted), cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: sweep completed issues: %w", err)
	}
	return res.RowsAffected()
}

// sweepCompletedIssuesEmergency is SweepCompletedIssues's in-memory-map
// counterpart: there is no WHERE clause to lean on, so it scans every
// "issues:"-prefixed key and rewrites the ones that qualify in place.
func (m *Manager) sweepCompletedIssuesEmergency(cutoff time.Time) (int64, error) {
	now := time.Now().UTC()
	var swept int64
	for _, key := range m.emergency.keysWithPrefix(string(model.TableIssues) + ":") {
		var issue model.Issue
		found, err := m.emergency.getValue(key, &issue)
		if err != nil || !found {
			continue
		}
		if issue.Status != model.StatusCompleted || issue.DeletedAt != nil || !issue.ModifiedAt.Before(cutoff) {
			continue
		}
		issue.DeletedAt = &now
		issue.ModifiedAt = now
		if err := m.emergency.putValue(key, issue); err != nil {
			return swept, fmt.Errorf("store: sweep completed issues in emergency map: %w", err)
		}
		swept++
	}
	return swept, nil
}

// upsertConflictExec runs the conflict-record insert against either a
// live *sql.DB or an in-flight *sql.Tx (ingestEmergencyBackup's replay
// transaction).
func upsertConflictExec(ctx context.Context, ex execer, c model.ConflictRecord) error {
	localJSON, err := json.Marshal(c.Local)
	if err != nil {
		return fmt.Errorf("store: marshal conflict local payload: %w", err)
	}
	remoteJSON, err := json.Marshal(c.Remote)
	if err != nil {
		return fmt.Errorf("store: marshal conflict remote payload: %w", err)
	}
	_, err = ex.ExecContext(ctx, `
		INSERT INTO sync_conflicts (conflict_id, table_name, row_id, local_data, remote_data,
			conflict_kind, created_at, resolved_at, resolution)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ConflictID, c.TableName, c.RowID, localJSON, remoteJSON, string(c.Kind), c.CreatedAt,
		c.ResolvedAt, string(c.Resolution))
	if err != nil {
		return fmt.Errorf("store: record conflict: %w", err)
	}
	return nil
}

// RecordConflict persists an unresolved or resolved ConflictRecord into
// sync_conflicts (spec §4.C "Escalation"). In emergency mode it is filed
// into the in-memory map instead, under the "conflicts:" prefix, and
// replayed into sync_conflicts once the engine recovers.
func (m *Manager) RecordConflict(ctx context.Context, c model.ConflictRecord) error {
	if m.emergencyActive() {
		return m.emergency.putValue(emergencyConflictPrefix+c.ConflictID, c)
	}
	db, err := m.Handle()
	if err != nil {
		return err
	}
	return upsertConflictExec(ctx, db, c)
}
