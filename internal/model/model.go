// Package model defines the entities persisted by the local store and
// exchanged over the duplex channel.
package model

import "time"

// IssueStatus is the closed enumeration of issue lifecycle states.
type IssueStatus string

const (
	StatusPending    IssueStatus = "pending"
	StatusInProgress IssueStatus = "in_progress"
	StatusCompleted  IssueStatus = "completed"
	StatusCancelled  IssueStatus = "cancelled"
)

// Valid reports whether s is one of the recognized statuses.
func (s IssueStatus) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IssuePriority is the closed enumeration of issue priorities.
type IssuePriority string

const (
	PriorityLow    IssuePriority = "low"
	PriorityMedium IssuePriority = "medium"
	PriorityHigh   IssuePriority = "high"
	PriorityUrgent IssuePriority = "urgent"
)

// Valid reports whether p is one of the recognized priorities.
func (p IssuePriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// User is the identity entity, authored on whichever replica inserts it
// first and converged by sync.
type User struct {
	UserID       string     `json:"userId"`
	DisplayName  string     `json:"displayName"`
	Email        string     `json:"email,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	ModifiedAt   time.Time  `json:"modifiedAt"`
	LastSyncedAt *time.Time `json:"lastSyncedAt,omitempty"`
	DeviceID     string     `json:"deviceId"`
}

// Issue is a work item. Title is non-empty; Status and Priority are drawn
// only from their enumerations (spec §3 invariants).
type Issue struct {
	IssueID         string         `json:"issueId"`
	Title           string         `json:"title"`
	Description     string         `json:"description,omitempty"`
	Status          IssueStatus    `json:"status"`
	Priority        IssuePriority  `json:"priority"`
	AssigneeID      string         `json:"assigneeId,omitempty"`
	SessionID       string         `json:"sessionId,omitempty"`
	TaskID          string         `json:"taskId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ModifiedAt      time.Time      `json:"modifiedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
	Version         int64          `json:"version"`
	LocallyModified bool           `json:"locallyModified"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	DeviceID        string         `json:"deviceId"`
}

// Validate enforces the invariants of spec §3 that must hold for any
// Issue before it is persisted.
func (i *Issue) Validate() error {
	if i.Title == "" {
		return ErrEmptyTitle
	}
	if !i.Status.Valid() {
		return ErrInvalidStatus
	}
	if !i.Priority.Valid() {
		return ErrInvalidPriority
	}
	return nil
}

// IsLive reports whether the issue has not been soft-deleted.
func (i *Issue) IsLive() bool { return i.DeletedAt == nil }

// Operation is the kind of mutation a ChangeRecord captures.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ChangeRecord is one row of the change queue (spec §4.B).
type ChangeRecord struct {
	ChangeID  string     `json:"changeId"`
	TableName string     `json:"tableName"`
	RowID     string     `json:"rowId"`
	Operation Operation  `json:"operation"`
	Payload   Payload    `json:"payload"`
	DeviceID  string     `json:"deviceId"`
	CreatedAt time.Time  `json:"createdAt"`
	SyncedAt  *time.Time `json:"syncedAt,omitempty"`
	Retries   int        `json:"retries"`
	LastError string     `json:"lastError,omitempty"`
}

// ConflictKind classifies the shape of a two-sided conflict.
type ConflictKind string

const (
	ConflictUpdateUpdate ConflictKind = "UPDATE_UPDATE"
	ConflictUpdateDelete ConflictKind = "UPDATE_DELETE"
	ConflictCreateCreate ConflictKind = "CREATE_CREATE"
	ConflictDeleteDelete ConflictKind = "DELETE_DELETE"
)

// Resolution is how a conflict was, or should be, settled.
type Resolution string

const (
	ResolutionLocalWins     Resolution = "LOCAL_WINS"
	ResolutionRemoteWins    Resolution = "REMOTE_WINS"
	ResolutionMerged        Resolution = "MERGED"
	ResolutionUserDecision  Resolution = "USER_DECISION"
)

// ConflictRecord is a persisted, unresolved (or resolved) conflict.
type ConflictRecord struct {
	ConflictID string       `json:"conflictId"`
	TableName  string       `json:"tableName"`
	RowID      string       `json:"rowId"`
	Local      Payload      `json:"localData"`
	Remote     Payload      `json:"remoteData"`
	Kind       ConflictKind `json:"conflictKind"`
	CreatedAt  time.Time    `json:"createdAt"`
	ResolvedAt *time.Time   `json:"resolvedAt,omitempty"`
	Resolution Resolution   `json:"resolution,omitempty"`
}

// SyncKind distinguishes the phase a SyncMetric row describes.
type SyncKind string

const (
	SyncKindPush     SyncKind = "push"
	SyncKindPull     SyncKind = "pull"
	SyncKindFullSync SyncKind = "full_sync"
	SyncKindConflict SyncKind = "conflict"
)

// SyncMetric is one row recorded at the end of a sync phase.
type SyncMetric struct {
	DeviceID     string    `json:"deviceId"`
	Kind         SyncKind  `json:"syncKind"`
	LatencyMs    int64     `json:"latencyMs"`
	RecordCount  int       `json:"recordCount"`
	BytesXferred int64     `json:"bytesTransferred"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	At           time.Time `json:"at"`
}

// PerformanceMetric is a single flushed percentile row (spec §4.I).
type PerformanceMetric struct {
	Family     string    `json:"family"`
	Operation  string    `json:"operation"`
	Value      float64   `json:"value"`
	Percentile string    `json:"percentile,omitempty"`
	At         time.Time `json:"at"`
	DeviceID   string    `json:"deviceId"`
}

// CacheRow is one L2 (SQL-tier) cache entry.
type CacheRow struct {
	Key     string    `json:"key"`
	Payload []byte    `json:"payload"`
	WriteAt time.Time `json:"writeAt"`
	TTL     time.Duration `json:"ttl"`
}

// Expired reports whether the cache row has aged past its TTL as of now.
func (c CacheRow) Expired(now time.Time) bool {
	return now.After(c.WriteAt.Add(c.TTL))
}

// BackupBlob is one rolling backup of the legacy store produced by the
// migration engine.
type BackupBlob struct {
	BackupID    string    `json:"backupId"`
	CreatedAt   time.Time `json:"createdAt"`
	VersionTag  string    `json:"versionTag"`
	ByteSize    int64     `json:"byteSize"`
	Compressed  bool      `json:"compressed"`
	Snapshot    []byte    `json:"snapshot"`
}
