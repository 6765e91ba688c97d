package migration

import "time"

// LegacyUser is one record read from the legacy flat key-value blob store
// (spec §4.H "legacy flat key-value blob store").
type LegacyUser struct {
	UserID      string
	DisplayName string
	Email       string
	CreatedAt   time.Time
	ModifiedAt  time.Time
}

// LegacyIssue is one record read from the legacy store.
type LegacyIssue struct {
	IssueID     string
	Title       string
	Description string
	Status      string
	Priority    string
	AssigneeID  string // must reference a LegacyUser.UserID already migrated, or be empty
	SessionID   string
	TaskID      string
	CreatedAt   time.Time
	ModifiedAt  time.Time
	CompletedAt *time.Time
}

// Source is the legacy store's read surface: paginated, offset-addressable
// reads so the migration engine can resume mid-collection after a
// checkpoint (spec §4.H "Resumability").
type Source interface {
	CountUsers() (int, error)
	CountIssues() (int, error)
	ReadUsers(offset, limit int) ([]LegacyUser, error)
	ReadIssues(offset, limit int) ([]LegacyIssue, error)
	// Serialize returns a full snapshot of the legacy store for the backup
	// phase (spec §4.H "backup: serialize legacy blob into a BackupBlob").
	Serialize() ([]byte, error)
}
