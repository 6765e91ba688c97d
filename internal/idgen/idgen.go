// Package idgen mints and parses the 128-bit identifiers used throughout
// the data layer. Freshly-created entities get a random UUIDv4; entities
// recovered from the legacy store during migration get a deterministic
// content hash so re-running the migration never mints a second id for
// the same legacy record.
package idgen

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// NewDeviceID mints the per-installation device identifier (spec §3,
// "originating DeviceId"), persisted once in the kvslot "deviceId".
func NewDeviceID() string { return uuid.NewString() }

// NewUserID mints a fresh User id.
func NewUserID() string { return uuid.NewString() }

// NewIssueID mints a fresh Issue id.
func NewIssueID() string { return uuid.NewString() }

// NewChangeID mints a fresh ChangeRecord id.
func NewChangeID() string { return uuid.NewString() }

// NewConflictID mints a fresh ConflictRecord id.
func NewConflictID() string { return uuid.NewString() }

// NewBackupID mints a fresh BackupBlob id.
func NewBackupID() string { return uuid.NewString() }

// ContentHash derives a deterministic id for a legacy-store record being
// migrated into the SQL engine, so re-running the migration against the
// same legacy store reproduces the same id instead of minting a
// duplicate. It returns the full hex digest, which the migration engine
// uses as the id as is; ShortID derives the shorter prefixes.
func ContentHash(title, description string, created time.Time, workspaceID string) string {
	h := sha256.New()
	h.Write([]byte(title))
	h.Write([]byte(description))
	h.Write([]byte(created.Format(time.RFC3339Nano)))
	h.Write([]byte(workspaceID))
	return hex.EncodeToString(h.Sum(nil))
}

// ShortID extracts a progressively-lengthened prefix of a content hash:
// 8 characters initially, extending one at a time up to the full digest
// on collision (mirrors the teacher's bd-<hex> convention without the
// CLI-facing prefix, since this layer's ids are plain UUIDs or hashes).
func ShortID(hash string, length int) string {
	if length <= 0 || length > len(hash) {
		return hash
	}
	return hash[:length]
}
