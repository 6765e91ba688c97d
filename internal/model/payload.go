package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Payload is the tagged-sum representation of the opaque per-table JSON
// snapshots carried by ChangeRecord, ConflictRecord, and cache rows (spec
// §9 design note): the tag is the TableName the row belongs to, so
// routing and merging are type-directed instead of reflective.
type Payload struct {
	Table TableName `json:"table"`
	User  *User     `json:"user,omitempty"`
	Issue *Issue    `json:"issue,omitempty"`
}

// TableName enumerates the tables a Payload may snapshot.
type TableName string

const (
	TableUsers  TableName = "users"
	TableIssues TableName = "issues"
)

// NewUserPayload wraps a User as a tagged Payload.
func NewUserPayload(u User) Payload { return Payload{Table: TableUsers, User: &u} }

// NewIssuePayload wraps an Issue as a tagged Payload.
func NewIssuePayload(i Issue) Payload { return Payload{Table: TableIssues, Issue: &i} }

// IsZero reports whether the payload carries no snapshot at all.
func (p Payload) IsZero() bool { return p.User == nil && p.Issue == nil }

// Version returns the monotonic version of the wrapped entity, or 0 for
// entities (like User) that do not carry one.
func (p Payload) Version() int64 {
	if p.Issue != nil {
		return p.Issue.Version
	}
	return 0
}

// ModifiedAt returns the wrapped entity's last-modification instant, the
// zero time if the payload carries no snapshot.
func (p Payload) ModifiedAt() time.Time {
	switch {
	case p.Issue != nil:
		return p.Issue.ModifiedAt
	case p.User != nil:
		return p.User.ModifiedAt
	}
	return time.Time{}
}

// MarshalJSON implements a stable envelope regardless of which arm is set.
func (p Payload) MarshalJSON() ([]byte, error) {
	type alias Payload
	return json.Marshal(alias(p))
}

// UnmarshalJSON validates that the arm matching Table is present; an
// extra arm for the other table is not rejected.
func (p *Payload) UnmarshalJSON(data []byte) error {
	type alias Payload
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	switch a.Table {
	case TableUsers:
		if a.User == nil {
			return fmt.Errorf("model: payload tagged %q missing user snapshot", a.Table)
		}
	case TableIssues:
		if a.Issue == nil {
			return fmt.Errorf("model: payload tagged %q missing issue snapshot", a.Table)
		}
	case "":
		// empty payload is allowed (e.g. a DELETE with no snapshot needed)
	default:
		return fmt.Errorf("model: unrecognized table tag %q", a.Table)
	}
	*p = Payload(a)
	return nil
}
