// Package resolver implements the Conflict Resolver of spec §4.C: a pure
// function over (local, remote) record pairs, classifying the conflict
// and applying one of four pluggable policies. Generalized from the
// teacher's internal/merge three-way (base/left/right) field merge down
// to this spec's two-way (local/remote) reconciliation — the same
// "prefer populated side" and "prefer left on genuine conflict" rules,
// just without a common ancestor to consult. There is no "closed wins"
// rule: status takes the local value like the other critical fields.
package resolver

import (
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
)

// Policy resolves a classified conflict into a payload and a resolution tag.
type Policy interface {
	Name() string
	Resolve(local, remote model.Payload, kind model.ConflictKind) (model.Payload, model.Resolution)
}

// Classify determines the ConflictKind for a (local, remote) pair per
// spec §4.C.
func Classify(local, remote model.Payload, localDeleted, remoteDeleted bool) model.ConflictKind {
	switch {
	case !localDeleted && !remoteDeleted:
		return model.ConflictUpdateUpdate
	case localDeleted != remoteDeleted:
		return model.ConflictUpdateDelete
	case local.IsZero() != remote.IsZero():
		// One side introduced the row independently with the same id and
		// the other side has nothing recorded for it yet.
		return model.ConflictCreateCreate
	default:
		return model.ConflictDeleteDelete
	}
}

// Resolver dispatches to the configured policy per the default routing
// table of spec §4.C, except where the per-kind policy is pinned.
type Resolver struct {
	// Default is the configured policy for UPDATE_UPDATE conflicts
	// (spec §4.C: "configured policy (default LastWriteWins)").
	Default Policy

	// TombstoneAwareCreateCreate resolves the Open Question in spec §9
	// about CREATE_CREATE against a previously-soft-deleted local id.
	// See DESIGN.md. Default false preserves the documented Merge
	// routing for every CREATE_CREATE.
	TombstoneAwareCreateCreate bool
}

// New returns a Resolver using defaultPolicy for UPDATE_UPDATE conflicts.
func New(defaultPolicy Policy) *Resolver {
	return &Resolver{Default: defaultPolicy}
}

// Resolve routes an already-classified pair (see Classify) to a policy
// per spec §4.C's default routing table. It persists nothing; on a
// USER_DECISION result the caller records the ConflictRecord.
func (r *Resolver) Resolve(local, remote model.Payload, kind model.ConflictKind, localWasTombstoned bool) (model.Payload, model.Resolution) {
	switch kind {
	case model.ConflictDeleteDelete:
		return RemoteWins{}.Resolve(local, remote, kind)
	case model.ConflictUpdateDelete:
		return LocalWins{}.Resolve(local, remote, kind)
	case model.ConflictCreateCreate:
		if r.TombstoneAwareCreateCreate && localWasTombstoned {
			return RemoteWins{}.Resolve(local, remote, kind)
		}
		return Merge{}.Resolve(local, remote, kind)
	default: // UPDATE_UPDATE
		policy := r.Default
		if policy == nil {
			policy = LastWriteWins{}
		}
		return policy.Resolve(local, remote, kind)
	}
}

// LastWriteWins keeps whichever side has the greater modification
// instant; ties break to the remote (spec §4.C).
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "lastWriteWins" }

func (LastWriteWins) Resolve(local, remote model.Payload, _ model.ConflictKind) (model.Payload, model.Resolution) {
	lt, rt := local.ModifiedAt(), remote.ModifiedAt()
	if lt.After(rt) {
		return local, model.ResolutionLocalWins
	}
	return remote, model.ResolutionRemoteWins
}

// RemoteWins unconditionally prefers the remote payload.
type RemoteWins struct{}

func (RemoteWins) Name() string { return "remoteWins" }

func (RemoteWins) Resolve(_, remote model.Payload, _ model.ConflictKind) (model.Payload, model.Resolution) {
	return remote, model.ResolutionRemoteWins
}

// LocalWins unconditionally prefers the local payload.
type LocalWins struct{}

func (LocalWins) Name() string { return "localWins" }

func (LocalWins) Resolve(local, _ model.Payload, _ model.ConflictKind) (model.Payload, model.Resolution) {
	return local, model.ResolutionLocalWins
}

// Merge performs the field-wise union of spec §4.C. Escalates to
// USER_DECISION when a critical field differs on both sides with
// non-null, non-equal values (spec §4.C "Escalation").
type Merge struct{}

func (Merge) Name() string { return "merge" }

func (Merge) Resolve(local, remote model.Payload, _ model.ConflictKind) (model.Payload, model.Resolution) {
	switch {
	case local.Issue != nil && remote.Issue != nil:
		return mergeIssues(*local.Issue, *remote.Issue)
	case local.User != nil && remote.User != nil:
		return mergeUsers(*local.User, *remote.User)
	case !local.IsZero():
		return local, model.ResolutionMerged
	default:
		return remote, model.ResolutionMerged
	}
}

func mergeUsers(local, remote model.User) (model.Payload, model.Resolution) {
	merged := local
	merged.DisplayName = mergeField(local.DisplayName, remote.DisplayName)
	merged.Email = mergeField(local.Email, remote.Email)
	if remote.ModifiedAt.After(merged.ModifiedAt) {
		merged.ModifiedAt = remote.ModifiedAt
	}
	return model.NewUserPayload(merged), model.ResolutionMerged
}

// mergeIssues performs spec §4.C's field-wise union: fields set on only
// one side are kept; the modification instant takes the max and the
// version becomes max(local, remote) + 1; critical
// fields (title, status, priority) prefer local unconditionally. Escalates
// to USER_DECISION when a critical field genuinely conflicts.
func mergeIssues(local, remote model.Issue) (model.Payload, model.Resolution) {
	merged := local

	merged.Description = mergeField(local.Description, remote.Description)
	merged.AssigneeID = mergeField(local.AssigneeID, remote.AssigneeID)
	merged.SessionID = mergeField(local.SessionID, remote.SessionID)
	merged.TaskID = mergeField(local.TaskID, remote.TaskID)

	escalate := false
	if local.Title != remote.Title && local.Title != "" && remote.Title != "" {
		escalate = true
	}
	if local.Status != remote.Status && local.Status != "" && remote.Status != "" {
		escalate = true
	}
	if local.Priority != remote.Priority && local.Priority != "" && remote.Priority != "" {
		escalate = true
	}
	// Critical fields prefer local unconditionally, even when escalating —
	// the escalation persists a ConflictRecord for the user to review, but
	// the provisional merged value still follows the documented contract
	// (DESIGN.md "merge policy critical-field preference").
	merged.Title = local.Title
	merged.Status = local.Status
	merged.Priority = local.Priority

	merged.ModifiedAt = maxTime(local.ModifiedAt, remote.ModifiedAt)
	merged.Version = maxVersion(local.Version, remote.Version) + 1
	merged.Metadata = mergeMetadata(local.Metadata, remote.Metadata)

	if escalate {
		return model.NewIssuePayload(merged), model.ResolutionUserDecision
	}
	return model.NewIssuePayload(merged), model.ResolutionMerged
}

// mergeField implements the teacher's mergeField contract: unchanged
// fields keep base, a single-sided change wins, both-changed-to-same
// wins trivially, and a genuine both-sides conflict prefers left (here:
// local). Unlike the 3-way teacher version there is no base to detect
// "unchanged" against, so an empty string on one side is treated as "not
// set" per spec §4.C's "only one side set it, keep it" rule.
func mergeField(local, remote string) string {
	switch {
	case local == remote:
		return local
	case local == "":
		return remote
	case remote == "":
		return local
	default:
		return local // prefer local on a genuine two-sided conflict
	}
}

func mergeMetadata(local, remote map[string]any) map[string]any {
	if local == nil && remote == nil {
		return nil
	}
	out := make(map[string]any, len(local)+len(remote))
	for k, v := range remote {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v // local wins on key collision, same as scalar critical fields
	}
	return out
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func maxVersion(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
