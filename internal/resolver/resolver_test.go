package resolver

import (
	"testing"
	"time"

	"github.com/offlinefirst/datalayer/internal/model"
)

func issue(title string, status model.IssueStatus, version int64, modified time.Time) model.Issue {
	return model.Issue{
		IssueID:    "bd-abc123",
		Title:      title,
		Status:     status,
		Priority:   model.PriorityMedium,
		Version:    version,
		ModifiedAt: modified,
	}
}

func TestLastWriteWins(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	tests := []struct {
		name      string
		local     time.Time
		remote    time.Time
		wantLocal bool
	}{
		{"local newer wins", t1, t0, true},
		{"remote newer wins", t0, t1, false},
		{"tie breaks remote", t0, t0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local := model.NewIssuePayload(issue("local title", model.StatusPending, 1, tt.local))
			remote := model.NewIssuePayload(issue("remote title", model.StatusPending, 1, tt.remote))

			result, resolution := LastWriteWins{}.Resolve(local, remote, model.ConflictUpdateUpdate)

			wantTitle := "remote title"
			wantResolution := model.ResolutionRemoteWins
			if tt.wantLocal {
				wantTitle = "local title"
				wantResolution = model.ResolutionLocalWins
			}
			if result.Issue.Title != wantTitle {
				t.Errorf("title = %q, want %q", result.Issue.Title, wantTitle)
			}
			if resolution != wantResolution {
				t.Errorf("resolution = %q, want %q", resolution, wantResolution)
			}
		})
	}
}

func TestMergeAutoResolvesDisjointFields(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	local := issue("A", model.StatusPending, 2, t0)
	remote := issue("", model.StatusPending, 3, t1)
	remote.Description = "B"

	result, resolution := Merge{}.Resolve(model.NewIssuePayload(local), model.NewIssuePayload(remote), model.ConflictCreateCreate)

	if resolution != model.ResolutionMerged {
		t.Fatalf("resolution = %q, want MERGED", resolution)
	}
	if result.Issue.Title != "A" {
		t.Errorf("title = %q, want %q", result.Issue.Title, "A")
	}
	if result.Issue.Description != "B" {
		t.Errorf("description = %q, want %q", result.Issue.Description, "B")
	}
	if result.Issue.Version != 4 {
		t.Errorf("version = %d, want 4", result.Issue.Version)
	}
}

func TestMergeEscalatesOnCriticalFieldConflict(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	local := issue("X", model.StatusPending, 1, t0)
	remote := issue("Y", model.StatusPending, 1, t0)

	result, resolution := Merge{}.Resolve(model.NewIssuePayload(local), model.NewIssuePayload(remote), model.ConflictUpdateUpdate)

	if resolution != model.ResolutionUserDecision {
		t.Fatalf("resolution = %q, want USER_DECISION", resolution)
	}
	// Contract: local still wins on the provisional merged value even
	// while escalating (DESIGN.md).
	if result.Issue.Title != "X" {
		t.Errorf("title = %q, want %q", result.Issue.Title, "X")
	}
}

func TestDefaultRoutingByKind(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	local := model.NewIssuePayload(issue("local", model.StatusPending, 1, t0))
	remote := model.NewIssuePayload(issue("remote", model.StatusCompleted, 1, t0))

	r := New(LastWriteWins{})

	_, res := r.Resolve(local, remote, model.ConflictDeleteDelete, false)
	if res != model.ResolutionRemoteWins {
		t.Errorf("DELETE_DELETE: got %q, want REMOTE_WINS", res)
	}

	_, res = r.Resolve(local, remote, model.ConflictUpdateDelete, false)
	if res != model.ResolutionLocalWins {
		t.Errorf("UPDATE_DELETE: got %q, want LOCAL_WINS", res)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name                        string
		localDeleted, remoteDeleted bool
		localZero, remoteZero       bool
		want                        model.ConflictKind
	}{
		{"both live", false, false, false, false, model.ConflictUpdateUpdate},
		{"local deleted, remote live", true, false, false, false, model.ConflictUpdateDelete},
		{"local live, remote deleted", false, true, false, false, model.ConflictUpdateDelete},
		{"both deleted", true, true, false, false, model.ConflictDeleteDelete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var local, remote model.Payload
			if !tt.localZero {
				i := issue("x", model.StatusPending, 1, time.Now())
				local = model.NewIssuePayload(i)
			}
			if !tt.remoteZero {
				i := issue("x", model.StatusPending, 1, time.Now())
				remote = model.NewIssuePayload(i)
			}
			got := Classify(local, remote, tt.localDeleted, tt.remoteDeleted)
			if got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
		})
	}
}
