package presence

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

func newTestTracker() *Tracker {
	return NewTracker("viewer", zerolog.New(io.Discard))
}

func member(user, name string) types.Member {
	return types.Member{UserID: types.UserID(user), Username: name}
}

func TestInitialSummaryIsSafe(t *testing.T) {
	tr := newTestTracker()
	s := tr.Summary()
	if s.HasMultipleUsers || len(s.OtherUsers) != 0 || s.TabCount != 1 {
		t.Fatalf("unexpected initial summary: %+v", s)
	}
	if !tr.SafeToAutosave() {
		t.Fatal("fresh tracker must be safe")
	}
}

func TestAloneInOneTabIsSafe(t *testing.T) {
	tr := newTestTracker()
	tr.HandleUpdate(map[types.SessionID]types.Member{
		"s1": member("viewer", "me"),
	})
	if !tr.SafeToAutosave() {
		t.Fatal("sole editor with one tab must be safe")
	}
}

func TestSecondTabOfSameUserIsUnsafe(t *testing.T) {
	tr := newTestTracker()
	tr.HandleUpdate(map[types.SessionID]types.Member{
		"s1": member("viewer", "me"),
		"s2": member("viewer", "me"),
	})
	s := tr.Summary()
	if s.TabCount != 2 {
		t.Fatalf("expected tab count 2, got %d", s.TabCount)
	}
	if s.HasMultipleUsers {
		t.Fatal("own second tab is not another user")
	}
	if tr.SafeToAutosave() {
		t.Fatal("two tabs must suppress autosave")
	}
}

func TestOtherUserPresentIsUnsafe(t *testing.T) {
	tr := newTestTracker()
	tr.HandleUpdate(map[types.SessionID]types.Member{
		"s1": member("viewer", "me"),
		"s2": member("u2", "alice"),
	})
	s := tr.Summary()
	if !s.HasMultipleUsers {
		t.Fatal("expected multiple users")
	}
	if len(s.OtherUsers) != 1 || s.OtherUsers[0].Username != "alice" {
		t.Fatalf("unexpected others: %+v", s.OtherUsers)
	}
	if tr.SafeToAutosave() {
		t.Fatal("other editor present must suppress autosave")
	}
}

func TestOthersAreDeduplicatedAndSorted(t *testing.T) {
	tr := newTestTracker()
	tr.HandleUpdate(map[types.SessionID]types.Member{
		"s1": member("viewer", "me"),
		"s2": member("u2", "carol"),
		"s3": member("u2", "carol"), // carol's second tab
		"s4": member("u3", "bob"),
	})
	s := tr.Summary()
	if len(s.OtherUsers) != 2 {
		t.Fatalf("expected 2 distinct others, got %+v", s.OtherUsers)
	}
	if s.OtherUsers[0].Username != "bob" || s.OtherUsers[1].Username != "carol" {
		t.Fatalf("others not sorted by username: %+v", s.OtherUsers)
	}
	if s.OtherUsers[1].TabCount != 2 {
		t.Fatalf("expected carol to aggregate 2 tabs, got %d", s.OtherUsers[1].TabCount)
	}
}

func TestAnonymousNoiseIsMultipleUsersButStillSafe(t *testing.T) {
	// Stale heartbeats without a username raise the multiple-users flag but
	// leave the displayable list empty. That combination does not suppress
	// autosave.
	tr := newTestTracker()
	tr.HandleUpdate(map[types.SessionID]types.Member{
		"s1": member("viewer", "me"),
		"s2": member("ghost", ""),
	})
	s := tr.Summary()
	if !s.HasMultipleUsers {
		t.Fatal("expected multiple-users flag from raw grouping")
	}
	if len(s.OtherUsers) != 0 {
		t.Fatalf("anonymous entries must not be displayable: %+v", s.OtherUsers)
	}
	if !tr.SafeToAutosave() {
		t.Fatal("anonymous-only noise must not suppress autosave")
	}
}

func TestSnapshotReplacesPreviousSummary(t *testing.T) {
	tr := newTestTracker()
	tr.HandleUpdate(map[types.SessionID]types.Member{
		"s1": member("viewer", "me"),
		"s2": member("u2", "alice"),
	})
	// alice leaves; the next snapshot is authoritative.
	tr.HandleUpdate(map[types.SessionID]types.Member{
		"s1": member("viewer", "me"),
	})
	s := tr.Summary()
	if s.HasMultipleUsers || len(s.OtherUsers) != 0 {
		t.Fatalf("stale collaborator survived snapshot replacement: %+v", s)
	}
	if !tr.SafeToAutosave() {
		t.Fatal("expected safe after collaborator left")
	}
}

func TestDescribeJoinsUsernames(t *testing.T) {
	s := types.PresenceSummary{OtherUsers: []types.PresenceEntry{
		{Username: "alice"}, {Username: "bob"},
	}}
	if got := Describe(s); got != "alice, bob" {
		t.Fatalf("unexpected description %q", got)
	}
}
