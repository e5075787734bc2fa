package goals

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

func newTestEngine() *Engine {
	return NewEngine(zerolog.New(io.Discard))
}

func goalNames(list []types.Goal) []string {
	names := make([]string, len(list))
	for i, g := range list {
		names[i] = g.Name
	}
	return names
}

func TestPackageInsertsEditedGoalAtOriginalIndex(t *testing.T) {
	e := newTestEngine()
	resting := []types.Goal{
		{ID: "g1", Name: "first"},
		{ID: "g3", Name: "third"},
	}
	edited := &types.Goal{ID: "g2", Name: "second"}
	grants := []types.GrantID{"grant-a"}

	packed := e.Package(resting, edited, grants, nil, 1)

	want := []string{"first", "second", "third"}
	got := goalNames(packed)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}

	if !packed[1].ActivelyEditing {
		t.Fatal("edited goal must be stamped actively editing")
	}
	for _, i := range []int{0, 2} {
		if packed[i].ActivelyEditing {
			t.Fatalf("resting goal %d stamped actively editing", i)
		}
		if len(packed[i].GrantIDs) != 1 || packed[i].GrantIDs[0] != "grant-a" {
			t.Fatalf("resting goal %d missing grant selection: %v", i, packed[i].GrantIDs)
		}
	}
}

func TestPackageAppendsWhenIndexOutOfRange(t *testing.T) {
	e := newTestEngine()
	resting := []types.Goal{{ID: "g1", Name: "first"}}
	edited := &types.Goal{Name: "fresh"}

	packed := e.Package(resting, edited, nil, nil, 999)
	if len(packed) != 2 || packed[1].Name != "fresh" {
		t.Fatalf("expected append, got %v", goalNames(packed))
	}

	packed = e.Package(resting, edited, nil, nil, -5)
	if len(packed) != 2 || packed[1].Name != "fresh" {
		t.Fatalf("expected append for negative index, got %v", goalNames(packed))
	}
}

func TestPackageDropsNilAndUnnamedEdits(t *testing.T) {
	e := newTestEngine()
	resting := []types.Goal{{ID: "g1", Name: "first"}}

	if packed := e.Package(resting, nil, nil, nil, 0); len(packed) != 1 {
		t.Fatalf("nil edit contributed: %v", goalNames(packed))
	}
	if packed := e.Package(resting, &types.Goal{Name: "   "}, nil, nil, 0); len(packed) != 1 {
		t.Fatalf("blank-named edit contributed: %v", goalNames(packed))
	}
}

func TestExtractOrderSkipsUnsavedGoals(t *testing.T) {
	e := newTestEngine()
	packed := []types.Goal{
		{ID: "g1"},
		{ID: "new-123"},
		{ID: ""},
		{ID: "g2"},
	}
	order := e.ExtractOrder(packed)
	if len(order) != 2 || order[0] != "g1" || order[1] != "g2" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestRestoreReappliesPersistedOrder(t *testing.T) {
	e := newTestEngine()
	report := types.ReportID("r1")
	// Backend returns creation order; the user wanted g3 first.
	server := []types.Goal{{ID: "g1"}, {ID: "g2"}, {ID: "g3"}}
	order := types.GoalOrder{"g3", "g1", "g2"}

	resting, edited := e.RestoreFromServer(report, server, order, types.StatusDraft)
	if edited != nil {
		t.Fatalf("no goal should occupy the edit slot, got %v", edited.Goal.ID)
	}
	if resting[0].ID != "g3" || resting[1].ID != "g1" || resting[2].ID != "g2" {
		t.Fatalf("order not reapplied: %v", resting)
	}
}

func TestRestoreSortsFreshGoalsAfterOrderedOnes(t *testing.T) {
	e := newTestEngine()
	server := []types.Goal{{ID: "fresh-a"}, {ID: "g1"}, {ID: "fresh-b"}}
	order := types.GoalOrder{"g1"}

	resting, _ := e.RestoreFromServer("r1", server, order, types.StatusDraft)
	if resting[0].ID != "g1" {
		t.Fatalf("ordered goal should come first: %v", resting)
	}
	// Fresh goals keep their relative backend order after the ordered ones.
	if resting[1].ID != "fresh-a" || resting[2].ID != "fresh-b" {
		t.Fatalf("fresh goals reordered: %v", resting)
	}
}

func TestRestoreIdentifiesSingleEditSlot(t *testing.T) {
	e := newTestEngine()
	report := types.ReportID("r1")
	link := []types.ReportLink{{ReportID: report, ActivelyEditing: true}}
	server := []types.Goal{
		{ID: "g1"},
		{ID: "g2", ReportLinks: link},
		{ID: "g3", ReportLinks: link}, // second flag is upstream noise
	}

	resting, edited := e.RestoreFromServer(report, server, nil, types.StatusDraft)
	if edited == nil || edited.Goal.ID != "g2" {
		t.Fatalf("expected g2 in the edit slot, got %+v", edited)
	}
	if edited.OriginalIndex != 1 {
		t.Fatalf("expected original index 1, got %d", edited.OriginalIndex)
	}
	if len(resting) != 2 {
		t.Fatalf("expected both other goals resting, got %v", resting)
	}
}

func TestRestoreIgnoresEditFlagOnNonEditableReport(t *testing.T) {
	e := newTestEngine()
	report := types.ReportID("r1")
	server := []types.Goal{
		{ID: "g1", ReportLinks: []types.ReportLink{{ReportID: report, ActivelyEditing: true}}},
	}

	resting, edited := e.RestoreFromServer(report, server, nil, types.StatusSubmitted)
	if edited != nil {
		t.Fatalf("submitted report must not open an edit slot, got %v", edited.Goal.ID)
	}
	if len(resting) != 1 {
		t.Fatalf("goal lost: %v", resting)
	}
}

func TestRestoreIgnoresFlagsForOtherReports(t *testing.T) {
	e := newTestEngine()
	server := []types.Goal{
		{ID: "g1", ReportLinks: []types.ReportLink{{ReportID: "other", ActivelyEditing: true}}},
	}

	_, edited := e.RestoreFromServer("r1", server, nil, types.StatusDraft)
	if edited != nil {
		t.Fatalf("flag for another report must not open the slot here")
	}
}

func TestPackageRestoreRoundTripPreservesPosition(t *testing.T) {
	e := newTestEngine()
	report := types.ReportID("r1")
	resting := []types.Goal{{ID: "g1", Name: "first"}, {ID: "g3", Name: "third"}}
	edited := &types.Goal{ID: "g2", Name: "second"}

	packed := e.Package(resting, edited, nil, nil, 1)
	order := e.ExtractOrder(packed)

	// Simulate the backend: linkage carries the editing flag, creation
	// order differs from display order.
	server := []types.Goal{
		{ID: "g3", Name: "third"},
		{ID: "g1", Name: "first"},
		{ID: "g2", Name: "second", ReportLinks: []types.ReportLink{{ReportID: report, ActivelyEditing: true}}},
	}

	restored, slot := e.RestoreFromServer(report, server, order, types.StatusDraft)
	if slot == nil || slot.Goal.ID != "g2" {
		t.Fatalf("edit slot lost in round trip: %+v", slot)
	}
	if slot.OriginalIndex != 1 {
		t.Fatalf("edited goal position lost: got %d want 1", slot.OriginalIndex)
	}
	if restored[0].ID != "g1" || restored[1].ID != "g3" {
		t.Fatalf("resting order lost: %v", restored)
	}
}
