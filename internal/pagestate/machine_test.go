package pagestate

import (
	"io"
	"testing"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

func testPages() []types.Page {
	return []types.Page{
		{Position: 1, Path: "activity-summary", Complete: func(s types.FormSnapshot) bool {
			return s["duration"] != nil
		}},
		{Position: 2, Path: "goals-objectives"},
		{Position: 3, Path: "next-steps", Complete: func(s types.FormSnapshot) bool {
			return s["specialistNextSteps"] != nil
		}},
		{Position: 4, Path: "review", Review: true},
	}
}

func newTestMachine() *Machine {
	return NewMachine(testPages(), "goals-objectives", zerolog.New(io.Discard))
}

func TestReviewPageNeverGetsAStatus(t *testing.T) {
	m := newTestMachine()
	state := m.ComputeNewState(Input{CurrentPath: "activity-summary", Snapshot: types.FormSnapshot{}})
	if _, ok := state[4]; ok {
		t.Fatalf("review page should not appear in the state map: %v", state)
	}
	if len(state) != 3 {
		t.Fatalf("expected 3 entries, got %v", state)
	}
}

func TestUntouchedPagesStayNotStarted(t *testing.T) {
	m := newTestMachine()
	state := m.ComputeNewState(Input{CurrentPath: "activity-summary", Snapshot: types.FormSnapshot{}})
	if state[3] != types.PageNotStarted {
		t.Fatalf("expected not_started for untouched page, got %s", state[3])
	}
}

func TestDirtyCurrentPageBecomesInProgress(t *testing.T) {
	m := newTestMachine()
	state := m.ComputeNewState(Input{
		CurrentPath: "activity-summary",
		Snapshot:    types.FormSnapshot{},
		FormDirty:   true,
	})
	if state[1] != types.PageInProgress {
		t.Fatalf("expected in_progress, got %s", state[1])
	}
}

func TestSatisfiedPredicateWinsRegardlessOfDirtiness(t *testing.T) {
	m := newTestMachine()
	state := m.ComputeNewState(Input{
		CurrentPath: "activity-summary",
		Snapshot:    types.FormSnapshot{"duration": 1.5},
		FormDirty:   true,
	})
	if state[1] != types.PageComplete {
		t.Fatalf("expected complete, got %s", state[1])
	}
}

func TestRegressionFromCompleteIsInProgressNotNotStarted(t *testing.T) {
	m := newTestMachine()
	prev := types.PageStateMap{1: types.PageComplete}
	state := m.ComputeNewState(Input{
		CurrentPath: "activity-summary",
		Snapshot:    types.FormSnapshot{}, // duration cleared
		Previous:    prev,
	})
	if state[1] != types.PageInProgress {
		t.Fatalf("expected in_progress after regression, got %s", state[1])
	}
}

func TestOtherPagesRetainPreviousStatus(t *testing.T) {
	m := newTestMachine()
	prev := types.PageStateMap{1: types.PageInProgress, 3: types.PageComplete}
	state := m.ComputeNewState(Input{
		CurrentPath: "goals-objectives",
		Snapshot:    types.FormSnapshot{"specialistNextSteps": "done"},
		Previous:    prev,
		FormDirty:   true,
	})
	if state[1] != types.PageInProgress {
		t.Fatalf("expected page 1 to keep in_progress, got %s", state[1])
	}
	if state[3] != types.PageComplete {
		t.Fatalf("expected page 3 to keep complete, got %s", state[3])
	}
}

func TestOpenGoalEditorForcesInProgress(t *testing.T) {
	m := newTestMachine()
	// Form valid would normally mark the goals page complete; an open
	// editor overrides that.
	state := m.ComputeNewState(Input{
		CurrentPath:   "goals-objectives",
		Snapshot:      types.FormSnapshot{},
		FormValid:     true,
		GoalUnderEdit: true,
	})
	if state[2] != types.PageInProgress {
		t.Fatalf("expected in_progress while editor open, got %s", state[2])
	}
}

func TestGoalsPageFallsBackToValidityWhenNoEditorOpen(t *testing.T) {
	m := newTestMachine()
	state := m.ComputeNewState(Input{
		CurrentPath: "goals-objectives",
		Snapshot:    types.FormSnapshot{},
		FormValid:   true,
	})
	if state[2] != types.PageComplete {
		t.Fatalf("expected complete, got %s", state[2])
	}
}

func TestPreviousMapIsNotMutated(t *testing.T) {
	m := newTestMachine()
	prev := types.PageStateMap{1: types.PageNotStarted}
	_ = m.ComputeNewState(Input{
		CurrentPath: "activity-summary",
		Snapshot:    types.FormSnapshot{"duration": 2},
		Previous:    prev,
	})
	if prev[1] != types.PageNotStarted {
		t.Fatalf("previous map mutated: %v", prev)
	}
}
