package pagestate

import (
	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

// Machine derives the per-page completion map from the current form values.
// It runs on every navigation attempt and on every autosave tick, always
// against the snapshot taken at the moment of invocation.
type Machine struct {
	pages     []types.Page
	goalsPath string
	logger    zerolog.Logger
}

// NewMachine constructs a state machine over the ordered page list.
// goalsPath names the one page hosting the in-place goal editor; its status
// bypasses the ordinary per-page predicate.
func NewMachine(pages []types.Page, goalsPath string, logger zerolog.Logger) *Machine {
	return &Machine{pages: pages, goalsPath: goalsPath, logger: logger}
}

// Input carries everything a compute pass reads. Previous is never mutated.
type Input struct {
	CurrentPath   string
	Snapshot      types.FormSnapshot
	Previous      types.PageStateMap
	FormDirty     bool
	FormValid     bool
	GoalUnderEdit bool
}

// ComputeNewState assigns exactly one status to every non-review page. The
// review page is never a key; its displayed status is the report's own
// submission status.
func (m *Machine) ComputeNewState(in Input) types.PageStateMap {
	next := make(types.PageStateMap, len(m.pages))
	for _, page := range m.pages {
		if page.Review {
			continue
		}
		if page.Path == m.goalsPath {
			next[page.Position] = m.RecalculateEditingPage(page, in)
			continue
		}
		next[page.Position] = m.pageStatus(page, in)
	}
	return next
}

// RecalculateEditingPage computes the status of the goal-editor page. An
// open editor forces IN_PROGRESS regardless of field validity: an
// in-flight edit is never "complete".
func (m *Machine) RecalculateEditingPage(page types.Page, in Input) types.PageStatus {
	if in.GoalUnderEdit {
		return types.PageInProgress
	}
	return m.pageStatus(page, in)
}

func (m *Machine) pageStatus(page types.Page, in Input) types.PageStatus {
	prev, hadPrev := in.Previous[page.Position]
	if !hadPrev {
		prev = types.PageNotStarted
	}

	if m.complete(page, in) {
		return types.PageComplete
	}

	if page.Path == in.CurrentPath {
		// Regressing from complete signals "almost there" rather than
		// resetting to not-started.
		if prev == types.PageComplete {
			return types.PageInProgress
		}
		if in.FormDirty {
			return types.PageInProgress
		}
		return prev
	}

	// A page once touched is never silently reset by navigating elsewhere.
	return prev
}

func (m *Machine) complete(page types.Page, in Input) bool {
	if page.Complete != nil {
		return page.Complete(in.Snapshot)
	}
	return in.FormValid
}
