package goals

import (
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

// Engine packages the working set of goals for submission and restores the
// user-intended order from canonical server responses. The backend returns
// goals in creation order and does not preserve display order itself, so
// the persisted GoalOrder is reapplied on every fetch.
type Engine struct {
	logger zerolog.Logger
}

// NewEngine constructs an ordering engine.
func NewEngine(logger zerolog.Logger) *Engine {
	return &Engine{logger: logger}
}

// Edited is a goal occupying the single in-place edit slot, together with
// the position it held in the ordered list so it can be re-inserted there.
type Edited struct {
	Goal          types.Goal
	OriginalIndex int
}

// Package flattens the resting goals plus the goal under active edit into
// one ordered list for submission. Every resting goal is stamped
// not-editing and given the current grant selection. The edited goal, when
// present and named, is inserted at its original index (pushing later
// elements right); an out-of-range index appends instead. A nil or unnamed
// edited goal contributes nothing.
func (e *Engine) Package(resting []types.Goal, underEdit *types.Goal, grantIDs []types.GrantID, prompts []types.Prompt, originalIndex int) []types.Goal {
	packed := make([]types.Goal, 0, len(resting)+1)
	for _, goal := range resting {
		goal.ActivelyEditing = false
		goal.GrantIDs = grantIDs
		packed = append(packed, goal)
	}

	if underEdit == nil || strings.TrimSpace(underEdit.Name) == "" {
		return packed
	}

	edited := *underEdit
	edited.ActivelyEditing = true
	edited.GrantIDs = grantIDs
	edited.Prompts = prompts

	if originalIndex < 0 || originalIndex > len(packed) {
		if originalIndex > len(packed) {
			e.logger.Debug().
				Int("index", originalIndex).
				Int("len", len(packed)).
				Msg("edited goal index out of range; appending")
		}
		return append(packed, edited)
	}

	packed = append(packed, types.Goal{})
	copy(packed[originalIndex+1:], packed[originalIndex:])
	packed[originalIndex] = edited
	return packed
}

// ExtractOrder maps the packaged list to persisted goal ids. Unsaved goals
// have no server id yet and cannot participate in ordering until the round
// trip assigns one.
func (e *Engine) ExtractOrder(packed []types.Goal) types.GoalOrder {
	order := make(types.GoalOrder, 0, len(packed))
	for _, goal := range packed {
		if goal.ID.IsNew() {
			continue
		}
		order = append(order, goal.ID)
	}
	return order
}

// RestoreFromServer reapplies the persisted order to the server-returned
// goals and re-identifies the goal under active edit, if any. Ids missing
// from the order (freshly created) sort after every id present, preserving
// their relative backend order. The first goal whose report linkage marks
// it actively edited, on a report that is still editable, becomes the edit
// slot; every other goal goes to the resting list unmodified, so at most
// one goal occupies the slot even when upstream data momentarily marks
// several.
func (e *Engine) RestoreFromServer(report types.ReportID, serverGoals []types.Goal, order types.GoalOrder, status types.ReportStatus) ([]types.Goal, *Edited) {
	sorted := make([]types.Goal, len(serverGoals))
	copy(sorted, serverGoals)

	if len(order) > 0 {
		rank := func(g types.Goal) int {
			if idx := order.IndexOf(g.ID); idx >= 0 {
				return idx
			}
			return len(order)
		}
		sort.SliceStable(sorted, func(i, j int) bool {
			return rank(sorted[i]) < rank(sorted[j])
		})
	}

	var forEditing *Edited
	resting := make([]types.Goal, 0, len(sorted))
	for i, goal := range sorted {
		if forEditing == nil && goal.EditedFor(report) && status.Editable() {
			forEditing = &Edited{Goal: goal, OriginalIndex: i}
			continue
		}
		if forEditing != nil && goal.EditedFor(report) {
			e.logger.Warn().
				Str("report", string(report)).
				Str("goal", string(goal.ID)).
				Msg("additional goal marked actively edited; keeping it resting")
		}
		resting = append(resting, goal)
	}

	return resting, forEditing
}
