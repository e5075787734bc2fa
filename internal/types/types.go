package types

import (
	"strings"
	"time"
)

// ReportID identifies a multi-page report document.
type ReportID string

// UserID identifies an editor account.
type UserID string

// SessionID identifies a single open tab of an editor. Each tab publishes
// its own presence heartbeat under a fresh session id.
type SessionID string

// GoalID identifies a persisted goal. Unsaved goals carry a client-side
// placeholder id prefixed with "new-".
type GoalID string

// GrantID identifies a grant a goal applies to.
type GrantID string

// NewGoalPrefix marks client-side placeholder ids for goals that have not
// completed a save round trip yet.
const NewGoalPrefix = "new-"

// IsNew reports whether the id is absent or still a client-side placeholder.
func (id GoalID) IsNew() bool {
	return id == "" || strings.HasPrefix(string(id), NewGoalPrefix)
}

// ReportStatus is the submission status of the whole document.
type ReportStatus string

const (
	StatusDraft       ReportStatus = "draft"
	StatusNeedsAction ReportStatus = "needs_action"
	StatusSubmitted   ReportStatus = "submitted"
	StatusApproved    ReportStatus = "approved"
)

// Editable reports whether goals of a report in this status may be opened
// for in-place editing.
func (s ReportStatus) Editable() bool {
	return s == StatusDraft || s == StatusNeedsAction
}

// PageStatus is the per-page completion state shown in the sidebar.
type PageStatus string

const (
	PageNotStarted PageStatus = "not_started"
	PageInProgress PageStatus = "in_progress"
	PageComplete   PageStatus = "complete"
)

// PageStateMap maps page position to completion status. It is persisted
// with the report and travels through every save/fetch round trip. The
// review page is never a key; its displayed status derives from the
// report's own submission status.
type PageStateMap map[int]PageStatus

// Clone returns an independent copy so compute passes never mutate the
// previously stored map in place.
func (m PageStateMap) Clone() PageStateMap {
	out := make(PageStateMap, len(m))
	for pos, status := range m {
		out[pos] = status
	}
	return out
}

// FormSnapshot holds the current field values of the whole form, keyed by
// field name.
type FormSnapshot map[string]any

// Clone returns a shallow copy of the snapshot.
func (f FormSnapshot) Clone() FormSnapshot {
	out := make(FormSnapshot, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Page is the static descriptor of one step of the form. Pages are defined
// once per document type and never mutated at runtime.
type Page struct {
	Position int
	Path     string
	Review   bool

	// Complete is the page's own completeness predicate over the current
	// form values. Nil means "defer to overall form validity".
	Complete func(FormSnapshot) bool
}

// Prompt is one structured question/answer pair attached to a goal.
type Prompt struct {
	ID       string   `json:"id,omitempty"`
	Title    string   `json:"title"`
	Response []string `json:"response,omitempty"`
}

// ReportLink is the nested linkage row tying a goal to a specific report.
// The backend records the in-place editing marker here.
type ReportLink struct {
	ReportID        ReportID `json:"reportId"`
	ActivelyEditing bool     `json:"isActivelyEdited"`
}

// Goal is a recipient-side outcome edited on the goals page of the form.
type Goal struct {
	ID         GoalID    `json:"id,omitempty"`
	Name       string    `json:"name"`
	EndDate    string    `json:"endDate,omitempty"`
	Status     string    `json:"status,omitempty"`
	Source     string    `json:"source,omitempty"`
	GrantIDs   []GrantID `json:"grantIds"`
	Objectives []string  `json:"objectives,omitempty"`
	Prompts    []Prompt  `json:"prompts,omitempty"`

	// ActivelyEditing is stamped on the outbound payload; at most one goal
	// in a packaged set may carry true.
	ActivelyEditing bool `json:"isActivelyBeingEditing"`

	// ReportLinks is populated by the backend on fetch.
	ReportLinks []ReportLink `json:"activityReportGoals,omitempty"`

	CreatedAt time.Time `json:"createdAt,omitempty"`
}

// EditedFor reports whether the backend linkage marks this goal as under
// active edit for the given report.
func (g Goal) EditedFor(report ReportID) bool {
	for _, link := range g.ReportLinks {
		if link.ReportID == report && link.ActivelyEditing {
			return true
		}
	}
	return false
}

// GoalOrder is the persisted list of goal ids capturing the user's intended
// display order, independent of backend creation order.
type GoalOrder []GoalID

// IndexOf returns the position of the id within the order, or -1.
func (o GoalOrder) IndexOf(id GoalID) int {
	for i, candidate := range o {
		if candidate == id {
			return i
		}
	}
	return -1
}

// Report is the document aggregate round-tripped through save and fetch.
type Report struct {
	ID        ReportID     `json:"id"`
	RegionID  string       `json:"regionId,omitempty"`
	Status    ReportStatus `json:"status"`
	Revision  int64        `json:"revision"`
	FormData  FormSnapshot `json:"formData"`
	PageState PageStateMap `json:"pageState"`
	GoalOrder GoalOrder    `json:"goalOrder"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Member is one raw per-tab presence heartbeat as published to the room.
type Member struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username"`
}

// PresenceEntry aggregates the heartbeats of a single user across tabs.
type PresenceEntry struct {
	UserID   UserID `json:"userId"`
	Username string `json:"username"`
	TabCount int    `json:"tabCount"`
}

// PresenceSummary describes the viewer's collaborative context. It is
// derived on every presence push and never persisted.
type PresenceSummary struct {
	HasMultipleUsers bool
	OtherUsers       []PresenceEntry
	TabCount         int
}
