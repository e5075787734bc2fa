package presence

import (
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/types"
)

// Tracker consumes raw presence snapshots for one report room and derives
// the viewer's collaborative context. Every push replaces the summary
// wholesale; nothing is patched incrementally, so the tracker can never
// drift from the room's canonical state.
type Tracker struct {
	viewer types.UserID
	logger zerolog.Logger

	mu      sync.RWMutex
	summary types.PresenceSummary
}

// NewTracker constructs a tracker for the given viewer.
func NewTracker(viewer types.UserID, logger zerolog.Logger) *Tracker {
	return &Tracker{
		viewer:  viewer,
		logger:  logger,
		summary: types.PresenceSummary{TabCount: 1},
	}
}

// HandleUpdate replaces the current summary from a full room snapshot. The
// snapshot maps ephemeral session ids (one per open tab) to the member
// occupying that tab.
func (t *Tracker) HandleUpdate(raw map[types.SessionID]types.Member) {
	groups := make(map[types.UserID]*types.PresenceEntry)
	for _, member := range raw {
		entry, ok := groups[member.UserID]
		if !ok {
			entry = &types.PresenceEntry{UserID: member.UserID, Username: member.Username}
			groups[member.UserID] = entry
		}
		entry.TabCount++
	}

	summary := types.PresenceSummary{TabCount: 1}
	if viewer, ok := groups[t.viewer]; ok {
		summary.TabCount = viewer.TabCount
	}

	// HasMultipleUsers reflects the raw grouping; OtherUsers is the
	// deduplicated, displayable subset. The two can disagree when presence
	// noise leaves only anonymous or duplicate entries behind.
	seen := make(map[string]bool)
	for userID, entry := range groups {
		if userID == t.viewer {
			continue
		}
		summary.HasMultipleUsers = true
		if entry.Username == "" || seen[entry.Username] {
			continue
		}
		seen[entry.Username] = true
		summary.OtherUsers = append(summary.OtherUsers, *entry)
	}
	sort.Slice(summary.OtherUsers, func(i, j int) bool {
		return summary.OtherUsers[i].Username < summary.OtherUsers[j].Username
	})

	t.mu.Lock()
	t.summary = summary
	t.mu.Unlock()

	t.logger.Debug().
		Bool("multiple_users", summary.HasMultipleUsers).
		Int("others", len(summary.OtherUsers)).
		Int("tabs", summary.TabCount).
		Msg("presence summary updated")
}

// Summary returns the most recently derived summary.
func (t *Tracker) Summary() types.PresenceSummary {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.summary
}

// SafeToAutosave reports whether a background save may run right now.
func (t *Tracker) SafeToAutosave() bool {
	return Safe(t.Summary())
}

// Safe applies the autosave safety rule to a summary: unsafe whenever a
// distinct other editor is present or the viewer has more than one tab
// open. Multiple-user noise with an empty deduplicated list is treated as
// safe; it indicates stale presence, not a genuine second editor.
func Safe(s types.PresenceSummary) bool {
	if s.HasMultipleUsers && len(s.OtherUsers) > 0 {
		return false
	}
	return s.TabCount <= 1
}

// Describe renders the collaborator list for the concurrent-edit warning.
func Describe(s types.PresenceSummary) string {
	names := make([]string, 0, len(s.OtherUsers))
	for _, entry := range s.OtherUsers {
		names = append(names, entry.Username)
	}
	return strings.Join(names, ", ")
}
