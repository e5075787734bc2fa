package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/report-form-engine/internal/autosave"
	"github.com/example/report-form-engine/internal/cache"
	"github.com/example/report-form-engine/internal/goals"
	"github.com/example/report-form-engine/internal/pagestate"
	"github.com/example/report-form-engine/internal/presence"
	"github.com/example/report-form-engine/internal/types"
)

// DraftSaver persists a partial report and returns the canonical document,
// including server-assigned ids, page state and goal order.
type DraftSaver interface {
	SaveDraft(ctx context.Context, id types.ReportID, patch types.Report) (types.Report, error)
}

// GoalSaveRequest carries one goal submission.
type GoalSaveRequest struct {
	Goals    []types.Goal
	ReportID types.ReportID
	RegionID string
}

// GoalSaver persists the packaged goal list and returns the resolved goals
// in backend creation order; the caller reapplies the intended order.
type GoalSaver interface {
	SaveGoals(ctx context.Context, req GoalSaveRequest) ([]types.Goal, error)
}

// Cache is the client-side draft cache keyed by report id.
type Cache interface {
	Put(ctx context.Context, id types.ReportID, snapshot types.FormSnapshot, savedAt time.Time) error
	Get(ctx context.Context, id types.ReportID) (types.FormSnapshot, time.Time, bool, error)
}

// ValidationBlock reports the pages preventing submission. It is a normal
// return value, not an error condition that propagates.
type ValidationBlock struct {
	Incomplete []types.Page
}

// Error implements error.
func (v *ValidationBlock) Error() string {
	paths := make([]string, 0, len(v.Incomplete))
	for _, page := range v.Incomplete {
		paths = append(paths, page.Path)
	}
	return fmt.Sprintf("pages incomplete: %s", strings.Join(paths, ", "))
}

// FirstOffending returns the first incomplete page in display order, used
// to focus its first offending field.
func (v *ValidationBlock) FirstOffending() (types.Page, bool) {
	if len(v.Incomplete) == 0 {
		return types.Page{}, false
	}
	return v.Incomplete[0], true
}

// Config describes one editing session over a report.
type Config struct {
	Report    types.Report
	Pages     []types.Page
	GoalsPath string
	Viewer    types.Member
	RegionID  string

	// Validator is the overall form validity used by pages without their
	// own completeness predicate. Nil means "always valid".
	Validator func(types.FormSnapshot) bool

	Drafts DraftSaver
	Goals  GoalSaver
	Cache  Cache
}

// Session is the editor-side facade: it owns the in-memory form snapshot,
// the per-page state, the goal working set and the save strategies invoked
// by the autosave scheduler.
type Session struct {
	cfg     Config
	machine *pagestate.Machine
	goals   *goals.Engine
	tracker *presence.Tracker
	sched   *autosave.Scheduler
	logger  zerolog.Logger

	mu          sync.Mutex
	report      types.Report
	snapshot    types.FormSnapshot
	dirty       bool
	version     uint64
	currentPath string
	resting     []types.Goal
	forEditing  *goals.Edited
	grantIDs    []types.GrantID
	prompts     []types.Prompt
	closed      bool
}

// New constructs a session. Call Open before use to reconcile against the
// draft cache.
func New(cfg Config, logger zerolog.Logger) *Session {
	s := &Session{
		cfg:      cfg,
		machine:  pagestate.NewMachine(cfg.Pages, cfg.GoalsPath, logger),
		goals:    goals.NewEngine(logger),
		tracker:  presence.NewTracker(cfg.Viewer.UserID, logger),
		logger:   logger.With().Str("report", string(cfg.Report.ID)).Logger(),
		report:   cfg.Report,
		snapshot: cfg.Report.FormData.Clone(),
	}
	if s.snapshot == nil {
		s.snapshot = make(types.FormSnapshot)
	}
	if len(cfg.Pages) > 0 {
		s.currentPath = cfg.Pages[0].Path
	}
	s.sched = autosave.NewScheduler(s, s.tracker, saverFunc(s.save), logger)
	return s
}

type saverFunc func(ctx context.Context, manual bool) error

func (f saverFunc) Save(ctx context.Context, manual bool) error { return f(ctx, manual) }

// Tracker exposes the presence tracker so the connection manager can feed
// roster snapshots into it.
func (s *Session) Tracker() *presence.Tracker { return s.tracker }

// Scheduler exposes the autosave scheduler for start/stop wiring.
func (s *Session) Scheduler() *autosave.Scheduler { return s.sched }

// SaveNow triggers a manual save through the scheduler.
func (s *Session) SaveNow(ctx context.Context) error { return s.sched.SaveNow(ctx) }

// LastSaved returns the time of the most recent successful save.
func (s *Session) LastSaved() time.Time { return s.sched.LastSaved() }

// LastError returns the dismissible notice for the most recent failed save.
func (s *Session) LastError() string { return s.sched.LastError() }

// Open reconciles the report's form data against the client-side draft
// cache. The local copy wins only when it is strictly newer than the
// network copy and the report is still a draft.
func (s *Session) Open(ctx context.Context) error {
	if s.cfg.Cache == nil {
		return nil
	}
	cached, savedAt, ok, err := s.cfg.Cache.Get(ctx, s.report.ID)
	if err != nil {
		// The cache is an optimization; a broken cache never blocks open.
		s.logger.Warn().Err(err).Msg("draft cache read failed")
		return nil
	}
	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cache.LocalWins(savedAt, s.report.UpdatedAt, s.report.Status) {
		s.snapshot = cached.Clone()
		s.markDirtyLocked()
		s.logger.Info().
			Time("cache_saved_at", savedAt).
			Time("network_updated_at", s.report.UpdatedAt).
			Msg("restored newer local draft from cache")
	}
	return nil
}

// SetField mutates one form value and marks the form dirty.
func (s *Session) SetField(name string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot[name] = value
	s.markDirtyLocked()
}

// markDirtyLocked stamps a local mutation; callers hold s.mu. The version
// counter lets a save response tell whether the state it persisted is still
// the current one.
func (s *Session) markDirtyLocked() {
	s.dirty = true
	s.version++
}

// Snapshot returns a copy of the current form values.
func (s *Session) Snapshot() types.FormSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.Clone()
}

// Dirty implements autosave.Form.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// Navigate moves to another page and recomputes the page-state map from
// the snapshot as of this moment. Navigation itself is always free; only
// submission is gated on completeness.
func (s *Session) Navigate(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentPath = path
	s.report.PageState = s.computeStateLocked()
}

// CurrentPath returns the page being viewed.
func (s *Session) CurrentPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentPath
}

// PageState returns the current page-state map.
func (s *Session) PageState() types.PageStateMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report.PageState.Clone()
}

// Report returns the canonical report as of the last round trip.
func (s *Session) Report() types.Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.report
}

// SetGrants records the grant selection applied to every packaged goal.
func (s *Session) SetGrants(ids []types.GrantID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grantIDs = ids
	s.markDirtyLocked()
}

// SetPrompts records the structured prompt responses for the edited goal.
func (s *Session) SetPrompts(prompts []types.Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prompts = prompts
	s.markDirtyLocked()
}

// Goals returns the resting goals and the goal under edit, if any.
func (s *Session) Goals() ([]types.Goal, *goals.Edited) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resting := make([]types.Goal, len(s.resting))
	copy(resting, s.resting)
	if s.forEditing == nil {
		return resting, nil
	}
	edited := *s.forEditing
	return resting, &edited
}

// EditGoal extracts the goal with the given id from the resting list into
// the single edit slot, remembering its position for re-insertion. A
// second edit request while the slot is occupied is refused; at most one
// goal is editable at a time.
func (s *Session) EditGoal(id types.GoalID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forEditing != nil {
		return fmt.Errorf("goal %s is already being edited", s.forEditing.Goal.ID)
	}
	for i, goal := range s.resting {
		if goal.ID != id {
			continue
		}
		s.forEditing = &goals.Edited{Goal: goal, OriginalIndex: i}
		s.resting = append(s.resting[:i], s.resting[i+1:]...)
		s.markDirtyLocked()
		s.report.PageState = s.computeStateLocked()
		return nil
	}
	return fmt.Errorf("goal %s not found", id)
}

// StartGoal opens a brand-new draft goal in the edit slot.
func (s *Session) StartGoal(goal types.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forEditing != nil {
		return fmt.Errorf("goal %s is already being edited", s.forEditing.Goal.ID)
	}
	// A new goal has no original position; packaging appends it.
	s.forEditing = &goals.Edited{Goal: goal, OriginalIndex: len(s.resting) + 1}
	s.markDirtyLocked()
	s.report.PageState = s.computeStateLocked()
	return nil
}

// UpdateEditedGoal replaces the contents of the edit slot.
func (s *Session) UpdateEditedGoal(goal types.Goal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forEditing == nil {
		return fmt.Errorf("no goal is being edited")
	}
	s.forEditing.Goal = goal
	s.markDirtyLocked()
	return nil
}

// SetGoals replaces the working set, e.g. after an external revision
// notification triggered a re-fetch.
func (s *Session) SetGoals(resting []types.Goal, forEditing *goals.Edited) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resting = resting
	s.forEditing = forEditing
	s.report.PageState = s.computeStateLocked()
}

// Submit verifies every non-review page is complete. An incomplete page
// yields a ValidationBlock naming the offenders in display order.
func (s *Session) Submit() *ValidationBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.report.PageState = s.computeStateLocked()

	var incomplete []types.Page
	for _, page := range s.cfg.Pages {
		if page.Review {
			continue
		}
		if s.report.PageState[page.Position] != types.PageComplete {
			incomplete = append(incomplete, page)
		}
	}
	if len(incomplete) == 0 {
		return nil
	}
	sort.Slice(incomplete, func(i, j int) bool {
		return incomplete[i].Position < incomplete[j].Position
	})
	return &ValidationBlock{Incomplete: incomplete}
}

// Close marks the session gone. Results of any in-flight save are ignored
// once closed; there is no true cancellation of the network call.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// save is the strategy selector invoked by the scheduler. The goals page
// uses the specialized sub-entity draft save; every other page persists
// the whole-document draft.
func (s *Session) save(ctx context.Context, manual bool) error {
	s.mu.Lock()
	onGoalsPage := s.currentPath == s.cfg.GoalsPath || s.forEditing != nil
	s.mu.Unlock()

	if onGoalsPage {
		return s.saveGoalsDraft(ctx)
	}
	return s.saveDraft(ctx)
}

func (s *Session) saveDraft(ctx context.Context) error {
	s.mu.Lock()
	version := s.version
	patch := types.Report{
		ID:        s.report.ID,
		RegionID:  s.cfg.RegionID,
		Status:    s.report.Status,
		FormData:  s.snapshot.Clone(),
		PageState: s.computeStateLocked(),
		GoalOrder: s.report.GoalOrder,
	}
	s.mu.Unlock()

	canonical, err := s.cfg.Drafts.SaveDraft(ctx, patch.ID, patch)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	s.applyCanonical(ctx, canonical, nil, version)
	return nil
}

func (s *Session) saveGoalsDraft(ctx context.Context) error {
	s.mu.Lock()
	version := s.version
	var underEdit *types.Goal
	originalIndex := -1
	if s.forEditing != nil {
		goal := s.forEditing.Goal
		underEdit = &goal
		originalIndex = s.forEditing.OriginalIndex
	}
	packed := s.goals.Package(s.resting, underEdit, s.grantIDs, s.prompts, originalIndex)
	order := s.goals.ExtractOrder(packed)
	req := GoalSaveRequest{Goals: packed, ReportID: s.report.ID, RegionID: s.cfg.RegionID}
	patch := types.Report{
		ID:        s.report.ID,
		RegionID:  s.cfg.RegionID,
		Status:    s.report.Status,
		FormData:  s.snapshot.Clone(),
		PageState: s.computeStateLocked(),
		GoalOrder: order,
	}
	s.mu.Unlock()

	serverGoals, err := s.cfg.Goals.SaveGoals(ctx, req)
	if err != nil {
		return fmt.Errorf("save goals: %w", err)
	}

	canonical, err := s.cfg.Drafts.SaveDraft(ctx, patch.ID, patch)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	s.applyCanonical(ctx, canonical, serverGoals, version)
	return nil
}

// applyCanonical folds a save response back into the session. When the
// session has been closed since the call went out, the result is dropped.
// version is the mutation count captured with the patch snapshot.
func (s *Session) applyCanonical(ctx context.Context, canonical types.Report, serverGoals []types.Goal, version uint64) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	// A freshly created document acquires its server id here so the next
	// tick targets the right resource.
	if s.report.ID == "" && canonical.ID != "" {
		s.logger.Info().Str("assigned_id", string(canonical.ID)).Msg("report id assigned")
	}
	s.report = canonical
	// An edit made while the save was in flight is not covered by this
	// response; it stays dirty for the next tick.
	s.dirty = s.version != version

	if serverGoals != nil {
		s.resting, s.forEditing = s.goals.RestoreFromServer(canonical.ID, serverGoals, canonical.GoalOrder, canonical.Status)
	}
	s.report.PageState = s.computeStateLocked()
	snapshot := s.snapshot.Clone()
	id := s.report.ID
	updatedAt := s.report.UpdatedAt
	s.mu.Unlock()

	if s.cfg.Cache != nil {
		if err := s.cfg.Cache.Put(ctx, id, snapshot, updatedAt); err != nil {
			s.logger.Warn().Err(err).Msg("draft cache write failed")
		}
	}
}

// computeStateLocked recomputes the page-state map; callers hold s.mu.
func (s *Session) computeStateLocked() types.PageStateMap {
	valid := true
	if s.cfg.Validator != nil {
		valid = s.cfg.Validator(s.snapshot)
	}
	return s.machine.ComputeNewState(pagestate.Input{
		CurrentPath:   s.currentPath,
		Snapshot:      s.snapshot,
		Previous:      s.report.PageState,
		FormDirty:     s.dirty,
		FormValid:     valid,
		GoalUnderEdit: s.forEditing != nil,
	})
}
