package autosave

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrSaveInFlight is returned by SaveNow when a save is already running.
// Saves are never pipelined; at-most-one-concurrent-save is the only
// ordering guarantee against the backend.
var ErrSaveInFlight = errors.New("a save is already in flight")

// Form exposes the dirtiness of the in-memory form state.
type Form interface {
	Dirty() bool
}

// SafetyGate reports whether a background save may run. Backed by the
// presence tracker in production.
type SafetyGate interface {
	SafeToAutosave() bool
}

// Saver executes the save strategy appropriate for the currently active
// page. Implementations surface failures as errors and must leave local
// form state untouched when they fail.
type Saver interface {
	Save(ctx context.Context, manual bool) error
}

// Scheduler drives periodic autosave ticks. A tick runs the checks in a
// fixed order: in-flight guard, dirtiness, presence safety; only then does
// it invoke the saver. A failed save records a user-visible notice and
// leaves the loop running so the next tick retries.
type Scheduler struct {
	form   Form
	gate   SafetyGate
	saver  Saver
	logger zerolog.Logger

	mu        sync.Mutex
	saving    bool
	lastSaved time.Time
	lastError string
}

// NewScheduler wires a scheduler to its collaborators.
func NewScheduler(form Form, gate SafetyGate, saver Saver, logger zerolog.Logger) *Scheduler {
	return &Scheduler{form: form, gate: gate, saver: saver, logger: logger}
}

// Start runs the tick loop until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	go s.loop(ctx, interval)
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.Tick(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Tick performs one autosave check. Exported so callers can force a check
// outside the timer, e.g. right after navigation.
func (s *Scheduler) Tick(ctx context.Context) {
	ticksTotal.Inc()

	s.mu.Lock()
	if s.saving {
		s.mu.Unlock()
		ticksSkipped.WithLabelValues("in_flight").Inc()
		return
	}
	if !s.form.Dirty() {
		s.mu.Unlock()
		ticksSkipped.WithLabelValues("clean").Inc()
		return
	}
	if !s.gate.SafeToAutosave() {
		s.mu.Unlock()
		ticksSkipped.WithLabelValues("presence").Inc()
		// Suppression is not an error; it is logged for diagnostics only.
		s.logger.Debug().Msg("autosave suppressed; another editor is active")
		return
	}
	s.saving = true
	s.mu.Unlock()

	s.runSave(ctx, false)
}

// SaveNow performs a manual save. Explicit user action is trusted even when
// autosave is suppressed, so the presence gate is bypassed; the in-flight
// guard still applies.
func (s *Scheduler) SaveNow(ctx context.Context) error {
	s.mu.Lock()
	if s.saving {
		s.mu.Unlock()
		return ErrSaveInFlight
	}
	s.saving = true
	s.mu.Unlock()

	return s.runSave(ctx, true)
}

func (s *Scheduler) runSave(ctx context.Context, manual bool) error {
	// The saving flag is cleared unconditionally so a failed save cannot
	// wedge the scheduler.
	defer func() {
		s.mu.Lock()
		s.saving = false
		s.mu.Unlock()
	}()

	err := s.saver.Save(ctx, manual)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		savesTotal.WithLabelValues("error").Inc()
		s.lastError = "Your changes could not be saved. They are kept locally and will be retried."
		s.logger.Warn().Err(err).Bool("manual", manual).Msg("save failed")
		return err
	}

	savesTotal.WithLabelValues("ok").Inc()
	s.lastSaved = time.Now()
	s.lastError = ""
	s.logger.Debug().Bool("manual", manual).Msg("save completed")
	return nil
}

// LastSaved returns the time of the most recent successful save, zero if
// none has completed yet.
func (s *Scheduler) LastSaved() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSaved
}

// LastError returns the dismissible notice for the most recent failed
// save, empty after a success.
func (s *Scheduler) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Saving reports whether a save is currently in flight.
func (s *Scheduler) Saving() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saving
}
