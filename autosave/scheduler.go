package autosave

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/draftpad/server/draft"
	"github.com/draftpad/server/session"
)

// ErrClosed is returned by operations on a scheduler whose editor has been
// closed.
var ErrClosed = errors.New("editor closed")

// State is the save state of one open editor.
type State string

const (
	// StateIdle: everything typed so far is persisted.
	StateIdle State = "idle"
	// StatePendingSave: there are buffered edits waiting for the quiet
	// interval to elapse (or for a failed save to be retried).
	StatePendingSave State = "pending_save"
	// StateSaving: a save is in flight.
	StateSaving State = "saving"
)

// Event is a state transition report. Err is set when the transition was
// caused by a failed save.
type Event struct {
	State       State     `json:"state"`
	SessionID   string    `json:"session_id,omitempty"`
	Revision    int64     `json:"revision,omitempty"`
	LastSavedAt time.Time `json:"last_saved_at,omitzero"`
	Err         error     `json:"-"`
}

// SaveFunc persists one field set. In production this is
// draft.Service.SaveDraft bound to the editor's owner identity.
type SaveFunc func(ctx context.Context, in draft.Input) (session.Session, error)

type Config struct {
	QuietInterval time.Duration
	Clock         Clock
	Save          SaveFunc

	// OnStateChange, when set, receives every state transition. Called
	// outside the scheduler's lock; calling back into the scheduler from it
	// must happen on a separate goroutine.
	OnStateChange func(Event)

	// Seed, when set, binds the scheduler to an already-persisted session
	// so the first autosave updates it instead of creating a new one.
	Seed *session.Session
}

// Scheduler coalesces edits into saves. Edits buffer in memory and are
// written once no further edit arrives for a quiet interval; SaveNow and
// Flush persist immediately. At most one save is in flight at a time, and a
// save always writes the newest buffered field set.
type Scheduler struct {
	quiet time.Duration
	clock Clock
	save  SaveFunc
	onStateChange func(Event)

	mu        sync.Mutex
	state     State
	sessionID string
	revision  int64
	last      session.Session
	pending   draft.Input
	dirty     bool
	savable   bool
	timer     Timer
	timerGen  uint64
	inflight  chan struct{}
	lastSavedAt time.Time
	closed    bool
}

func NewScheduler(cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock
	}
	s := &Scheduler{
		quiet:         cfg.QuietInterval,
		clock:         cfg.Clock,
		save:          cfg.Save,
		onStateChange: cfg.OnStateChange,
		state:         StateIdle,
	}
	if cfg.Seed != nil {
		s.sessionID = cfg.Seed.ID
		s.revision = cfg.Seed.Revision
		s.last = *cfg.Seed
		s.pending = draft.Input{
			ID:         cfg.Seed.ID,
			Title:      cfg.Seed.Title,
			Tags:       cfg.Seed.Tags,
			ContentRef: cfg.Seed.ContentRef,
		}
	}
	return s
}

// Edit buffers a new field set and (re)starts the quiet interval. Edits
// arriving while a save is in flight are buffered and written by a follow-up
// save once the current one completes.
func (s *Scheduler) Edit(in draft.Input) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	in.ID = s.sessionID
	in.BaseRevision = nil
	s.pending = in
	s.dirty = true
	// While a required field is empty the edit is buffered but no timer is
	// armed: autosaving it could only fail validation.
	s.savable = strings.TrimSpace(in.Title) != "" && strings.TrimSpace(in.ContentRef) != ""

	var ev *Event
	if s.state != StateSaving {
		if s.savable {
			s.armTimerLocked()
		} else {
			s.stopTimerLocked()
		}
		if s.state != StatePendingSave {
			s.state = StatePendingSave
			ev = s.eventLocked()
		}
	}
	s.mu.Unlock()
	s.emit(ev)
}

// SaveNow persists the buffered edits immediately, waiting for any in-flight
// save first. Returns the session as of the last completed save; with no
// unsaved edits it is a no-op.
func (s *Scheduler) SaveNow(ctx context.Context) (session.Session, error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return session.Session{}, ErrClosed
		}
		if s.inflight != nil {
			ch := s.inflight
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return session.Session{}, ctx.Err()
			}
			continue
		}
		if !s.dirty {
			last := s.last
			s.mu.Unlock()
			return last, nil
		}

		s.stopTimerLocked()
		done, ev := s.beginSaveLocked()
		in := s.saveInputLocked()
		s.mu.Unlock()

		s.emit(ev)
		if err := s.runSave(ctx, in, done); err != nil {
			return session.Session{}, err
		}
		// Loop: edits that arrived mid-save still need writing.
	}
}

// Flush drains all buffered edits to the store and returns once the editor
// is clean. A failing save aborts the flush with its error, so callers that
// gate on Flush (publish does) never proceed past unsaved content.
func (s *Scheduler) Flush(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.inflight != nil {
			ch := s.inflight
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		if !s.dirty {
			s.mu.Unlock()
			return nil
		}

		s.stopTimerLocked()
		done, ev := s.beginSaveLocked()
		in := s.saveInputLocked()
		s.mu.Unlock()

		s.emit(ev)
		if err := s.runSave(ctx, in, done); err != nil {
			return err
		}
	}
}

// Close flushes remaining edits best-effort and shuts the scheduler down.
// Further Edit calls are ignored.
func (s *Scheduler) Close(ctx context.Context) error {
	err := s.Flush(ctx)

	s.mu.Lock()
	s.closed = true
	s.stopTimerLocked()
	s.mu.Unlock()
	return err
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the record as of the last completed save.
func (s *Scheduler) Session() session.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// --- internals ---

// armTimerLocked starts (or restarts) the quiet interval. The generation
// counter makes an already-fired callback of a replaced timer a no-op.
func (s *Scheduler) armTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timerGen++
	gen := s.timerGen
	s.timer = s.clock.AfterFunc(s.quiet, func() { s.timerFired(gen) })
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerGen++
}

func (s *Scheduler) timerFired(gen uint64) {
	s.mu.Lock()
	if s.closed || gen != s.timerGen || s.inflight != nil || !s.dirty {
		s.mu.Unlock()
		return
	}
	done, ev := s.beginSaveLocked()
	in := s.saveInputLocked()
	s.mu.Unlock()

	s.emit(ev)
	s.runSave(context.Background(), in, done)
}

func (s *Scheduler) beginSaveLocked() (chan struct{}, *Event) {
	s.dirty = false
	s.state = StateSaving
	s.inflight = make(chan struct{})
	return s.inflight, s.eventLocked()
}

// saveInputLocked snapshots the buffered field set. Saves against a known
// session carry its revision so a concurrent writer surfaces as ErrConflict
// instead of being silently overwritten.
func (s *Scheduler) saveInputLocked() draft.Input {
	in := s.pending
	in.ID = s.sessionID
	if s.sessionID != "" {
		base := s.revision
		in.BaseRevision = &base
	}
	return in
}

func (s *Scheduler) runSave(ctx context.Context, in draft.Input, done chan struct{}) error {
	sess, err := s.save(ctx, in)

	s.mu.Lock()
	s.inflight = nil
	close(done)

	if err == nil {
		s.sessionID = sess.ID
		s.revision = sess.Revision
		s.last = sess
		s.lastSavedAt = s.clock.Now()
		if s.pending.ID == "" {
			s.pending.ID = sess.ID
		}
		if s.dirty {
			// Edits arrived mid-save: schedule the follow-up.
			s.state = StatePendingSave
			if s.savable {
				s.armTimerLocked()
			}
		} else {
			s.state = StateIdle
		}
	} else {
		// The buffered content is still unsaved.
		s.dirty = true
		s.state = StatePendingSave
		if retryable(err) && s.savable {
			s.armTimerLocked()
		}
		// Non-retryable failures (validation, conflict, not found) wait for
		// the next edit or an explicit save; retrying unchanged input would
		// fail the same way.
	}
	ev := s.eventLocked()
	ev.Err = err
	s.mu.Unlock()

	s.emit(ev)
	return err
}

func retryable(err error) bool {
	return !errors.Is(err, session.ErrValidation) &&
		!errors.Is(err, session.ErrNotFound) &&
		!errors.Is(err, session.ErrConflict)
}

func (s *Scheduler) eventLocked() *Event {
	return &Event{
		State:       s.state,
		SessionID:   s.sessionID,
		Revision:    s.revision,
		LastSavedAt: s.lastSavedAt,
	}
}

func (s *Scheduler) emit(ev *Event) {
	if ev == nil || s.onStateChange == nil {
		return
	}
	s.onStateChange(*ev)
}
