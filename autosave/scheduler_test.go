package autosave

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/draftpad/server/draft"
	"github.com/draftpad/server/session"
)

const quiet = 2 * time.Second

// --- fake clock ---

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	fn       func()
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := t.stopped
	t.stopped = true
	return !was
}

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: fn}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock and fires every due timer.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	var rest []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(c.now) {
			due = append(due, t)
		} else if !t.stopped {
			rest = append(rest, t)
		}
	}
	c.timers = rest
	c.mu.Unlock()

	for _, t := range due {
		t.fn()
	}
}

// --- fake saver ---

type fakeSaver struct {
	mu    sync.Mutex
	saves []draft.Input
	rev   int64
	id    string

	err     error
	started chan struct{}
	release chan struct{}
}

func newFakeSaver() *fakeSaver {
	return &fakeSaver{}
}

func (f *fakeSaver) Save(ctx context.Context, in draft.Input) (session.Session, error) {
	f.mu.Lock()
	started := f.started
	release := f.release
	f.mu.Unlock()
	if started != nil {
		started <- struct{}{}
	}
	if release != nil {
		<-release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, in)
	if f.err != nil {
		return session.Session{}, f.err
	}

	if in.ID == "" {
		f.id = "sess-1"
		f.rev = 1
	} else {
		if in.BaseRevision != nil && *in.BaseRevision != f.rev {
			return session.Session{}, fmt.Errorf("%w: stale base", session.ErrConflict)
		}
		f.rev++
	}
	return session.Session{
		ID:         f.id,
		Title:      in.Title,
		Tags:       in.Tags,
		ContentRef: in.ContentRef,
		Status:     session.StatusDraft,
		Revision:   f.rev,
	}, nil
}

func (f *fakeSaver) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeSaver) saveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeSaver) lastSave() draft.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

// --- fixtures ---

func editInput(title string) draft.Input {
	return draft.Input{
		Title:      title,
		Tags:       []string{"draft"},
		ContentRef: "https://cdn.example.com/flows/a.json",
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeClock, *fakeSaver, chan Event) {
	t.Helper()
	clock := newFakeClock()
	saver := newFakeSaver()
	events := make(chan Event, 64)
	sched := NewScheduler(Config{
		QuietInterval: quiet,
		Clock:         clock,
		Save:          saver.Save,
		OnStateChange: func(ev Event) { events <- ev },
	})
	return sched, clock, saver, events
}

func waitState(t *testing.T, events chan Event, want State) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.State == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %q", want)
		}
	}
}

// --- tests ---

func TestEditsCoalesceIntoOneSave(t *testing.T) {
	sched, clock, saver, _ := newTestScheduler(t)

	sched.Edit(editInput("v1"))
	clock.Advance(time.Second)
	sched.Edit(editInput("v2"))
	clock.Advance(time.Second)
	sched.Edit(editInput("v3"))

	if n := saver.saveCount(); n != 0 {
		t.Fatalf("saved before quiet interval elapsed: %d saves", n)
	}

	clock.Advance(quiet)

	if n := saver.saveCount(); n != 1 {
		t.Fatalf("expected exactly 1 save, got %d", n)
	}
	if got := saver.lastSave().Title; got != "v3" {
		t.Errorf("saved title = %q, want the newest edit %q", got, "v3")
	}
	if sched.State() != StateIdle {
		t.Errorf("state = %q, want idle", sched.State())
	}
}

func TestQuietIntervalRestartsPerEdit(t *testing.T) {
	sched, clock, saver, _ := newTestScheduler(t)

	sched.Edit(editInput("v1"))
	clock.Advance(quiet - time.Millisecond)
	sched.Edit(editInput("v2"))
	clock.Advance(quiet - time.Millisecond)

	if n := saver.saveCount(); n != 0 {
		t.Fatalf("timer did not restart: %d saves", n)
	}

	clock.Advance(time.Millisecond)
	if n := saver.saveCount(); n != 1 {
		t.Fatalf("expected 1 save, got %d", n)
	}
}

func TestSaveNowBypassesQuietInterval(t *testing.T) {
	sched, clock, saver, _ := newTestScheduler(t)

	sched.Edit(editInput("manual"))
	sess, err := sched.SaveNow(context.Background())
	if err != nil {
		t.Fatalf("SaveNow: %v", err)
	}
	if sess.Title != "manual" {
		t.Errorf("title = %q", sess.Title)
	}
	if saver.saveCount() != 1 {
		t.Fatalf("expected 1 save, got %d", saver.saveCount())
	}

	// The pending timer must be canceled; letting it fire later would
	// duplicate the save.
	clock.Advance(2 * quiet)
	if saver.saveCount() != 1 {
		t.Errorf("canceled timer still fired: %d saves", saver.saveCount())
	}
}

func TestSaveNowCleanIsNoop(t *testing.T) {
	sched, _, saver, _ := newTestScheduler(t)

	sched.Edit(editInput("v1"))
	if _, err := sched.SaveNow(context.Background()); err != nil {
		t.Fatalf("SaveNow: %v", err)
	}

	sess, err := sched.SaveNow(context.Background())
	if err != nil {
		t.Fatalf("second SaveNow: %v", err)
	}
	if sess.Title != "v1" {
		t.Errorf("title = %q", sess.Title)
	}
	if saver.saveCount() != 1 {
		t.Errorf("clean SaveNow wrote anyway: %d saves", saver.saveCount())
	}
}

func TestSubsequentSavesTargetSameSession(t *testing.T) {
	sched, clock, saver, _ := newTestScheduler(t)

	sched.Edit(editInput("v1"))
	clock.Advance(quiet)
	sched.Edit(editInput("v2"))
	clock.Advance(quiet)

	if saver.saveCount() != 2 {
		t.Fatalf("expected 2 saves, got %d", saver.saveCount())
	}
	last := saver.lastSave()
	if last.ID != "sess-1" {
		t.Errorf("second save id = %q, want sess-1", last.ID)
	}
	if last.BaseRevision == nil || *last.BaseRevision != 1 {
		t.Errorf("second save base revision = %v, want 1", last.BaseRevision)
	}
}

func TestEditDuringSaveTriggersFollowUp(t *testing.T) {
	sched, clock, saver, events := newTestScheduler(t)
	saver.started = make(chan struct{}, 1)
	saver.release = make(chan struct{})

	sched.Edit(editInput("v1"))
	go clock.Advance(quiet)
	<-saver.started

	// The save for v1 is in flight; this edit must not be lost.
	sched.Edit(editInput("v2"))
	close(saver.release)
	saver.mu.Lock()
	saver.started = nil
	saver.release = nil
	saver.mu.Unlock()

	waitState(t, events, StatePendingSave)
	clock.Advance(quiet)
	waitState(t, events, StateIdle)

	if saver.saveCount() != 2 {
		t.Fatalf("expected follow-up save, got %d saves", saver.saveCount())
	}
	if got := saver.lastSave().Title; got != "v2" {
		t.Errorf("follow-up saved %q, want v2", got)
	}
}

func TestFlushDrainsBufferedEdits(t *testing.T) {
	sched, _, saver, _ := newTestScheduler(t)

	sched.Edit(editInput("about to publish"))
	if err := sched.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if saver.saveCount() != 1 {
		t.Fatalf("expected 1 save, got %d", saver.saveCount())
	}
	if sched.State() != StateIdle {
		t.Errorf("state = %q after flush", sched.State())
	}
}

func TestFlushCleanIsNoop(t *testing.T) {
	sched, _, saver, _ := newTestScheduler(t)

	if err := sched.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if saver.saveCount() != 0 {
		t.Errorf("clean flush wrote: %d saves", saver.saveCount())
	}
}

func TestFlushPropagatesSaveFailure(t *testing.T) {
	sched, _, saver, _ := newTestScheduler(t)
	saver.setErr(fmt.Errorf("%w: title is required", session.ErrValidation))

	sched.Edit(draft.Input{Title: "", ContentRef: "https://x/y.json"})
	err := sched.Flush(context.Background())
	if !errors.Is(err, session.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestTransientFailureRetries(t *testing.T) {
	sched, clock, saver, events := newTestScheduler(t)
	saver.setErr(errors.New("disk unavailable"))

	sched.Edit(editInput("v1"))
	clock.Advance(quiet)

	waitState(t, events, StatePendingSave)
	if saver.saveCount() != 1 {
		t.Fatalf("expected 1 failed save, got %d", saver.saveCount())
	}

	// The content is still unsaved; the retry fires after another quiet
	// interval and succeeds once the store recovers.
	saver.setErr(nil)
	clock.Advance(quiet)

	if saver.saveCount() != 2 {
		t.Fatalf("expected retry, got %d saves", saver.saveCount())
	}
	if sched.State() != StateIdle {
		t.Errorf("state = %q after successful retry", sched.State())
	}
}

func TestValidationFailureDoesNotRetry(t *testing.T) {
	sched, clock, saver, _ := newTestScheduler(t)
	saver.setErr(fmt.Errorf("%w: bad content_ref", session.ErrValidation))

	sched.Edit(editInput("v1"))
	clock.Advance(quiet)
	if saver.saveCount() != 1 {
		t.Fatalf("expected 1 save attempt, got %d", saver.saveCount())
	}

	// Unchanged input would fail identically; no blind retry.
	clock.Advance(10 * quiet)
	if saver.saveCount() != 1 {
		t.Fatalf("retried a validation failure: %d saves", saver.saveCount())
	}

	// A new edit re-arms the cycle.
	saver.setErr(nil)
	sched.Edit(editInput("v2"))
	clock.Advance(quiet)
	if saver.saveCount() != 2 {
		t.Fatalf("edit after failure did not re-arm: %d saves", saver.saveCount())
	}
}

func TestEmptyRequiredFieldsArmNoTimer(t *testing.T) {
	sched, clock, saver, _ := newTestScheduler(t)

	sched.Edit(draft.Input{Title: "", ContentRef: "https://cdn.example.com/flows/a.json"})
	clock.Advance(10 * quiet)
	if saver.saveCount() != 0 {
		t.Fatalf("autosaved an unsaveable draft: %d saves", saver.saveCount())
	}
	if sched.State() != StatePendingSave {
		t.Errorf("state = %q, unsaved content must be visible", sched.State())
	}

	// Filling in the field resumes normal autosave.
	sched.Edit(editInput("now valid"))
	clock.Advance(quiet)
	if saver.saveCount() != 1 {
		t.Fatalf("expected 1 save after fields were completed, got %d", saver.saveCount())
	}
}

func TestFailureEventCarriesError(t *testing.T) {
	sched, clock, saver, events := newTestScheduler(t)
	saveErr := errors.New("disk unavailable")
	saver.setErr(saveErr)

	sched.Edit(editInput("v1"))
	clock.Advance(quiet)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Err != nil {
				if !errors.Is(ev.Err, saveErr) {
					t.Fatalf("event err = %v", ev.Err)
				}
				return
			}
		case <-deadline:
			t.Fatal("no failure event observed")
		}
	}
}

func TestSeededSchedulerUpdatesExisting(t *testing.T) {
	clock := newFakeClock()
	saver := newFakeSaver()
	saver.id = "sess-1"
	saver.rev = 4

	sched := NewScheduler(Config{
		QuietInterval: quiet,
		Clock:         clock,
		Save:          saver.Save,
		Seed: &session.Session{
			ID:         "sess-1",
			Title:      "Existing",
			ContentRef: "https://cdn.example.com/flows/a.json",
			Revision:   4,
		},
	})

	sched.Edit(editInput("updated"))
	clock.Advance(quiet)

	if saver.saveCount() != 1 {
		t.Fatalf("expected 1 save, got %d", saver.saveCount())
	}
	in := saver.lastSave()
	if in.ID != "sess-1" {
		t.Errorf("save id = %q, want sess-1", in.ID)
	}
	if in.BaseRevision == nil || *in.BaseRevision != 4 {
		t.Errorf("base revision = %v, want 4", in.BaseRevision)
	}
}

func TestCloseFlushesAndSeals(t *testing.T) {
	sched, clock, saver, _ := newTestScheduler(t)

	sched.Edit(editInput("last words"))
	if err := sched.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if saver.saveCount() != 1 {
		t.Fatalf("close did not flush: %d saves", saver.saveCount())
	}

	sched.Edit(editInput("too late"))
	clock.Advance(quiet)
	if saver.saveCount() != 1 {
		t.Errorf("edit after close was saved")
	}
	if _, err := sched.SaveNow(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("SaveNow after close: err = %v, want ErrClosed", err)
	}
}
