package watch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/draftpad/server/identity"
	"github.com/draftpad/server/session"
)

// Scope selects which slice of the session list a subscriber sees.
type Scope string

const (
	// ScopeOwned: the subscriber's own sessions, drafts included.
	ScopeOwned Scope = "owned"
	// ScopePublished: published sessions of all owners.
	ScopePublished Scope = "published"
)

func (s Scope) IsValid() bool {
	return s == ScopeOwned || s == ScopePublished
}

type subscriptionScope struct {
	owner identity.ID
	scope Scope
}

// SessionListWatcher notifies subscribers when the session list changes.
// Store events funnel through a buffered channel so the store's listener
// callback never blocks; dropped events degrade to a full list sync.
type SessionListWatcher struct {
	*BaseWatcher
	store   session.Store
	eventCh chan session.ChangeEvent
	dirty   atomic.Bool

	scopesMu sync.RWMutex
	scopes   map[string]subscriptionScope
}

func NewSessionListWatcher(store session.Store) *SessionListWatcher {
	w := &SessionListWatcher{
		BaseWatcher: NewBaseWatcher("sl"),
		store:       store,
		eventCh:     make(chan session.ChangeEvent, 64),
		scopes:      make(map[string]subscriptionScope),
	}
	store.AddOnChangeListener(w)
	return w
}

func (w *SessionListWatcher) Start() error {
	go w.eventLoop()
	slog.Info("SessionListWatcher started")
	return nil
}

func (w *SessionListWatcher) Stop() {
	w.Cancel()
	slog.Info("SessionListWatcher stopped")
}

func (w *SessionListWatcher) eventLoop() {
	for {
		select {
		case <-w.Context().Done():
			return
		case event := <-w.eventCh:
			if w.dirty.Swap(false) {
				w.notifySync()
			} else {
				w.notifyChange(event)
			}
		}
	}
}

// visibleTo reports whether event belongs in the subscription's scope.
// Owned scope never leaks foreign sessions; published scope only sees
// records that are world-readable.
func (w *SessionListWatcher) visibleTo(subID string, event session.ChangeEvent) bool {
	w.scopesMu.RLock()
	sc, ok := w.scopes[subID]
	w.scopesMu.RUnlock()
	if !ok {
		return false
	}

	switch sc.scope {
	case ScopeOwned:
		return identity.Allowed(sc.owner, identity.ID(event.Session.OwnerID))
	case ScopePublished:
		return event.Session.Status == session.StatusPublished
	default:
		return false
	}
}

func (w *SessionListWatcher) notifyChange(event session.ChangeEvent) {
	if !w.HasSubscriptions() {
		return
	}

	sent := w.NotifyAll("session.list.changed", func(sub *Subscription) any {
		if !w.visibleTo(sub.ID, event) {
			return nil
		}
		item := event.Session
		return sessionListChangedParams{
			ID:        sub.ID,
			Operation: string(event.Op),
			Session:   &item,
		}
	})

	slog.Debug("notified session list change", "operation", event.Op, "sent", sent)
}

// notifySync sends each subscriber its full scoped list after dropped events.
func (w *SessionListWatcher) notifySync() {
	if !w.HasSubscriptions() {
		return
	}

	w.NotifyAll("session.list.changed", func(sub *Subscription) any {
		sessions, err := w.snapshot(sub.ID)
		if err != nil {
			slog.Error("failed to list sessions for sync", "error", err)
			return nil
		}
		return sessionListSyncParams{
			ID:        sub.ID,
			Operation: "sync",
			Sessions:  sessions,
		}
	})

	slog.Info("sent full sync to subscribers after event drop")
}

func (w *SessionListWatcher) snapshot(subID string) ([]session.Session, error) {
	w.scopesMu.RLock()
	sc, ok := w.scopes[subID]
	w.scopesMu.RUnlock()
	if !ok {
		return nil, nil
	}

	if sc.scope == ScopePublished {
		return w.store.ListPublished(context.Background())
	}
	return w.store.ListOwned(context.Background(), sc.owner.String())
}

// Subscribe registers a subscriber and returns the current scoped list.
func (w *SessionListWatcher) Subscribe(notifier Notifier, owner identity.ID, scope Scope) (string, []session.Session, error) {
	id := w.GenerateID()
	sub := &Subscription{
		ID:       id,
		Notifier: notifier,
	}

	w.scopesMu.Lock()
	w.scopes[id] = subscriptionScope{owner: owner, scope: scope}
	w.scopesMu.Unlock()

	// Add subscription BEFORE getting the list to avoid missing events.
	w.AddSubscription(sub)

	sessions, err := w.snapshot(id)
	if err != nil {
		w.Unsubscribe(id)
		return "", nil, err
	}

	return id, sessions, nil
}

func (w *SessionListWatcher) Unsubscribe(id string) {
	w.RemoveSubscription(id)
	w.scopesMu.Lock()
	delete(w.scopes, id)
	w.scopesMu.Unlock()
}

type sessionListChangedParams struct {
	ID        string           `json:"id"`
	Operation string           `json:"operation"`
	Session   *session.Session `json:"session,omitempty"`
}

type sessionListSyncParams struct {
	ID        string            `json:"id"`
	Operation string            `json:"operation"`
	Sessions  []session.Session `json:"sessions"`
}

// OnSessionChange implements session.OnChangeListener.
// Called outside the store's mutex, but still must not block
// to avoid delaying other listeners.
func (w *SessionListWatcher) OnSessionChange(event session.ChangeEvent) {
	select {
	case <-w.Context().Done():
		return
	case w.eventCh <- event:
	default:
		w.dirty.Store(true)
		slog.Warn("session list change event dropped, will sync on next event", "operation", event.Op)
	}
}
