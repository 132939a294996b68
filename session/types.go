package session

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a session does not exist or is owned by a
	// different identity. Both cases are reported identically so that callers
	// cannot probe for the existence of someone else's drafts.
	ErrNotFound = errors.New("session not found")

	// ErrValidation indicates the input failed field constraints. Nothing is
	// written to the store when it is returned.
	ErrValidation = errors.New("invalid session")

	// ErrConflict indicates the caller's base revision is stale: another
	// writer updated the session since the caller last read it.
	ErrConflict = errors.New("session revision conflict")
)

// Status is the lifecycle state of a session. The only legal transition is
// draft → published; there is no way back.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusPublished Status = "published"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusDraft, StatusPublished:
		return true
	default:
		return false
	}
}

// Session is a document-like record under edit: a title, a set of tags and a
// reference to external content. It stays private to its owner while in
// draft and becomes world-readable once published.
type Session struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Title      string    `json:"title"`
	Tags       []string  `json:"tags,omitempty"`
	ContentRef string    `json:"content_ref"`
	Status     Status    `json:"status"`
	Revision   int64     `json:"revision"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Patch specifies which fields to overwrite. Nil fields are left unchanged.
// Status, OwnerID and CreatedAt are deliberately absent: the status moves
// only through TransitionToPublished, the rest is immutable.
type Patch struct {
	Title      *string   `json:"title,omitempty"`
	Tags       *[]string `json:"tags,omitempty"`
	ContentRef *string   `json:"content_ref,omitempty"`

	// BaseRevision, when set, is the revision the caller last observed.
	// The update fails with ErrConflict if the stored revision differs,
	// so two editors of the same id cannot silently clobber each other.
	BaseRevision *int64 `json:"base_revision,omitempty"`
}

type Operation string

const (
	OperationCreate  Operation = "create"
	OperationUpdate  Operation = "update"
	OperationPublish Operation = "publish"
)

// ChangeEvent describes a committed write to the store.
type ChangeEvent struct {
	Op      Operation
	Session Session
}

// OnChangeListener receives notifications after a write has been committed.
//
// Contract: OnSessionChange is called outside the store's internal locks,
// but listeners that call back into the store must do so from a separate
// goroutine to stay deadlock-free.
type OnChangeListener interface {
	OnSessionChange(event ChangeEvent)
}
