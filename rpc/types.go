// Package rpc defines the JSON-RPC request and response types shared by the
// server and its clients.
package rpc

import (
	"time"

	"github.com/draftpad/server/session"
)

// --- auth ---

type AuthParams struct {
	Token string `json:"token"`
}

type AuthResult struct {
	Version string `json:"version"`
	OwnerID string `json:"ownerId"`
}

// --- draft namespace ---

// DraftOpenParams opens an editor. SessionID is empty for a brand-new draft
// and set to resume editing an existing one.
type DraftOpenParams struct {
	SessionID string `json:"sessionId,omitempty"`
}

type DraftOpenResult struct {
	EditorID string           `json:"editorId"`
	Session  *session.Session `json:"session,omitempty"`
}

// DraftEditParams carries the full field set as of this keystroke.
type DraftEditParams struct {
	EditorID   string   `json:"editorId"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags,omitempty"`
	ContentRef string   `json:"contentRef"`
}

type DraftSaveParams struct {
	EditorID string `json:"editorId"`
}

type DraftSaveResult struct {
	Session session.Session `json:"session"`
}

type DraftPublishParams struct {
	EditorID string `json:"editorId"`
}

type DraftPublishResult struct {
	Session session.Session `json:"session"`
}

type DraftCloseParams struct {
	EditorID string `json:"editorId"`
}

// DraftStateChangedParams is the draft.state.changed notification payload.
type DraftStateChangedParams struct {
	EditorID    string    `json:"editorId"`
	State       string    `json:"state"`
	SessionID   string    `json:"sessionId,omitempty"`
	Revision    int64     `json:"revision,omitempty"`
	LastSavedAt time.Time `json:"lastSavedAt,omitzero"`
	Error       string    `json:"error,omitempty"`
}

// --- session namespace ---

type SessionGetParams struct {
	SessionID string `json:"sessionId"`
}

type SessionPublishParams struct {
	SessionID string `json:"sessionId"`
}

type SessionListResult struct {
	Sessions []session.Session `json:"sessions"`
}

type SessionListSubscribeParams struct {
	Scope string `json:"scope"`
}

type SessionListSubscribeResult struct {
	ID       string            `json:"id"`
	Sessions []session.Session `json:"sessions"`
}
