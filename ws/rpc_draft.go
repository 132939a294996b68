package ws

import (
	"context"

	"github.com/draftpad/server/autosave"
	"github.com/draftpad/server/draft"
	"github.com/draftpad/server/rpc"
	"github.com/draftpad/server/session"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleDraftOpen(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.DraftOpenParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	owner := h.state.getOwner()

	var seed *session.Session
	if params.SessionID != "" {
		sess, err := h.service.Get(ctx, owner, params.SessionID)
		if err != nil {
			h.replyStoreError(ctx, conn, req.ID, err, "failed to open draft")
			return
		}
		seed = &sess
	}

	editorID := "ed-" + uuid.Must(uuid.NewV7()).String()

	sched := autosave.NewScheduler(autosave.Config{
		QuietInterval: h.quiet,
		Clock:         h.clock,
		Save: func(ctx context.Context, in draft.Input) (session.Session, error) {
			return h.service.SaveDraft(ctx, owner, in)
		},
		OnStateChange: func(ev autosave.Event) {
			params := stateChangedParams(editorID, ev)
			if err := conn.Notify(context.Background(), "draft.state.changed", params); err != nil {
				h.log.Debug("failed to send state notification", "editorId", editorID, "error", err)
			}
		},
		Seed: seed,
	})
	h.state.addEditor(editorID, sched)

	h.log.Info("editor opened", "editorId", editorID, "sessionId", params.SessionID)

	result := rpc.DraftOpenResult{
		EditorID: editorID,
		Session:  seed,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send draft open response", "error", err)
	}
}

func (h *rpcMethodHandler) handleDraftEdit(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.DraftEditParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	sched := h.state.getEditor(params.EditorID)
	if sched == nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "unknown editor")
		return
	}

	sched.Edit(draft.Input{
		Title:      params.Title,
		Tags:       params.Tags,
		ContentRef: params.ContentRef,
	})

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send draft edit response", "error", err)
	}
}

func (h *rpcMethodHandler) handleDraftSave(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.DraftSaveParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	sched := h.state.getEditor(params.EditorID)
	if sched == nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "unknown editor")
		return
	}

	sess, err := sched.SaveNow(ctx)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to save draft")
		return
	}
	if sess.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "nothing to save")
		return
	}

	h.log.Info("draft saved", "editorId", params.EditorID, "sessionId", sess.ID)

	if err := conn.Reply(ctx, req.ID, rpc.DraftSaveResult{Session: sess}); err != nil {
		h.log.Error("failed to send draft save response", "error", err)
	}
}

// handleDraftPublish flushes buffered edits first and only then publishes,
// so the published record always reflects the last edit. A failing flush
// aborts the publish.
func (h *rpcMethodHandler) handleDraftPublish(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.DraftPublishParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	sched := h.state.getEditor(params.EditorID)
	if sched == nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "unknown editor")
		return
	}

	if err := sched.Flush(ctx); err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to flush before publish")
		return
	}

	current := sched.Session()
	if current.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "draft has never been saved")
		return
	}

	sess, err := h.service.Publish(ctx, h.state.getOwner(), current.ID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to publish")
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.DraftPublishResult{Session: sess}); err != nil {
		h.log.Error("failed to send draft publish response", "error", err)
	}
}

func (h *rpcMethodHandler) handleDraftClose(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.DraftCloseParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}

	sched := h.state.removeEditor(params.EditorID)
	if sched == nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "unknown editor")
		return
	}

	if err := sched.Close(ctx); err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to flush on close")
		return
	}

	h.log.Info("editor closed", "editorId", params.EditorID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send draft close response", "error", err)
	}
}

func stateChangedParams(editorID string, ev autosave.Event) rpc.DraftStateChangedParams {
	params := rpc.DraftStateChangedParams{
		EditorID:    editorID,
		State:       string(ev.State),
		SessionID:   ev.SessionID,
		Revision:    ev.Revision,
		LastSavedAt: ev.LastSavedAt,
	}
	if ev.Err != nil {
		params.Error = ev.Err.Error()
	}
	return params
}
