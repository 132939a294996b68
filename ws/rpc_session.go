package ws

import (
	"context"
	"errors"

	"github.com/draftpad/server/rpc"
	"github.com/draftpad/server/session"
	"github.com/draftpad/server/watch"
	"github.com/sourcegraph/jsonrpc2"
)

func (h *rpcMethodHandler) handleSessionGet(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionGetParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.SessionID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "sessionId is required")
		return
	}

	// Own sessions are readable in any status; foreign ones only once
	// published.
	sess, err := h.service.Get(ctx, h.state.getOwner(), params.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		sess, err = h.service.GetPublished(ctx, params.SessionID)
	}
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to get session")
		return
	}

	if err := conn.Reply(ctx, req.ID, sess); err != nil {
		h.log.Error("failed to send session get response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionPublish(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionPublishParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.SessionID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "sessionId is required")
		return
	}

	sess, err := h.service.Publish(ctx, h.state.getOwner(), params.SessionID)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to publish")
		return
	}

	if err := conn.Reply(ctx, req.ID, sess); err != nil {
		h.log.Error("failed to send session publish response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionList(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	sessions, err := h.service.ListOwned(ctx, h.state.getOwner())
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to list sessions")
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.SessionListResult{Sessions: sessions}); err != nil {
		h.log.Error("failed to send session list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionListPublished(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	sessions, err := h.service.ListPublished(ctx)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to list published sessions")
		return
	}

	if err := conn.Reply(ctx, req.ID, rpc.SessionListResult{Sessions: sessions}); err != nil {
		h.log.Error("failed to send published list response", "error", err)
	}
}

func (h *rpcMethodHandler) handleSessionListSubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.SessionListSubscribeParams
	if req.Params != nil {
		if err := unmarshalParams(req, &params); err != nil {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
			return
		}
	}

	scope := watch.Scope(params.Scope)
	if params.Scope == "" {
		scope = watch.ScopeOwned
	}
	if !scope.IsValid() {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "unknown scope: "+params.Scope)
		return
	}

	id, sessions, err := h.watcher.Subscribe(h.state.getNotifier(), h.state.getOwner(), scope)
	if err != nil {
		h.replyStoreError(ctx, conn, req.ID, err, "failed to subscribe")
		return
	}
	h.state.trackSubscription(id)

	h.log.Debug("subscribed to session list", "watchId", id, "scope", scope)

	result := rpc.SessionListSubscribeResult{
		ID:       id,
		Sessions: sessions,
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send subscribe response", "error", err)
	}
}

type unsubscribeParams struct {
	ID string `json:"id"`
}

func (h *rpcMethodHandler) handleSessionListUnsubscribe(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params unsubscribeParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		return
	}
	if params.ID == "" {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "id is required")
		return
	}

	h.watcher.Unsubscribe(params.ID)
	h.state.untrackSubscription(params.ID)
	h.log.Debug("unsubscribed from session list", "watchId", params.ID)

	if err := conn.Reply(ctx, req.ID, struct{}{}); err != nil {
		h.log.Error("failed to send unsubscribe response", "error", err)
	}
}
