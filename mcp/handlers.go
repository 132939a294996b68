package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/draftpad/server/draft"
	"github.com/draftpad/server/session"
)

func (s *Server) handleSaveDraft(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	title, err := req.RequireString("title")
	if err != nil {
		return ValidationError("title is required"), nil
	}
	contentRef, err := req.RequireString("content_ref")
	if err != nil {
		return ValidationError("content_ref is required"), nil
	}

	in := draft.Input{
		ID:         req.GetString("session_id", ""),
		Title:      title,
		Tags:       splitTags(req.GetString("tags", "")),
		ContentRef: contentRef,
	}
	if base := req.GetInt("base_revision", 0); base > 0 {
		rev := int64(base)
		in.BaseRevision = &rev
	}

	sess, err := s.service.SaveDraft(ctx, s.owner, in)
	if err != nil {
		return storeErrorResult(err, in.ID), nil
	}
	return jsonResult(sess)
}

func (s *Server) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}

	sess, err := s.service.Publish(ctx, s.owner, id)
	if err != nil {
		return storeErrorResult(err, id), nil
	}
	return jsonResult(sess)
}

func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("session_id")
	if err != nil {
		return ValidationError("session_id is required"), nil
	}

	sess, err := s.service.Get(ctx, s.owner, id)
	if err != nil {
		return storeErrorResult(err, id), nil
	}
	return jsonResult(sess)
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.service.ListOwned(ctx, s.owner)
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(sessions)
}

func (s *Server) handleListPublished(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.service.ListPublished(ctx)
	if err != nil {
		return InternalError(err), nil
	}
	return jsonResult(sessions)
}

func storeErrorResult(err error, id string) *mcp.CallToolResult {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return NotFound("session", id)
	case errors.Is(err, session.ErrValidation):
		return ValidationError(err.Error())
	case errors.Is(err, session.ErrConflict):
		return ConflictError(err.Error())
	default:
		return InternalError(err)
	}
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}
