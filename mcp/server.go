// Package mcp implements a stdio MCP server so AI agents can save, list and
// publish sessions through tool calls. All mutating tools act as the single
// identity the process was started with.
package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/draftpad/server/draft"
	"github.com/draftpad/server/identity"
)

type Server struct {
	service *draft.Service
	owner   identity.ID
	version string
}

func NewServer(service *draft.Service, owner identity.ID, version string) *Server {
	return &Server{service: service, owner: owner, version: version}
}

// Run serves MCP over stdio until stdin closes.
func (s *Server) Run() error {
	srv := server.NewMCPServer("draftpad", s.version)

	srv.AddTool(mcp.NewTool("session_save_draft",
		mcp.WithDescription("Create or update a draft session. Omit session_id to create a new draft; pass it to overwrite an existing one."),
		mcp.WithString("session_id", mcp.Description("Session ID of an existing draft to update")),
		mcp.WithString("title", mcp.Required(), mcp.Description("Session title")),
		mcp.WithString("tags", mcp.Description("Comma-separated tags")),
		mcp.WithString("content_ref", mcp.Required(), mcp.Description("URL reference to the session content")),
		mcp.WithNumber("base_revision", mcp.Description("Last observed revision; the save fails on mismatch")),
	), s.handleSaveDraft)

	srv.AddTool(mcp.NewTool("session_publish",
		mcp.WithDescription("Publish a session, making it world-readable. Publishing is permanent and idempotent."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID to publish")),
	), s.handlePublish)

	srv.AddTool(mcp.NewTool("session_get",
		mcp.WithDescription("Get one of your sessions by ID, draft or published."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
	), s.handleGet)

	srv.AddTool(mcp.NewTool("session_list",
		mcp.WithDescription("List your sessions, drafts included, newest first."),
	), s.handleList)

	srv.AddTool(mcp.NewTool("published_list",
		mcp.WithDescription("List published sessions of all owners, newest first."),
	), s.handleListPublished)

	return server.ServeStdio(srv)
}
