package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/draftpad/server/autosave"
	"github.com/draftpad/server/draft"
	"github.com/draftpad/server/identity"
	"github.com/draftpad/server/logger"
	"github.com/draftpad/server/rpc"
	"github.com/draftpad/server/session"
	"github.com/draftpad/server/watch"
	"github.com/google/uuid"
	"github.com/sourcegraph/jsonrpc2"
)

// codeConflict is returned when a save carries a stale base revision.
const codeConflict = -32001

const defaultQuietInterval = 2 * time.Second

// closeFlushTimeout bounds the best-effort flush of abandoned editors on
// disconnect.
const closeFlushTimeout = 5 * time.Second

type Config struct {
	Registry *identity.Registry
	Service  *draft.Service
	Watcher  *watch.SessionListWatcher
	Version  string
	DevMode  bool

	// QuietInterval overrides the autosave quiet interval; zero means the
	// default.
	QuietInterval time.Duration
	// Clock overrides the autosave clock in tests.
	Clock autosave.Clock
}

// RPCHandler handles JSON-RPC 2.0 over WebSocket.
type RPCHandler struct {
	registry *identity.Registry
	service  *draft.Service
	watcher  *watch.SessionListWatcher
	version  string
	devMode  bool
	quiet    time.Duration
	clock    autosave.Clock
}

func NewRPCHandler(cfg Config) *RPCHandler {
	if cfg.QuietInterval <= 0 {
		cfg.QuietInterval = defaultQuietInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = autosave.SystemClock
	}
	return &RPCHandler{
		registry: cfg.Registry,
		service:  cfg.Service,
		watcher:  cfg.Watcher,
		version:  cfg.Version,
		devMode:  cfg.DevMode,
		quiet:    cfg.QuietInterval,
		clock:    cfg.Clock,
	}
}

func (h *RPCHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: h.devMode,
	})
	if err != nil {
		slog.Error("failed to accept websocket", "error", err)
		return
	}

	h.handleConnection(r.Context(), conn)
}

func (h *RPCHandler) handleConnection(ctx context.Context, wsConn *websocket.Conn) {
	stream := newWebSocketStream(wsConn)
	connID := uuid.Must(uuid.NewV7()).String()
	h.HandleStream(ctx, stream, connID)
}

func (h *RPCHandler) HandleStream(ctx context.Context, stream jsonrpc2.ObjectStream, connID string) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "websocket connection crashed", "connId", connID)
		}
	}()

	log := slog.With("connId", connID)
	log.Info("new connection")

	state := &rpcConnState{
		connID: connID,
		log:    log,
		// owner is set after auth
	}

	handler := &rpcMethodHandler{
		RPCHandler:    h,
		state:         state,
		log:           log,
		authenticated: false,
	}

	rpcConn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.AsyncHandler(handler))
	state.setConn(rpcConn)

	<-rpcConn.DisconnectNotify()

	state.cleanup(h.watcher)
	log.Info("connection closed")
}

// rpcConnState tracks per-connection state.
type rpcConnState struct {
	mu            sync.Mutex
	connID        string
	conn          *jsonrpc2.Conn
	notifier      *JSONRPCNotifier
	log           *slog.Logger
	owner         identity.ID // set after auth
	editors       map[string]*autosave.Scheduler
	subscriptions map[string]struct{} // subID → session list subscription
}

func (s *rpcConnState) setConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.notifier = NewJSONRPCNotifier(conn)
	s.editors = make(map[string]*autosave.Scheduler)
	s.subscriptions = make(map[string]struct{})
	s.mu.Unlock()
}

func (s *rpcConnState) getNotifier() watch.Notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifier
}

func (s *rpcConnState) getOwner() identity.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner
}

func (s *rpcConnState) addEditor(id string, sched *autosave.Scheduler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.editors[id] = sched
}

func (s *rpcConnState) getEditor(id string) *autosave.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.editors[id]
}

func (s *rpcConnState) removeEditor(id string) *autosave.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	sched, ok := s.editors[id]
	if !ok {
		return nil
	}
	delete(s.editors, id)
	return sched
}

func (s *rpcConnState) trackSubscription(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscriptions[id] = struct{}{}
}

func (s *rpcConnState) untrackSubscription(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptions, id)
}

// cleanup runs after disconnect: drop subscriptions and flush abandoned
// editors so typed-but-unsaved content still lands in the store.
func (s *rpcConnState) cleanup(watcher *watch.SessionListWatcher) {
	s.mu.Lock()
	subs := s.subscriptions
	editors := s.editors
	s.subscriptions = nil
	s.editors = nil
	s.mu.Unlock()

	for id := range subs {
		watcher.Unsubscribe(id)
	}

	if len(editors) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeFlushTimeout)
	defer cancel()
	for id, sched := range editors {
		if err := sched.Close(ctx); err != nil {
			s.log.Warn("failed to flush abandoned editor", "editorId", id, "error", err)
		}
	}
}

type rpcMethodHandler struct {
	*RPCHandler
	state         *rpcConnState
	log           *slog.Logger
	authenticated bool
	authMu        sync.Mutex
}

func (h *rpcMethodHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	defer func() {
		if r := recover(); r != nil {
			logger.LogPanic(r, "rpc handler panic", "method", req.Method, "connId", h.state.connID)
		}
	}()

	h.log.Debug("received request", "method", req.Method, "id", req.ID)

	// Auth must be the first request
	if !h.isAuthenticated() {
		if req.Method != "auth" {
			h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "first request must be auth")
			conn.Close()
			return
		}
		h.handleAuth(ctx, conn, req)
		return
	}

	switch req.Method {
	// draft namespace
	case "draft.open":
		h.handleDraftOpen(ctx, conn, req)
	case "draft.edit":
		h.handleDraftEdit(ctx, conn, req)
	case "draft.save":
		h.handleDraftSave(ctx, conn, req)
	case "draft.publish":
		h.handleDraftPublish(ctx, conn, req)
	case "draft.close":
		h.handleDraftClose(ctx, conn, req)
	// session namespace
	case "session.get":
		h.handleSessionGet(ctx, conn, req)
	case "session.publish":
		h.handleSessionPublish(ctx, conn, req)
	case "session.list":
		h.handleSessionList(ctx, conn, req)
	case "session.list_published":
		h.handleSessionListPublished(ctx, conn, req)
	case "session.list.subscribe":
		h.handleSessionListSubscribe(ctx, conn, req)
	case "session.list.unsubscribe":
		h.handleSessionListUnsubscribe(ctx, conn, req)
	default:
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeMethodNotFound, "method not found: "+req.Method)
	}
}

func (h *rpcMethodHandler) isAuthenticated() bool {
	h.authMu.Lock()
	defer h.authMu.Unlock()
	return h.authenticated
}

func (h *rpcMethodHandler) setAuthenticated() {
	h.authMu.Lock()
	h.authenticated = true
	h.authMu.Unlock()
}

func (h *rpcMethodHandler) handleAuth(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	var params rpc.AuthParams
	if err := unmarshalParams(req, &params); err != nil {
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidParams, "invalid params")
		conn.Close()
		return
	}

	owner, err := h.registry.Authenticate(params.Token)
	if err != nil {
		h.log.Warn("invalid auth token")
		h.replyError(ctx, conn, req.ID, jsonrpc2.CodeInvalidRequest, "invalid token")
		conn.Close()
		return
	}

	h.state.mu.Lock()
	h.state.owner = owner
	h.state.mu.Unlock()

	h.setAuthenticated()
	h.log.Info("authenticated", "ownerId", owner)

	result := rpc.AuthResult{
		Version: h.version,
		OwnerID: owner.String(),
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		h.log.Error("failed to send auth response", "error", err)
	}
}

func (h *rpcMethodHandler) replyError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, code int64, message string) {
	err := &jsonrpc2.Error{
		Code:    code,
		Message: message,
	}
	if replyErr := conn.ReplyWithError(ctx, id, err); replyErr != nil {
		h.log.Error("failed to send error response", "error", replyErr)
	}
}

// replyStoreError maps store errors to JSON-RPC error codes. Validation and
// conflict messages pass through so the client can show them; everything
// else is an opaque internal error.
func (h *rpcMethodHandler) replyStoreError(ctx context.Context, conn *jsonrpc2.Conn, id jsonrpc2.ID, err error, logMsg string) {
	switch {
	case errors.Is(err, session.ErrValidation):
		h.replyError(ctx, conn, id, jsonrpc2.CodeInvalidParams, err.Error())
	case errors.Is(err, session.ErrNotFound):
		h.replyError(ctx, conn, id, jsonrpc2.CodeInvalidParams, "session not found")
	case errors.Is(err, session.ErrConflict):
		h.replyError(ctx, conn, id, codeConflict, err.Error())
	default:
		h.log.Error(logMsg, "error", err)
		h.replyError(ctx, conn, id, jsonrpc2.CodeInternalError, logMsg)
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("params required")
	}
	return json.Unmarshal(*req.Params, v)
}

// webSocketStream adapts coder/websocket to jsonrpc2.ObjectStream.
type webSocketStream struct {
	conn *websocket.Conn
	mu   sync.Mutex // protects writes
}

func newWebSocketStream(conn *websocket.Conn) *webSocketStream {
	return &webSocketStream{conn: conn}
}

func (s *webSocketStream) ReadObject(v interface{}) error {
	_, data, err := s.conn.Read(context.Background())
	if err != nil {
		// Treat normal close frames as EOF so jsonrpc2 shuts down gracefully
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return io.EOF
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *webSocketStream) WriteObject(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Write(context.Background(), websocket.MessageText, data)
}

func (s *webSocketStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// Ensure webSocketStream implements ObjectStream
var _ jsonrpc2.ObjectStream = (*webSocketStream)(nil)
