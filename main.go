package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/mdp/qrterminal/v3"
	"golang.org/x/term"

	"github.com/draftpad/server/api"
	"github.com/draftpad/server/draft"
	"github.com/draftpad/server/identity"
	"github.com/draftpad/server/logger"
	"github.com/draftpad/server/mcp"
	"github.com/draftpad/server/middleware"
	"github.com/draftpad/server/session"
	"github.com/draftpad/server/watch"
	"github.com/draftpad/server/ws"
)

const version = "0.3.0"

func newHandler(registry *identity.Registry, store session.Store, rpcHandler *ws.RPCHandler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	api.NewPublishedHandler(store).Register(mux)

	// WebSocket endpoint (handles its own auth via the first RPC request)
	mux.Handle("GET /ws", rpcHandler)

	return middleware.Auth(registry)(mux)
}

func main() {
	port := getenv("PORT", "8080")
	dataDir := getenv("DATA_DIR", "./data")
	devMode := os.Getenv("DEV_MODE") == "true"

	logger.Init(logger.Config{DataDir: dataDir, DevMode: devMode})

	store, err := session.NewSQLiteStore(filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer store.Close()

	identitiesFile := getenv("IDENTITIES_FILE", filepath.Join(dataDir, "identities.json"))
	registry, err := identity.NewRegistry(identitiesFile)
	if err != nil {
		log.Fatalf("failed to load identities: %v", err)
	}

	token := os.Getenv("AUTH_TOKEN")
	if token != "" {
		registry.SetStaticToken(token, identity.ID(getenv("OWNER_ID", "local")))
	}

	service := draft.NewService(store)

	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		owner := mcpOwner(registry)
		if !owner.Valid() {
			log.Fatal("mcp mode needs OWNER_ID or a resolvable MCP_TOKEN")
		}
		if err := mcp.NewServer(service, owner, version).Run(); err != nil {
			log.Fatalf("mcp server: %v", err)
		}
		return
	}

	if err := registry.StartWatching(); err != nil {
		slog.Warn("identity hot reload unavailable", "error", err)
	}
	defer registry.StopWatching()

	watcher := watch.NewSessionListWatcher(store)
	watcher.Start()
	defer watcher.Stop()

	rpcHandler := ws.NewRPCHandler(ws.Config{
		Registry: registry,
		Service:  service,
		Watcher:  watcher,
		Version:  version,
		DevMode:  devMode,
	})

	handler := newHandler(registry, store, rpcHandler)

	if token != "" {
		printPairingQR(port, token)
	}

	slog.Info("server starting", "port", port, "dataDir", dataDir, "devMode", devMode)
	if err := http.ListenAndServe(":"+port, handler); err != nil {
		log.Fatal(err)
	}
}

// mcpOwner resolves the identity mcp-mode tools act as: an explicit OWNER_ID,
// or the owner behind MCP_TOKEN.
func mcpOwner(registry *identity.Registry) identity.ID {
	if id := os.Getenv("OWNER_ID"); id != "" {
		return identity.ID(id)
	}
	if tok := os.Getenv("MCP_TOKEN"); tok != "" {
		if owner, err := registry.Authenticate(tok); err == nil {
			return owner
		}
	}
	return ""
}

// printPairingQR renders the connection URL as a QR code when running in a
// terminal, so a phone client can pair without typing the token.
func printPairingQR(port, token string) {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return
	}
	url := fmt.Sprintf("ws://localhost:%s/ws#token=%s", port, token)
	fmt.Printf("\nScan to connect:\n\n")
	qrterminal.GenerateHalfBlock(url, qrterminal.L, os.Stdout)
	fmt.Printf("\n%s\n\n", url)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
