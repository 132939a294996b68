package identity

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ErrUnauthorized is returned when no registered identity matches the
// presented token.
var ErrUnauthorized = errors.New("unknown token")

type registeredIdentity struct {
	OwnerID string `json:"owner_id"`
	Token   string `json:"token"`
}

type identityFile struct {
	Identities []registeredIdentity `json:"identities"`
}

// Registry resolves bearer tokens to owner identities. Entries come from an
// identities.json file next to the data dir, optionally extended by a single
// static token from the environment. The file is reloaded when it changes on
// disk, so identities can be rotated without a restart.
type Registry struct {
	path string

	// staticToken, when non-empty, authenticates as staticOwner without an
	// entry in the file. Used for single-user setups.
	staticToken string
	staticOwner ID

	entriesMu sync.RWMutex
	entries   []registeredIdentity

	watcher    *fsnotify.Watcher
	debounce   *time.Timer
	debounceMu sync.Mutex
}

// NewRegistry loads identities from path if it exists. A missing file is not
// an error: the registry starts empty and picks the file up once it appears.
func NewRegistry(path string) (*Registry, error) {
	r := &Registry{path: path}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetStaticToken registers a token that always authenticates as owner,
// independent of the identities file.
func (r *Registry) SetStaticToken(token string, owner ID) {
	r.staticToken = token
	r.staticOwner = owner
}

// Authenticate resolves token to an owner identity. Comparison is constant
// time per entry so that response timing does not leak token prefixes.
func (r *Registry) Authenticate(token string) (ID, error) {
	if token == "" {
		return "", ErrUnauthorized
	}

	if r.staticToken != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(r.staticToken)) == 1 {
		return r.staticOwner, nil
	}

	r.entriesMu.RLock()
	defer r.entriesMu.RUnlock()
	for _, entry := range r.entries {
		if subtle.ConstantTimeCompare([]byte(token), []byte(entry.Token)) == 1 {
			return ID(entry.OwnerID), nil
		}
	}
	return "", ErrUnauthorized
}

func (r *Registry) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read identities file: %w", err)
	}

	var file identityFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse identities file: %w", err)
	}

	entries := make([]registeredIdentity, 0, len(file.Identities))
	for _, entry := range file.Identities {
		if entry.OwnerID == "" || entry.Token == "" {
			slog.Warn("skipping identity entry with empty owner_id or token")
			continue
		}
		entries = append(entries, entry)
	}

	r.entriesMu.Lock()
	r.entries = entries
	r.entriesMu.Unlock()
	return nil
}

// --- fsnotify: pick up token rotation without a restart ---

func (r *Registry) StartWatching() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	r.watcher = watcher

	// Watch the directory (file-level watches don't survive file replacements)
	dir := filepath.Dir(r.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go r.watchLoop()
	slog.Info("identity registry watching for changes", "path", r.path)
	return nil
}

func (r *Registry) StopWatching() {
	r.debounceMu.Lock()
	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounceMu.Unlock()

	if r.watcher != nil {
		r.watcher.Close()
	}
}

func (r *Registry) watchLoop() {
	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(r.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			r.scheduleReload()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("identity registry fsnotify error", "error", err)
		}
	}
}

const reloadDebounce = 100 * time.Millisecond

func (r *Registry) scheduleReload() {
	r.debounceMu.Lock()
	defer r.debounceMu.Unlock()

	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.debounce = time.AfterFunc(reloadDebounce, func() {
		if err := r.load(); err != nil {
			slog.Error("failed to reload identities", "error", err)
			return
		}
		slog.Info("identity registry reloaded")
	})
}
