package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store persists session records with ownership-scoped mutation.
//
// Every write that names an id takes the owner identity alongside it, and
// the ownership check is atomic with the mutation: no write proceeds
// between the check and the change.
type Store interface {
	// Create persists a new draft, minting its id and timestamps.
	// This is the only operation that assigns an id.
	Create(ctx context.Context, ownerID string, candidate Session) (Session, error)

	// UpdateIfOwned applies patch to the record with the given id if it is
	// owned by ownerID. An unknown id and a foreign owner fail identically
	// with ErrNotFound. A stale Patch.BaseRevision fails with ErrConflict.
	UpdateIfOwned(ctx context.Context, id, ownerID string, patch Patch) (Session, error)

	// TransitionToPublished sets status to published. Idempotent: calling it
	// on an already-published record succeeds and still refreshes
	// updated_at, so a retried publish never errors.
	TransitionToPublished(ctx context.Context, id, ownerID string) (Session, error)

	// GetOwned fetches a record readable as its owner. Same ErrNotFound
	// masking as UpdateIfOwned.
	GetOwned(ctx context.Context, id, ownerID string) (Session, error)

	// GetPublished fetches a record by id regardless of owner, but only if
	// it is published. Drafts are never visible through this path.
	GetPublished(ctx context.Context, id string) (Session, error)

	ListOwned(ctx context.Context, ownerID string) ([]Session, error)
	ListPublished(ctx context.Context) ([]Session, error)

	AddOnChangeListener(listener OnChangeListener)
	Close() error
}

// SQLiteStore implements Store on a SQLite database.
type SQLiteStore struct {
	db *sql.DB

	listenersMu sync.RWMutex
	listeners   []OnChangeListener
}

// NewSQLiteStore opens or creates the database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id          TEXT PRIMARY KEY,
		owner_id    TEXT NOT NULL,
		title       TEXT NOT NULL,
		tags        TEXT,
		content_ref TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'draft',
		revision    INTEGER NOT NULL DEFAULT 1,
		created_at  TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner_id, updated_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, updated_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, ownerID string, candidate Session) (Session, error) {
	if ownerID == "" {
		return Session{}, fmt.Errorf("%w: owner identity is required", ErrValidation)
	}
	if err := ValidateFields(candidate.Title, candidate.Tags, candidate.ContentRef); err != nil {
		return Session{}, err
	}

	now := time.Now().UTC()
	sess := Session{
		ID:         uuid.Must(uuid.NewV7()).String(),
		OwnerID:    ownerID,
		Title:      candidate.Title,
		Tags:       candidate.Tags,
		ContentRef: candidate.ContentRef,
		Status:     StatusDraft,
		Revision:   1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, owner_id, title, tags, content_ref, status, revision, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OwnerID, sess.Title, marshalTags(sess.Tags), sess.ContentRef,
		string(sess.Status), sess.Revision, formatTime(now), formatTime(now))
	if err != nil {
		return Session{}, fmt.Errorf("insert session: %w", err)
	}

	s.notify(ChangeEvent{Op: OperationCreate, Session: sess})
	return sess, nil
}

func (s *SQLiteStore) UpdateIfOwned(ctx context.Context, id, ownerID string, patch Patch) (Session, error) {
	if err := validatePatch(patch); err != nil {
		return Session{}, err
	}

	var updated Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getOwnedTx(ctx, tx, id, ownerID)
		if err != nil {
			return err
		}
		if patch.BaseRevision != nil && *patch.BaseRevision != cur.Revision {
			return fmt.Errorf("%w: base revision %d, stored revision %d",
				ErrConflict, *patch.BaseRevision, cur.Revision)
		}

		if patch.Title != nil {
			cur.Title = *patch.Title
		}
		if patch.Tags != nil {
			cur.Tags = *patch.Tags
		}
		if patch.ContentRef != nil {
			cur.ContentRef = *patch.ContentRef
		}
		cur.Revision++
		cur.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET title = ?, tags = ?, content_ref = ?, revision = ?, updated_at = ?
			 WHERE id = ? AND owner_id = ?`,
			cur.Title, marshalTags(cur.Tags), cur.ContentRef, cur.Revision,
			formatTime(cur.UpdatedAt), id, ownerID)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		updated = cur
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	s.notify(ChangeEvent{Op: OperationUpdate, Session: updated})
	return updated, nil
}

func (s *SQLiteStore) TransitionToPublished(ctx context.Context, id, ownerID string) (Session, error) {
	var published Session
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := getOwnedTx(ctx, tx, id, ownerID)
		if err != nil {
			return err
		}

		// Re-publishing is a no-op on status but still refreshes updated_at.
		cur.Status = StatusPublished
		cur.Revision++
		cur.UpdatedAt = time.Now().UTC()

		_, err = tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, revision = ?, updated_at = ?
			 WHERE id = ? AND owner_id = ?`,
			string(StatusPublished), cur.Revision, formatTime(cur.UpdatedAt), id, ownerID)
		if err != nil {
			return fmt.Errorf("publish session: %w", err)
		}
		published = cur
		return nil
	})
	if err != nil {
		return Session{}, err
	}

	s.notify(ChangeEvent{Op: OperationPublish, Session: published})
	return published, nil
}

func (s *SQLiteStore) GetOwned(ctx context.Context, id, ownerID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanSession(row)
}

func (s *SQLiteStore) GetPublished(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		selectColumns+` FROM sessions WHERE id = ? AND status = ?`, id, string(StatusPublished))
	return scanSession(row)
}

func (s *SQLiteStore) ListOwned(ctx context.Context, ownerID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM sessions WHERE owner_id = ? ORDER BY updated_at DESC`, ownerID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (s *SQLiteStore) ListPublished(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx,
		selectColumns+` FROM sessions WHERE status = ? ORDER BY updated_at DESC`, string(StatusPublished))
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// --- Listener management ---

func (s *SQLiteStore) AddOnChangeListener(listener OnChangeListener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, listener)
}

// notify is called after the write has been committed, outside any store lock.
func (s *SQLiteStore) notify(event ChangeEvent) {
	s.listenersMu.RLock()
	listeners := make([]OnChangeListener, len(s.listeners))
	copy(listeners, s.listeners)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnSessionChange(event)
	}
}

// --- Helpers ---

// inTx runs fn inside an immediate transaction. The read inside fn and the
// following write commit as one unit, so the ownership check cannot be
// separated from the mutation by another writer.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const selectColumns = `SELECT id, owner_id, title, tags, content_ref, status, revision, created_at, updated_at`

func getOwnedTx(ctx context.Context, tx *sql.Tx, id, ownerID string) (Session, error) {
	row := tx.QueryRowContext(ctx,
		selectColumns+` FROM sessions WHERE id = ? AND owner_id = ?`, id, ownerID)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var tagsJSON sql.NullString
	var status, createdAt, updatedAt string

	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.Title, &tagsJSON, &sess.ContentRef,
		&status, &sess.Revision, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}

	sess.Status = Status(status)
	if tagsJSON.Valid && tagsJSON.String != "" {
		json.Unmarshal([]byte(tagsJSON.String), &sess.Tags)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return sess, nil
}

func collectSessions(rows *sql.Rows) ([]Session, error) {
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func marshalTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	b, _ := json.Marshal(tags)
	return string(b)
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}
