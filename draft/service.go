package draft

import (
	"context"
	"log/slog"
	"strings"

	"github.com/draftpad/server/identity"
	"github.com/draftpad/server/session"
)

// Input is one save request: the full set of user-editable fields. An empty
// ID means "create a new draft"; a non-empty ID addresses an existing record.
type Input struct {
	ID         string   `json:"id,omitempty"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags,omitempty"`
	ContentRef string   `json:"content_ref"`

	// BaseRevision, when set on an update, rejects the save with
	// session.ErrConflict if someone else wrote the record in between.
	BaseRevision *int64 `json:"base_revision,omitempty"`
}

// Service routes saves and publishes onto the store on behalf of an explicit
// identity. It owns input normalization; field validation lives in the store.
type Service struct {
	store session.Store
	log   *slog.Logger
}

func NewService(store session.Store) *Service {
	return &Service{
		store: store,
		log:   slog.Default().With("component", "draft"),
	}
}

// SaveDraft creates or overwrites a draft. Saving the same input twice is
// harmless: the second save lands on the same record and changes nothing but
// revision and updated_at.
func (s *Service) SaveDraft(ctx context.Context, owner identity.ID, in Input) (session.Session, error) {
	in = normalize(in)

	if in.ID == "" {
		sess, err := s.store.Create(ctx, owner.String(), session.Session{
			Title:      in.Title,
			Tags:       in.Tags,
			ContentRef: in.ContentRef,
		})
		if err != nil {
			return session.Session{}, err
		}
		s.log.Info("draft created", "session_id", sess.ID, "owner_id", owner)
		return sess, nil
	}

	sess, err := s.store.UpdateIfOwned(ctx, in.ID, owner.String(), session.Patch{
		Title:        &in.Title,
		Tags:         &in.Tags,
		ContentRef:   &in.ContentRef,
		BaseRevision: in.BaseRevision,
	})
	if err != nil {
		return session.Session{}, err
	}
	s.log.Debug("draft saved", "session_id", sess.ID, "revision", sess.Revision)
	return sess, nil
}

// Publish transitions the session to published. Callers that buffer edits
// must flush them before calling this, so the published record reflects the
// last edit.
func (s *Service) Publish(ctx context.Context, owner identity.ID, id string) (session.Session, error) {
	sess, err := s.store.TransitionToPublished(ctx, id, owner.String())
	if err != nil {
		return session.Session{}, err
	}
	s.log.Info("session published", "session_id", sess.ID, "owner_id", owner)
	return sess, nil
}

func (s *Service) Get(ctx context.Context, owner identity.ID, id string) (session.Session, error) {
	return s.store.GetOwned(ctx, id, owner.String())
}

func (s *Service) GetPublished(ctx context.Context, id string) (session.Session, error) {
	return s.store.GetPublished(ctx, id)
}

func (s *Service) ListOwned(ctx context.Context, owner identity.ID) ([]session.Session, error) {
	return s.store.ListOwned(ctx, owner.String())
}

func (s *Service) ListPublished(ctx context.Context) ([]session.Session, error) {
	return s.store.ListPublished(ctx)
}

// normalize trims whitespace and drops empty tags. Length and shape checks
// happen later in the store, against the normalized values.
func normalize(in Input) Input {
	in.Title = strings.TrimSpace(in.Title)
	in.ContentRef = strings.TrimSpace(in.ContentRef)

	tags := make([]string, 0, len(in.Tags))
	for _, tag := range in.Tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		tags = append(tags, tag)
	}
	in.Tags = tags
	return in
}
