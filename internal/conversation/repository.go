// ABOUTME: Owner-scoped conversation repository over the Store interface
// ABOUTME: Keeps an ordered in-memory cache that only changes after confirmed backend writes

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/2389/coven-video/internal/apperr"
	"github.com/2389/coven-video/internal/store"
)

// Repository errors for requests rejected before reaching the backend
var (
	ErrInvalidFields = errors.New("invalid conversation fields")
	ErrInvalidPatch  = errors.New("invalid conversation patch")
	ErrAlreadyEnded  = store.ErrAlreadyEnded
)

var validate = validator.New()

// sharedListTimeout bounds a list fetch that outlives the caller who started it.
const sharedListTimeout = 15 * time.Second

// CreateFields are the caller-supplied fields of a new conversation.
// The backend assigns ID, CreatedAt and the default status.
type CreateFields struct {
	OwnerID         string         `validate:"required"`
	RemoteSessionID string         `validate:"required"`
	Type            string         `validate:"required,oneof=video"`
	Metadata        map[string]any `validate:"-"`
}

// Repository is the CRUD facade over one owner's conversations.
type Repository struct {
	store   store.Store
	ownerID string
	logger  *slog.Logger

	mu      sync.RWMutex
	cache   []*store.Conversation // newest first
	version uint64                // bumped by every cache mutation

	lists singleflight.Group
}

// NewRepository creates a repository scoped to ownerID.
func NewRepository(s store.Store, ownerID string, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		store:   s,
		ownerID: ownerID,
		logger:  logger.With("component", "conversation", "owner_id", ownerID),
	}
}

// OwnerID returns the owner this repository is scoped to.
func (r *Repository) OwnerID() string {
	return r.ownerID
}

// List fetches the owner's conversations newest-first and refreshes the cache.
// Concurrent calls share one backend request, which does not stop when the
// first caller goes away.
func (r *Repository) List(ctx context.Context) ([]*store.Conversation, error) {
	ch := r.lists.DoChan("list", func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedListTimeout)
		defer cancel()

		r.mu.RLock()
		before := r.version
		r.mu.RUnlock()

		records, err := r.store.ListConversations(fctx, r.ownerID)
		if err != nil {
			return nil, &apperr.RemoteError{Op: "list conversations", Err: err}
		}

		r.mu.Lock()
		// a write that landed mid-fetch is newer than this snapshot
		if r.version == before {
			r.cache = cloneAll(records)
			r.version++
		}
		r.mu.Unlock()
		return records, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, &apperr.RemoteError{Op: "list conversations", Err: ctx.Err()}
	}
	if res.Err != nil {
		r.logger.Warn("listing conversations failed", "error", res.Err)
		return nil, res.Err
	}
	return cloneAll(res.Val.([]*store.Conversation)), nil
}

// Create validates fields, inserts the record and prepends it to the cache.
func (r *Repository) Create(ctx context.Context, fields CreateFields) (*store.Conversation, error) {
	if err := validate.Struct(fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFields, err)
	}
	if fields.OwnerID != r.ownerID {
		return nil, fmt.Errorf("%w: owner %q does not match repository owner", ErrInvalidFields, fields.OwnerID)
	}

	c := &store.Conversation{
		OwnerID:         fields.OwnerID,
		RemoteSessionID: fields.RemoteSessionID,
		Type:            fields.Type,
		Metadata:        fields.Metadata,
	}
	if err := r.store.CreateConversation(ctx, c); err != nil {
		return nil, &apperr.RemoteError{Op: "create conversation", Err: err}
	}

	r.mu.Lock()
	r.cache = append([]*store.Conversation{c.Clone()}, r.cache...)
	r.version++
	r.mu.Unlock()

	r.logger.Info("conversation created", "id", c.ID, "remote_session_id", c.RemoteSessionID)
	return c.Clone(), nil
}

// Update applies patch to conversation id and replaces the cached copy in place.
func (r *Repository) Update(ctx context.Context, id string, patch store.ConversationPatch) (*store.Conversation, error) {
	if err := r.checkPatch(id, patch); err != nil {
		return nil, err
	}

	updated, err := r.store.UpdateConversation(ctx, r.ownerID, id, patch)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &apperr.NotFoundError{Resource: "conversation", ID: id}
		}
		if errors.Is(err, store.ErrAlreadyEnded) {
			return nil, ErrAlreadyEnded
		}
		return nil, &apperr.RemoteError{Op: "update conversation", Err: err}
	}

	r.mu.Lock()
	for i, c := range r.cache {
		if c.ID == id {
			r.cache[i] = updated.Clone()
			break
		}
	}
	r.version++
	r.mu.Unlock()

	r.logger.Info("conversation updated", "id", id, "status", updated.Status)
	return updated.Clone(), nil
}

// Delete removes conversation id. The cache entry is dropped even when the
// backend reports it already gone.
func (r *Repository) Delete(ctx context.Context, id string) error {
	err := r.store.DeleteConversation(ctx, r.ownerID, id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return &apperr.RemoteError{Op: "delete conversation", Err: err}
	}

	r.mu.Lock()
	for i, c := range r.cache {
		if c.ID == id {
			r.cache = append(r.cache[:i:i], r.cache[i+1:]...)
			break
		}
	}
	r.version++
	r.mu.Unlock()

	if err != nil {
		return &apperr.NotFoundError{Resource: "conversation", ID: id}
	}
	r.logger.Info("conversation deleted", "id", id)
	return nil
}

// Cached returns a copy of the ordered cache without contacting the backend.
func (r *Repository) Cached() []*store.Conversation {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneAll(r.cache)
}

// checkPatch enforces the record invariants: EndedAt is set exactly once and
// is present iff the status is not active.
func (r *Repository) checkPatch(id string, patch store.ConversationPatch) error {
	if patch.Empty() {
		return fmt.Errorf("%w: nothing to update", ErrInvalidPatch)
	}
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidPatch, *patch.Status)
	}

	var cached *store.Conversation
	r.mu.RLock()
	for _, c := range r.cache {
		if c.ID == id {
			cached = c
			break
		}
	}
	r.mu.RUnlock()

	status := store.Status("")
	hasEnd := patch.EndedAt != nil
	if cached != nil {
		status = cached.Status
		if cached.EndedAt != nil {
			if patch.EndedAt != nil {
				return ErrAlreadyEnded
			}
			hasEnd = true
		}
	}
	if patch.Status != nil {
		status = *patch.Status
	}
	if status == "" {
		// unknown record state; only the patch itself can be checked
		if patch.EndedAt != nil {
			return fmt.Errorf("%w: ended_at requires a status", ErrInvalidPatch)
		}
		return nil
	}

	if status == store.StatusActive && hasEnd {
		return fmt.Errorf("%w: active conversation cannot have ended_at", ErrInvalidPatch)
	}
	if status != store.StatusActive && !hasEnd {
		return fmt.Errorf("%w: status %s requires ended_at", ErrInvalidPatch, status)
	}
	return nil
}

func cloneAll(in []*store.Conversation) []*store.Conversation {
	out := make([]*store.Conversation, len(in))
	for i, c := range in {
		out[i] = c.Clone()
	}
	return out
}
