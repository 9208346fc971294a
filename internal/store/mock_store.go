// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite or a managed backend

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
// Set the *Err fields to make the next calls of that operation fail.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	seq           int
	now           func() time.Time

	ListErr   error
	CreateErr error
	UpdateErr error
	DeleteErr error

	// Calls counts invocations per operation name.
	Calls map[string]int
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		now:           time.Now,
		Calls:         make(map[string]int),
	}
}

// SetNow overrides the clock used to stamp CreatedAt.
func (m *MockStore) SetNow(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// CallCount returns how many times op was invoked.
func (m *MockStore) CallCount(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Calls[op]
}

// ListConversations returns the owner's conversations, newest first.
func (m *MockStore) ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["list"]++

	if m.ListErr != nil {
		return nil, m.ListErr
	}

	var out []*Conversation
	for _, c := range m.conversations {
		if c.OwnerID == ownerID {
			out = append(out, c.Clone())
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, c *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["create"]++

	if m.CreateErr != nil {
		return m.CreateErr
	}

	m.seq++
	if c.ID == "" {
		c.ID = fmt.Sprintf("conv-%d", m.seq)
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if c.Type == "" {
		c.Type = TypeVideo
	}
	// strictly increasing so newest-first ordering is deterministic
	c.CreatedAt = m.now().UTC().Add(time.Duration(m.seq) * time.Millisecond)

	m.conversations[c.ID] = c.Clone()
	return nil
}

// UpdateConversation applies patch to an existing conversation.
func (m *MockStore) UpdateConversation(ctx context.Context, ownerID, id string, patch ConversationPatch) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["update"]++

	if m.UpdateErr != nil {
		return nil, m.UpdateErr
	}

	c, ok := m.conversations[id]
	if !ok || c.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	if c.EndedAt != nil && patch.EndedAt != nil {
		return nil, ErrAlreadyEnded
	}
	patch.Apply(c)
	return c.Clone(), nil
}

// DeleteConversation removes a conversation.
func (m *MockStore) DeleteConversation(ctx context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls["delete"]++

	if m.DeleteErr != nil {
		return m.DeleteErr
	}

	c, ok := m.conversations[id]
	if !ok || c.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(m.conversations, id)
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

// Get returns a copy of a stored conversation regardless of owner.
func (m *MockStore) Get(id string) (*Conversation, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Ensure implementations satisfy the interface
var (
	_ Store = (*MockStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*RESTStore)(nil)
)
