// ABOUTME: Store interface and data types for conversation persistence
// ABOUTME: Defines the Conversation record, its patch type and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrAlreadyEnded is returned when a patch sets ended_at on a record that
// already has one
var ErrAlreadyEnded = errors.New("conversation already has an end time")

// Status is the lifecycle state of a conversation record
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusEnded, StatusError:
		return true
	}
	return false
}

// TypeVideo is the only conversation type currently produced.
const TypeVideo = "video"

// MetadataConversationURL is the metadata key holding the joinable session URL.
const MetadataConversationURL = "conversation_url"

// Conversation is one hosted video conversation owned by a user.
// Only Status, EndedAt and Metadata change after creation.
type Conversation struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"owner_id"`
	RemoteSessionID string         `json:"remote_session_id"`
	Status          Status         `json:"status"`
	Type            string         `json:"type"`
	Metadata        map[string]any `json:"metadata"`
	CreatedAt       time.Time      `json:"created_at"`
	EndedAt         *time.Time     `json:"ended_at"`
}

// JoinURL returns the joinable URL stored in the record metadata, if any.
func (c *Conversation) JoinURL() string {
	if c.Metadata == nil {
		return ""
	}
	u, _ := c.Metadata[MetadataConversationURL].(string)
	return u
}

// Clone returns a deep-enough copy for handing records across package boundaries.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.EndedAt != nil {
		t := *c.EndedAt
		out.EndedAt = &t
	}
	if c.Metadata != nil {
		out.Metadata = make(map[string]any, len(c.Metadata))
		for k, v := range c.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// ConversationPatch lists the mutable fields to change. Nil fields are left alone.
// Metadata replaces the stored map wholesale.
type ConversationPatch struct {
	Status   *Status
	EndedAt  *time.Time
	Metadata map[string]any
}

// Empty reports whether the patch changes nothing.
func (p ConversationPatch) Empty() bool {
	return p.Status == nil && p.EndedAt == nil && p.Metadata == nil
}

// Apply copies the patch onto c.
func (p ConversationPatch) Apply(c *Conversation) {
	if p.Status != nil {
		c.Status = *p.Status
	}
	if p.EndedAt != nil {
		t := *p.EndedAt
		c.EndedAt = &t
	}
	if p.Metadata != nil {
		c.Metadata = p.Metadata
	}
}

// Store defines the interface for conversation persistence.
// Every operation is scoped to an owner; records of other owners are invisible.
type Store interface {
	// ListConversations returns the owner's records, newest first.
	ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error)

	// CreateConversation inserts c. The backend assigns ID and CreatedAt and
	// defaults Status to active; the assigned values are written back into c.
	CreateConversation(ctx context.Context, c *Conversation) error

	// UpdateConversation applies patch and returns the stored record.
	// Returns ErrAlreadyEnded when the patch sets EndedAt on an ended record.
	UpdateConversation(ctx context.Context, ownerID, id string, patch ConversationPatch) (*Conversation, error)

	// DeleteConversation removes a record. Returns ErrNotFound when absent.
	DeleteConversation(ctx context.Context, ownerID, id string) error

	// Close releases any resources held by the store
	Close() error
}
