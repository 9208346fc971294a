// ABOUTME: Store implementation backed by a managed PostgREST-style HTTP table API
// ABOUTME: Forwards the caller's access token so row-level security scopes every query

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RemoteStoreError is a non-success response from the managed backend.
type RemoteStoreError struct {
	Status  int
	Code    string
	Message string
}

func (e *RemoteStoreError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("backend returned %d: %s", e.Status, e.Message)
}

// AccessTokenFunc returns the end-user access token carried by ctx, if any.
type AccessTokenFunc func(ctx context.Context) string

// RESTConfig configures a RESTStore.
type RESTConfig struct {
	// URL is the project base URL; requests go to {URL}/rest/v1/conversations.
	URL string
	// AnonKey is sent as the apikey header on every request.
	AnonKey string
	// ServiceKey is used as the bearer token when no user token is available.
	ServiceKey string
	// AccessToken extracts the user's token from the request context.
	AccessToken AccessTokenFunc
	HTTPClient  *http.Client
}

// RESTStore implements Store against the managed backend's conversations table.
type RESTStore struct {
	endpoint    string
	anonKey     string
	serviceKey  string
	accessToken AccessTokenFunc
	httpClient  *http.Client
	logger      *slog.Logger
}

// NewRESTStore creates a store for the managed backend.
func NewRESTStore(cfg RESTConfig) (*RESTStore, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("backend url is required")
	}
	if cfg.AnonKey == "" {
		return nil, fmt.Errorf("backend anon key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTStore{
		endpoint:    strings.TrimSuffix(cfg.URL, "/") + "/rest/v1/conversations",
		anonKey:     cfg.AnonKey,
		serviceKey:  cfg.ServiceKey,
		accessToken: cfg.AccessToken,
		httpClient:  httpClient,
		logger:      slog.Default().With("component", "store", "backend", "rest"),
	}, nil
}

// restRow is the wire shape of a conversations row.
type restRow struct {
	ID              string         `json:"id,omitempty"`
	OwnerID         string         `json:"owner_id,omitempty"`
	RemoteSessionID string         `json:"remote_session_id,omitempty"`
	Status          Status         `json:"status,omitempty"`
	Type            string         `json:"type,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       *time.Time     `json:"created_at,omitempty"`
	EndedAt         *time.Time     `json:"ended_at,omitempty"`
}

func (r *restRow) toConversation() *Conversation {
	c := &Conversation{
		ID:              r.ID,
		OwnerID:         r.OwnerID,
		RemoteSessionID: r.RemoteSessionID,
		Status:          r.Status,
		Type:            r.Type,
		Metadata:        r.Metadata,
		EndedAt:         r.EndedAt,
	}
	if r.CreatedAt != nil {
		c.CreatedAt = *r.CreatedAt
	}
	return c
}

// ListConversations returns the owner's conversations, newest first.
func (s *RESTStore) ListConversations(ctx context.Context, ownerID string) ([]*Conversation, error) {
	q := url.Values{}
	q.Set("select", "*")
	q.Set("owner_id", "eq."+ownerID)
	q.Set("order", "created_at.desc")

	var rows []restRow
	if err := s.do(ctx, http.MethodGet, q, nil, &rows); err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]*Conversation, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toConversation())
	}
	return out, nil
}

// CreateConversation inserts a row; the table defaults assign id, created_at and status.
func (s *RESTStore) CreateConversation(ctx context.Context, c *Conversation) error {
	body := restRow{
		OwnerID:         c.OwnerID,
		RemoteSessionID: c.RemoteSessionID,
		Status:          c.Status,
		Type:            c.Type,
		Metadata:        c.Metadata,
	}

	var rows []restRow
	if err := s.do(ctx, http.MethodPost, nil, body, &rows); err != nil {
		return fmt.Errorf("inserting conversation: %w", err)
	}
	if len(rows) == 0 {
		return fmt.Errorf("inserting conversation: backend returned no row")
	}

	*c = *rows[0].toConversation()
	s.logger.Debug("created conversation", "id", c.ID, "owner_id", c.OwnerID)
	return nil
}

// UpdateConversation patches the owner's row. An empty result means the row is
// absent or hidden by row-level security.
func (s *RESTStore) UpdateConversation(ctx context.Context, ownerID, id string, patch ConversationPatch) (*Conversation, error) {
	body := map[string]any{}
	if patch.Status != nil {
		body["status"] = *patch.Status
	}
	if patch.EndedAt != nil {
		body["ended_at"] = patch.EndedAt.UTC()
	}
	if patch.Metadata != nil {
		body["metadata"] = patch.Metadata
	}

	var rows []restRow
	if err := s.do(ctx, http.MethodPatch, ownedRow(ownerID, id), body, &rows); err != nil {
		return nil, fmt.Errorf("updating conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}
	return rows[0].toConversation(), nil
}

// DeleteConversation removes the owner's row.
func (s *RESTStore) DeleteConversation(ctx context.Context, ownerID, id string) error {
	var rows []restRow
	if err := s.do(ctx, http.MethodDelete, ownedRow(ownerID, id), nil, &rows); err != nil {
		return fmt.Errorf("deleting conversation: %w", err)
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return nil
}

// Close is a no-op; the HTTP client holds no exclusive resources.
func (s *RESTStore) Close() error {
	return nil
}

func ownedRow(ownerID, id string) url.Values {
	q := url.Values{}
	q.Set("id", "eq."+id)
	q.Set("owner_id", "eq."+ownerID)
	return q
}

// backendError is the structured error body returned by the backend.
type backendError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (s *RESTStore) do(ctx context.Context, method string, query url.Values, body any, out any) error {
	endpoint := s.endpoint
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("apikey", s.anonKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		req.Header.Set("Prefer", "return=representation")
	}
	if token := s.bearer(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		remoteErr := &RemoteStoreError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var be backendError
		if json.Unmarshal(respBody, &be) == nil && be.Message != "" {
			remoteErr.Code = be.Code
			remoteErr.Message = be.Message
		}
		return remoteErr
	}

	if out != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

func (s *RESTStore) bearer(ctx context.Context) string {
	if s.accessToken != nil {
		if token := s.accessToken(ctx); token != "" {
			return token
		}
	}
	return s.serviceKey
}
