// ABOUTME: HTTP client for the hosted conversational-video provider
// ABOUTME: Creates and ends remote sessions and classifies failures into the apperr taxonomy

package provider

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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/2389/coven-video/internal/apperr"
)

// DefaultBaseURL is the provider API root used when none is configured.
const DefaultBaseURL = "https://tavusapi.com/v2"

const (
	defaultTimeout = 30 * time.Second

	// maxErrorBody caps how much of a failed response is read into an error.
	maxErrorBody = 4096

	opCreate = "create session"
	opEnd    = "end session"
)

var requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "coven_video_provider_request_seconds",
	Help:    "Provider API request duration in seconds by operation and outcome",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
}, []string{"op", "outcome"})

// Config holds the provider credentials and session defaults.
// Required fields are checked on every call, not at construction, so a
// missing value fails the request instead of the process.
type Config struct {
	BaseURL          string
	APIKey           string
	ReplicaID        string
	PersonaID        string
	ConversationName string
	CallbackURL      string
	Timeout          time.Duration

	// Optional session properties; zero values are omitted from the request.
	MaxCallDuration        time.Duration
	ParticipantLeftTimeout time.Duration
	EnableRecording        bool
}

// Session is a newly created remote session.
type Session struct {
	ID     string `json:"conversation_id"`
	URL    string `json:"conversation_url"`
	Status string `json:"status,omitempty"`
	Name   string `json:"conversation_name,omitempty"`
}

// Client talks to the provider API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a provider client. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger.With("component", "provider"),
	}
}

type sessionProperties struct {
	MaxCallDuration        int  `json:"max_call_duration,omitempty"`
	ParticipantLeftTimeout int  `json:"participant_left_timeout,omitempty"`
	EnableRecording        bool `json:"enable_recording,omitempty"`
}

type createRequest struct {
	ReplicaID        string             `json:"replica_id"`
	PersonaID        string             `json:"persona_id"`
	ConversationName string             `json:"conversation_name,omitempty"`
	CallbackURL      string             `json:"callback_url,omitempty"`
	Properties       *sessionProperties `json:"properties,omitempty"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// CreateSession asks the provider to start a new conversation.
func (c *Client) CreateSession(ctx context.Context) (*Session, error) {
	if err := c.requireConfig(true); err != nil {
		return nil, err
	}

	req := createRequest{
		ReplicaID:        c.cfg.ReplicaID,
		PersonaID:        c.cfg.PersonaID,
		ConversationName: c.cfg.ConversationName,
		CallbackURL:      c.cfg.CallbackURL,
	}
	props := sessionProperties{
		MaxCallDuration:        int(c.cfg.MaxCallDuration / time.Second),
		ParticipantLeftTimeout: int(c.cfg.ParticipantLeftTimeout / time.Second),
		EnableRecording:        c.cfg.EnableRecording,
	}
	if props != (sessionProperties{}) {
		req.Properties = &props
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling create request: %w", err)
	}

	respBody, err := c.do(ctx, opCreate, "/conversations", body)
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(respBody, &sess); err != nil {
		return nil, &apperr.RemoteAPIError{Op: opCreate, Message: "invalid response body: " + err.Error()}
	}
	if sess.ID == "" || sess.URL == "" {
		return nil, &apperr.RemoteAPIError{Op: opCreate, Message: "response missing conversation_id or conversation_url"}
	}

	c.logger.Info("remote session created", "session_id", sess.ID, "status", sess.Status)
	return &sess, nil
}

// EndSession asks the provider to end a conversation.
func (c *Client) EndSession(ctx context.Context, sessionID string) error {
	if err := c.requireConfig(false); err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("%s: empty session id", opEnd)
	}

	if _, err := c.do(ctx, opEnd, "/conversations/"+url.PathEscape(sessionID)+"/end", nil); err != nil {
		return err
	}
	c.logger.Info("remote session ended", "session_id", sessionID)
	return nil
}

func (c *Client) requireConfig(forCreate bool) error {
	switch {
	case strings.TrimSpace(c.cfg.BaseURL) == "":
		return &apperr.ConfigError{Component: "provider", Field: "base_url"}
	case strings.TrimSpace(c.cfg.APIKey) == "":
		return &apperr.ConfigError{Component: "provider", Field: "api_key"}
	case forCreate && strings.TrimSpace(c.cfg.ReplicaID) == "":
		return &apperr.ConfigError{Component: "provider", Field: "replica_id"}
	case forCreate && strings.TrimSpace(c.cfg.PersonaID) == "":
		return &apperr.ConfigError{Component: "provider", Field: "persona_id"}
	}
	return nil
}

// do POSTs to path and returns the body of a 2xx response.
func (c *Client) do(ctx context.Context, op, path string, body []byte) ([]byte, error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		requestDuration.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
	}()

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reader)
	if err != nil {
		outcome = string(apperr.KindConfig)
		return nil, fmt.Errorf("%s: building request: %w", op, err)
	}
	req.Header.Set("x-api-key", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		outcome = string(apperr.KindNetwork)
		c.logger.Warn("provider request failed", "op", op, "error", err)
		return nil, &apperr.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		outcome = string(apperr.KindRemoteAPI)
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := parseAPIError(op, resp.StatusCode, raw)
		c.logger.Warn("provider rejected request",
			"op", op,
			"status", resp.StatusCode,
			"message", apiErr.Message)
		return nil, apiErr
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		outcome = string(apperr.KindNetwork)
		return nil, &apperr.NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}

	c.logger.Debug("provider request complete", "op", op, "status", resp.StatusCode, "duration", time.Since(start))
	return respBody, nil
}

func parseAPIError(op string, status int, raw []byte) *apperr.RemoteAPIError {
	apiErr := &apperr.RemoteAPIError{Op: op, Status: status}

	var eb errorBody
	if err := json.Unmarshal(raw, &eb); err == nil {
		apiErr.Code = eb.Code
		switch {
		case eb.Message != "":
			apiErr.Message = eb.Message
		case eb.Error != "":
			apiErr.Message = eb.Error
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = fmt.Sprintf("HTTP %d: %s", status, strings.TrimSpace(string(raw)))
	}
	return apiErr
}
