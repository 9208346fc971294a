// ABOUTME: Maps launcher failures to the single user-facing error message
// ABOUTME: Recognizes identity, credential and limit problems before falling back to error kinds

package launcher

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/2389/coven-video/internal/apperr"
	"github.com/2389/coven-video/internal/embed"
)

// Launcher errors
var (
	ErrSessionActive = errors.New("a video session is already active")
	ErrNoSession     = errors.New("no video session is active")
	ErrBusy          = errors.New("a session start or end is in progress")
)

// UserError is the error shown to the user. It stays displayed until
// dismissed or replaced by the outcome of a new action.
type UserError struct {
	Kind    apperr.Kind `json:"kind"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

func (e *UserError) Error() string { return e.Message }

const (
	msgIdentity   = "The video persona is not set up correctly. Check the configured replica and persona."
	msgCredential = "The video service rejected our credentials. Check the provider API key."
	msgLimit      = "Too many video sessions are running right now. Wait a moment and try again."
	msgNetwork    = "Could not reach the video service. Check your connection and try again."
	msgNotFound   = "That conversation no longer exists."
	msgRemote     = "Could not save the conversation. Please try again."
	msgBadLink    = "The video service returned a link that cannot be opened."
	msgActive     = "A video session is already running."
	msgGeneric    = "Something went wrong with the video session. Please try again."
)

var (
	identityHints   = []string{"replica", "persona"}
	credentialHints = []string{"api key", "api_key", "apikey", "unauthorized", "forbidden", "invalid token"}
	limitHints      = []string{"concurrent", "too many", "rate limit"}
)

// Translate turns err into the message shown to the user. Identity hints
// and missing configuration come first, then provider status codes and known
// substrings, then the error kind; unrecognized errors get a generic message.
func Translate(err error) *UserError {
	if err == nil {
		return nil
	}
	kind := apperr.KindOf(err)
	detail := err.Error()
	lower := strings.ToLower(detail)

	var status int
	var apiErr *apperr.RemoteAPIError
	if errors.As(err, &apiErr) {
		status = apiErr.Status
	}

	var msg string
	switch {
	case errors.Is(err, ErrSessionActive):
		msg = msgActive
	case containsAny(lower, identityHints):
		msg = msgIdentity
	case kind == apperr.KindConfig:
		msg = kindMessage(err, kind)
	case status == http.StatusUnauthorized || status == http.StatusForbidden || containsAny(lower, credentialHints):
		msg = msgCredential
	case status == http.StatusTooManyRequests || containsAny(lower, limitHints):
		msg = msgLimit
	case errors.Is(err, embed.ErrInvalidURL):
		msg = msgBadLink
	default:
		msg = kindMessage(err, kind)
	}
	return &UserError{Kind: kind, Message: msg, Detail: detail}
}

func kindMessage(err error, kind apperr.Kind) string {
	switch kind {
	case apperr.KindConfig:
		var cfgErr *apperr.ConfigError
		errors.As(err, &cfgErr)
		return fmt.Sprintf("Video calling is not configured: %s is missing.", cfgErr.Field)
	case apperr.KindNetwork:
		return msgNetwork
	case apperr.KindRemoteAPI:
		var apiErr *apperr.RemoteAPIError
		errors.As(err, &apiErr)
		return "The video service returned an error: " + apiErr.Message
	case apperr.KindNotFound:
		return msgNotFound
	case apperr.KindRemote:
		return msgRemote
	default:
		return msgGeneric
	}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
