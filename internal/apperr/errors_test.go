// ABOUTME: Tests for the error taxonomy shared across packages
// ABOUTME: Covers kind classification, unwrapping and error messages

package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"config", &ConfigError{Component: "provider", Field: "api_key"}, KindConfig},
		{"network", &NetworkError{Op: "create", Err: errors.New("dial tcp")}, KindNetwork},
		{"remote api", &RemoteAPIError{Op: "create", Status: 400, Message: "bad"}, KindRemoteAPI},
		{"not found", &NotFoundError{Resource: "conversation", ID: "c1"}, KindNotFound},
		{"remote", &RemoteError{Op: "list", Err: errors.New("boom")}, KindRemote},
		{"wrapped", fmt.Errorf("starting: %w", &ConfigError{Component: "provider", Field: "replica_id"}), KindConfig},
		{"plain", errors.New("other"), KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestNetworkError_Unwrap(t *testing.T) {
	err := &NetworkError{Op: "end", Err: context.DeadlineExceeded}
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "end: network error")
}

func TestRemoteAPIError_Message(t *testing.T) {
	assert.Equal(t, "create: remote returned 400: invalid replica_id",
		(&RemoteAPIError{Op: "create", Status: 400, Message: "invalid replica_id"}).Error())
	assert.Equal(t, "create: response missing conversation_url",
		(&RemoteAPIError{Op: "create", Message: "response missing conversation_url"}).Error())
}
