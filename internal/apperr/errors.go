// ABOUTME: Error taxonomy shared by the repository, provider and launcher
// ABOUTME: Typed errors so callers can classify failures with errors.As

package apperr

import (
	"errors"
	"fmt"
)

// Kind names an error category. Used for metrics labels and API responses.
type Kind string

const (
	KindConfig    Kind = "config"
	KindNetwork   Kind = "network"
	KindRemoteAPI Kind = "remote_api"
	KindNotFound  Kind = "not_found"
	KindRemote    Kind = "remote"
	KindUnknown   Kind = "unknown"
)

// ConfigError reports a required setting that is missing. It is fatal to the
// operation that needed it, not to the process.
type ConfigError struct {
	Component string
	Field     string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: missing configuration %s", e.Component, e.Field)
}

// NetworkError means the transport could not reach the remote at all.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// RemoteAPIError means the remote answered but reported failure, or answered
// with a success status and an unusable body.
type RemoteAPIError struct {
	Op      string
	Status  int
	Code    string
	Message string
}

func (e *RemoteAPIError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s: remote returned %d: %s", e.Op, e.Status, e.Message)
}

// NotFoundError means the referenced record does not exist remotely or is not
// visible to the caller.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.ID)
}

// RemoteError is a remote-store failure not otherwise classified.
type RemoteError struct {
	Op  string
	Err error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// KindOf returns the category of the first taxonomy error found in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		cfgErr      *ConfigError
		netErr      *NetworkError
		apiErr      *RemoteAPIError
		notFoundErr *NotFoundError
		remoteErr   *RemoteError
	)
	switch {
	case errors.As(err, &cfgErr):
		return KindConfig
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &apiErr):
		return KindRemoteAPI
	case errors.As(err, &notFoundErr):
		return KindNotFound
	case errors.As(err, &remoteErr):
		return KindRemote
	default:
		return KindUnknown
	}
}
