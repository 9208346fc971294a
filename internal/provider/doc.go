// Package provider is the client for the hosted conversational-video API.
//
// The provider runs the AI video session itself; this package only asks it
// to create a session (returning an id and a joinable URL) and to end one.
// Failures are classified into the apperr taxonomy:
//
//   - *apperr.ConfigError: a required setting is empty, checked per call
//   - *apperr.NetworkError: the API could not be reached
//   - *apperr.RemoteAPIError: the API answered non-2xx, or 2xx without the
//     session id and URL
package provider
