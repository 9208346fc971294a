// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers header and query token extraction, validation and context population

package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func serveWithAuth(t *testing.T, allowQuery bool, req *http.Request) (*httptest.ResponseRecorder, *AuthContext) {
	t.Helper()
	verifier := mustVerifier(t, "")

	var got *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(verifier, allowQuery)(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	token, _ := mustVerifier(t, "").Generate("user-123", time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	rec, got := serveWithAuth(t, false, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if got == nil {
		t.Fatal("expected AuthContext in context")
	}
	if got.UserID != "user-123" {
		t.Errorf("expected user ID 'user-123', got '%s'", got.UserID)
	}
	if got.AccessToken != token {
		t.Error("expected access token to be carried in context")
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	expired, _ := mustVerifier(t, "").Generate("user-123", -time.Hour)

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "missing authorization header"},
		{"wrong scheme", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
		{"empty token", "Bearer ", "empty token"},
		{"garbage token", "Bearer not-a-jwt", "invalid token"},
		{"expired token", "Bearer " + expired, "token expired"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rec, got := serveWithAuth(t, false, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if got != nil {
				t.Error("handler should not have run")
			}
			if !strings.Contains(rec.Body.String(), tt.wantMsg) {
				t.Errorf("body %q does not contain %q", rec.Body.String(), tt.wantMsg)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q, want application/json", ct)
			}
		})
	}
}

func TestHTTPAuthMiddleware_QueryToken(t *testing.T) {
	token, _ := mustVerifier(t, "").Generate("user-ws", time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
	rec, got := serveWithAuth(t, true, req)
	if rec.Code != http.StatusOK || got == nil || got.UserID != "user-ws" {
		t.Errorf("query token should authenticate, got status %d ctx %+v", rec.Code, got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/session?access_token="+token, nil)
	rec, _ = serveWithAuth(t, false, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("query token must be ignored when not allowed, got status %d", rec.Code)
	}
}
