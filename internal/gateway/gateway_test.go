// ABOUTME: Tests for Gateway construction, lifecycle and health endpoints
// ABOUTME: Shares the fake provider and request helpers used by the API and websocket tests

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-video/internal/auth"
	"github.com/2389/coven-video/internal/config"
	"github.com/2389/coven-video/internal/embed"
	"github.com/2389/coven-video/internal/provider"
	"github.com/2389/coven-video/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// testConfig creates a minimal config for testing with an available port.
func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available HTTP port: %v", err)
	}
	httpAddr := ln.Addr().String()
	ln.Close()

	return &config.Config{
		Server:   config.ServerConfig{HTTPAddr: httpAddr},
		Database: config.DatabaseConfig{Driver: config.DriverSQLite, Path: ":memory:"},
		Backend:  config.BackendConfig{JWTSecret: testSecret},
		Provider: config.ProviderConfig{
			BaseURL:   "http://127.0.0.1:1",
			APIKey:    "key",
			ReplicaID: "r-1",
			PersonaID: "p-1",
		},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeProvider struct {
	mu        sync.Mutex
	next      int
	createErr error
	ended     []string
}

func (p *fakeProvider) CreateSession(ctx context.Context) (*provider.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.next++
	id := fmt.Sprintf("remote-%d", p.next)
	return &provider.Session{
		ID:     id,
		URL:    "https://tavus.daily.co/" + id,
		Status: "active",
	}, nil
}

func (p *fakeProvider) EndSession(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ended = append(p.ended, id)
	return nil
}

func (p *fakeProvider) endedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ended...)
}

// syncBuffer collects log output written from several goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Split(strings.TrimSpace(b.buf.String()), "\n")
}

type testGateway struct {
	gw       *Gateway
	prov     *fakeProvider
	store    *store.MockStore
	clock    *embed.FakeClock
	verifier *auth.JWTVerifier
	logs     *syncBuffer
}

func newTestGateway(t *testing.T, mutate ...func(*config.Config)) *testGateway {
	t.Helper()
	cfg := testConfig(t)
	for _, m := range mutate {
		m(cfg)
	}

	verifier, err := auth.NewJWTVerifier([]byte(testSecret), "")
	require.NoError(t, err)

	tg := &testGateway{
		prov:     &fakeProvider{},
		store:    store.NewMockStore(),
		clock:    embed.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		verifier: verifier,
		logs:     &syncBuffer{},
	}
	logger := slog.New(slog.NewJSONHandler(tg.logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	tg.gw, err = newGateway(cfg, Deps{
		Store:    tg.store,
		Provider: tg.prov,
		Verifier: verifier,
		Clock:    tg.clock,
	}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tg.gw.Shutdown(context.Background()) })
	return tg
}

func (tg *testGateway) token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := tg.verifier.Generate(userID, time.Hour)
	require.NoError(t, err)
	return tok
}

// do sends an authenticated request for userID and returns the recorder.
func (tg *testGateway) do(t *testing.T, userID, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+tg.token(t, userID))
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	tg.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), "body: %s", rec.Body.String())
	return v
}

func TestGatewayNew(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer gw.Shutdown(context.Background())

	if gw.config != cfg {
		t.Error("gateway config mismatch")
	}
	if gw.store == nil {
		t.Error("store should not be nil")
	}
	if gw.provider == nil {
		t.Error("provider should not be nil")
	}
}

func TestGatewayNew_RequiresDeps(t *testing.T) {
	_, err := newGateway(testConfig(t), Deps{}, testLogger())
	if err == nil {
		t.Fatal("newGateway() without deps should fail")
	}
}

func TestGatewayNew_BadAllowedOrigin(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.AllowedOrigins = []string{"https://app.example.com/path"}

	_, err := newGateway(cfg, Deps{
		Store:    store.NewMockStore(),
		Provider: &fakeProvider{},
		Verifier: mustVerifier(t),
	}, testLogger())
	if err == nil || !strings.Contains(err.Error(), "server.allowed_origins") {
		t.Fatalf("newGateway() error = %v, want allowed_origins error", err)
	}
}

func mustVerifier(t *testing.T) *auth.JWTVerifier {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret), "")
	require.NoError(t, err)
	return v
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)

	gw, err := New(cfg, testLogger())
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	// Wait for the listener to come up
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health status = %d, want 200", resp.StatusCode)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("gateway did not shutdown in time")
	}
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, "", http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Errorf("/health = %d %q", rec.Code, rec.Body.String())
	}

	rec = tg.do(t, "", http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("/health/ready = %d %q, want 200", rec.Code, rec.Body.String())
	}
}

func TestReady_MissingProviderSetting(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) { c.Provider.PersonaID = "" })

	rec := tg.do(t, "", http.MethodGet, "/health/ready", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("/health/ready = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "persona_id") {
		t.Errorf("/health/ready body = %q, want it to name persona_id", rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	tg := newTestGateway(t)

	rec := tg.do(t, "", http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("/metrics should expose the default registry")
	}
}

func TestMetricsDisabled(t *testing.T) {
	tg := newTestGateway(t, func(c *config.Config) { c.Metrics.Enabled = false })

	rec := tg.do(t, "", http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("/metrics = %d, want 404 when disabled", rec.Code)
	}
}
