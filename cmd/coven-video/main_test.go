// ABOUTME: Tests for command-line helpers
// ABOUTME: Covers config path resolution and token flag parsing

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_VIDEO_CONFIG", "/etc/coven/video.toml")
	if got := getConfigPath(); got != "/etc/coven/video.toml" {
		t.Errorf("getConfigPath() = %q, want env override", got)
	}

	t.Setenv("COVEN_VIDEO_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := getConfigPath(); got != filepath.Join("/xdg", "coven", "video.yaml") {
		t.Errorf("getConfigPath() = %q, want XDG path", got)
	}
}

func TestRunToken_FlagErrors(t *testing.T) {
	tests := []struct {
		args    []string
		wantErr string
	}{
		{nil, "--user flag is required"},
		{[]string{"--user"}, "--user requires a value"},
		{[]string{"--ttl", "soon", "--user", "u"}, "invalid --ttl"},
		{[]string{"--ttl=-1h", "--user=u"}, "invalid --ttl"},
		{[]string{"--bogus"}, "unknown flag"},
		{[]string{"stray"}, "unexpected argument"},
	}
	for _, tt := range tests {
		err := runToken(tt.args)
		if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
			t.Errorf("runToken(%v) error = %v, want %q", tt.args, err, tt.wantErr)
		}
	}
}

func TestRunToken_LoadsConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "video.yaml")
	content := "database:\n  path: video.db\nbackend:\n  jwt_secret: \"0123456789abcdef0123456789abcdef\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COVEN_VIDEO_CONFIG", path)

	if err := runToken([]string{"--user", "user-1", "--ttl", "1h"}); err != nil {
		t.Fatalf("runToken() error = %v", err)
	}
}
