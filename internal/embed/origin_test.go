// ABOUTME: Tests for trusted-origin matching
// ABOUTME: Covers exact entries, wildcards, default ports and malformed input

package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOriginMatcher(t *testing.T) {
	m, err := NewOriginMatcher([]string{
		"https://tavus.daily.co",
		"https://*.tavus.io",
		"http://localhost:5173",
		"  ",
	})
	require.NoError(t, err)

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://tavus.daily.co", true},
		{"https://TAVUS.daily.co", true},
		{"https://tavus.daily.co:443", true},
		{"https://tavus.daily.co/", true},
		{"http://tavus.daily.co", false},
		{"https://tavus.daily.co:8443", false},
		{"https://tavus.daily.co.attacker.net", false},
		{"https://eviltavus.daily.co", false},
		{"https://rooms.tavus.io", true},
		{"https://a.b.tavus.io", true},
		{"https://tavus.io", false},
		{"https://nottavus.io", false},
		{"http://rooms.tavus.io", false},
		{"http://localhost:5173", true},
		{"http://localhost", false},
		{"https://tavus.daily.co/path", false},
		{"https://user@tavus.daily.co", false},
		{"https://*.tavus.io", false},
		{"null", false},
		{"", false},
		{"javascript:alert(1)", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Allowed(tt.origin), "origin %q", tt.origin)
	}
}

func TestNewOriginMatcher_RejectsBadPatterns(t *testing.T) {
	for _, p := range []string{
		"tavus.daily.co",
		"ftp://files.example.com",
		"https://*.",
		"https://rooms.*.io",
		"https://*.*.io",
		"https://tavus.daily.co/embed",
	} {
		_, err := NewOriginMatcher([]string{p})
		assert.Error(t, err, "pattern %q", p)
	}
}
