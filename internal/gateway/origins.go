// ABOUTME: Websocket origin policy built from server.allowed_origins
// ABOUTME: Falls back to same-origin checking when no origins are configured

package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/2389/coven-video/internal/embed"
)

type originPolicy struct {
	matcher *embed.OriginMatcher // nil means same-origin only
}

func newOriginPolicy(allowed []string) (*originPolicy, error) {
	if len(allowed) == 0 {
		return &originPolicy{}, nil
	}
	m, err := embed.NewOriginMatcher(allowed)
	if err != nil {
		return nil, err
	}
	return &originPolicy{matcher: m}, nil
}

// check is the upgrader's CheckOrigin. Requests without an Origin header
// come from non-browser clients and are allowed.
func (p *originPolicy) check(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if p.matcher != nil {
		return p.matcher.Allowed(origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
