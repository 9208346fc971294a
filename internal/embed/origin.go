// ABOUTME: Allow-list matching for origins of embedded-content messages
// ABOUTME: Supports exact scheme://host[:port] entries and https://*.domain wildcards

package embed

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// OriginMatcher decides whether a message origin is trusted.
type OriginMatcher struct {
	exact     map[string]struct{}
	wildcards []originPattern
}

type originPattern struct {
	scheme string
	suffix string // ".example.com"
	port   string
}

// NewOriginMatcher compiles allow-list entries. Entries look like
// "https://tavus.daily.co", "http://localhost:5173" or "https://*.daily.co".
func NewOriginMatcher(patterns []string) (*OriginMatcher, error) {
	m := &OriginMatcher{exact: make(map[string]struct{})}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		scheme, host, port, err := splitOrigin(p)
		if err != nil {
			return nil, fmt.Errorf("trusted origin %q: %w", p, err)
		}
		if rest, ok := strings.CutPrefix(host, "*."); ok {
			if rest == "" || strings.Contains(rest, "*") {
				return nil, fmt.Errorf("trusted origin %q: malformed wildcard", p)
			}
			m.wildcards = append(m.wildcards, originPattern{scheme: scheme, suffix: "." + rest, port: port})
			continue
		}
		if strings.Contains(host, "*") {
			return nil, fmt.Errorf("trusted origin %q: wildcard must be the leftmost label", p)
		}
		m.exact[joinOrigin(scheme, host, port)] = struct{}{}
	}
	return m, nil
}

// Allowed reports whether origin matches the allow-list. Malformed origins,
// including the opaque "null" origin, are never allowed.
func (m *OriginMatcher) Allowed(origin string) bool {
	scheme, host, port, err := splitOrigin(origin)
	if err != nil || strings.Contains(host, "*") {
		return false
	}
	if _, ok := m.exact[joinOrigin(scheme, host, port)]; ok {
		return true
	}
	for _, w := range m.wildcards {
		if w.scheme == scheme && w.port == port &&
			strings.HasSuffix(host, w.suffix) && len(host) > len(w.suffix) {
			return true
		}
	}
	return false
}

// splitOrigin parses scheme://host[:port] with no path, query or userinfo.
// Default ports are dropped so "https://a.com:443" equals "https://a.com".
func splitOrigin(origin string) (scheme, host, port string, err error) {
	u, err := url.Parse(origin)
	if err != nil {
		return "", "", "", err
	}
	scheme = strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", "", "", fmt.Errorf("origin must be scheme://host[:port]")
	}
	host = strings.ToLower(u.Hostname())
	if host == "" {
		return "", "", "", fmt.Errorf("missing host")
	}
	port = u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	return scheme, host, port, nil
}

func joinOrigin(scheme, host, port string) string {
	if port == "" {
		if strings.Contains(host, ":") {
			return scheme + "://[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
