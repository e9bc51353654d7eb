package relay

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/ImVexed/fasturl"
)

// NormalizeRelayURL validates and canonicalizes a relay URL. It lowercases
// the input, maps http(s) schemes to ws(s), assumes wss for bare hosts, and
// rejects empty strings, control characters, non-ASCII input and anything
// fasturl cannot parse into a hosted URL.
func NormalizeRelayURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRelayURL)
	}

	for _, r := range s {
		if r <= 0x20 || r == 0x7f {
			return "", fmt.Errorf("%w: control character in %q", ErrInvalidRelayURL, raw)
		}
		if r > unicode.MaxASCII {
			return "", fmt.Errorf("%w: non-ascii character in %q", ErrInvalidRelayURL, raw)
		}
	}

	s = strings.ToLower(s)

	switch {
	case strings.HasPrefix(s, "wss://"), strings.HasPrefix(s, "ws://"):
	case strings.HasPrefix(s, "https://"):
		s = "wss://" + strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		s = "ws://" + strings.TrimPrefix(s, "http://")
	case strings.Contains(s, "://"):
		return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidRelayURL, raw)
	default:
		s = "wss://" + s
	}

	// fasturl accepts a bare scheme without complaint and reports an
	// empty host for it, same as for "wss:///path", so check the
	// remainder ourselves.
	if rest := s[strings.Index(s, "://")+3:]; rest == "" || strings.HasPrefix(rest, "/") {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidRelayURL, raw)
	}

	u, err := fasturl.ParseURL(s)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRelayURL, raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidRelayURL, raw)
	}

	var b strings.Builder
	b.WriteString(u.Protocol)
	b.WriteString("://")
	b.WriteString(u.Host)
	if u.Port != "" {
		b.WriteString(":")
		b.WriteString(u.Port)
	}
	if u.Path != "" && u.Path != "/" {
		b.WriteString(strings.TrimSuffix(u.Path, "/"))
	}

	return b.String(), nil
}

// filterRelayURLs normalizes a relay set, silently dropping invalid entries
// and duplicates. Never fails: a fully-invalid input yields an empty set.
func filterRelayURLs(raw []string, onDrop func(url string, err error)) []string {
	seen := make(map[string]bool, len(raw))
	valid := make([]string, 0, len(raw))

	for _, r := range raw {
		u, err := NormalizeRelayURL(r)
		if err != nil {
			if onDrop != nil {
				onDrop(r, err)
			}
			continue
		}
		if seen[u] {
			continue
		}
		seen[u] = true
		valid = append(valid, u)
	}

	return valid
}
