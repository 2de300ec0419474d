package oauth

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeServerURL canonicalizes a server URL for use as a storage key and
// as the RFC 8707 resource parameter: scheme and host are lowercased, the
// scheme's default port is stripped, and the trailing slash is removed.
// Normalization is idempotent.
func NormalizeServerURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", raw, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("server URL %q must be absolute", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	switch {
	case port == "443" && u.Scheme == "https":
		port = ""
	case port == "80" && u.Scheme == "http":
		port = ""
	}
	if port != "" {
		u.Host = host + ":" + port
	} else {
		u.Host = host
	}

	u.Path = strings.TrimRight(u.Path, "/")
	u.Fragment = ""
	return u.String(), nil
}
