package trust

import (
	"errors"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidOrigin = errors.New("invalid origin")
	// ErrOpaqueOrigin is returned for sandboxed or file documents, whose
	// origin serializes as "null". They never hold grants.
	ErrOpaqueOrigin = errors.New("opaque origin")
)

var defaultPorts = map[string]string{"http": "80", "https": "443"}

// NormalizeOrigin reduces raw to scheme://host[:port] in lower case with
// the scheme's default port removed.
func NormalizeOrigin(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidOrigin
	}
	if strings.EqualFold(raw, "null") {
		return "", ErrOpaqueOrigin
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" || u.User != nil {
		return "", ErrInvalidOrigin
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", ErrInvalidOrigin
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == defaultPorts[scheme] {
		port = ""
	}
	if port != "" {
		return scheme + "://" + net.JoinHostPort(host, port), nil
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	return scheme + "://" + host, nil
}
