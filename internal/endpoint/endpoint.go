// Package endpoint parses OVSDB connection strings of the form
// "tcp:host:port" and "unix:/path/to/socket".
package endpoint

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"
)

// Endpoint is a parsed OVSDB address.
type Endpoint struct {
	Network string // "tcp" or "unix"
	Address string // host:port or socket path
}

// String returns the OVSDB form of the endpoint.
func (e Endpoint) String() string {
	return e.Network + ":" + e.Address
}

// IsUnix reports whether the endpoint names a domain socket.
func (e Endpoint) IsUnix() bool {
	return e.Network == NetworkUnix
}

// Parse parses an OVSDB connection string. Only active tcp and unix
// connections are supported; ssl, passive (ptcp/punix) and bare addresses
// are rejected.
func Parse(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok || rest == "" {
		return Endpoint{}, fmt.Errorf("invalid endpoint %q: expected tcp:host:port or unix:path", s)
	}

	switch scheme {
	case NetworkTCP:
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q: %w", s, err)
		}
		if host == "" {
			return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q: missing host", s)
		}
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Endpoint{}, fmt.Errorf("invalid tcp endpoint %q: bad port %q", s, port)
		}
		return Endpoint{Network: NetworkTCP, Address: net.JoinHostPort(host, port)}, nil
	case NetworkUnix:
		return Endpoint{Network: NetworkUnix, Address: rest}, nil
	default:
		return Endpoint{}, fmt.Errorf("unsupported endpoint type %q in %q", scheme, s)
	}
}
