package sshtunnel

import (
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
)

// DefaultSSHPort is used for hops whose port is unset.
const DefaultSSHPort = 22

// ForwarderKind selects the local listener type of a tunnel's Forwarder.
type ForwarderKind string

const (
	ForwarderTCP  ForwarderKind = "tcp"
	ForwarderUnix ForwarderKind = "unix"
	ForwarderAuto ForwarderKind = "auto"
)

// Spec describes how to reach an OVSDB endpoint through SSH. JumpHosts are
// traversed in order before the primary host, which is always the last hop.
type Spec struct {
	Host               string        `json:"host" yaml:"host"`
	Port               int           `json:"port" yaml:"port"`
	User               string        `json:"user" yaml:"user"`
	KeyFile            string        `json:"keyFile" yaml:"keyFile"`
	JumpHosts          []string      `json:"jumpHosts" yaml:"jumpHosts"`
	LocalForwarderType ForwarderKind `json:"localForwarderType" yaml:"localForwarderType"`
}

// Normalize trims whitespace, drops blank jump hosts and fills in the default
// port and forwarder kind.
func (s Spec) Normalize() Spec {
	s.Host = strings.TrimSpace(s.Host)
	s.User = strings.TrimSpace(s.User)
	s.KeyFile = strings.TrimSpace(s.KeyFile)
	if s.Port == 0 {
		s.Port = DefaultSSHPort
	}
	if s.LocalForwarderType == "" {
		s.LocalForwarderType = ForwarderTCP
	}
	if len(s.JumpHosts) > 0 {
		jumps := make([]string, 0, len(s.JumpHosts))
		for _, j := range s.JumpHosts {
			if j = strings.TrimSpace(j); j != "" {
				jumps = append(jumps, j)
			}
		}
		s.JumpHosts = jumps
	}
	return s
}

// Clone returns a deep copy of the spec.
func (s Spec) Clone() Spec {
	if s.JumpHosts != nil {
		s.JumpHosts = append([]string{}, s.JumpHosts...)
	}
	return s
}

// Hop is one SSH server in a chain.
type Hop struct {
	User string
	Host string
	Port int
}

// Addr returns host:port for dialing.
func (h Hop) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

func (h Hop) String() string {
	return h.User + "@" + h.Addr()
}

// Hops returns the chain in dial order: jump hosts first, primary host last.
// Jump hosts without a user inherit the spec's user.
func (s Spec) Hops() ([]Hop, error) {
	if s.Host == "" {
		return nil, fmt.Errorf("tunnel host is empty")
	}
	hops := make([]Hop, 0, len(s.JumpHosts)+1)
	for _, j := range s.JumpHosts {
		hop, err := ParseHop(j, s.User)
		if err != nil {
			return nil, err
		}
		hops = append(hops, hop)
	}
	port := s.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("invalid ssh port %d", port)
	}
	return append(hops, Hop{User: s.User, Host: s.Host, Port: port}), nil
}

// ParseHop parses a jump host in "[user@]host[:port]" form. IPv6 literals
// must be bracketed when a port is given.
func ParseHop(s, defaultUser string) (Hop, error) {
	raw := s
	hop := Hop{User: defaultUser, Port: DefaultSSHPort}
	if at := strings.LastIndex(s, "@"); at >= 0 {
		hop.User = s[:at]
		s = s[at+1:]
	}

	switch {
	case strings.HasPrefix(s, "[") || strings.Count(s, ":") == 1:
		host, port, err := net.SplitHostPort(s)
		if err != nil {
			if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
				hop.Host = strings.Trim(s, "[]")
				break
			}
			return Hop{}, fmt.Errorf("invalid jump host %q: %w", raw, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return Hop{}, fmt.Errorf("invalid jump host %q: bad port %q", raw, port)
		}
		hop.Host, hop.Port = host, p
	default:
		hop.Host = s
	}

	if hop.Host == "" {
		return Hop{}, fmt.Errorf("invalid jump host %q: missing host", raw)
	}
	if hop.User == "" {
		return Hop{}, fmt.Errorf("invalid jump host %q: missing user", raw)
	}
	return hop, nil
}

// supportsUnixSockets reports whether local domain sockets may be used on goos.
func supportsUnixSockets(goos string) bool {
	return goos != "windows" && goos != "plan9" && goos != "js" && goos != "wasip1"
}

// ResolveKind turns a requested forwarder kind into a concrete one for the
// remote endpoint on the running OS.
func ResolveKind(kind ForwarderKind, remote endpoint.Endpoint) (ForwarderKind, error) {
	return resolveKind(kind, remote, runtime.GOOS)
}

func resolveKind(kind ForwarderKind, remote endpoint.Endpoint, goos string) (ForwarderKind, error) {
	switch kind {
	case ForwarderTCP:
		return ForwarderTCP, nil
	case ForwarderUnix:
		if !supportsUnixSockets(goos) {
			return "", fmt.Errorf("unix forwarder not supported on %s", goos)
		}
		return ForwarderUnix, nil
	case ForwarderAuto, "":
		if remote.IsUnix() && supportsUnixSockets(goos) {
			return ForwarderUnix, nil
		}
		return ForwarderTCP, nil
	default:
		return "", fmt.Errorf("unsupported forwarder type %q", kind)
	}
}
