package session

import (
	"fmt"
	"strings"

	"github.com/gluk-w/ovsdb-viewer/internal/endpoint"
	"github.com/gluk-w/ovsdb-viewer/internal/history"
)

// DefaultDatabase is used when a connect request names no database.
const DefaultDatabase = "Open_vSwitch"

// EndpointSpec is one endpoint of a connect request: an OVSDB connection
// string and, optionally, the SSH tunnel that reaches it.
type EndpointSpec = history.EndpointConfig

// ConnectRequest is the input of Coordinator.Connect. It is also the shape
// of a CLI connect profile.
type ConnectRequest struct {
	Endpoints []EndpointSpec `json:"endpoints" yaml:"endpoints"`
	Database  string         `json:"database,omitempty" yaml:"database,omitempty"`
}

// Normalize trims every field, drops blank endpoints, fills tunnel defaults
// and turns tunnels without a host into direct connections. It fails if no
// endpoint remains or an endpoint string does not parse.
func (r ConnectRequest) Normalize(defaultDB string) (ConnectRequest, error) {
	out := ConnectRequest{Database: strings.TrimSpace(r.Database)}
	if out.Database == "" {
		out.Database = defaultDB
	}
	if out.Database == "" {
		out.Database = DefaultDatabase
	}

	for _, ep := range r.Endpoints {
		ep = ep.Clone()
		ep.Endpoint = strings.TrimSpace(ep.Endpoint)
		if ep.Endpoint == "" {
			continue
		}
		if _, err := endpoint.Parse(ep.Endpoint); err != nil {
			return ConnectRequest{}, fmt.Errorf("%w: endpoint %d: %v", ErrInvalidRequest, len(out.Endpoints), err)
		}
		if ep.Tunnel != nil {
			t := ep.Tunnel.Normalize()
			if t.Host == "" {
				ep.Tunnel = nil
			} else {
				ep.Tunnel = &t
			}
		}
		out.Endpoints = append(out.Endpoints, ep)
	}
	if len(out.Endpoints) == 0 {
		return ConnectRequest{}, fmt.Errorf("%w: at least one endpoint is required", ErrInvalidRequest)
	}
	return out, nil
}
