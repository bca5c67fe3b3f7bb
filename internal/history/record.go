package history

import (
	"github.com/gluk-w/ovsdb-viewer/internal/sshtunnel"
)

// CurrentVersion is the record version written by this build.
const CurrentVersion = 2

// EndpointConfig is one endpoint of a saved connection.
type EndpointConfig struct {
	Endpoint string          `json:"endpoint" yaml:"endpoint"`
	Tunnel   *sshtunnel.Spec `json:"tunnel,omitempty" yaml:"tunnel,omitempty"`
}

// Clone returns a deep copy.
func (e EndpointConfig) Clone() EndpointConfig {
	if e.Tunnel != nil {
		t := e.Tunnel.Clone()
		e.Tunnel = &t
	}
	return e
}

// Record is one saved connection. The flat fields are the single-endpoint
// layout of versions 0 and 1; they are read for migration and cleared by
// Upgrade, so they are never written by the current version.
type Record struct {
	Version   int              `json:"version"`
	Timestamp int64            `json:"timestamp"`
	Endpoints []EndpointConfig `json:"endpoints"`

	Host               string   `json:"host,omitempty"`
	Port               int      `json:"port,omitempty"`
	User               string   `json:"user,omitempty"`
	KeyFile            string   `json:"keyFile,omitempty"`
	Endpoint           string   `json:"endpoint,omitempty"`
	JumpHosts          []string `json:"jumpHosts,omitempty"`
	LocalForwarderType string   `json:"localForwarderType,omitempty"`
}

// Clone returns a deep copy.
func (r Record) Clone() Record {
	if r.Endpoints != nil {
		eps := make([]EndpointConfig, len(r.Endpoints))
		for i, e := range r.Endpoints {
			eps[i] = e.Clone()
		}
		r.Endpoints = eps
	}
	if r.JumpHosts != nil {
		r.JumpHosts = append([]string{}, r.JumpHosts...)
	}
	return r
}

// upgrades[v] turns a version v record into a version v+1 record.
var upgrades = map[int]func(Record) Record{
	0: upgradeV0,
	1: upgradeV1,
}

// Upgrade brings r to CurrentVersion by applying each step of the upgrade
// chain in turn. Records already at CurrentVersion, or from a newer build,
// are returned unchanged. Upgrade is pure and idempotent.
func Upgrade(r Record) Record {
	r = r.Clone()
	if r.Version < 0 {
		r.Version = 0
	}
	for r.Version < CurrentVersion {
		step, ok := upgrades[r.Version]
		if !ok {
			break
		}
		r = step(r)
	}
	return r
}

// upgradeV0 handles records written before the version field existed: the
// SSH port and forwarder kind were optional.
func upgradeV0(r Record) Record {
	if r.Host != "" {
		if r.Port == 0 {
			r.Port = sshtunnel.DefaultSSHPort
		}
		if r.LocalForwarderType == "" {
			r.LocalForwarderType = string(sshtunnel.ForwarderTCP)
		}
	}
	r.Version = 1
	return r
}

// upgradeV1 moves the flat single-endpoint fields into Endpoints.
func upgradeV1(r Record) Record {
	if len(r.Endpoints) == 0 && r.Endpoint != "" {
		ep := EndpointConfig{Endpoint: r.Endpoint}
		if r.Host != "" {
			ep.Tunnel = &sshtunnel.Spec{
				Host:               r.Host,
				Port:               r.Port,
				User:               r.User,
				KeyFile:            r.KeyFile,
				JumpHosts:          append([]string{}, r.JumpHosts...),
				LocalForwarderType: sshtunnel.ForwarderKind(r.LocalForwarderType),
			}
		}
		r.Endpoints = []EndpointConfig{ep}
	}
	r.Host = ""
	r.Port = 0
	r.User = ""
	r.KeyFile = ""
	r.Endpoint = ""
	r.JumpHosts = nil
	r.LocalForwarderType = ""
	r.Version = 2
	return r
}
