package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	DataPath     string `envconfig:"DATA_PATH" default:"~/.ovsdb-viewer"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:""`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8000"`
	// When set, /api/v1 requires "Authorization: Bearer <token>"
	APIToken string `envconfig:"API_TOKEN" default:""`

	// History persistence: "sqlite" (gorm) or "file" (JSON document)
	HistoryBackend string `envconfig:"HISTORY_BACKEND" default:"sqlite"`
	HistoryFile    string `envconfig:"HISTORY_FILE" default:""`

	// Tunnel settings
	KnownHosts string        `envconfig:"KNOWN_HOSTS" default:""`
	HopTimeout time.Duration `envconfig:"HOP_TIMEOUT" default:"10s"`

	// OVSDB settings
	RPCTimeout      time.Duration `envconfig:"RPC_TIMEOUT" default:"30s"`
	DefaultDatabase string        `envconfig:"DEFAULT_DATABASE" default:"Open_vSwitch"`

	// Session settings
	SessionIdleTimeout time.Duration `envconfig:"SESSION_IDLE_TIMEOUT" default:"30m"`
	ReapSchedule       string        `envconfig:"REAP_SCHEDULE" default:"@every 1m"`
}

var Cfg Settings

func Load() {
	// start from zero so paths derived by an earlier Load are not kept
	var s Settings
	if err := envconfig.Process("OVSDBV", &s); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	s.DataPath = expandHome(s.DataPath)
	if s.DatabasePath == "" {
		s.DatabasePath = s.DataPath + "/ovsdb-viewer.db"
	}
	if s.HistoryFile == "" {
		s.HistoryFile = s.DataPath + "/connection_history.json"
	}
	if s.LogPath == "" {
		s.LogPath = s.DataPath + "/ovsdb-viewer.log"
	}
	s.KnownHosts = expandHome(s.KnownHosts)
	Cfg = s
}
