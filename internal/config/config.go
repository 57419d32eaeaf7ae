package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is prepended to every environment variable, e.g. LAUNCHER_LISTEN.
const Prefix = "LAUNCHER"

type Settings struct {
	Listen      string `envconfig:"LISTEN" default:":8080"`
	CatalogFile string `envconfig:"CATALOG_FILE" default:"deploy/catalog.yaml"`

	// Key-value store. An empty path keeps entries in memory only.
	StorePath  string `envconfig:"STORE_PATH" default:""`
	StoreSweep string `envconfig:"STORE_SWEEP" default:"@every 5m"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`

	SSHConnectTimeout time.Duration `envconfig:"SSH_CONNECT_TIMEOUT" default:"10s"`
	SSHExecuteDelay   time.Duration `envconfig:"SSH_EXECUTE_DELAY" default:"1s"`
	SSHKnownHosts     string        `envconfig:"SSH_KNOWN_HOSTS" default:""`

	ReconcileInterval time.Duration `envconfig:"RECONCILE_INTERVAL" default:"60s"`
	ReconcileJitter   time.Duration `envconfig:"RECONCILE_JITTER" default:"0s"`

	PingTimeout   time.Duration `envconfig:"PING_TIMEOUT" default:"5s"`
	RestartSettle time.Duration `envconfig:"RESTART_SETTLE" default:"5s"`
}

// Load reads Settings from the environment.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if s.SSHConnectTimeout <= 0 {
		return Settings{}, fmt.Errorf("load config: %s_SSH_CONNECT_TIMEOUT must be positive", Prefix)
	}
	if s.ReconcileInterval <= 0 {
		return Settings{}, fmt.Errorf("load config: %s_RECONCILE_INTERVAL must be positive", Prefix)
	}
	if s.SSHExecuteDelay < 0 {
		s.SSHExecuteDelay = 0
	}
	return s, nil
}
