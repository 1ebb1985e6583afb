// Package config is the configuration loader shared by cmd/umbra-node
// and cmd/umbra-relay: a YAML file layered under flag-driven CLI
// overrides, each flag additionally honoring an env var fallback.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeConfig is the file-based config for cmd/umbra-node.
type NodeConfig struct {
	DisplayName    string   `yaml:"displayName"`
	DataDir        string   `yaml:"dataDir"`
	ListenAddrs    []string `yaml:"listenAddrs"`
	RelayURL       string   `yaml:"relayUrl"`
	BootstrapPeers []string `yaml:"bootstrapPeers"`
	Transport      string   `yaml:"transport"`
}

// DefaultNodeConfig gives every field a sane zero value so a missing
// config file still produces a runnable node.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		DataDir:     "./umbra-data",
		ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
		Transport:   "mock",
	}
}

// LoadNodeConfig reads path (if non-empty and present) over
// DefaultNodeConfig, then applies UMBRA_* env var overrides.
func LoadNodeConfig(path string) (NodeConfig, error) {
	cfg := DefaultNodeConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, err
			}
		} else if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, err
		}
	}
	if v := os.Getenv("UMBRA_DISPLAY_NAME"); v != "" {
		cfg.DisplayName = v
	}
	if v := os.Getenv("UMBRA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("UMBRA_RELAY_URL"); v != "" {
		cfg.RelayURL = v
	}
	if v := os.Getenv("UMBRA_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	return cfg, nil
}

// RelayConfig mirrors cmd/umbra-relay's CLI surface exactly.
type RelayConfig struct {
	Port                  int
	MaxOfflineMessages    int
	OfflineTTLDays        int
	SessionTTLSecs        int
	CleanupIntervalSecs   int
	Region                string
	Location              string
	PublicURL             string
	Peers                 []string
	RelayID               string
	PresenceHeartbeatSecs int
}

// DefaultRelayConfig matches internal/relayserver's own defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		Port:                  8787,
		MaxOfflineMessages:    1000,
		OfflineTTLDays:        7,
		SessionTTLSecs:        3600,
		CleanupIntervalSecs:   300,
		PresenceHeartbeatSecs: 30,
	}
}

// ApplyEnv layers RELAY_* environment variables over cfg, for flags the
// caller did not pass explicitly on the command line.
func ApplyEnv(cfg RelayConfig) RelayConfig {
	if v := os.Getenv("RELAY_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("RELAY_MAX_OFFLINE_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxOfflineMessages = n
		}
	}
	if v := os.Getenv("RELAY_OFFLINE_TTL_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.OfflineTTLDays = n
		}
	}
	if v := os.Getenv("RELAY_SESSION_TTL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.SessionTTLSecs = n
		}
	}
	if v := os.Getenv("RELAY_CLEANUP_INTERVAL_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.CleanupIntervalSecs = n
		}
	}
	if v := os.Getenv("RELAY_REGION"); v != "" {
		cfg.Region = v
	}
	if v := os.Getenv("RELAY_LOCATION"); v != "" {
		cfg.Location = v
	}
	if v := os.Getenv("RELAY_PUBLIC_URL"); v != "" {
		cfg.PublicURL = v
	}
	if v := os.Getenv("RELAY_PEERS"); v != "" {
		cfg.Peers = splitCommaList(v)
	}
	if v := os.Getenv("RELAY_ID"); v != "" {
		cfg.RelayID = v
	}
	if v := os.Getenv("RELAY_PRESENCE_HEARTBEAT_SECS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PresenceHeartbeatSecs = n
		}
	}
	return cfg
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
