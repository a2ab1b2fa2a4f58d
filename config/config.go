package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"docmesh/oid"
)

var log = logrus.New()

// Duration wraps time.Duration so config files can use human-readable values
// like "30s" or "5m".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// Config is the configuration surface consumed by the docmesh core.
type Config struct {
	// Default config file location
	configFile string

	Node struct {
		NodeID *oid.Oid `json:"node_id"`
		Name   string   `json:"name"`
	} `json:"node"`

	Network struct {
		SyncListenAddress string `json:"sync_listen_address"`
		// AdvertisedPort is the TCP sync port announced over discovery.
		AdvertisedPort   int      `json:"advertised_port"`
		DiscoveryGroup   string   `json:"discovery_group"`
		AnnounceInterval Duration `json:"announce_interval"`
	} `json:"network"`

	Security struct {
		// SharedSecret keys the HMAC message signatures. All nodes in a mesh share it.
		SharedSecret string   `json:"shared_secret"`
		AuthToken    string   `json:"auth_token"`
		MessageTTL   Duration `json:"message_ttl"`
		RequireAuth  bool     `json:"require_auth"`
	} `json:"security"`

	Sync struct {
		ConflictStrategy string   `json:"conflict_strategy"`
		RequestTimeout   Duration `json:"request_timeout"`
		IdleTimeout      Duration `json:"idle_timeout"`
		AutoReconnect    bool     `json:"auto_reconnect"`
	} `json:"sync"`

	DataStore struct {
		IndexPath   string `json:"index"`
		ContentPath string `json:"content"`
	} `json:"datastore"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Node.Name = "docmesh-node"

	cfg.Network.SyncListenAddress = ":7600"
	cfg.Network.AdvertisedPort = 7600
	cfg.Network.DiscoveryGroup = "239.77.77.77:7700"
	cfg.Network.AnnounceInterval = Duration{5 * time.Second}

	cfg.Security.MessageTTL = Duration{30 * time.Second}
	cfg.Security.RequireAuth = true

	cfg.Sync.ConflictStrategy = "last-write-wins"
	cfg.Sync.RequestTimeout = Duration{10 * time.Second}
	cfg.Sync.IdleTimeout = Duration{2 * time.Minute}
	cfg.Sync.AutoReconnect = true

	cfg.DataStore.IndexPath = "/tmp/docmesh/index"
	cfg.DataStore.ContentPath = "/tmp/docmesh/content"

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0600)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return err
	}

	return c.validate()
}

func (c *Config) validate() error {
	if c.Node.NodeID == nil {
		return fmt.Errorf("config: node_id is not set, run 'docmesh init' first")
	}
	if c.Security.SharedSecret == "" {
		return fmt.Errorf("config: shared_secret is not set")
	}
	return nil
}
