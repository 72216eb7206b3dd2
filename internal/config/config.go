// Package config loads the process configuration: compiled-in defaults,
// overridden by config/config.yml, then config/config.local.yml, then
// environment variables.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type StorageConfig struct {
	// Backend selects the storage implementation: mongo, sqlite or memory.
	Backend      string `yaml:"backend"`
	MongoURI     string `yaml:"mongo_uri"`
	DatabaseName string `yaml:"database_name"`
	SQLitePath   string `yaml:"sqlite_path"`
}

type PeerConfig struct {
	// Enabled starts the inbound peer listener.
	Enabled bool `yaml:"enabled"`

	// NATSURL is the broker carrying peer traffic.
	NATSURL string `yaml:"nats_url"`

	// Subject is the NATS subject this node answers replication requests on.
	Subject string `yaml:"subject"`

	// AuthSecret signs and verifies peer session tokens.
	AuthSecret string `yaml:"auth_secret"`

	// DisableDeltas forces full-body revisions for inbound sessions.
	DisableDeltas bool `yaml:"disable_deltas"`
}

type ReplicationConfig struct {
	Name        string        `yaml:"name"`
	PeerURL     string        `yaml:"peer_url"`
	Continuous  bool          `yaml:"continuous"`
	DocIDs      []string      `yaml:"doc_ids"`
	SkipDeleted bool          `yaml:"skip_deleted"`
	SkipForeign bool          `yaml:"skip_foreign"`
	NoDeltas    bool          `yaml:"no_deltas"`
	MaxRetries  int           `yaml:"max_retries"`
	Timeout     time.Duration `yaml:"timeout"`
}

type APIConfig struct {
	Port int `yaml:"port"`
}

type Config struct {
	Storage      StorageConfig       `yaml:"storage"`
	Peer         PeerConfig          `yaml:"peer"`
	Replications []ReplicationConfig `yaml:"replications"`
	API          APIConfig           `yaml:"api"`
}

func defaults() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:      "mongo",
			MongoURI:     "mongodb://localhost:27017",
			DatabaseName: "replix",
			SQLitePath:   "replix.db",
		},
		Peer: PeerConfig{
			Enabled: true,
			NATSURL: "nats://localhost:4222",
			Subject: "replix.peer",
		},
		API: APIConfig{
			Port: 8080,
		},
	}
}

// LoadConfig builds the effective configuration. Missing files are fine;
// malformed ones are logged and skipped so a bad local override can't take
// the process down.
func LoadConfig() *Config {
	cfg := defaults()
	loadFile(cfg, "config/config.yml")
	loadFile(cfg, "config/config.local.yml")
	applyEnv(cfg)
	return cfg
}

func loadFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[Config] Ignoring malformed %s: %v", path, err)
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("MONGO_URI"); v != "" {
		cfg.Storage.MongoURI = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		cfg.Storage.DatabaseName = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Peer.NATSURL = v
	}
	if v := os.Getenv("PEER_SUBJECT"); v != "" {
		cfg.Peer.Subject = v
	}
	if v := os.Getenv("AUTH_SECRET"); v != "" {
		cfg.Peer.AuthSecret = v
	}
	if v := os.Getenv("API_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = port
		} else {
			log.Printf("[Config] Ignoring bad API_PORT %q: %v", v, err)
		}
	}
}
