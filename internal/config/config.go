package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config" yaml:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases" yaml:"databases"`
	Redis       RedisConfig               `json:"redis" yaml:"redis"`
	Providers   map[string]ProviderConfig `json:"providers" yaml:"providers"`
	Routing     RoutingConfig             `json:"routing" yaml:"routing"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	APIKey  string `json:"api_key" yaml:"api_key"`
}

type BasicConfig struct {
	ServerAddress     string `json:"server_address" yaml:"server_address"`
	DefaultProvider   string `json:"default_provider" yaml:"default_provider"`
	MinWorkers        int    `json:"min_workers" yaml:"min_workers"`
	MaxWorkers        int    `json:"max_workers" yaml:"max_workers"`
	QueueSize         int    `json:"queue_size" yaml:"queue_size"`
	WorkerIdleTimeout int    `json:"worker_idle_timeout" yaml:"worker_idle_timeout"` // minutes
	RequestTimeout    int    `json:"request_timeout" yaml:"request_timeout"`         // seconds
	FileBaseDir       string `json:"file_base_dir" yaml:"file_base_dir"`
	AttachmentTTL     int    `json:"attachment_ttl" yaml:"attachment_ttl"`         // minutes
	AttachmentCleanup int    `json:"attachment_cleanup" yaml:"attachment_cleanup"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn" yaml:"dsn"`
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DBName   string `json:"db_name" yaml:"db_name"`
	Params   string `json:"params" yaml:"params"`
}

// RedisConfig is optional; an empty Host disables the history cache.
type RedisConfig struct {
	Host     string `json:"host" yaml:"host"`
	Port     int    `json:"port" yaml:"port"`
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// RoutingConfig drives the moderator classification call and the confidence gate.
type RoutingConfig struct {
	Provider                string  `json:"provider" yaml:"provider"`
	Model                   string  `json:"model" yaml:"model"`
	HighConfidenceThreshold float64 `json:"high_confidence_threshold" yaml:"high_confidence_threshold"`
	ClusterMargin           float64 `json:"cluster_margin" yaml:"cluster_margin"`
}

const (
	DefaultHighConfidenceThreshold = 0.8
	DefaultClusterMargin           = 0.05
)

// Load reads configuration from the provided path (defaults to config.json).
// Files with a .yaml or .yml extension are decoded as YAML with ${VAR} expansion.
func Load(path string) (*Config, error) {
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(absPath)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	default:
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	if err := cfg.normalize(filepath.Dir(absPath)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize(baseDir string) error {
	if len(c.Databases) == 0 {
		return errors.New("at least one database must be configured")
	}
	for name, db := range c.Databases {
		lower := strings.ToLower(name)
		if (lower == "sqlite" || lower == "sqlite3") && db.DSN != "" && db.DSN != ":memory:" &&
			!strings.HasPrefix(db.DSN, "file:") && !filepath.IsAbs(db.DSN) {
			db.DSN = filepath.Join(baseDir, db.DSN)
			c.Databases[name] = db
		}
	}

	r := &c.Routing
	if r.HighConfidenceThreshold == 0 {
		r.HighConfidenceThreshold = DefaultHighConfidenceThreshold
	}
	if r.HighConfidenceThreshold < 0 || r.HighConfidenceThreshold > 1 {
		return fmt.Errorf("routing.high_confidence_threshold must be within (0,1], got %v", r.HighConfidenceThreshold)
	}
	if r.ClusterMargin == 0 {
		r.ClusterMargin = DefaultClusterMargin
	}
	if r.ClusterMargin < 0 {
		return fmt.Errorf("routing.cluster_margin cannot be negative")
	}
	if r.Provider == "" {
		r.Provider = c.BasicConfig.DefaultProvider
	}
	return nil
}
