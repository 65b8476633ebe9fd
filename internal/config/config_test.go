package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadJSONAppliesRoutingDefaults(t *testing.T) {
	path := writeConfig(t, "config.json", `{
		"basic_config": {"server_address": ":9000", "default_provider": "openai"},
		"databases": {"sqlite3": {"dsn": "data/app.db"}},
		"providers": {"openai": {"model": "gpt-4o-mini", "api_key": "k"}}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Routing.HighConfidenceThreshold != DefaultHighConfidenceThreshold {
		t.Fatalf("threshold default not applied: %v", cfg.Routing.HighConfidenceThreshold)
	}
	if cfg.Routing.ClusterMargin != DefaultClusterMargin {
		t.Fatalf("cluster margin default not applied: %v", cfg.Routing.ClusterMargin)
	}
	if cfg.Routing.Provider != "openai" {
		t.Fatalf("routing provider should fall back to default provider, got %q", cfg.Routing.Provider)
	}
	want := filepath.Join(filepath.Dir(path), "data/app.db")
	if got := cfg.Databases["sqlite3"].DSN; got != want {
		t.Fatalf("relative dsn not resolved: want %s got %s", want, got)
	}
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("AGENTDESK_TEST_KEY", "secret")
	path := writeConfig(t, "config.yaml", `
basic_config:
  server_address: ":8090"
databases:
  sqlite3:
    dsn: ":memory:"
providers:
  claude:
    model: claude-sonnet
    api_key: ${AGENTDESK_TEST_KEY}
routing:
  high_confidence_threshold: 0.7
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers["claude"].APIKey != "secret" {
		t.Fatalf("env not expanded: %q", cfg.Providers["claude"].APIKey)
	}
	if cfg.Routing.HighConfidenceThreshold != 0.7 {
		t.Fatalf("threshold mismatch: %v", cfg.Routing.HighConfidenceThreshold)
	}
	if cfg.Databases["sqlite3"].DSN != ":memory:" {
		t.Fatalf("memory dsn must be kept as is")
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := map[string]string{
		"no databases":  `{"basic_config": {}}`,
		"bad threshold": `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "routing": {"high_confidence_threshold": 1.5}}`,
		"bad margin":    `{"databases": {"sqlite3": {"dsn": ":memory:"}}, "routing": {"cluster_margin": -0.1}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, "config.json", body)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}
