package storage

import (
	"testing"

	"agentdesk/internal/config"
)

func TestOpenAndMigrateSQLiteDrivers(t *testing.T) {
	for _, driver := range []string{"sqlite3", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			cfg := &config.Config{
				Databases: map[string]config.DatabaseConfig{
					driver: {DSN: ":memory:"},
				},
			}
			db, err := Open(driver, cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			defer db.Close()
			if err := Migrate(db, driver); err != nil {
				t.Fatalf("migrate: %v", err)
			}
			// Migrations must be idempotent.
			if err := Migrate(db, driver); err != nil {
				t.Fatalf("second migrate: %v", err)
			}
			for _, table := range []string{"users", "auth_tokens", "projects", "provider_keys", "agents", "conversations", "messages", "attachments"} {
				var name string
				if err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name); err != nil {
					t.Fatalf("table %s missing: %v", table, err)
				}
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"postgres": {DSN: "x"}}}
	if _, err := Open("postgres", cfg); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := Open("sqlite3", cfg); err == nil {
		t.Fatalf("expected missing config error")
	}
}
