package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"projection url", cfg.ProjectionURL, "http://127.0.0.1:8000"},
		{"judge url", cfg.JudgeURL, "http://127.0.0.1:8000"},
		{"network", cfg.Network, "sepolia"},
		{"store driver", cfg.StoreDriver, "memory"},
		{"listen", cfg.Listen, ":8000"},
		{"reconcile interval", cfg.ReconcileInterval, 60 * time.Second},
		{"log level", cfg.LogLevel, "info"},
		{"judge timeout", cfg.JudgeTimeout, 2 * time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %v but got %v", tt.want, tt.got)
			}
		})
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ESCROW_PROJECTION_URL", "http://projection:9000/")
	t.Setenv("ESCROW_NETWORK", "mainnet")
	t.Setenv("ESCROW_ACTOR", "Florent Thevenin")
	t.Setenv("ESCROW_RECONCILE_INTERVAL", "5s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.ProjectionURL != "http://projection:9000" {
		t.Errorf("Expected trimmed projection url but got %s", cfg.ProjectionURL)
	}
	if cfg.Network != "mainnet" || cfg.Actor != "Florent Thevenin" {
		t.Errorf("Expected env overrides, got network=%s actor=%s", cfg.Network, cfg.Actor)
	}
	if cfg.ReconcileInterval != 5*time.Second {
		t.Errorf("Expected 5s interval but got %s", cfg.ReconcileInterval)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrow.yaml")
	content := "network: mainnet\nstore:\n  driver: postgres\n  pg_dsn: postgres://file\nserver:\n  listen: \":9100\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("ESCROW_STORE_PG_DSN", "postgres://env")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if cfg.Network != "mainnet" || cfg.Listen != ":9100" || cfg.StoreDriver != "postgres" {
		t.Errorf("Expected file values, got %+v", cfg)
	}
	if cfg.PGDSN != "postgres://env" {
		t.Errorf("Expected env to override file dsn but got %s", cfg.PGDSN)
	}
}

func TestLoadValidation(t *testing.T) {
	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("ESCROW_STORE_DRIVER", "postgres")
		if _, err := Load(""); err == nil {
			t.Error("Expected error for postgres without dsn")
		}
	})
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("ESCROW_STORE_DRIVER", "redis")
		if _, err := Load(""); err == nil {
			t.Error("Expected error for unknown store driver")
		}
	})
	t.Run("missing file", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("Expected error for missing config file")
		}
	})
}
