package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the shared configuration for escrowctl, projectiond and mcpserver.
type Config struct {
	LogLevel     string
	Network      string
	ProfilesFile string

	ProjectionURL string
	JudgeURL      string
	Timeout       time.Duration
	JudgeTimeout  time.Duration

	Actor            string
	WalletPrivateKey string

	Listen      string
	StoreDriver string
	PGDSN       string
	Seed        bool
	APIKey      string

	Reconcile          bool
	ReconcileInterval  time.Duration
	ReconcileFromBlock uint64

	MCPHTTPAddr string
}

// Defaults applied before the file and environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("network", "sepolia")
	v.SetDefault("projection.url", "http://127.0.0.1:8000")
	v.SetDefault("projection.timeout", 15*time.Second)
	v.SetDefault("judge.url", "http://127.0.0.1:8000")
	v.SetDefault("judge.timeout", 2*time.Minute)
	v.SetDefault("server.listen", ":8000")
	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.seed", true)
	v.SetDefault("reconcile.enabled", true)
	v.SetDefault("reconcile.interval", 60*time.Second)
	v.SetDefault("reconcile.from_block", 0)
}

// Load reads the optional YAML file at path, then ESCROW_* environment
// overrides (ESCROW_PROJECTION_URL for projection.url and so on).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{
		LogLevel:           v.GetString("log.level"),
		Network:            v.GetString("network"),
		ProfilesFile:       v.GetString("profiles"),
		ProjectionURL:      strings.TrimRight(v.GetString("projection.url"), "/"),
		JudgeURL:           strings.TrimRight(v.GetString("judge.url"), "/"),
		Timeout:            v.GetDuration("projection.timeout"),
		JudgeTimeout:       v.GetDuration("judge.timeout"),
		Actor:              v.GetString("actor"),
		WalletPrivateKey:   v.GetString("wallet.private_key"),
		Listen:             v.GetString("server.listen"),
		StoreDriver:        strings.ToLower(v.GetString("store.driver")),
		PGDSN:              v.GetString("store.pg_dsn"),
		Seed:               v.GetBool("store.seed"),
		APIKey:             v.GetString("server.api_key"),
		Reconcile:          v.GetBool("reconcile.enabled"),
		ReconcileInterval:  v.GetDuration("reconcile.interval"),
		ReconcileFromBlock: v.GetUint64("reconcile.from_block"),
		MCPHTTPAddr:        v.GetString("mcp.http_addr"),
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.PGDSN == "" {
			return fmt.Errorf("ESCROW_STORE_PG_DSN required when store driver is postgres")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.StoreDriver)
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile interval must be positive, got %s", c.ReconcileInterval)
	}
	return nil
}
