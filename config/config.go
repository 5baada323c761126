// Package config loads the server configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/contract-ledger/logging"
	"github.com/warp/contract-ledger/metrics"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Party     PartyConfig     `yaml:"party"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Log       logging.Config  `yaml:"log"`
	Metrics   metrics.Config  `yaml:"metrics"`
}

type ServerConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // ":memory:" for an in-memory database
}

type PartyConfig struct {
	ID string `yaml:"id"` // this MSP's identity on the ledger
}

type LedgerConfig struct {
	RoutingSecret string `yaml:"routing_secret"`
	// RetainRemoteCopy keeps ingested documents on the ledger instead of
	// deleting them after a successful local write.
	RetainRemoteCopy bool `yaml:"retain_remote_copy"`
}

type ReconcileConfig struct {
	ApprovalPolicy    string `yaml:"approval_policy"`    // all_required | any_sufficient
	TieBreak          string `yaml:"tie_break"`          // listing | reference
	SignatureOverflow string `yaml:"signature_overflow"` // drop | record
}

type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173", "http://localhost:8080"}
	}
	if c.Database.Path == "" {
		c.Database.Path = "ledger.db"
	}
	if c.Reconcile.ApprovalPolicy == "" {
		c.Reconcile.ApprovalPolicy = "all_required"
	}
	if c.Reconcile.TieBreak == "" {
		c.Reconcile.TieBreak = "listing"
	}
	if c.Reconcile.SignatureOverflow == "" {
		c.Reconcile.SignatureOverflow = "record"
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = time.Minute
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	c.Metrics.ApplyDefaults()
}

// Validate rejects unknown policy names and missing identity.
func (c *Config) Validate() error {
	if c.Party.ID == "" {
		return fmt.Errorf("config: party.id is required")
	}
	if err := oneOf("reconcile.approval_policy", c.Reconcile.ApprovalPolicy, "all_required", "any_sufficient"); err != nil {
		return err
	}
	if err := oneOf("reconcile.tie_break", c.Reconcile.TieBreak, "listing", "reference"); err != nil {
		return err
	}
	if err := oneOf("reconcile.signature_overflow", c.Reconcile.SignatureOverflow, "drop", "record"); err != nil {
		return err
	}
	if c.Scheduler.Interval < 0 {
		return fmt.Errorf("config: scheduler.interval must be positive")
	}
	return nil
}

func oneOf(field, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("config: %s must be one of %v, got %q", field, allowed, value)
}
