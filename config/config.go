package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string           `yaml:"listen"`
	Environment   string           `yaml:"environment"`
	Database      DatabaseConfig   `yaml:"database"`
	Log           LogConfig        `yaml:"log"`
	Chain         ChainConfig      `yaml:"chain"`
	Settlement    SettlementConfig `yaml:"settlement"`
	Announce      AnnounceConfig   `yaml:"announce"`
	Admin         AdminConfig      `yaml:"admin"`
}

// DatabaseConfig selects the reward ledger backing store.
type DatabaseConfig struct {
	// Driver is either "postgres" or "sqlite".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// LogConfig controls optional rotated file output.
type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ChainConfig configures the external reward vault contract client.
type ChainConfig struct {
	RPC            string   `yaml:"rpc"`
	ChainID        uint64   `yaml:"chain_id"`
	VaultAddress   string   `yaml:"vault"`
	SignerKey      string   `yaml:"signer_key"`
	SignerKeyFile  string   `yaml:"signer_key_file"`
	SignerKeyEnv   string   `yaml:"signer_key_env"`
	TokenDecimals  int32    `yaml:"token_decimals"`
	ConfirmTimeout Duration `yaml:"confirm_timeout"`
	PollInterval   Duration `yaml:"poll_interval"`
}

// SettlementConfig tunes the reconciliation loop. The run lease is renewed
// while a run is in flight; lease_ttl bounds how long a crashed instance
// blocks the others before its lease can be stolen.
type SettlementConfig struct {
	Interval          Duration `yaml:"interval"`
	VerifyConcurrency int      `yaml:"verify_concurrency"`
	StuckThreshold    int      `yaml:"stuck_threshold"`
	LeaseTTL          Duration `yaml:"lease_ttl"`
	ReportDir         string   `yaml:"report_dir"`
}

// AnnounceConfig configures the best-effort claimable-reward webhook.
type AnnounceConfig struct {
	URL           string `yaml:"url"`
	Secret        string `yaml:"secret"`
	RatePerMinute int    `yaml:"rate_per_minute"`
	QueueCapacity int    `yaml:"queue_capacity"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string `yaml:"bearer_token"`
	BearerTokenFile string `yaml:"bearer_token_file"`
}

// Load reads configuration from the supplied path.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Chain.normalise(); err != nil {
		return cfg, fmt.Errorf("chain signer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7085"
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Chain.TokenDecimals == 0 {
		cfg.Chain.TokenDecimals = 18
	}
	if cfg.Chain.ConfirmTimeout.Duration == 0 {
		cfg.Chain.ConfirmTimeout.Duration = 2 * time.Minute
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 3 * time.Second
	}
	if cfg.Settlement.Interval.Duration == 0 {
		cfg.Settlement.Interval.Duration = time.Hour
	}
	if cfg.Settlement.VerifyConcurrency <= 0 {
		cfg.Settlement.VerifyConcurrency = 4
	}
	if cfg.Settlement.StuckThreshold <= 0 {
		cfg.Settlement.StuckThreshold = 5
	}
	if cfg.Settlement.LeaseTTL.Duration == 0 {
		cfg.Settlement.LeaseTTL.Duration = 5 * time.Minute
	}
	if cfg.Announce.RatePerMinute <= 0 {
		cfg.Announce.RatePerMinute = 30
	}
	if cfg.Announce.QueueCapacity <= 0 {
		cfg.Announce.QueueCapacity = 256
	}
}

func validate(cfg Config) error {
	switch cfg.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if strings.TrimSpace(cfg.Chain.RPC) == "" {
		return fmt.Errorf("chain rpc must be configured")
	}
	if cfg.Chain.ChainID == 0 {
		return fmt.Errorf("chain chain_id must be configured")
	}
	if strings.TrimSpace(cfg.Chain.VaultAddress) == "" {
		return fmt.Errorf("chain vault address must be configured")
	}
	if strings.TrimSpace(cfg.Chain.SignerKey) == "" {
		return fmt.Errorf("signer key must be configured")
	}
	if cfg.Admin.BearerToken == "" {
		return fmt.Errorf("admin bearer_token must be configured")
	}
	return nil
}

func (c *ChainConfig) normalise() error {
	if c == nil {
		return fmt.Errorf("chain configuration missing")
	}
	c.SignerKey = strings.TrimSpace(c.SignerKey)
	c.SignerKeyEnv = strings.TrimSpace(c.SignerKeyEnv)
	c.SignerKeyFile = strings.TrimSpace(c.SignerKeyFile)
	if c.SignerKey != "" {
		return nil
	}
	switch {
	case c.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(c.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", c.SignerKeyEnv)
		}
		c.SignerKey = value
	case c.SignerKeyFile != "":
		contents, err := os.ReadFile(c.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		c.SignerKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("signer_key is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	return nil
}
