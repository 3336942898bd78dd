package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables consulted for the vault secret, in order.
const (
	EnvEscrowKey     = "CLODDS_ESCROW_KEY"
	EnvCredentialKey = "CLODDS_CREDENTIAL_KEY"
)

// Load balancing policies accepted by the orchestrator.
const (
	LoadBalancingRoundRobin = "round-robin"
	LoadBalancingLeastBusy  = "least-busy"
	LoadBalancingRandom     = "random"
	LoadBalancingCapability = "capability"
)

// Config captures the runtime options for the ACP daemon.
type Config struct {
	ListenAddress    string `toml:"ListenAddress"`
	DataDir          string `toml:"DataDir"`
	DatabasePath     string `toml:"DatabasePath"`
	SolanaRPCURL     string `toml:"SolanaRPCURL"`
	OracleFeedsPath  string `toml:"OracleFeedsPath"`
	Environment      string `toml:"Environment"`
	LogFile          string `toml:"LogFile"`
	OTLPEndpoint     string `toml:"OTLPEndpoint"`
	HeartbeatSeconds int    `toml:"HeartbeatSeconds"`
	TaskTimeoutSecs  int    `toml:"TaskTimeoutSeconds"`
	MaxRetries       int    `toml:"MaxRetries"`
	LoadBalancing    string `toml:"LoadBalancing"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		ListenAddress:    ":8091",
		DataDir:          "./acp-data",
		SolanaRPCURL:     "https://api.devnet.solana.com",
		Environment:      "local",
		HeartbeatSeconds: 30,
		TaskTimeoutSecs:  300,
		MaxRetries:       3,
		LoadBalancing:    LoadBalancingRoundRobin,
	}
}

func (c *Config) applyDefaults(path string) {
	def := defaults()
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = def.ListenAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = filepath.Join(filepath.Dir(path), "acp-data")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		c.DatabasePath = filepath.Join(c.DataDir, "acp.db")
	}
	if strings.TrimSpace(c.SolanaRPCURL) == "" {
		c.SolanaRPCURL = def.SolanaRPCURL
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = def.Environment
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = def.HeartbeatSeconds
	}
	if c.TaskTimeoutSecs <= 0 {
		c.TaskTimeoutSecs = def.TaskTimeoutSecs
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if strings.TrimSpace(c.LoadBalancing) == "" {
		c.LoadBalancing = def.LoadBalancing
	}
}

// Validate checks enum-valued fields.
func (c *Config) Validate() error {
	switch c.LoadBalancing {
	case LoadBalancingRoundRobin, LoadBalancingLeastBusy, LoadBalancingRandom, LoadBalancingCapability:
	default:
		return fmt.Errorf("config: unsupported LoadBalancing %q", c.LoadBalancing)
	}
	return nil
}

// HeartbeatInterval returns the agent liveness tick.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// TaskTimeout returns the default per-task execution timeout.
func (c *Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSecs) * time.Second
}

// VaultSecret resolves the escrow vault secret from the environment. The empty
// string means no secret is configured; the vault rejects operations in that
// case.
func VaultSecret() string {
	if v := strings.TrimSpace(os.Getenv(EnvEscrowKey)); v != "" {
		return v
	}
	return strings.TrimSpace(os.Getenv(EnvCredentialKey))
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := defaults()
	cfg.DataDir = filepath.Join(filepath.Dir(path), "acp-data")
	cfg.DatabasePath = filepath.Join(cfg.DataDir, "acp.db")
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	return toml.NewEncoder(file).Encode(cfg)
}
