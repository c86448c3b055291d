package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowd/crypto"
	"escrowd/native/fees"
)

// Config captures every tunable of the coordinator daemon.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`
	GenesisFile   string `toml:"GenesisFile"`

	// AdminAddress is the bech32 account allowed to update the base fee and
	// withdraw collected fees.
	AdminAddress string `toml:"AdminAddress"`
	BaseFeeBps   uint32 `toml:"BaseFeeBps"`

	JournalPath       string `toml:"JournalPath"`
	RelayStorePath    string `toml:"RelayStorePath"`
	RelayQueueSize    int    `toml:"RelayQueueSize"`
	RelayQueueTTLSecs int    `toml:"RelayQueueTTLSecs"`

	RPCToken           string  `toml:"RPCToken"`
	RateLimitPerSecond float64 `toml:"RateLimitPerSecond"`
	RateLimitBurst     int     `toml:"RateLimitBurst"`

	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`

	// OTLPEndpoint enables OTLP metric export when set, for example
	// "localhost:4318". Left empty the global meter stays a no-op.
	OTLPEndpoint string `toml:"OTLPEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure"`

	Batch BatchConfig `toml:"Batch"`
}

// BatchConfig tunes the advisory batch cost model.
type BatchConfig struct {
	PerItemBaseline uint64 `toml:"PerItemBaseline"`
	BatchBase       uint64 `toml:"BatchBase"`
	PerItemBatch    uint64 `toml:"PerItemBatch"`
}

// Load reads the configuration at path, creating a default file when none
// exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddress) == "" {
		c.ListenAddress = ":8545"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./escrowd-data"
	}
	if strings.TrimSpace(c.JournalPath) == "" {
		c.JournalPath = filepath.Join(c.DataDir, "journal.db")
	}
	if strings.TrimSpace(c.RelayStorePath) == "" {
		c.RelayStorePath = filepath.Join(c.DataDir, "relay.db")
	}
	if c.BaseFeeBps == 0 {
		c.BaseFeeBps = fees.DefaultBaseFeeBps
	}
	if c.Batch == (BatchConfig{}) {
		c.Batch = defaultBatchConfig()
	}
}

func defaultBatchConfig() BatchConfig {
	return BatchConfig{
		PerItemBaseline: 52_000,
		BatchBase:       21_000,
		PerItemBatch:    26_000,
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.BaseFeeBps > fees.MaxBasisPoints {
		return fmt.Errorf("BaseFeeBps %d exceeds %d", c.BaseFeeBps, fees.MaxBasisPoints)
	}
	if trimmed := strings.TrimSpace(c.AdminAddress); trimmed != "" {
		if _, err := crypto.DecodeAddress(trimmed); err != nil {
			return fmt.Errorf("invalid AdminAddress: %w", err)
		}
	}
	if c.RateLimitPerSecond < 0 {
		return fmt.Errorf("RateLimitPerSecond must not be negative")
	}
	if c.RateLimitBurst < 0 {
		return fmt.Errorf("RateLimitBurst must not be negative")
	}
	return nil
}

// Admin decodes the configured admin address. Returns the zero address when
// none is configured, which disables the administrative methods.
func (c *Config) Admin() (crypto.Address, error) {
	trimmed := strings.TrimSpace(c.AdminAddress)
	if trimmed == "" {
		return crypto.Address{}, nil
	}
	return crypto.DecodeAddress(trimmed)
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress: ":8545",
		DataDir:       "./escrowd-data",
		BaseFeeBps:    fees.DefaultBaseFeeBps,
		Batch:         defaultBatchConfig(),
	}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
