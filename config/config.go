// Package config loads the daemon configuration from a TOML file,
// creating a default file when none exists.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	MetricsAddress string `toml:"MetricsAddress"`
	DataDir        string `toml:"DataDir"`
	GenesisFile    string `toml:"GenesisFile"`

	// Authority is the admin identity allowed to change pool parameters.
	Authority string `toml:"Authority"`

	// StaleSlotThreshold is the maximum slot lag an oracle reading may
	// have on price-sensitive paths.
	StaleSlotThreshold uint64 `toml:"StaleSlotThreshold"`
	// EventTailLimit bounds the in-memory event tail served over RPC.
	EventTailLimit int `toml:"EventTailLimit"`
	// JournalBackend selects the event journal store: "memory" or
	// "leveldb".
	JournalBackend string `toml:"JournalBackend"`

	LogLevel      string `toml:"LogLevel"`
	LogFile       string `toml:"LogFile"`
	LogMaxSizeMB  int    `toml:"LogMaxSizeMB"`
	LogMaxBackups int    `toml:"LogMaxBackups"`
	LogMaxAgeDays int    `toml:"LogMaxAgeDays"`
}

// Load reads the configuration at path, writing and returning the
// default configuration when the file does not exist.
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

func defaultConfig() *Config {
	return &Config{
		RPCAddress:         "127.0.0.1:8546",
		MetricsAddress:     "127.0.0.1:9464",
		DataDir:            "./clone-data",
		GenesisFile:        "./genesis.json",
		StaleSlotThreshold: 90,
		EventTailLimit:     1024,
		JournalBackend:     "leveldb",
		LogLevel:           "info",
		LogMaxSizeMB:       64,
		LogMaxBackups:      4,
		LogMaxAgeDays:      14,
	}
}

func (c *Config) applyDefaults() {
	def := defaultConfig()
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = def.RPCAddress
	}
	if strings.TrimSpace(c.MetricsAddress) == "" {
		c.MetricsAddress = def.MetricsAddress
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.GenesisFile) == "" {
		c.GenesisFile = def.GenesisFile
	}
	if c.StaleSlotThreshold == 0 {
		c.StaleSlotThreshold = def.StaleSlotThreshold
	}
	if c.EventTailLimit == 0 {
		c.EventTailLimit = def.EventTailLimit
	}
	if strings.TrimSpace(c.JournalBackend) == "" {
		c.JournalBackend = def.JournalBackend
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogMaxSizeMB == 0 {
		c.LogMaxSizeMB = def.LogMaxSizeMB
	}
	if c.LogMaxBackups == 0 {
		c.LogMaxBackups = def.LogMaxBackups
	}
	if c.LogMaxAgeDays == 0 {
		c.LogMaxAgeDays = def.LogMaxAgeDays
	}
}

// Validate rejects settings that would otherwise fail later in a
// confusing place.
func (c *Config) Validate() error {
	switch c.JournalBackend {
	case "memory", "leveldb":
	default:
		return fmt.Errorf("config: unknown JournalBackend %q", c.JournalBackend)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LogLevel %q", c.LogLevel)
	}
	return nil
}

// SnapshotPath locates the bbolt state file inside the data directory.
func (c *Config) SnapshotPath() string {
	return filepath.Join(c.DataDir, "state.db")
}

// JournalPath locates the event journal inside the data directory.
func (c *Config) JournalPath() string {
	return filepath.Join(c.DataDir, "journal")
}

// createDefault writes the default configuration to path.
func createDefault(path string) (*Config, error) {
	cfg := defaultConfig()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
