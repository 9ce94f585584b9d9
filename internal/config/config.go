package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/thanhnp/ledger-core/internal/models"
	"github.com/thanhnp/ledger-core/internal/storage"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Pebble  PebbleConfig  `yaml:"pebble"`
	Log     LogConfig     `yaml:"log"`
	Chain   ChainConfig   `yaml:"chain"`
	Mempool MempoolConfig `yaml:"mempool"`

	// Workers bounds the signature verification pool. Zero uses one
	// worker per CPU.
	Workers int `yaml:"workers"`
}

// ServerConfig represents the HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// PebbleConfig represents the Pebble database configuration
type PebbleConfig struct {
	Path         string `yaml:"path"`
	CacheSizeMB  int64  `yaml:"cache_size_mb"`
	MaxOpenFiles int    `yaml:"max_open_files"`
	NoSync       bool   `yaml:"no_sync"`
}

// Options converts the section to store options.
func (p PebbleConfig) Options() storage.Options {
	o := storage.DefaultOptions()
	if p.CacheSizeMB > 0 {
		o.CacheSize = p.CacheSizeMB << 20
	}
	if p.MaxOpenFiles > 0 {
		o.MaxOpenFiles = p.MaxOpenFiles
	}
	o.NoSync = p.NoSync
	return o
}

// LogConfig controls the log backend.
type LogConfig struct {
	Level     string `yaml:"level"`
	Dir       string `yaml:"dir"`
	MaxSizeKB int64  `yaml:"max_size_kb"`
	MaxRolls  int    `yaml:"max_rolls"`
}

// AllocationConfig is one genesis output.
type AllocationConfig struct {
	Address string `yaml:"address"`
	CoinID  uint32 `yaml:"coin_id"`
	Amount  uint64 `yaml:"amount"`
}

// ChainConfig holds the consensus parameters. Zero values keep the
// defaults of models.DefaultParams. Consensus kinds are named as in
// models.ParseFlag.
type ChainConfig struct {
	BlockSpan uint32 `yaml:"block_span"`

	// Shares replaces the default consensus mix as a whole.
	Shares map[string]uint32 `yaml:"shares"`

	// PowLimitBits overrides the compact target limit per kind.
	PowLimitBits map[string]uint32 `yaml:"pow_limit_bits"`

	BaseBiasKind string  `yaml:"base_bias_kind"`
	MinBias      float64 `yaml:"min_bias"`
	MaxBias      float64 `yaml:"max_bias"`

	MatureHeight         uint32 `yaml:"mature_height"`
	FundLockMatureHeight uint32 `yaml:"fund_lock_mature_height"`

	WindowSize    int           `yaml:"window_size"`
	FlushBatch    int           `yaml:"flush_batch"`
	FlushInterval time.Duration `yaml:"flush_interval"`

	MinGasPrice uint64 `yaml:"min_gas_price"`

	GenesisTime      uint32             `yaml:"genesis_time"`
	Genesis          []AllocationConfig `yaml:"genesis"`
	Validators       []string           `yaml:"validators"`
	ValidatorRequire int                `yaml:"validator_require"`
}

// MempoolConfig represents the mempool configuration
type MempoolConfig struct {
	// BlockBudget is the byte budget of a block candidate set.
	BlockBudget int `yaml:"block_budget"`

	// Epoch is how long signature verification results are kept.
	Epoch time.Duration `yaml:"epoch"`

	SigCacheSize int `yaml:"sig_cache_size"`
}

// Load loads configuration from a YAML file and environment variables
func Load(path string) (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: 8080,
			Host: "0.0.0.0",
		},
		Pebble: PebbleConfig{
			Path: "./data/pebble",
		},
		Log: LogConfig{
			Level:     "info",
			MaxSizeKB: 10 * 1024,
			MaxRolls:  3,
		},
		Chain: ChainConfig{
			FlushInterval: 30 * time.Second,
		},
		Mempool: MempoolConfig{
			Epoch: 10 * time.Minute,
		},
	}

	// Load from YAML file if it exists
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", name, v, err)
	}
	*dst = i
	return nil
}

func (c *Config) loadEnv() error {
	// Server config
	if err := envInt("SERVER_PORT", &c.Server.Port); err != nil {
		return err
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		c.Server.Host = host
	}

	// Pebble config
	if path := os.Getenv("PEBBLE_PATH"); path != "" {
		c.Pebble.Path = path
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if dir := os.Getenv("LOG_DIR"); dir != "" {
		c.Log.Dir = dir
	}

	if err := envInt("CHAIN_WINDOW_SIZE", &c.Chain.WindowSize); err != nil {
		return err
	}
	if err := envInt("CHAIN_FLUSH_BATCH", &c.Chain.FlushBatch); err != nil {
		return err
	}
	if err := envInt("MEMPOOL_BLOCK_BUDGET", &c.Mempool.BlockBudget); err != nil {
		return err
	}
	return envInt("WORKERS", &c.Workers)
}

// Params builds the consensus parameters and validates them.
func (c *Config) Params() (*models.Params, error) {
	p := models.DefaultParams()
	cc := c.Chain

	if cc.BlockSpan != 0 {
		p.BlockSpan = cc.BlockSpan
	}
	if len(cc.Shares) > 0 {
		p.Shares = make(map[models.Flag]uint32, len(cc.Shares))
		for name, share := range cc.Shares {
			kind, err := models.ParseFlag(name)
			if err != nil {
				return nil, fmt.Errorf("chain.shares: %w", err)
			}
			p.Shares[kind] = share
		}
	}
	for name, bits := range cc.PowLimitBits {
		kind, err := models.ParseFlag(name)
		if err != nil {
			return nil, fmt.Errorf("chain.pow_limit_bits: %w", err)
		}
		p.PowLimitBits[kind] = bits
	}
	if cc.BaseBiasKind != "" {
		kind, err := models.ParseFlag(cc.BaseBiasKind)
		if err != nil {
			return nil, fmt.Errorf("chain.base_bias_kind: %w", err)
		}
		p.BaseBiasKind = kind
	}
	if cc.MinBias != 0 {
		p.MinBias = cc.MinBias
	}
	if cc.MaxBias != 0 {
		p.MaxBias = cc.MaxBias
	}
	if cc.MatureHeight != 0 {
		p.MatureHeight = cc.MatureHeight
	}
	if cc.FundLockMatureHeight != 0 {
		p.FundLockMatureHeight = cc.FundLockMatureHeight
	}
	if cc.WindowSize != 0 {
		p.WindowSize = cc.WindowSize
	}
	if cc.FlushBatch != 0 {
		p.FlushBatch = cc.FlushBatch
	}
	if cc.MinGasPrice != 0 {
		p.MinGasPrice = cc.MinGasPrice
	}
	if cc.GenesisTime != 0 {
		p.GenesisTime = cc.GenesisTime
	}

	for i, a := range cc.Genesis {
		addr := models.Address(a.Address)
		if err := addr.Validate(); err != nil {
			return nil, fmt.Errorf("chain.genesis[%d]: %w", i, err)
		}
		p.GenesisAllocations = append(p.GenesisAllocations, models.TxOutput{
			Address: addr, CoinID: a.CoinID, Amount: a.Amount,
		})
	}
	for i, v := range cc.Validators {
		addr := models.Address(v)
		if err := addr.Validate(); err != nil {
			return nil, fmt.Errorf("chain.validators[%d]: %w", i, err)
		}
		p.Validators = append(p.Validators, addr)
	}
	if cc.ValidatorRequire != 0 {
		p.ValidatorRequire = cc.ValidatorRequire
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid chain parameters: %w", err)
	}
	return p, nil
}
