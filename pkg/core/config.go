package core

import (
	"time"
)

type Config struct {
	Dir string `mapstructure:"dir"` // repo root

	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Fees     FeeConfig      `mapstructure:"fees"`
	Limits   LimitsConfig   `mapstructure:"limits"`
	Chunking ChunkingConfig `mapstructure:"chunking"`
	Pack     PackConfig     `mapstructure:"pack"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	CDN      CDNConfig      `mapstructure:"cdn"`
	Index    IndexConfig    `mapstructure:"index"`
	Audit    AuditConfig    `mapstructure:"audit"`
}

type LedgerConfig struct {
	Identity     string `mapstructure:"identity"`       // owner identity the wallet signs as
	WalletKey    string `mapstructure:"wallet_key"`     // hex, 32 bytes
	MaxDataBytes int    `mapstructure:"max_data_bytes"` // largest data script the local node accepts
	BloomSize    uint   `mapstructure:"bloom_size"`
}

type FeeConfig struct {
	RatePerKB   uint64  `mapstructure:"rate_per_kb"`
	MinFee      uint64  `mapstructure:"min_fee"`
	Overhead    int     `mapstructure:"overhead"`
	DustLimit   uint64  `mapstructure:"dust_limit"`
	FiatPerCoin float64 `mapstructure:"fiat_per_coin"`
}

type LimitsConfig struct {
	MaxRecordBytes int `mapstructure:"max_record_bytes"`
	MaxTotalBytes  int `mapstructure:"max_total_bytes"`
	MaxKeyLen      int `mapstructure:"max_key_len"`
	MaxParts       int `mapstructure:"max_parts"`
}

type ChunkingConfig struct {
	PartSize        int    `mapstructure:"part_size"`
	Threshold       int    `mapstructure:"threshold"`
	Mode            string `mapstructure:"mode"` // "fixed" or "cdc"
	ReadConcurrency int    `mapstructure:"read_concurrency"`
}

type PackConfig struct {
	Dir             string `mapstructure:"dir"`
	TargetPackBytes uint64 `mapstructure:"target_pack_bytes"`
}

type CatalogConfig struct {
	Dir string `mapstructure:"dir"`
}

type CDNConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"` // overrides https://<Host> for reads
	Host            string        `mapstructure:"host"`
	ExplorerHost    string        `mapstructure:"explorer_host"`
	Regions         []string      `mapstructure:"regions"`
	Timeout         time.Duration `mapstructure:"timeout"`
	CacheSize       int           `mapstructure:"cache_size"`
	MaxIncludeDepth int           `mapstructure:"max_include_depth"`
}

// AuditConfig schedules the orphan-part audit. It never deletes.
type AuditConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	RunEvery time.Duration `mapstructure:"run_every"`
}

type IndexConfig struct {
	Backend string `mapstructure:"backend"` // "catalog", "memory" or "postgres"
	DSN     string `mapstructure:"dsn"`
}

const (
	DefaultMaxRecordBytes = 100_000
	DefaultMaxTotalBytes  = 290 * 1024 * 1024
	DefaultPartSize       = 95_000
	DefaultThreshold      = 100_000
	DefaultMaxKeyLen      = 512
)

// DefaultConfig returns the configuration used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Ledger: LedgerConfig{
			Identity:     "local",
			MaxDataBytes: 1 << 20,
			BloomSize:    1 << 16,
		},
		Fees: FeeConfig{
			RatePerKB:   1200,
			MinFee:      250,
			Overhead:    200,
			DustLimit:   1,
			FiatPerCoin: 50,
		},
		Limits: LimitsConfig{
			MaxRecordBytes: DefaultMaxRecordBytes,
			MaxTotalBytes:  DefaultMaxTotalBytes,
			MaxKeyLen:      DefaultMaxKeyLen,
		},
		Chunking: ChunkingConfig{
			PartSize:        DefaultPartSize,
			Threshold:       DefaultThreshold,
			Mode:            "fixed",
			ReadConcurrency: 4,
		},
		Pack: PackConfig{
			TargetPackBytes: 64 << 20,
		},
		CDN: CDNConfig{
			Host:            "bico.media",
			ExplorerHost:    "whatsonchain.com",
			Regions:         []string{"us-east", "eu-west", "asia-south"},
			Timeout:         10 * time.Second,
			CacheSize:       1024,
			MaxIncludeDepth: 8,
		},
		Index: IndexConfig{
			Backend: "catalog",
		},
		Audit: AuditConfig{
			RunEvery: 24 * time.Hour,
		},
	}
}

// WithDefaults fills every zero field of cfg from DefaultConfig.
func (cfg Config) WithDefaults() Config {
	d := DefaultConfig()
	if cfg.Ledger.Identity == "" {
		cfg.Ledger.Identity = d.Ledger.Identity
	}
	if cfg.Ledger.MaxDataBytes == 0 {
		cfg.Ledger.MaxDataBytes = d.Ledger.MaxDataBytes
	}
	if cfg.Ledger.BloomSize == 0 {
		cfg.Ledger.BloomSize = d.Ledger.BloomSize
	}
	if cfg.Fees.RatePerKB == 0 {
		cfg.Fees.RatePerKB = d.Fees.RatePerKB
	}
	if cfg.Fees.MinFee == 0 {
		cfg.Fees.MinFee = d.Fees.MinFee
	}
	if cfg.Fees.Overhead == 0 {
		cfg.Fees.Overhead = d.Fees.Overhead
	}
	if cfg.Fees.DustLimit == 0 {
		cfg.Fees.DustLimit = d.Fees.DustLimit
	}
	if cfg.Fees.FiatPerCoin == 0 {
		cfg.Fees.FiatPerCoin = d.Fees.FiatPerCoin
	}
	if cfg.Limits.MaxRecordBytes == 0 {
		cfg.Limits.MaxRecordBytes = d.Limits.MaxRecordBytes
	}
	if cfg.Limits.MaxTotalBytes == 0 {
		cfg.Limits.MaxTotalBytes = d.Limits.MaxTotalBytes
	}
	if cfg.Limits.MaxKeyLen == 0 {
		cfg.Limits.MaxKeyLen = d.Limits.MaxKeyLen
	}
	if cfg.Chunking.PartSize == 0 {
		cfg.Chunking.PartSize = d.Chunking.PartSize
	}
	if cfg.Chunking.Threshold == 0 {
		cfg.Chunking.Threshold = d.Chunking.Threshold
	}
	if cfg.Chunking.Mode == "" {
		cfg.Chunking.Mode = d.Chunking.Mode
	}
	if cfg.Chunking.ReadConcurrency == 0 {
		cfg.Chunking.ReadConcurrency = d.Chunking.ReadConcurrency
	}
	if cfg.Pack.TargetPackBytes == 0 {
		cfg.Pack.TargetPackBytes = d.Pack.TargetPackBytes
	}
	if cfg.CDN.Host == "" {
		cfg.CDN.Host = d.CDN.Host
	}
	if cfg.CDN.ExplorerHost == "" {
		cfg.CDN.ExplorerHost = d.CDN.ExplorerHost
	}
	if cfg.CDN.Regions == nil {
		cfg.CDN.Regions = d.CDN.Regions
	}
	if cfg.CDN.Timeout == 0 {
		cfg.CDN.Timeout = d.CDN.Timeout
	}
	if cfg.CDN.CacheSize == 0 {
		cfg.CDN.CacheSize = d.CDN.CacheSize
	}
	if cfg.CDN.MaxIncludeDepth == 0 {
		cfg.CDN.MaxIncludeDepth = d.CDN.MaxIncludeDepth
	}
	if cfg.Index.Backend == "" {
		cfg.Index.Backend = d.Index.Backend
	}
	if cfg.Audit.RunEvery == 0 {
		cfg.Audit.RunEvery = d.Audit.RunEvery
	}
	return cfg
}
