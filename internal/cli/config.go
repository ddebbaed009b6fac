package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const DefaultEnvPrefix = "CHAINSTORE"

// LogConfig is read alongside core.Config.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type fileConfig struct {
	core.Config `mapstructure:",squash"`
	Log         LogConfig `mapstructure:"log"`
}

func newViper() *viper.Viper {
	v := viper.NewWithOptions(
		viper.KeyDelimiter("."),
		viper.EnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_")),
	)
	v.SetEnvPrefix(DefaultEnvPrefix)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()
	setDefaults(v, core.DefaultConfig())
	return v
}

// setDefaults registers every key so AutomaticEnv can find it.
func setDefaults(v *viper.Viper, d core.Config) {
	v.SetDefault("dir", ".chainstore")

	v.SetDefault("ledger.identity", d.Ledger.Identity)
	v.SetDefault("ledger.wallet_key", d.Ledger.WalletKey)
	v.SetDefault("ledger.max_data_bytes", d.Ledger.MaxDataBytes)
	v.SetDefault("ledger.bloom_size", d.Ledger.BloomSize)

	v.SetDefault("fees.rate_per_kb", d.Fees.RatePerKB)
	v.SetDefault("fees.min_fee", d.Fees.MinFee)
	v.SetDefault("fees.overhead", d.Fees.Overhead)
	v.SetDefault("fees.dust_limit", d.Fees.DustLimit)
	v.SetDefault("fees.fiat_per_coin", d.Fees.FiatPerCoin)

	v.SetDefault("limits.max_record_bytes", d.Limits.MaxRecordBytes)
	v.SetDefault("limits.max_total_bytes", d.Limits.MaxTotalBytes)
	v.SetDefault("limits.max_key_len", d.Limits.MaxKeyLen)
	v.SetDefault("limits.max_parts", d.Limits.MaxParts)

	v.SetDefault("chunking.part_size", d.Chunking.PartSize)
	v.SetDefault("chunking.threshold", d.Chunking.Threshold)
	v.SetDefault("chunking.mode", d.Chunking.Mode)
	v.SetDefault("chunking.read_concurrency", d.Chunking.ReadConcurrency)

	v.SetDefault("pack.dir", d.Pack.Dir)
	v.SetDefault("pack.target_pack_bytes", d.Pack.TargetPackBytes)
	v.SetDefault("catalog.dir", d.Catalog.Dir)

	v.SetDefault("cdn.enabled", d.CDN.Enabled)
	v.SetDefault("cdn.base_url", d.CDN.BaseURL)
	v.SetDefault("cdn.host", d.CDN.Host)
	v.SetDefault("cdn.explorer_host", d.CDN.ExplorerHost)
	v.SetDefault("cdn.regions", d.CDN.Regions)
	v.SetDefault("cdn.timeout", d.CDN.Timeout)
	v.SetDefault("cdn.cache_size", d.CDN.CacheSize)
	v.SetDefault("cdn.max_include_depth", d.CDN.MaxIncludeDepth)

	v.SetDefault("index.backend", d.Index.Backend)
	v.SetDefault("index.dsn", d.Index.DSN)

	v.SetDefault("audit.enabled", d.Audit.Enabled)
	v.SetDefault("audit.run_every", d.Audit.RunEvery)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads .env (if present), then the optional YAML file at
// path, then CHAINSTORE_* environment variables, in increasing priority.
func LoadConfig(v *viper.Viper, path string) (core.Config, LogConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return core.Config{}, LogConfig{}, fmt.Errorf("failed to load .env: %w", err)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return core.Config{}, LogConfig{}, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	decodeHooks := mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)

	var fc fileConfig
	if err := v.Unmarshal(&fc, viper.DecodeHook(decodeHooks)); err != nil {
		return core.Config{}, LogConfig{}, fmt.Errorf("failed to load configuration: %w", err)
	}
	return fc.Config.WithDefaults(), fc.Log, nil
}
