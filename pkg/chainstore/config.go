package chainstore

import (
	"github.com/agenthands/chainstore/pkg/core"
)

type Config = core.Config
type LedgerConfig = core.LedgerConfig
type FeeConfig = core.FeeConfig
type LimitsConfig = core.LimitsConfig
type ChunkingConfig = core.ChunkingConfig
type PackConfig = core.PackConfig
type CDNConfig = core.CDNConfig
type IndexConfig = core.IndexConfig
type AuditConfig = core.AuditConfig

// DefaultConfig returns the configuration used when a field is left zero.
func DefaultConfig() Config { return core.DefaultConfig() }
