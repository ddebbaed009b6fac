package ledger

import (
	"github.com/agenthands/chainstore/pkg/core"
)

// SatsPerCoin converts fees to whole coins for fiat pricing.
const SatsPerCoin = 100_000_000

// FeeModel prices a record by the length of its data script. Store and
// estimate paths both go through RecordFee so a preview always equals the
// fee actually paid for the same input.
type FeeModel struct {
	RatePerKB   uint64
	MinFee      uint64
	Overhead    int
	DustLimit   uint64
	FiatPerCoin float64
}

func NewFeeModel(cfg core.FeeConfig) FeeModel {
	return FeeModel{
		RatePerKB:   cfg.RatePerKB,
		MinFee:      cfg.MinFee,
		Overhead:    cfg.Overhead,
		DustLimit:   cfg.DustLimit,
		FiatPerCoin: cfg.FiatPerCoin,
	}
}

// RecordFee is max(MinFee, ceil((Overhead+scriptLen) * RatePerKB / 1000)).
func (f FeeModel) RecordFee(scriptLen int) uint64 {
	size := uint64(f.Overhead + scriptLen)
	fee := (size*f.RatePerKB + 999) / 1000
	if fee < f.MinFee {
		return f.MinFee
	}
	return fee
}

// Cost prices sats in fiat.
func (f FeeModel) Cost(sats uint64) core.Cost {
	return core.Cost{
		FeeSats: sats,
		Fiat:    float64(sats) / SatsPerCoin * f.FiatPerCoin,
	}
}
