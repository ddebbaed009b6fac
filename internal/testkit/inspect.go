package testkit

import (
	"context"
	"testing"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/ledger/local"
	"github.com/agenthands/chainstore/pkg/record"
)

// FundedSats is the value NewNode mints for tests.
const FundedSats = 10 * ledger.SatsPerCoin

// NewNode opens a funded local ledger node in a temporary directory.
func NewNode(tb testing.TB, identity string) *local.Node {
	tb.Helper()
	ctx := context.Background()
	n, err := local.Open(ctx, local.Options{
		Dir:    tb.TempDir(),
		Ledger: core.LedgerConfig{Identity: identity},
	})
	if err != nil {
		tb.Fatalf("open local node: %v", err)
	}
	tb.Cleanup(func() { n.Close() })
	if _, err := n.Fund(ctx, FundedSats); err != nil {
		tb.Fatalf("fund local node: %v", err)
	}
	return n
}

// NewBuilder returns a record builder with the default fee model.
func NewBuilder(c ledger.Client) *ledger.Builder {
	return ledger.NewBuilder(c, ledger.NewFeeModel(core.DefaultConfig().Fees), nil)
}

// CountRecords returns the number of committed data records per protocol.
func CountRecords(ctx context.Context, n *local.Node) (map[record.Protocol]int, error) {
	counts := make(map[record.Protocol]int)
	err := n.Records(ctx, func(c local.Committed) error {
		counts[c.Record.Protocol()]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
