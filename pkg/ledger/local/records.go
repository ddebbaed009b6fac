package local

import (
	"context"
	"fmt"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/index"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/record"
	"go.uber.org/zap"
)

// Committed is one archived transaction that carries a storage-layer
// record.
type Committed struct {
	ID          core.RecordID
	Tx          *ledger.Transaction
	Record      record.Record
	CommittedAt time.Time
}

// Records calls fn for every archived transaction whose data output
// decodes as a storage-layer record, in archive order. Transactions
// without data (funding, plain transfers) and foreign data are skipped.
func (n *Node) Records(ctx context.Context, fn func(Committed) error) error {
	n.mu.RLock()
	closed := n.closed
	n.mu.RUnlock()
	if closed {
		return core.ErrClosed
	}

	return n.archive.Iterate(ctx, func(c core.CID, raw []byte) error {
		id, err := n.ids.IDFromCID(c)
		if err != nil {
			return err
		}
		tx, err := n.decode(id, raw)
		if err != nil {
			return err
		}
		script, ok := ledger.DataScript(tx)
		if !ok {
			return nil
		}
		rec, err := record.Decode(script)
		if err != nil {
			n.log.Debug("skipping foreign data output", zap.String("txid", id.String()), zap.Error(err))
			return nil
		}
		loc, ok, err := n.cat.GetLocation(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: archived record %s is not cataloged", core.ErrCorrupt, id)
		}
		return fn(Committed{ID: id, Tx: tx, Record: rec, CommittedAt: loc.CommittedAt})
	})
}

// Reindex replays every D record into idx and returns how many were
// applied. The owner of each entry is the identity that signed it.
func (n *Node) Reindex(ctx context.Context, idx index.LedgerIndex) (int, error) {
	count := 0
	err := n.Records(ctx, func(c Committed) error {
		d, ok := c.Record.(*record.D)
		if !ok {
			return nil
		}
		err := idx.RecordLatest(ctx, index.Entry{
			Owner:     c.Tx.Signer,
			Key:       d.Key,
			Value:     d.Value,
			Type:      d.Type,
			Sequence:  d.Sequence,
			RecordID:  c.ID,
			UpdatedAt: c.CommittedAt,
		})
		if err != nil {
			return fmt.Errorf("reindex %s: %w", c.ID, err)
		}
		count++
		return nil
	})
	if err != nil {
		return count, err
	}
	n.log.Info("reindex complete", zap.Int("references", count))
	return count, nil
}
