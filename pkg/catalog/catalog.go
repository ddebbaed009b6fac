// Package catalog is the pebble-backed metadata store of the local ledger
// node: which pack holds each record, the spendable output set, the
// mutable reference index and the manifest cache.
package catalog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/cockroachdb/pebble"
)

var (
	PrefixRecord   = []byte("r2p:")
	PrefixUTXO     = []byte("utxo:")
	PrefixRef      = []byte("ref:")
	PrefixManifest = []byte("mf:")
)

// Catalog defines the interface for the embedded KV store.
type Catalog interface {
	GetLocation(ctx context.Context, id core.RecordID) (Location, bool, error)
	PutLocation(batch *pebble.Batch, id core.RecordID, loc Location) error
	IterateRecords(ctx context.Context, fn func(id core.RecordID, loc Location) error) error

	GetSpendable(ctx context.Context, op ledger.OutPoint) (ledger.Spendable, bool, error)
	PutSpendable(batch *pebble.Batch, s ledger.Spendable) error
	DeleteSpendable(batch *pebble.Batch, op ledger.OutPoint) error
	ListSpendable(ctx context.Context) ([]ledger.Spendable, error)

	NewBatch() *pebble.Batch
	Close() error
}

// Location is where and when a record was committed.
type Location struct {
	Pack        uint64
	CommittedAt time.Time
}

func (l Location) encode() []byte {
	b := binary.BigEndian.AppendUint64(nil, l.Pack)
	return binary.BigEndian.AppendUint64(b, uint64(l.CommittedAt.UnixNano()))
}

func decodeLocation(v []byte) (Location, error) {
	if len(v) != 16 {
		return Location{}, fmt.Errorf("%w: invalid record location length %d", core.ErrCorrupt, len(v))
	}
	return Location{
		Pack:        binary.BigEndian.Uint64(v[:8]),
		CommittedAt: time.Unix(0, int64(binary.BigEndian.Uint64(v[8:]))).UTC(),
	}, nil
}

type pebbleCatalog struct {
	db *pebble.DB
}

// Open opens a Pebble-based catalog in the specified directory.
func Open(dir string) (Catalog, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &pebbleCatalog{db: db}, nil
}

func (c *pebbleCatalog) Close() error {
	return c.db.Close()
}

func (c *pebbleCatalog) NewBatch() *pebble.Batch {
	return c.db.NewBatch()
}

func (c *pebbleCatalog) set(batch *pebble.Batch, key, val []byte) error {
	if batch != nil {
		return batch.Set(key, val, nil)
	}
	return c.db.Set(key, val, pebble.Sync)
}

// get returns a copy of the value stored at key.
func (c *pebbleCatalog) get(key []byte) ([]byte, bool, error) {
	val, closer, err := c.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	return append([]byte(nil), val...), true, nil
}

func recordKey(id core.RecordID) []byte {
	return append(append([]byte(nil), PrefixRecord...), id[:]...)
}

func (c *pebbleCatalog) GetLocation(ctx context.Context, id core.RecordID) (Location, bool, error) {
	val, ok, err := c.get(recordKey(id))
	if err != nil || !ok {
		return Location{}, false, err
	}
	loc, err := decodeLocation(val)
	return loc, err == nil, err
}

func (c *pebbleCatalog) PutLocation(batch *pebble.Batch, id core.RecordID, loc Location) error {
	return c.set(batch, recordKey(id), loc.encode())
}

func (c *pebbleCatalog) IterateRecords(ctx context.Context, fn func(id core.RecordID, loc Location) error) error {
	return c.scan(ctx, PrefixRecord, func(k, v []byte) error {
		id, err := core.RecordIDFromBytes(k)
		if err != nil {
			return err
		}
		loc, err := decodeLocation(v)
		if err != nil {
			return fmt.Errorf("record %s: %w", id, err)
		}
		return fn(id, loc)
	})
}

// scan calls fn with the key (prefix stripped) and value of every entry
// under prefix. Slices are only valid during the call.
func (c *pebbleCatalog) scan(ctx context.Context, prefix []byte, fn func(k, v []byte) error) error {
	iter, err := c.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: incrementByte(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(iter.Key()[len(prefix):], iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func utxoKey(op ledger.OutPoint) []byte {
	k := append(append([]byte(nil), PrefixUTXO...), op.TxID[:]...)
	return binary.BigEndian.AppendUint32(k, op.Index)
}

func decodeSpendable(k, v []byte) (ledger.Spendable, error) {
	if len(k) != core.RecordIDSize+4 || len(v) < 8 {
		return ledger.Spendable{}, fmt.Errorf("%w: malformed spendable output entry", core.ErrCorrupt)
	}
	id, _ := core.RecordIDFromBytes(k[:core.RecordIDSize])
	return ledger.Spendable{
		OutPoint: ledger.OutPoint{TxID: id, Index: binary.BigEndian.Uint32(k[core.RecordIDSize:])},
		Value:    binary.BigEndian.Uint64(v[:8]),
		Script:   append([]byte(nil), v[8:]...),
	}, nil
}

func (c *pebbleCatalog) GetSpendable(ctx context.Context, op ledger.OutPoint) (ledger.Spendable, bool, error) {
	k := utxoKey(op)
	val, ok, err := c.get(k)
	if err != nil || !ok {
		return ledger.Spendable{}, false, err
	}
	s, err := decodeSpendable(k[len(PrefixUTXO):], val)
	return s, err == nil, err
}

func (c *pebbleCatalog) PutSpendable(batch *pebble.Batch, s ledger.Spendable) error {
	val := binary.BigEndian.AppendUint64(nil, s.Value)
	return c.set(batch, utxoKey(s.OutPoint), append(val, s.Script...))
}

func (c *pebbleCatalog) DeleteSpendable(batch *pebble.Batch, op ledger.OutPoint) error {
	if batch != nil {
		return batch.Delete(utxoKey(op), nil)
	}
	return c.db.Delete(utxoKey(op), pebble.Sync)
}

func (c *pebbleCatalog) ListSpendable(ctx context.Context) ([]ledger.Spendable, error) {
	var out []ledger.Spendable
	err := c.scan(ctx, PrefixUTXO, func(k, v []byte) error {
		s, err := decodeSpendable(k, v)
		if err != nil {
			return err
		}
		out = append(out, s)
		return nil
	})
	return out, err
}

func incrementByte(b []byte) []byte {
	res := make([]byte, len(b))
	copy(res, b)
	for i := len(res) - 1; i >= 0; i-- {
		res[i]++
		if res[i] != 0 {
			return res
		}
	}
	return nil
}
