// Package local is a single-process ledger: it archives transactions on
// disk, tracks the spendable output set and signs with one identity. It
// backs tests, the CLI and development deployments of the storage layer.
package local

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agenthands/chainstore/pkg/catalog"
	"github.com/agenthands/chainstore/pkg/cidutil"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/pack"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cockroachdb/pebble"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const bloomFPR = 0.01

// Options configures Open. Zero fields fall back to core.DefaultConfig.
type Options struct {
	Dir    string
	Ledger core.LedgerConfig
	Pack   core.PackConfig
	Logger *zap.Logger
	// Now stamps committed records; defaults to time.Now.
	Now func() time.Time
}

// Node implements ledger.Client.
type Node struct {
	cfg     core.LedgerConfig
	archive pack.Archive
	cat     catalog.Catalog
	ids     cidutil.Builder
	filter  *bloom.BloomFilter
	key     []byte
	lock    []byte
	log     *zap.Logger
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
}

var _ ledger.Client = (*Node)(nil)

// Open opens (or creates) a node rooted at opts.Dir.
func Open(ctx context.Context, opts Options) (*Node, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: ledger directory not specified", core.ErrInvalidArgument)
	}
	defaults := core.Config{Ledger: opts.Ledger, Pack: opts.Pack}.WithDefaults()
	cfg, packCfg := defaults.Ledger, defaults.Pack
	if packCfg.Dir == "" {
		packCfg.Dir = filepath.Join(opts.Dir, "packs")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	key, err := walletKey(cfg)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}
	cat, err := catalog.Open(filepath.Join(opts.Dir, "catalog"))
	if err != nil {
		return nil, err
	}
	archive, err := pack.Open(packCfg)
	if err != nil {
		cat.Close()
		return nil, err
	}

	n := &Node{
		cfg:     cfg,
		archive: archive,
		cat:     cat,
		ids:     cidutil.NewBuilder(),
		filter:  bloom.NewWithEstimates(cfg.BloomSize, bloomFPR),
		key:     key,
		lock:    lockScript(cfg.Identity),
		log:     opts.Logger.With(zap.String("identity", cfg.Identity)),
		now:     opts.Now,
	}

	// Warm the filter so lookups for unknown ids skip pebble.
	err = cat.IterateRecords(ctx, func(id core.RecordID, _ catalog.Location) error {
		n.filter.Add(id[:])
		return nil
	})
	if err != nil {
		n.Close()
		return nil, fmt.Errorf("failed to load record filter: %w", err)
	}
	return n, nil
}

// walletKey decodes the configured signing key or derives a stable one
// from the identity.
func walletKey(cfg core.LedgerConfig) ([]byte, error) {
	if cfg.WalletKey == "" {
		sum := blake3.Sum256([]byte("chainstore local wallet " + cfg.Identity))
		return sum[:], nil
	}
	key, err := hex.DecodeString(cfg.WalletKey)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: wallet key must be 32 hex-encoded bytes", core.ErrInvalidArgument)
	}
	return key, nil
}

// lockScript is OP_DUP OP_HASH160 <20 byte identity hash> OP_EQUALVERIFY
// OP_CHECKSIG.
func lockScript(identity string) []byte {
	sum := blake3.Sum256([]byte(identity))
	script := []byte{0x76, 0xa9, 0x14}
	script = append(script, sum[:20]...)
	return append(script, 0x88, 0xac)
}

func (n *Node) Identity() string { return n.cfg.Identity }

// Catalog exposes the node's metadata store so the reference index and
// manifest cache can share it.
func (n *Node) Catalog() catalog.Catalog { return n.cat }

func (n *Node) SpendableOutputs(ctx context.Context) ([]ledger.Spendable, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, core.ErrClosed
	}
	all, err := n.cat.ListSpendable(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, s := range all {
		if bytes.Equal(s.Script, n.lock) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (n *Node) ChangeScript(context.Context) ([]byte, error) {
	return append([]byte(nil), n.lock...), nil
}

func (n *Node) signature(sighash []byte, input int) []byte {
	h, err := blake3.NewKeyed(n.key)
	if err != nil {
		panic("local: blake3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(sighash)
	h.Write([]byte{byte(input >> 24), byte(input >> 16), byte(input >> 8), byte(input)})
	return h.Sum(nil)
}

// Sign sets the signer to the node identity and signs every input.
func (n *Node) Sign(_ context.Context, tx *ledger.Transaction) error {
	tx.Signer = n.cfg.Identity
	sighash, err := tx.SigHash()
	if err != nil {
		return err
	}
	for i := range tx.Inputs {
		tx.Inputs[i].Signature = n.signature(sighash, i)
	}
	return nil
}

// Fund mints a spendable output of the given value. It is a development
// faucet; a real ledger is funded by its wallet.
func (n *Node) Fund(ctx context.Context, value uint64) (ledger.OutPoint, error) {
	if value == 0 {
		return ledger.OutPoint{}, fmt.Errorf("%w: fund value must be positive", core.ErrInvalidArgument)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ledger.OutPoint{}, core.ErrClosed
	}

	tx := &ledger.Transaction{
		Version:  1,
		Outputs:  []ledger.Output{{Value: value, Script: n.lock}},
		Signer:   n.cfg.Identity,
		LockTime: uint64(n.now().UnixNano()),
	}
	id, err := n.commitLocked(ctx, tx)
	if err != nil {
		return ledger.OutPoint{}, err
	}
	n.log.Info("funded", zap.String("txid", id.String()), zap.Uint64("value", value))
	return ledger.OutPoint{TxID: id, Index: 0}, nil
}

// Broadcast validates tx against the spendable set and commits it.
// Rejections wrap core.ErrBroadcastFailure.
func (n *Node) Broadcast(ctx context.Context, tx *ledger.Transaction) (core.RecordID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return core.RecordID{}, core.ErrClosed
	}

	id, err := tx.ID()
	if err != nil {
		return core.RecordID{}, fmt.Errorf("%w: %v", core.ErrBroadcastFailure, err)
	}
	if _, ok, err := n.cat.GetLocation(ctx, id); err != nil {
		return core.RecordID{}, err
	} else if ok {
		return id, nil
	}

	if err := n.validateLocked(ctx, tx); err != nil {
		n.log.Warn("broadcast rejected", zap.String("txid", id.String()), zap.Error(err))
		return core.RecordID{}, fmt.Errorf("%w: %v", core.ErrBroadcastFailure, err)
	}
	return n.commitLocked(ctx, tx)
}

func (n *Node) validateLocked(ctx context.Context, tx *ledger.Transaction) error {
	if len(tx.Inputs) == 0 {
		return errors.New("transaction has no inputs")
	}
	if tx.Signer != n.cfg.Identity {
		return fmt.Errorf("signer %q is not this node's identity", tx.Signer)
	}
	sighash, err := tx.SigHash()
	if err != nil {
		return err
	}

	var in, out uint64
	seen := make(map[ledger.OutPoint]struct{}, len(tx.Inputs))
	for i, input := range tx.Inputs {
		if _, dup := seen[input.Prev]; dup {
			return fmt.Errorf("input %s spent twice", input.Prev)
		}
		seen[input.Prev] = struct{}{}

		prev, ok, err := n.cat.GetSpendable(ctx, input.Prev)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("input %s is missing or already spent", input.Prev)
		}
		if !bytes.Equal(input.Signature, n.signature(sighash, i)) {
			return fmt.Errorf("input %d has an invalid signature", i)
		}
		in += prev.Value
	}

	for _, o := range tx.Outputs {
		if ledger.IsDataScript(o.Script) && len(o.Script) > n.cfg.MaxDataBytes {
			return fmt.Errorf("data output of %d bytes exceeds %d", len(o.Script), n.cfg.MaxDataBytes)
		}
		out += o.Value
	}
	if in < out {
		return fmt.Errorf("outputs (%d) exceed inputs (%d)", out, in)
	}
	return nil
}

// commitLocked archives tx and applies it to the spendable set.
func (n *Node) commitLocked(ctx context.Context, tx *ledger.Transaction) (core.RecordID, error) {
	id, err := tx.ID()
	if err != nil {
		return core.RecordID{}, err
	}
	raw, err := tx.Encode()
	if err != nil {
		return core.RecordID{}, err
	}
	c, err := n.ids.RecordCID(id)
	if err != nil {
		return core.RecordID{}, err
	}
	packID, err := n.archive.Put(ctx, c, raw)
	if err != nil {
		return core.RecordID{}, fmt.Errorf("failed to archive transaction: %w", err)
	}

	batch := n.cat.NewBatch()
	defer batch.Close()
	if err := n.cat.PutLocation(batch, id, catalog.Location{Pack: packID, CommittedAt: n.now()}); err != nil {
		return core.RecordID{}, err
	}
	for _, input := range tx.Inputs {
		if err := n.cat.DeleteSpendable(batch, input.Prev); err != nil {
			return core.RecordID{}, err
		}
	}
	for i, o := range tx.Outputs {
		if o.Value == 0 || ledger.IsDataScript(o.Script) {
			continue
		}
		s := ledger.Spendable{OutPoint: ledger.OutPoint{TxID: id, Index: uint32(i)}, Value: o.Value, Script: o.Script}
		if err := n.cat.PutSpendable(batch, s); err != nil {
			return core.RecordID{}, err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return core.RecordID{}, fmt.Errorf("failed to commit catalog batch: %w", err)
	}

	n.filter.Add(id[:])
	if err := n.archive.RotateIfNeeded(ctx); err != nil {
		n.log.Warn("pack rotation failed", zap.Error(err))
	}
	n.log.Debug("transaction committed",
		zap.String("txid", id.String()),
		zap.Uint64("pack", packID),
		zap.Int("bytes", len(raw)),
	)
	return id, nil
}

func (n *Node) FetchTransaction(ctx context.Context, id core.RecordID) (*ledger.Transaction, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, core.ErrClosed
	}

	if !n.filter.Test(id[:]) {
		return nil, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	loc, ok, err := n.cat.GetLocation(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: record %s", core.ErrNotFound, id)
	}
	c, err := n.ids.RecordCID(id)
	if err != nil {
		return nil, err
	}
	raw, err := n.archive.Get(ctx, loc.Pack, c)
	if err != nil {
		return nil, err
	}
	return n.decode(id, raw)
}

// decode parses raw and checks it hashes to id.
func (n *Node) decode(id core.RecordID, raw []byte) (*ledger.Transaction, error) {
	tx, err := ledger.DecodeTransaction(raw)
	if err != nil {
		return nil, err
	}
	got, err := tx.ID()
	if err != nil {
		return nil, err
	}
	if got != id {
		return nil, fmt.Errorf("%w: record %s hashes to %s", core.ErrCorrupt, id, got)
	}
	return tx, nil
}

func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true

	var errs []error
	if err := n.archive.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := n.cat.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
