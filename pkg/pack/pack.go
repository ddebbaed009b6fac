// Package pack archives raw ledger transactions in CARv2 files. Each
// transaction is one block addressed by its record CID. Packs rotate once
// they pass the configured size and are never rewritten.
package pack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/agenthands/chainstore/pkg/core"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	carv2 "github.com/ipld/go-car/v2"
	"github.com/ipld/go-car/v2/blockstore"
)

// Archive defines the interface for the transaction archive.
type Archive interface {
	Put(ctx context.Context, c core.CID, raw []byte) (uint64, error)
	Get(ctx context.Context, packID uint64, c core.CID) ([]byte, error)
	// Iterate visits every archived transaction, oldest pack first.
	Iterate(ctx context.Context, fn func(c core.CID, raw []byte) error) error
	RotateIfNeeded(ctx context.Context) error
	Seal(ctx context.Context) error
	CurrentPackID() uint64
	SealedPacks() []uint64
	Close() error
}

type archive struct {
	cfg core.PackConfig

	mu sync.RWMutex

	currentID uint64
	active    *blockstore.ReadWrite
	sealed    map[uint64]*blockstore.ReadOnly
	closed    bool
}

// Open opens (or creates) the archive in cfg.Dir. Existing packs are
// treated as sealed and a fresh active pack is started.
func Open(cfg core.PackConfig) (Archive, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("pack directory not specified")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create pack directory: %w", err)
	}

	a := &archive{
		cfg:    cfg,
		sealed: make(map[uint64]*blockstore.ReadOnly),
	}
	if err := a.discover(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *archive) discover() error {
	entries, err := os.ReadDir(a.cfg.Dir)
	if err != nil {
		return err
	}

	var ids []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "txs-") || !strings.HasSuffix(name, ".car") {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, "txs-"), ".car"), 16, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		bs, err := blockstore.OpenReadOnly(a.path(id))
		if err != nil {
			// An active pack that was never finalized has no index;
			// finish it before reading.
			if ferr := finalizeOrphan(a.path(id)); ferr != nil {
				return fmt.Errorf("failed to open pack %d: %w", id, err)
			}
			if bs, err = blockstore.OpenReadOnly(a.path(id)); err != nil {
				return fmt.Errorf("failed to open pack %d: %w", id, err)
			}
		}
		a.sealed[id] = bs
		a.currentID = id
	}

	a.currentID++
	return a.openActive()
}

// finalizeOrphan resumes an unfinished pack and writes its index.
func finalizeOrphan(path string) error {
	rw, err := blockstore.OpenReadWrite(path, []cid.Cid{})
	if err != nil {
		return err
	}
	return rw.Finalize()
}

func (a *archive) openActive() error {
	bs, err := blockstore.OpenReadWrite(a.path(a.currentID), []cid.Cid{})
	if err != nil {
		return fmt.Errorf("failed to create active pack %d: %w", a.currentID, err)
	}
	a.active = bs
	return nil
}

func (a *archive) path(id uint64) string {
	return filepath.Join(a.cfg.Dir, fmt.Sprintf("txs-%016x.car", id))
}

func (a *archive) CurrentPackID() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.currentID
}

func (a *archive) Put(ctx context.Context, c core.CID, raw []byte) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == nil {
		return 0, core.ErrClosed
	}
	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return 0, fmt.Errorf("invalid CID: %w", err)
	}

	has, err := a.active.Has(ctx, id)
	if err != nil {
		return 0, err
	}
	if has {
		return a.currentID, nil
	}

	blk, err := blocks.NewBlockWithCid(raw, id)
	if err != nil {
		return 0, err
	}
	if err := a.active.Put(ctx, blk); err != nil {
		return 0, err
	}
	return a.currentID, nil
}

func (a *archive) Get(ctx context.Context, packID uint64, c core.CID) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	id, err := cid.Cast(c.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid CID: %w", err)
	}

	var bs interface {
		Get(context.Context, cid.Cid) (blocks.Block, error)
	}
	if packID == a.currentID && a.active != nil {
		bs = a.active
	} else if ro, ok := a.sealed[packID]; ok {
		bs = ro
	} else {
		return nil, fmt.Errorf("%w: pack %d", core.ErrNotFound, packID)
	}

	blk, err := bs.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrNotFound, err)
	}
	return blk.RawData(), nil
}

func (a *archive) RotateIfNeeded(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active == nil {
		return core.ErrClosed
	}
	fi, err := os.Stat(a.path(a.currentID))
	if err != nil {
		return err
	}
	if uint64(fi.Size()) < a.cfg.TargetPackBytes {
		return nil
	}
	return a.sealLocked()
}

func (a *archive) Seal(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sealLocked()
}

func (a *archive) sealLocked() error {
	if a.active == nil {
		return core.ErrClosed
	}
	if err := a.active.Finalize(); err != nil {
		return fmt.Errorf("failed to finalize active pack: %w", err)
	}
	bs, err := blockstore.OpenReadOnly(a.path(a.currentID))
	if err != nil {
		return fmt.Errorf("failed to open sealed pack: %w", err)
	}
	a.sealed[a.currentID] = bs

	a.currentID++
	return a.openActive()
}

func (a *archive) SealedPacks() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	res := make([]uint64, 0, len(a.sealed))
	for id := range a.sealed {
		res = append(res, id)
	}
	sort.Slice(res, func(i, j int) bool { return res[i] < res[j] })
	return res
}

func (a *archive) Iterate(ctx context.Context, fn func(c core.CID, raw []byte) error) error {
	for _, id := range a.SealedPacks() {
		if err := a.iterateSealed(ctx, id, fn); err != nil {
			return err
		}
	}
	return a.iterateActive(ctx, fn)
}

// iterateSealed reads the CAR body linearly so blocks come back in the
// order they were committed.
func (a *archive) iterateSealed(ctx context.Context, packID uint64, fn func(c core.CID, raw []byte) error) error {
	f, err := os.Open(a.path(packID))
	if err != nil {
		return fmt.Errorf("failed to open pack %d: %w", packID, err)
	}
	defer f.Close()

	br, err := carv2.NewBlockReader(f, carv2.WithTrustedCAR(true))
	if err != nil {
		return fmt.Errorf("failed to create block reader for pack %d: %w", packID, err)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		blk, err := br.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read block from pack %d: %w", packID, err)
		}
		if err := fn(core.CID{Bytes: blk.Cid().Bytes()}, blk.RawData()); err != nil {
			return err
		}
	}
}

func (a *archive) iterateActive(ctx context.Context, fn func(c core.CID, raw []byte) error) error {
	a.mu.RLock()
	active := a.active
	a.mu.RUnlock()
	if active == nil {
		return core.ErrClosed
	}

	keys, err := active.AllKeysChan(ctx)
	if err != nil {
		return err
	}
	var all []cid.Cid
	for k := range keys {
		all = append(all, k)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, k := range all {
		blk, err := active.Get(ctx, k)
		if err != nil {
			return fmt.Errorf("failed to read block %s: %w", k, err)
		}
		if err := fn(core.CID{Bytes: k.Bytes()}, blk.RawData()); err != nil {
			return err
		}
	}
	return nil
}

func (a *archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}
	a.closed = true

	var errs []string
	if a.active != nil {
		if err := a.active.Finalize(); err != nil {
			errs = append(errs, fmt.Sprintf("active pack: %v", err))
		}
		a.active = nil
	}
	for id, bs := range a.sealed {
		if err := bs.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("pack %d: %v", id, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing archive: %s", strings.Join(errs, "; "))
	}
	return nil
}
