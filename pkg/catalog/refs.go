package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/index"
	"github.com/fxamacker/cbor/v2"
)

// refEntry is the stored form of an index entry. Owner and key live in
// the pebble key.
type refEntry struct {
	Value     string `cbor:"value"`
	Type      string `cbor:"type"`
	Sequence  uint64 `cbor:"seq"`
	RecordID  []byte `cbor:"record"`
	UpdatedAt int64  `cbor:"updated_at"` // unix nanoseconds
}

type refIndex struct {
	c       *pebbleCatalog
	encMode cbor.EncMode

	// serialises read-compare-write in RecordLatest
	mu sync.Mutex
}

// NewIndex returns a LedgerIndex stored under the ref: prefix of c.
func NewIndex(c Catalog) (index.LedgerIndex, error) {
	pc, ok := c.(*pebbleCatalog)
	if !ok {
		return nil, fmt.Errorf("%w: index requires a pebble catalog", core.ErrInvalidArgument)
	}
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &refIndex{c: pc, encMode: em}, nil
}

// ownerPrefix is ref:<owner>\x00. Owners never contain NUL.
func ownerPrefix(owner string) []byte {
	k := append(append([]byte(nil), PrefixRef...), owner...)
	return append(k, 0)
}

func refKey(owner, key string) []byte {
	return append(ownerPrefix(owner), key...)
}

func (r *refIndex) decode(owner, key string, val []byte) (index.Entry, error) {
	var w refEntry
	if err := cbor.Unmarshal(val, &w); err != nil {
		return index.Entry{}, fmt.Errorf("%w: reference %s/%s: %v", core.ErrCorrupt, owner, key, err)
	}
	id, err := core.RecordIDFromBytes(w.RecordID)
	if err != nil {
		return index.Entry{}, err
	}
	return index.Entry{
		Owner:     owner,
		Key:       key,
		Value:     w.Value,
		Type:      core.RefType(w.Type),
		Sequence:  w.Sequence,
		RecordID:  id,
		UpdatedAt: time.Unix(0, w.UpdatedAt).UTC(),
	}, nil
}

func (r *refIndex) RecordLatest(ctx context.Context, e index.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok, err := r.QueryLatest(ctx, e.Owner, e.Key)
	if err != nil {
		return err
	}
	if ok && !index.Supersedes(e, cur) {
		return nil
	}

	val, err := r.encMode.Marshal(&refEntry{
		Value:     e.Value,
		Type:      string(e.Type),
		Sequence:  e.Sequence,
		RecordID:  e.RecordID[:],
		UpdatedAt: e.UpdatedAt.UnixNano(),
	})
	if err != nil {
		return err
	}
	return r.c.set(nil, refKey(e.Owner, e.Key), val)
}

func (r *refIndex) QueryLatest(ctx context.Context, owner, key string) (index.Entry, bool, error) {
	val, ok, err := r.c.get(refKey(owner, key))
	if err != nil || !ok {
		return index.Entry{}, false, err
	}
	e, err := r.decode(owner, key, val)
	return e, err == nil, err
}

func (r *refIndex) ListOwner(ctx context.Context, owner string) ([]index.Entry, error) {
	var out []index.Entry
	err := r.c.scan(ctx, ownerPrefix(owner), func(k, v []byte) error {
		e, err := r.decode(owner, string(k), v)
		if err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
