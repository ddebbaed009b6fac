// Package index tracks the current version of every mutable reference.
// The ledger is append-only, so an index is a cache of the latest D
// record per (owner, key) that can always be rebuilt by rescanning.
package index

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
)

// Entry is one version of a mutable reference together with the record
// that carried it.
type Entry struct {
	Owner     string        `json:"owner"`
	Key       string        `json:"key"`
	Value     string        `json:"value"`
	Type      core.RefType  `json:"type"`
	Sequence  uint64        `json:"sequence"`
	RecordID  core.RecordID `json:"recordId"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (e Entry) Tombstone() bool { return e.Type == core.RefTombstone }

// Supersedes reports whether next replaces cur: a higher sequence wins,
// and equal sequences are ordered by record id.
func Supersedes(next, cur Entry) bool {
	if next.Sequence != cur.Sequence {
		return next.Sequence > cur.Sequence
	}
	return bytes.Compare(next.RecordID[:], cur.RecordID[:]) > 0
}

// LedgerIndex answers "what is the latest version of (owner, key)".
// RecordLatest must apply Supersedes so writes arriving out of order
// never roll a reference back.
type LedgerIndex interface {
	RecordLatest(ctx context.Context, e Entry) error
	QueryLatest(ctx context.Context, owner, key string) (Entry, bool, error)
	// ListOwner returns the current entry of every key, tombstones
	// included, ordered by key.
	ListOwner(ctx context.Context, owner string) ([]Entry, error)
}

// SortNewestFirst orders entries by UpdatedAt descending, then by key.
func SortNewestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].UpdatedAt.Equal(entries[j].UpdatedAt) {
			return entries[i].UpdatedAt.After(entries[j].UpdatedAt)
		}
		return entries[i].Key < entries[j].Key
	})
}

type refKey struct{ owner, key string }

type memory struct {
	mu      sync.RWMutex
	entries map[refKey]Entry
}

// NewMemory returns a process-local LedgerIndex.
func NewMemory() LedgerIndex {
	return &memory{entries: make(map[refKey]Entry)}
}

func (m *memory) RecordLatest(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := refKey{e.Owner, e.Key}
	if cur, ok := m.entries[k]; ok && !Supersedes(e, cur) {
		return nil
	}
	m.entries[k] = e
	return nil
}

func (m *memory) QueryLatest(_ context.Context, owner, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[refKey{owner, key}]
	return e, ok, nil
}

func (m *memory) ListOwner(_ context.Context, owner string) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for k, e := range m.entries {
		if k.owner == owner {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
