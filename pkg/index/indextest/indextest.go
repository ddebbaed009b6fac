// Package indextest holds the behaviour every LedgerIndex must share.
package indextest

import (
	"context"
	"testing"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/index"
)

func entry(key string, seq uint64, id byte, value string) index.Entry {
	return index.Entry{
		Owner:     "alice",
		Key:       key,
		Value:     value,
		Type:      core.RefText,
		Sequence:  seq,
		RecordID:  core.RecordID{id},
		UpdatedAt: time.Unix(int64(seq), 0),
	}
}

// Run exercises a LedgerIndex implementation against the shared
// contract. newIndex must return an empty index.
func Run(t *testing.T, newIndex func(t *testing.T) index.LedgerIndex) {
	ctx := context.Background()

	t.Run("OutOfOrderCompletion", func(t *testing.T) {
		idx := newIndex(t)
		for _, seq := range []uint64{2, 5, 3, 1, 4} {
			if err := idx.RecordLatest(ctx, entry("doc", seq, byte(seq), "v")); err != nil {
				t.Fatalf("RecordLatest failed: %v", err)
			}
		}
		got, ok, err := idx.QueryLatest(ctx, "alice", "doc")
		if err != nil || !ok {
			t.Fatalf("QueryLatest failed: %v %v", ok, err)
		}
		if got.Sequence != 5 {
			t.Errorf("expected sequence 5, got %d", got.Sequence)
		}
	})

	t.Run("Missing", func(t *testing.T) {
		idx := newIndex(t)
		if _, ok, err := idx.QueryLatest(ctx, "alice", "nope"); ok || err != nil {
			t.Errorf("expected miss, got %v %v", ok, err)
		}
	})

	t.Run("ListOwner", func(t *testing.T) {
		idx := newIndex(t)
		_ = idx.RecordLatest(ctx, entry("b/doc", 1, 1, "one"))
		_ = idx.RecordLatest(ctx, entry("a/doc", 1, 2, "two"))
		other := entry("c", 1, 3, "x")
		other.Owner = "bob"
		_ = idx.RecordLatest(ctx, other)

		list, err := idx.ListOwner(ctx, "alice")
		if err != nil {
			t.Fatalf("ListOwner failed: %v", err)
		}
		if len(list) != 2 || list[0].Key != "a/doc" || list[1].Key != "b/doc" {
			t.Errorf("unexpected listing: %+v", list)
		}
	})

	t.Run("PreservesFields", func(t *testing.T) {
		idx := newIndex(t)
		want := index.Entry{
			Owner:     "alice",
			Key:       "documents/index.json",
			Value:     "b://" + core.RecordID{7}.String(),
			Type:      core.RefContent,
			Sequence:  12,
			RecordID:  core.RecordID{0xaa, 0xbb},
			UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC),
		}
		_ = idx.RecordLatest(ctx, want)
		got, _, err := idx.QueryLatest(ctx, "alice", want.Key)
		if err != nil {
			t.Fatalf("QueryLatest failed: %v", err)
		}
		if !got.UpdatedAt.Equal(want.UpdatedAt) {
			t.Errorf("UpdatedAt: expected %v, got %v", want.UpdatedAt, got.UpdatedAt)
		}
		got.UpdatedAt = want.UpdatedAt
		if got != want {
			t.Errorf("mismatch:\n got %+v\nwant %+v", got, want)
		}
	})
}
