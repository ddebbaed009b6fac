package mutable

import (
	"bytes"
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/agenthands/chainstore/internal/testkit"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/index"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/ledger/local"
	"github.com/agenthands/chainstore/pkg/record"
)

type harness struct {
	node     *local.Node
	client   *testkit.FaultyClient
	builder  *ledger.Builder
	index    index.LedgerIndex
	contents *content.Store
	refs     *Store
}

// tick returns a clock that advances one second per call.
func tick() func() time.Time {
	t := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func newHarness(t *testing.T, identity string) *harness {
	t.Helper()
	node := testkit.NewNode(t, identity)
	fc := testkit.NewFaultyClient(node)
	b := testkit.NewBuilder(fc)
	idx := index.NewMemory()
	contents := content.New(b, core.DefaultConfig())
	return &harness{
		node:     node,
		client:   fc,
		builder:  b,
		index:    idx,
		contents: contents,
		refs:     New(b, idx, contents, core.DefaultConfig(), WithClock(tick())),
	}
}

func (h *harness) write(t *testing.T, key, value string, opts Options) *Result {
	t.Helper()
	res, err := h.refs.CreateOrUpdate(context.Background(), "", key, value, opts)
	if err != nil {
		t.Fatalf("CreateOrUpdate(%s=%s) failed: %v", key, value, err)
	}
	return res
}

func TestCreateOrUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("AutoSequenceScenario", func(t *testing.T) {
		h := newHarness(t, "A")
		first, err := h.refs.CreateOrUpdate(ctx, "A", "doc", "v1", Options{})
		if err != nil {
			t.Fatalf("first write failed: %v", err)
		}
		second, err := h.refs.CreateOrUpdate(ctx, "A", "doc", "v2", Options{})
		if err != nil {
			t.Fatalf("second write failed: %v", err)
		}
		if first.Sequence != 1 || second.Sequence != 2 {
			t.Errorf("expected sequences 1 and 2, got %d and %d", first.Sequence, second.Sequence)
		}
		if second.DAddress != "D://A/doc" {
			t.Errorf("unexpected address %q", second.DAddress)
		}
		if second.Cost.FeeSats == 0 {
			t.Error("missing write cost")
		}

		ref, err := h.refs.Resolve(ctx, "A", "doc")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if ref.Value != "v2" || ref.Sequence != 2 || ref.RecordID != second.RecordID {
			t.Errorf("expected v2 at sequence 2, got %+v", ref)
		}
	})

	t.Run("OutOfOrderCompletion", func(t *testing.T) {
		h := newHarness(t, "alice")
		h.write(t, "doc", "five", Options{Sequence: 5})
		h.write(t, "doc", "three", Options{Sequence: 3})

		ref, err := h.refs.Resolve(ctx, "alice", "doc")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if ref.Value != "five" {
			t.Errorf("a lower sequence rolled the reference back to %q", ref.Value)
		}
		if next := h.write(t, "doc", "six", Options{}); next.Sequence != 6 {
			t.Errorf("expected auto sequence 6, got %d", next.Sequence)
		}
	})

	t.Run("Monotonic", func(t *testing.T) {
		h := newHarness(t, "alice")
		r := rand.New(rand.NewSource(4))
		seqs := r.Perm(12)
		for _, s := range seqs {
			seq := uint64(s + 1)
			h.write(t, "counter", string(rune('a'+s)), Options{Sequence: seq, Type: core.RefText})
		}
		ref, err := h.refs.Resolve(ctx, "", "counter")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if ref.Sequence != 12 || ref.Value != "l" {
			t.Errorf("expected the sequence 12 value, got %+v", ref)
		}
	})

	t.Run("EqualSequenceTieBreak", func(t *testing.T) {
		h := newHarness(t, "alice")
		a := h.write(t, "race", "writer-a", Options{Sequence: 1})
		b := h.write(t, "race", "writer-b", Options{Sequence: 1})

		want := a
		if bytes.Compare(b.RecordID[:], a.RecordID[:]) > 0 {
			want = b
		}
		ref, err := h.refs.Resolve(ctx, "", "race")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if ref.RecordID != want.RecordID {
			t.Errorf("expected the greater record id to win, got %q", ref.Value)
		}
	})

	t.Run("KeyWithSlashes", func(t *testing.T) {
		h := newHarness(t, "alice")
		h.write(t, "docs/2026/notes.txt", "hello", Options{})

		ref, err := h.refs.ResolveAddress(ctx, "D://alice/docs/2026/notes.txt")
		if err != nil {
			t.Fatalf("ResolveAddress failed: %v", err)
		}
		if ref.Key != "docs/2026/notes.txt" || ref.Value != "hello" || ref.Type != core.RefText {
			t.Errorf("unexpected reference %+v", ref)
		}
		if ref.Address() != "D://alice/docs/2026/notes.txt" {
			t.Errorf("address did not round trip: %s", ref.Address())
		}
	})

	t.Run("Invalid", func(t *testing.T) {
		h := newHarness(t, "alice")
		cases := map[string]struct {
			owner, key string
			opts       Options
		}{
			"EmptyKey":     {"", "", Options{}},
			"LeadingSlash": {"", "/doc", Options{}},
			"ForeignOwner": {"mallory", "doc", Options{}},
			"UnknownType":  {"", "doc", Options{Type: "blob"}},
		}
		for name, tc := range cases {
			_, err := h.refs.CreateOrUpdate(ctx, tc.owner, tc.key, "v", tc.opts)
			if !errors.Is(err, core.ErrInvalidArgument) {
				t.Errorf("%s: expected ErrInvalidArgument, got %v", name, err)
			}
		}
		if h.client.Broadcasts() != 0 {
			t.Error("invalid writes must not broadcast")
		}

		for _, addr := range []string{"D://alice", "D://alice/", "b://alice/doc"} {
			if _, err := h.refs.ResolveAddress(ctx, addr); !errors.Is(err, core.ErrInvalidAddress) {
				t.Errorf("ResolveAddress(%q): expected ErrInvalidAddress, got %v", addr, err)
			}
		}
	})

	t.Run("SequenceExhausted", func(t *testing.T) {
		h := newHarness(t, "alice")
		h.write(t, "doc", "last", Options{Sequence: math.MaxUint64})
		before := h.client.Broadcasts()

		if _, err := h.refs.CreateOrUpdate(ctx, "", "doc", "wrapped", Options{}); !errors.Is(err, core.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument, got %v", err)
		}
		if _, err := h.refs.Delete(ctx, "doc"); !errors.Is(err, core.ErrInvalidArgument) {
			t.Fatalf("expected ErrInvalidArgument from Delete, got %v", err)
		}
		if got := h.client.Broadcasts(); got != before {
			t.Errorf("rejected writes broadcast %d records", got-before)
		}
		ref, err := h.refs.Resolve(ctx, "", "doc")
		if err != nil || ref.Value != "last" || ref.Sequence != math.MaxUint64 {
			t.Errorf("expected the last version to stay current, got %+v, %v", ref, err)
		}
	})

	t.Run("BroadcastFailureLeavesIndex", func(t *testing.T) {
		h := newHarness(t, "alice")
		h.write(t, "doc", "v1", Options{})
		h.client.FailBroadcastAt = 2

		if _, err := h.refs.CreateOrUpdate(ctx, "", "doc", "v2", Options{}); !errors.Is(err, core.ErrBroadcastFailure) {
			t.Fatalf("expected ErrBroadcastFailure, got %v", err)
		}
		ref, err := h.refs.Resolve(ctx, "", "doc")
		if err != nil || ref.Value != "v1" {
			t.Errorf("expected v1 to remain current, got %+v, %v", ref, err)
		}
	})
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alice")

	v1 := h.write(t, "doc", "v1", Options{})
	h.write(t, "doc", "v2", Options{})
	tomb, err := h.refs.Delete(ctx, "doc")
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if tomb.Type != core.RefTombstone || tomb.Sequence != 3 {
		t.Errorf("unexpected tombstone %+v", tomb)
	}

	if _, err := h.refs.Resolve(ctx, "alice", "doc"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("deleted key should resolve as ErrNotFound, got %v", err)
	}

	// Earlier versions remain on the ledger under their own ids.
	script, err := h.builder.Fetch(ctx, v1.RecordID)
	if err != nil {
		t.Fatalf("Fetch of v1 failed: %v", err)
	}
	rec, err := record.Decode(script)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if d, ok := rec.(*record.D); !ok || d.Value != "v1" || d.Sequence != 1 {
		t.Errorf("unexpected v1 record %+v", rec)
	}

	refs, err := h.refs.ListForOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("ListForOwner failed: %v", err)
	}
	if len(refs) != 0 {
		t.Errorf("deleted keys must not be listed, got %+v", refs)
	}

	back := h.write(t, "doc", "v4", Options{})
	if back.Sequence != 4 {
		t.Errorf("expected a write after delete to take sequence 4, got %d", back.Sequence)
	}
	if ref, err := h.refs.Resolve(ctx, "alice", "doc"); err != nil || ref.Value != "v4" {
		t.Errorf("expected v4 after recreate, got %+v, %v", ref, err)
	}
}

func TestResolveMissing(t *testing.T) {
	h := newHarness(t, "alice")
	if _, err := h.refs.Resolve(context.Background(), "alice", "never"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListForOwner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alice")

	h.write(t, "k1", "a", Options{})
	h.write(t, "k2", "b", Options{})
	h.write(t, "k3", "c", Options{})
	h.write(t, "k1", "a2", Options{})
	h.write(t, "gone", "x", Options{})
	if _, err := h.refs.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	refs, err := h.refs.ListForOwner(ctx, "")
	if err != nil {
		t.Fatalf("ListForOwner failed: %v", err)
	}
	var keys []string
	for _, r := range refs {
		keys = append(keys, r.Key)
	}
	want := []string{"k1", "k3", "k2"}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, keys)
		}
	}
	if refs[0].Value != "a2" {
		t.Errorf("expected the current value of k1, got %q", refs[0].Value)
	}

	other, err := h.refs.ListForOwner(ctx, "bob")
	if err != nil || len(other) != 0 {
		t.Errorf("expected no references for another owner, got %v, %v", other, err)
	}
}

func TestReindexMatchesIndex(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, "alice")
	h.write(t, "a", "1", Options{})
	h.write(t, "a", "2", Options{})
	h.write(t, "b", "x", Options{})
	if _, err := h.refs.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	rebuilt := index.NewMemory()
	n, err := h.node.Reindex(ctx, rebuilt)
	if err != nil {
		t.Fatalf("Reindex failed: %v", err)
	}
	if n != 4 {
		t.Errorf("expected 4 references replayed, got %d", n)
	}

	fresh := New(h.builder, rebuilt, h.contents, core.DefaultConfig())
	if ref, err := fresh.Resolve(ctx, "alice", "a"); err != nil || ref.Value != "2" {
		t.Errorf("rebuilt index resolved %+v, %v", ref, err)
	}
	if _, err := fresh.Resolve(ctx, "alice", "b"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("rebuilt index lost the tombstone: %v", err)
	}
}

func TestDetectType(t *testing.T) {
	id := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	cases := []struct {
		value string
		want  core.RefType
	}{
		{id, core.RefRecord},
		{id[:40], core.RefHash},
		{id[:63], core.RefHash},
		{id[:39], core.RefText},
		{"b://" + id, core.RefContent},
		{"B://" + id, core.RefContent},
		{"plain words", core.RefText},
		{"", core.RefText},
		{"zz" + id[2:], core.RefText},
	}
	for _, tc := range cases {
		if got := DetectType(tc.value); got != tc.want {
			t.Errorf("DetectType(%q): expected %s, got %s", tc.value, tc.want, got)
		}
	}
}
