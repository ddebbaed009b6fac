package mutable

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
)

func entry(id string, updated time.Time) DocumentEntry {
	return DocumentEntry{
		ID:               id,
		Title:            "Document " + id,
		ContentProtocol:  "B",
		ContentReference: "b://" + core.RecordID{byte(len(id))}.String(),
		Metadata: DocumentMetadata{
			CreatedAt: updated.Add(-time.Hour),
			UpdatedAt: updated,
			Size:      120,
			WordCount: 20,
			Version:   1,
		},
	}
}

func TestDocumentIndex(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("UpdateThenGet", func(t *testing.T) {
		h := newHarness(t, "alice")
		docs := []DocumentEntry{
			entry("old", base),
			entry("newest", base.Add(48*time.Hour)),
			entry("middle", base.Add(24*time.Hour)),
		}

		upd, err := h.refs.UpdateDocumentIndex(ctx, docs)
		if err != nil {
			t.Fatalf("UpdateDocumentIndex failed: %v", err)
		}
		if upd.Pointer.Type != core.RefContent || upd.Pointer.Value != upd.Content.ID.String() {
			t.Errorf("pointer does not name the index record: %+v", upd.Pointer.Reference)
		}
		if upd.Content.MediaType != "application/json" || upd.Content.Filename != "documents-index.json" {
			t.Errorf("unexpected index metadata %+v", upd.Content)
		}

		idx, err := h.refs.GetDocumentIndex(ctx, "alice")
		if err != nil {
			t.Fatalf("GetDocumentIndex failed: %v", err)
		}
		if idx.Owner != "alice" || idx.Version != "1.0" {
			t.Errorf("unexpected header %+v", idx)
		}
		order := []string{"newest", "middle", "old"}
		for i, want := range order {
			if idx.Documents[i].ID != want {
				t.Fatalf("expected newest first %v, got %+v", order, idx.Documents)
			}
		}
		if docs[0].ID != "old" {
			t.Error("caller's slice was reordered")
		}
	})

	t.Run("UpdateRepointsWithoutRewriting", func(t *testing.T) {
		h := newHarness(t, "alice")
		first, err := h.refs.UpdateDocumentIndex(ctx, []DocumentEntry{entry("a", base)})
		if err != nil {
			t.Fatalf("first update failed: %v", err)
		}
		second, err := h.refs.UpdateDocumentIndex(ctx, []DocumentEntry{entry("a", base), entry("b", base.Add(time.Hour))})
		if err != nil {
			t.Fatalf("second update failed: %v", err)
		}
		if first.Content.ID == second.Content.ID {
			t.Fatal("an update must write a new index record")
		}
		if second.Pointer.Sequence != first.Pointer.Sequence+1 {
			t.Errorf("expected sequence %d, got %d", first.Pointer.Sequence+1, second.Pointer.Sequence)
		}

		idx, err := h.refs.GetDocumentIndex(ctx, "")
		if err != nil {
			t.Fatalf("GetDocumentIndex failed: %v", err)
		}
		if len(idx.Documents) != 2 {
			t.Errorf("expected the second index, got %d documents", len(idx.Documents))
		}

		// The first index is still readable by its own address.
		old, err := h.contents.Retrieve(ctx, first.Content.Addresses.B)
		if err != nil {
			t.Fatalf("old index unreadable: %v", err)
		}
		var prev DocumentIndex
		if err := json.Unmarshal(old, &prev); err != nil || len(prev.Documents) != 1 {
			t.Errorf("old index changed: %v", err)
		}
	})

	t.Run("EmptyIndex", func(t *testing.T) {
		h := newHarness(t, "alice")
		if _, err := h.refs.UpdateDocumentIndex(ctx, nil); err != nil {
			t.Fatalf("UpdateDocumentIndex failed: %v", err)
		}
		idx, err := h.refs.GetDocumentIndex(ctx, "alice")
		if err != nil {
			t.Fatalf("GetDocumentIndex failed: %v", err)
		}
		if idx.Documents == nil || len(idx.Documents) != 0 {
			t.Errorf("expected an empty document list, got %#v", idx.Documents)
		}
	})

	t.Run("InlineTextPointer", func(t *testing.T) {
		h := newHarness(t, "alice")
		inline, _ := json.Marshal(DocumentIndex{Version: "1.0", Owner: "alice", Documents: []DocumentEntry{entry("x", base)}})
		h.write(t, DocumentIndexKey, string(inline), Options{Type: core.RefText})

		idx, err := h.refs.GetDocumentIndex(ctx, "alice")
		if err != nil {
			t.Fatalf("GetDocumentIndex failed: %v", err)
		}
		if len(idx.Documents) != 1 || idx.Documents[0].ID != "x" {
			t.Errorf("unexpected inline index %+v", idx)
		}
	})

	t.Run("Failures", func(t *testing.T) {
		h := newHarness(t, "alice")
		if _, err := h.refs.GetDocumentIndex(ctx, "alice"); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("missing pointer: expected ErrNotFound, got %v", err)
		}

		upd, err := h.refs.UpdateDocumentIndex(ctx, []DocumentEntry{entry("a", base)})
		if err != nil {
			t.Fatalf("UpdateDocumentIndex failed: %v", err)
		}
		h.client.Hide(upd.Content.ID)
		if _, err := h.refs.GetDocumentIndex(ctx, "alice"); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("missing content: expected ErrNotFound, got %v", err)
		}

		h.write(t, DocumentIndexKey, "9f86d081884c7d659a2feaa0c55ad015a3bf", Options{Type: core.RefHash})
		if _, err := h.refs.GetDocumentIndex(ctx, "alice"); !errors.Is(err, core.ErrInvalidArgument) {
			t.Errorf("hash pointer: expected ErrInvalidArgument, got %v", err)
		}

		h.write(t, DocumentIndexKey, "not json", Options{Type: core.RefText})
		if _, err := h.refs.GetDocumentIndex(ctx, "alice"); !errors.Is(err, core.ErrCorrupt) {
			t.Errorf("bad json: expected ErrCorrupt, got %v", err)
		}
	})
}
