package mutable

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
)

const (
	// DocumentIndexKey is the reference that points at an owner's
	// document index.
	DocumentIndexKey = "documents/index.json"

	documentIndexVersion  = "1.0"
	documentIndexFilename = "documents-index.json"
)

// DocumentIndex lists an owner's documents, newest first.
type DocumentIndex struct {
	Version     string          `json:"version"`
	Owner       string          `json:"owner"`
	LastUpdated time.Time       `json:"lastUpdated"`
	Documents   []DocumentEntry `json:"documents"`
}

type DocumentEntry struct {
	ID               string            `json:"id"`
	Title            string            `json:"title"`
	ContentProtocol  string            `json:"contentProtocol"` // B, D or Bcat
	ContentReference string            `json:"contentReference"`
	Metadata         DocumentMetadata  `json:"metadata"`
	Versions         []DocumentVersion `json:"versions,omitempty"`
}

type DocumentMetadata struct {
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	Size           int       `json:"size"`
	WordCount      int       `json:"wordCount"`
	CharacterCount int       `json:"characterCount"`
	Version        int       `json:"version"`
	Encrypted      bool      `json:"encrypted"`
}

type DocumentVersion struct {
	Version   int       `json:"version"`
	Reference string    `json:"reference"`
	Timestamp time.Time `json:"timestamp"`
}

// IndexUpdate is the outcome of UpdateDocumentIndex.
type IndexUpdate struct {
	Index   *DocumentIndex
	Content *content.Record
	Pointer *Result
}

// UpdateDocumentIndex stores docs as a new JSON content record and points
// DocumentIndexKey at it. The previous index record is left untouched.
func (s *Store) UpdateDocumentIndex(ctx context.Context, docs []DocumentEntry) (*IndexUpdate, error) {
	sorted := append([]DocumentEntry(nil), docs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Metadata.UpdatedAt.After(sorted[j].Metadata.UpdatedAt)
	})
	if sorted == nil {
		sorted = []DocumentEntry{}
	}

	idx := &DocumentIndex{
		Version:     documentIndexVersion,
		Owner:       s.ledger.Identity(),
		LastUpdated: s.now().UTC(),
		Documents:   sorted,
	}
	payload, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding document index: %w", err)
	}

	rec, err := s.contents.Store(ctx, payload, content.Options{
		MediaType: content.MediaTypeJSON,
		Filename:  documentIndexFilename,
	})
	if err != nil {
		return nil, err
	}
	ptr, err := s.CreateOrUpdate(ctx, "", DocumentIndexKey, rec.ID.String(), Options{Type: core.RefContent})
	if err != nil {
		return nil, fmt.Errorf("repointing %s at %s: %w", DocumentIndexKey, rec.ID, err)
	}
	return &IndexUpdate{Index: idx, Content: rec, Pointer: ptr}, nil
}

// GetDocumentIndex resolves the owner's index pointer and reads the
// content it names. Either hop failing fails the read.
func (s *Store) GetDocumentIndex(ctx context.Context, owner string) (*DocumentIndex, error) {
	ref, err := s.Resolve(ctx, owner, DocumentIndexKey)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch ref.Type {
	case core.RefContent, core.RefRecord:
		payload, err = s.contents.Retrieve(ctx, ref.Value)
		if err != nil {
			return nil, fmt.Errorf("document index %s: %w", ref.Value, err)
		}
	case core.RefText:
		payload = []byte(ref.Value)
	default:
		return nil, fmt.Errorf("%w: document index pointer has type %q", core.ErrInvalidArgument, ref.Type)
	}

	var idx DocumentIndex
	if err := json.Unmarshal(payload, &idx); err != nil {
		return nil, fmt.Errorf("%w: document index: %v", core.ErrCorrupt, err)
	}
	return &idx, nil
}
