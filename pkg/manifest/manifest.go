// Package manifest holds the decoded form of a chunk manifest and its
// cache encoding.
package manifest

import (
	"context"
	"fmt"
	"sync"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/record"
	"github.com/fxamacker/cbor/v2"
)

// Manifest lists the parts of a chunked item in order. Concatenating the
// parts and undoing Flag reproduces the original content.
type Manifest struct {
	Info     string          `json:"info,omitempty"`
	MimeType string          `json:"mimeType"`
	Encoding string          `json:"encoding,omitempty"`
	Filename string          `json:"filename,omitempty"`
	Flag     string          `json:"flag,omitempty"`
	Parts    []core.RecordID `json:"parts"`
}

// FromRecord converts a decoded Bcat record.
func FromRecord(r *record.Bcat) *Manifest {
	return &Manifest{
		Info:     r.Info,
		MimeType: r.MimeType,
		Encoding: r.Encoding,
		Filename: r.Filename,
		Flag:     r.Flag,
		Parts:    append([]core.RecordID(nil), r.Parts...),
	}
}

// Record returns the Bcat record carrying m.
func (m *Manifest) Record() *record.Bcat {
	return &record.Bcat{
		Info:     m.Info,
		MimeType: m.MimeType,
		Encoding: m.Encoding,
		Filename: m.Filename,
		Flag:     m.Flag,
		Parts:    append([]core.RecordID(nil), m.Parts...),
	}
}

// Clone returns a copy of m that shares no memory with it.
func (m *Manifest) Clone() *Manifest {
	c := *m
	c.Parts = append([]core.RecordID(nil), m.Parts...)
	return &c
}

// Validate checks structural invariants. maxParts of 0 means unbounded.
func (m *Manifest) Validate(maxParts int) error {
	if len(m.Parts) == 0 {
		return fmt.Errorf("manifest has no parts")
	}
	if maxParts > 0 && len(m.Parts) > maxParts {
		return fmt.Errorf("too many parts: %d > %d", len(m.Parts), maxParts)
	}
	for i, id := range m.Parts {
		if id.IsZero() {
			return fmt.Errorf("part %d has an empty record id", i)
		}
	}
	return nil
}

// wireV1 is the cache encoding. Part ids are kept as byte strings.
type wireV1 struct {
	Version  uint16   `cbor:"version"`
	Info     string   `cbor:"info,omitempty"`
	MimeType string   `cbor:"mime_type"`
	Encoding string   `cbor:"encoding,omitempty"`
	Filename string   `cbor:"filename,omitempty"`
	Flag     string   `cbor:"flag,omitempty"`
	Parts    [][]byte `cbor:"parts"`
}

// Codec defines the interface for manifest encoding/decoding and validation.
type Codec interface {
	Encode(m *Manifest) ([]byte, error)
	Decode(b []byte) (*Manifest, error)
}

type codec struct {
	limits  core.LimitsConfig
	encMode cbor.EncMode
}

// NewCodec returns a new Codec implementation.
func NewCodec(limits core.LimitsConfig) Codec {
	// Use canonical CBOR encoding (Core Deterministic Encoding Requirements)
	em, _ := cbor.CanonicalEncOptions().EncMode()
	return &codec{
		limits:  limits,
		encMode: em,
	}
}

func (c *codec) Encode(m *Manifest) ([]byte, error) {
	if err := m.Validate(c.limits.MaxParts); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}

	w := wireV1{
		Version:  1,
		Info:     m.Info,
		MimeType: m.MimeType,
		Encoding: m.Encoding,
		Filename: m.Filename,
		Flag:     m.Flag,
		Parts:    make([][]byte, len(m.Parts)),
	}
	for i := range m.Parts {
		w.Parts[i] = m.Parts[i][:]
	}
	return c.encMode.Marshal(&w)
}

func (c *codec) Decode(b []byte) (*Manifest, error) {
	var w wireV1
	if err := cbor.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal manifest: %v", core.ErrCorrupt, err)
	}
	if w.Version != 1 {
		return nil, fmt.Errorf("%w: unsupported manifest version %d", core.ErrCorrupt, w.Version)
	}

	m := &Manifest{
		Info:     w.Info,
		MimeType: w.MimeType,
		Encoding: w.Encoding,
		Filename: w.Filename,
		Flag:     w.Flag,
		Parts:    make([]core.RecordID, len(w.Parts)),
	}
	for i, p := range w.Parts {
		id, err := core.RecordIDFromBytes(p)
		if err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
		m.Parts[i] = id
	}
	if err := m.Validate(c.limits.MaxParts); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorrupt, err)
	}
	return m, nil
}

// Cache remembers decoded manifests by their record id. Manifests are
// immutable so entries never need invalidation.
type Cache interface {
	Get(ctx context.Context, id core.RecordID) (*Manifest, bool, error)
	Put(ctx context.Context, id core.RecordID, m *Manifest) error
}

type memoryCache struct {
	mu sync.RWMutex
	m  map[core.RecordID]*Manifest
}

// NewMemoryCache returns a process-local Cache. It stores and hands out
// copies, so callers may modify what they get.
func NewMemoryCache() Cache {
	return &memoryCache{m: make(map[core.RecordID]*Manifest)}
}

func (c *memoryCache) Get(_ context.Context, id core.RecordID) (*Manifest, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.m[id]
	if !ok {
		return nil, false, nil
	}
	return m.Clone(), true, nil
}

func (c *memoryCache) Put(_ context.Context, id core.RecordID, m *Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[id] = m.Clone()
	return nil
}
