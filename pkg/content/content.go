// Package content stores single-record payloads (B records) on the ledger
// and reads them back through an optional caching edge.
package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/agenthands/chainstore/pkg/address"
	"github.com/agenthands/chainstore/pkg/cidutil"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/record"
	"go.uber.org/zap"
)

// Options carries the optional metadata of a stored payload.
type Options struct {
	MediaType string
	Encoding  string
	Filename  string
}

// Addresses are the canonical reference forms of a committed record.
type Addresses struct {
	B        string
	CDN      string
	Explorer string
}

type Size struct {
	Bytes int
	Words int
}

// Record is a committed (or retrieved) content record.
type Record struct {
	ID        core.RecordID
	MediaType string
	Encoding  string
	Filename  string
	Payload   []byte
	Addresses Addresses
	Cost      core.Cost
	Size      Size
	Hash      string // hex sha256 of Payload
}

// Fetcher reads a record payload from a caching edge.
type Fetcher interface {
	Fetch(ctx context.Context, id core.RecordID) ([]byte, error)
}

type Option func(*Store)

// WithEdge makes reads try f before the ledger.
func WithEdge(f Fetcher) Option {
	return func(s *Store) { s.edge = f }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

type Store struct {
	ledger *ledger.Builder
	limits core.LimitsConfig
	cdn    core.CDNConfig
	ids    cidutil.Builder
	edge   Fetcher
	log    *zap.Logger
}

func New(b *ledger.Builder, cfg core.Config, opts ...Option) *Store {
	cfg = cfg.WithDefaults()
	s := &Store{
		ledger: b,
		limits: cfg.Limits,
		cdn:    cfg.CDN,
		ids:    cidutil.NewBuilder(),
		log:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// MaxRecordBytes is the largest payload Store accepts.
func (s *Store) MaxRecordBytes() int { return s.limits.MaxRecordBytes }

// Addresses returns the reference forms of a content record id.
func (s *Store) Addresses(id core.RecordID) Addresses {
	return Addresses{
		B:        address.Content(id).String(),
		CDN:      address.CDN(s.cdn.Host, id, "").String(),
		Explorer: address.Explorer(s.cdn.ExplorerHost, id).String(),
	}
}

func (s *Store) frame(payload []byte, opts Options) (*record.B, error) {
	if len(payload) > s.limits.MaxRecordBytes {
		return nil, fmt.Errorf("%w: payload is %d bytes, limit %d", core.ErrSizeExceeded, len(payload), s.limits.MaxRecordBytes)
	}
	mediaType := opts.MediaType
	if mediaType == "" {
		mediaType = DetectMediaType(payload, opts.Filename)
	}
	return &record.B{
		Data:      payload,
		MediaType: mediaType,
		Encoding:  DefaultEncoding(mediaType, opts.Encoding),
		Filename:  opts.Filename,
	}, nil
}

// Store commits payload as a B record.
func (s *Store) Store(ctx context.Context, payload []byte, opts Options) (*Record, error) {
	b, err := s.frame(payload, opts)
	if err != nil {
		return nil, err
	}
	rcpt, err := s.ledger.Publish(ctx, record.Encode(b))
	if err != nil {
		return nil, err
	}
	rec, err := s.newRecord(rcpt.ID, b)
	if err != nil {
		return nil, err
	}
	rec.Cost = rcpt.Cost

	s.log.Info("content stored",
		zap.String("id", rcpt.ID.String()),
		zap.String("media_type", b.MediaType),
		zap.Int("bytes", len(payload)),
		zap.Uint64("fee", rcpt.Fee),
	)
	return rec, nil
}

// EstimateCost returns the fee Store would pay for the same input. It
// has no side effects.
func (s *Store) EstimateCost(payload []byte, opts Options) (core.Cost, error) {
	b, err := s.frame(payload, opts)
	if err != nil {
		return core.Cost{}, err
	}
	fees := s.ledger.Fees()
	return fees.Cost(fees.RecordFee(len(record.Encode(b)))), nil
}

// Retrieve returns the payload behind any record-bearing address. The
// edge is tried first, then the ledger once.
func (s *Store) Retrieve(ctx context.Context, addr string) ([]byte, error) {
	id, err := address.Normalize(addr)
	if err != nil {
		return nil, err
	}

	if s.edge != nil {
		payload, err := s.edge.Fetch(ctx, id)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("edge read failed, falling back to ledger", zap.String("id", id.String()), zap.Error(err))
	}

	rec, err := s.fetch(ctx, id)
	if err != nil {
		return nil, err
	}
	return rec.Payload, nil
}

// RetrieveRecord reads a content record and its metadata from the ledger.
func (s *Store) RetrieveRecord(ctx context.Context, addr string) (*Record, error) {
	id, err := address.Normalize(addr)
	if err != nil {
		return nil, err
	}
	return s.fetch(ctx, id)
}

func (s *Store) fetch(ctx context.Context, id core.RecordID) (*Record, error) {
	script, err := s.ledger.Fetch(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: record %s: %v", core.ErrNotFound, id, err)
	}
	rec, err := record.Decode(script)
	if err != nil {
		return nil, fmt.Errorf("%w: record %s: %v", core.ErrNotFound, id, err)
	}

	switch r := rec.(type) {
	case *record.B:
		return s.newRecord(id, r)
	case *record.BcatPart:
		return s.newRecord(id, &record.B{Data: r.Data, MediaType: MediaTypeBinary})
	default:
		return nil, fmt.Errorf("%w: record %s is a %s record, not content", core.ErrNotFound, id, rec.Protocol())
	}
}

func (s *Store) newRecord(id core.RecordID, b *record.B) (*Record, error) {
	hash, err := s.ids.ContentHash(b.Data)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:        id,
		MediaType: b.MediaType,
		Encoding:  b.Encoding,
		Filename:  b.Filename,
		Payload:   b.Data,
		Addresses: s.Addresses(id),
		Size:      Size{Bytes: len(b.Data), Words: CountWords(b.Data)},
		Hash:      hash,
	}, nil
}
