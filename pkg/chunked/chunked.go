// Package chunked stores content larger than one record as a sequence of
// part records plus a Bcat manifest that lists them in order.
package chunked

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/agenthands/chainstore/pkg/address"
	"github.com/agenthands/chainstore/pkg/chunker"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/manifest"
	"github.com/agenthands/chainstore/pkg/record"
	"github.com/agenthands/chainstore/pkg/transform"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// meaningfulPrefix is how many leading bytes decide whether a part is
// written as a B record or a raw Bcat part.
const meaningfulPrefix = 100

type Options struct {
	MimeType    string
	Encoding    string
	Filename    string
	Info        string
	MaxPartSize int    // 0 uses Chunking.PartSize
	Compress    string // transform flag, empty for none
	Split       string // chunker mode, empty uses Chunking.Mode
}

// Part is one stored part. Raw parts are Bcat part records, the rest are
// B records.
type Part struct {
	Index int
	ID    core.RecordID
	Size  int
	Raw   bool
}

type Addresses struct {
	Bcat     string
	CDN      string
	Explorer string
}

type Cost struct {
	Parts        int
	ManifestSats uint64
	PartSats     uint64
	TotalSats    uint64
	TotalFiat    float64
}

type Size struct {
	OriginalBytes    int
	StoredBytes      int
	CompressionRatio float64 // stored / original
}

// Result describes a committed chunked item.
type Result struct {
	ManifestID core.RecordID
	Addresses  Addresses
	Manifest   *manifest.Manifest
	Parts      []Part
	Cost       Cost
	Size       Size
}

// PartialChunkError reports a store that committed some parts and then
// failed. Stored parts remain on the ledger unreferenced. Index is the
// part that failed, or len(parts) when the manifest failed.
type PartialChunkError struct {
	Stored []Part
	Index  int
	Total  int
	Err    error
}

func (e *PartialChunkError) Error() string {
	if e.Index == e.Total {
		return fmt.Sprintf("%v: all %d parts stored, manifest failed: %v", core.ErrPartialChunkFailure, e.Total, e.Err)
	}
	return fmt.Sprintf("%v: part %d of %d failed after %d stored: %v", core.ErrPartialChunkFailure, e.Index, e.Total, len(e.Stored), e.Err)
}

func (e *PartialChunkError) Unwrap() []error { return []error{core.ErrPartialChunkFailure, e.Err} }

type Option func(*Store)

// WithManifestCache caches decoded manifests for Info and RetrieveLarge.
func WithManifestCache(c manifest.Cache) Option {
	return func(s *Store) { s.cache = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

type Store struct {
	ledger   *ledger.Builder
	contents *content.Store
	limits   core.LimitsConfig
	chunking core.ChunkingConfig
	cdn      core.CDNConfig
	cache    manifest.Cache
	log      *zap.Logger

	transforms   *transform.Set
	transformErr error
}

// New returns a chunked store that writes and reads parts through
// contents.
func New(b *ledger.Builder, contents *content.Store, cfg core.Config, opts ...Option) *Store {
	cfg = cfg.WithDefaults()
	s := &Store{
		ledger:   b,
		contents: contents,
		limits:   cfg.Limits,
		chunking: cfg.Chunking,
		cdn:      cfg.CDN,
		cache:    manifest.NewMemoryCache(),
		log:      zap.NewNop(),
	}
	// Decoding is capped at the global limit so a manifest cannot expand
	// past what StoreLarge would have accepted.
	s.transforms, s.transformErr = transform.NewSet(cfg.Limits.MaxTotalBytes)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close releases the compression codecs.
func (s *Store) Close() error {
	if s.transforms == nil {
		return nil
	}
	return s.transforms.Close()
}

func (s *Store) lookupTransform(flag string) (transform.Transform, error) {
	if s.transformErr != nil {
		return nil, s.transformErr
	}
	return s.transforms.Lookup(flag)
}

// ShouldUseChunking reports whether content of n bytes is past the
// chunking cutover. It is advisory.
func (s *Store) ShouldUseChunking(n int) bool { return n > s.chunking.Threshold }

func (s *Store) Addresses(id core.RecordID) Addresses {
	return Addresses{
		Bcat:     address.Manifest(id).String(),
		CDN:      address.CDN(s.cdn.Host, id, "").String(),
		Explorer: address.Explorer(s.cdn.ExplorerHost, id).String(),
	}
}

// plan is the validated, compressed and split form of a store request.
type plan struct {
	header *record.Bcat
	parts  [][]byte
	stored int
}

func (s *Store) plan(ctx context.Context, data []byte, opts Options) (*plan, error) {
	if len(data) > s.limits.MaxTotalBytes {
		return nil, fmt.Errorf("%w: content is %d bytes, limit %d", core.ErrContentTooLarge, len(data), s.limits.MaxTotalBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty content", core.ErrInvalidArgument)
	}
	maxPart := opts.MaxPartSize
	if maxPart == 0 {
		maxPart = s.chunking.PartSize
	}
	if maxPart < 0 || maxPart > s.limits.MaxRecordBytes {
		return nil, fmt.Errorf("%w: part size %d outside (0, %d]", core.ErrInvalidArgument, maxPart, s.limits.MaxRecordBytes)
	}
	mode := opts.Split
	if mode == "" {
		mode = s.chunking.Mode
	}

	t, err := s.lookupTransform(opts.Compress)
	if err != nil {
		return nil, err
	}
	stored, err := t.Encode(data)
	if err != nil {
		return nil, fmt.Errorf("compressing content: %w", err)
	}

	c, err := chunker.NewChunker(chunker.Config{Mode: mode, Max: maxPart})
	if err != nil {
		return nil, err
	}
	parts, err := chunker.Collect(ctx, c, bytes.NewReader(stored))
	if err != nil {
		return nil, err
	}
	if s.limits.MaxParts > 0 && len(parts) > s.limits.MaxParts {
		return nil, fmt.Errorf("%w: %d parts exceeds %d", core.ErrContentTooLarge, len(parts), s.limits.MaxParts)
	}

	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = content.DetectMediaType(data, opts.Filename)
	}
	return &plan{
		header: &record.Bcat{
			Info:     opts.Info,
			MimeType: mimeType,
			Encoding: content.DefaultEncoding(mimeType, opts.Encoding),
			Filename: opts.Filename,
			Flag:     t.Name(),
		},
		parts:  parts,
		stored: len(stored),
	}, nil
}

// StoreLarge compresses, splits and commits data. Parts are committed one
// at a time in order; the manifest is committed last.
func (s *Store) StoreLarge(ctx context.Context, data []byte, opts Options) (*Result, error) {
	p, err := s.plan(ctx, data, opts)
	if err != nil {
		return nil, err
	}

	fees := s.ledger.Fees()
	res := &Result{Parts: make([]Part, 0, len(p.parts))}
	ids := make([]core.RecordID, 0, len(p.parts))

	for i, buf := range p.parts {
		part, fee, err := s.storePart(ctx, i, buf)
		if err != nil {
			if i == 0 {
				return nil, err
			}
			s.log.Warn("chunked store interrupted",
				zap.Int("failed_part", i),
				zap.Int("stored_parts", len(res.Parts)),
				zap.Error(err),
			)
			return nil, &PartialChunkError{Stored: res.Parts, Index: i, Total: len(p.parts), Err: err}
		}
		res.Parts = append(res.Parts, part)
		res.Cost.PartSats += fee
		ids = append(ids, part.ID)
	}

	mf := *p.header
	mf.Parts = ids
	rcpt, err := s.ledger.Publish(ctx, record.Encode(&mf))
	if err != nil {
		s.log.Warn("manifest store failed", zap.Int("stored_parts", len(ids)), zap.Error(err))
		return nil, &PartialChunkError{Stored: res.Parts, Index: len(p.parts), Total: len(p.parts), Err: err}
	}

	res.ManifestID = rcpt.ID
	res.Addresses = s.Addresses(rcpt.ID)
	res.Manifest = manifest.FromRecord(&mf)
	res.Cost.Parts = len(ids)
	res.Cost.ManifestSats = rcpt.Fee
	res.Cost.TotalSats = res.Cost.PartSats + rcpt.Fee
	res.Cost.TotalFiat = fees.Cost(res.Cost.TotalSats).Fiat
	res.Size = Size{
		OriginalBytes:    len(data),
		StoredBytes:      p.stored,
		CompressionRatio: float64(p.stored) / float64(len(data)),
	}

	if err := s.cache.Put(ctx, rcpt.ID, res.Manifest); err != nil {
		s.log.Warn("manifest cache put failed", zap.String("id", rcpt.ID.String()), zap.Error(err))
	}
	s.log.Info("chunked content stored",
		zap.String("manifest", rcpt.ID.String()),
		zap.Int("parts", len(ids)),
		zap.Int("bytes", len(data)),
		zap.String("flag", mf.Flag),
		zap.Uint64("fee", res.Cost.TotalSats),
	)
	return res, nil
}

func (s *Store) storePart(ctx context.Context, i int, buf []byte) (Part, uint64, error) {
	if Meaningful(buf) {
		rec, err := s.contents.Store(ctx, buf, content.Options{MediaType: content.MediaTypeBinary})
		if err != nil {
			return Part{}, 0, err
		}
		return Part{Index: i, ID: rec.ID, Size: len(buf)}, rec.Cost.FeeSats, nil
	}
	rcpt, err := s.ledger.Publish(ctx, record.Encode(&record.BcatPart{Data: buf}))
	if err != nil {
		return Part{}, 0, err
	}
	return Part{Index: i, ID: rcpt.ID, Size: len(buf), Raw: true}, rcpt.Fee, nil
}

// Meaningful reports whether the first bytes of a part contain letters,
// whitespace or structural punctuation.
func Meaningful(buf []byte) bool {
	if len(buf) > meaningfulPrefix {
		buf = buf[:meaningfulPrefix]
	}
	for _, c := range buf {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
			return true
		case c == ' ', c == '\t', c == '\n', c == '\r', c == '\v', c == '\f':
			return true
		case strings.IndexByte("{}[]<>", c) >= 0:
			return true
		}
	}
	return false
}

// EstimateCost prices data as a flat fee per full-size part plus the
// manifest fee. It never undercharges StoreLarge for the same input.
func (s *Store) EstimateCost(ctx context.Context, data []byte, opts Options) (Cost, error) {
	p, err := s.plan(ctx, data, opts)
	if err != nil {
		return Cost{}, err
	}
	fees := s.ledger.Fees()

	largest := 0
	for _, buf := range p.parts {
		largest = max(largest, len(buf))
	}
	perPart := fees.RecordFee(record.EncodedLen(record.ProtocolB, (&record.B{
		Data:      make([]byte, largest),
		MediaType: content.MediaTypeBinary,
	}).Fields()))

	c := Cost{
		Parts:        len(p.parts),
		ManifestSats: fees.RecordFee(record.BcatFieldsLen(p.header, len(p.parts))),
		PartSats:     perPart * uint64(len(p.parts)),
	}
	c.TotalSats = c.ManifestSats + c.PartSats
	c.TotalFiat = fees.Cost(c.TotalSats).Fiat
	return c, nil
}

// Info returns the manifest behind a bcat address without reading parts.
func (s *Store) Info(ctx context.Context, addr string) (*manifest.Manifest, error) {
	id, err := address.Normalize(addr)
	if err != nil {
		return nil, err
	}
	return s.manifest(ctx, id)
}

func (s *Store) manifest(ctx context.Context, id core.RecordID) (*manifest.Manifest, error) {
	if m, ok, err := s.cache.Get(ctx, id); err != nil {
		s.log.Warn("manifest cache get failed", zap.String("id", id.String()), zap.Error(err))
	} else if ok {
		return m, nil
	}

	script, err := s.ledger.Fetch(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v", core.ErrManifestNotFound, id, err)
	}
	rec, err := record.Decode(script)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", core.ErrManifestNotFound, id, err)
	}
	bcat, ok := rec.(*record.Bcat)
	if !ok {
		return nil, fmt.Errorf("%w: %s is a %s record", core.ErrManifestNotFound, id, rec.Protocol())
	}
	m := manifest.FromRecord(bcat)
	if err := m.Validate(s.limits.MaxParts); err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", core.ErrCorrupt, id, err)
	}

	if err := s.cache.Put(ctx, id, m); err != nil {
		s.log.Warn("manifest cache put failed", zap.String("id", id.String()), zap.Error(err))
	}
	return m, nil
}

// RetrieveLarge reassembles the content behind a manifest address. Parts
// are fetched concurrently and joined in manifest order; any missing part
// fails the whole read.
func (s *Store) RetrieveLarge(ctx context.Context, addr string) ([]byte, error) {
	id, err := address.Normalize(addr)
	if err != nil {
		return nil, err
	}
	m, err := s.manifest(ctx, id)
	if err != nil {
		return nil, err
	}
	t, err := s.lookupTransform(m.Flag)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", core.ErrCorrupt, id, err)
	}

	parts := make([][]byte, len(m.Parts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.chunking.ReadConcurrency)
	for i, partID := range m.Parts {
		g.Go(func() error {
			data, err := s.contents.Retrieve(gctx, partID.String())
			if err != nil {
				if errors.Is(err, core.ErrNotFound) {
					return fmt.Errorf("%w: part %d (%s) of manifest %s", core.ErrPartMissing, i, partID, id)
				}
				return fmt.Errorf("part %d (%s): %w", i, partID, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	stored := bytes.Join(parts, nil)
	out, err := t.Decode(stored)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", id, err)
	}
	if len(out) > s.limits.MaxTotalBytes {
		return nil, fmt.Errorf("%w: manifest %s expands to %d bytes, limit %d", core.ErrContentTooLarge, id, len(out), s.limits.MaxTotalBytes)
	}
	s.log.Debug("chunked content retrieved",
		zap.String("manifest", id.String()),
		zap.Int("parts", len(parts)),
		zap.Int("bytes", len(out)),
	)
	return out, nil
}
