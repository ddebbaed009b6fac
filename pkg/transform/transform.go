// Package transform implements the whole-content compression applied
// before chunking. The flag names the algorithm and is recorded in the
// chunk manifest so readers can undo it.
package transform

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Flags as written into the manifest flag field. FlagNone is the empty
// string.
const (
	FlagNone   = ""
	FlagGzip   = "gzip"
	FlagZstd   = "zstd"
	FlagLZ4    = "lz4"
	FlagSnappy = "snappy"
)

// Transform defines the interface for encoding/decoding stored content.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// Set holds one reusable instance of every transform. Decoders refuse
// output longer than the limit the set was built with.
type Set struct {
	byFlag map[string]Transform
	zstd   io.Closer
}

// NewSet builds every transform once. limit caps decoded output; 0 means
// unbounded.
func NewSet(limit int) (*Set, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: negative decode limit %d", core.ErrInvalidArgument, limit)
	}
	z, err := NewZstd(int(zstd.SpeedDefault), limit)
	if err != nil {
		return nil, err
	}
	none := NewNone()
	return &Set{
		byFlag: map[string]Transform{
			FlagNone:   none,
			"none":     none,
			FlagGzip:   NewGzip(gzip.DefaultCompression, limit),
			FlagZstd:   z,
			FlagLZ4:    NewLZ4(limit),
			FlagSnappy: NewSnappy(limit),
		},
		zstd: z.(io.Closer),
	}, nil
}

// Lookup returns the transform for a manifest flag. Unknown flags fail
// with ErrInvalidArgument.
func (s *Set) Lookup(flag string) (Transform, error) {
	t, ok := s.byFlag[flag]
	if !ok {
		return nil, fmt.Errorf("%w: unknown compression flag %q", core.ErrInvalidArgument, flag)
	}
	return t, nil
}

// Close releases the zstd encoder and decoder.
func (s *Set) Close() error {
	return s.zstd.Close()
}

func tooLarge(name string, limit int) error {
	return fmt.Errorf("%w: %s output exceeds %d bytes", core.ErrContentTooLarge, name, limit)
}

// readLimited drains r, failing once more than limit bytes come out.
func readLimited(name string, r io.Reader, limit int) ([]byte, error) {
	if limit > 0 {
		r = io.LimitReader(r, int64(limit)+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s body: %v", core.ErrCorrupt, name, err)
	}
	if limit > 0 && len(out) > limit {
		return nil, tooLarge(name, limit)
	}
	return out, nil
}

// None transform doesn't apply any transformation.
type noneTransform struct{}

func NewNone() Transform {
	return &noneTransform{}
}

func (t *noneTransform) Name() string                         { return FlagNone }
func (t *noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (t *noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type gzipTransform struct {
	level int
	limit int
}

func NewGzip(level, limit int) Transform {
	return &gzipTransform{level: level, limit: limit}
}

func (t *gzipTransform) Name() string { return FlagGzip }

func (t *gzipTransform) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, t.level)
	if err != nil {
		return nil, fmt.Errorf("gzip writer: %w", err)
	}
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *gzipTransform) Decode(stored []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(stored))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %v", core.ErrCorrupt, err)
	}
	defer r.Close()
	return readLimited(FlagGzip, r, t.limit)
}

// Zstd transform applies zstd compression. EncodeAll and DecodeAll are
// safe for concurrent use, so one instance serves every caller.
type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	limit   int
}

func NewZstd(level, limit int) (Transform, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevel(level)))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}
	dopts := []zstd.DOption{}
	if limit > 0 {
		dopts = append(dopts, zstd.WithDecoderMaxMemory(uint64(limit)))
	}
	dec, err := zstd.NewReader(nil, dopts...)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	return &zstdTransform{
		encoder: enc,
		decoder: dec,
		limit:   limit,
	}, nil
}

func (t *zstdTransform) Name() string { return FlagZstd }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	return t.encoder.EncodeAll(plain, nil), nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	out, err := t.decoder.DecodeAll(stored, nil)
	if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
		return nil, tooLarge(FlagZstd, t.limit)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", core.ErrCorrupt, err)
	}
	if t.limit > 0 && len(out) > t.limit {
		return nil, tooLarge(FlagZstd, t.limit)
	}
	return out, nil
}

func (t *zstdTransform) Close() error {
	t.decoder.Close()
	return t.encoder.Close()
}

// LZ4 uses the frame format; the manifest does not carry the original
// size that block mode would need.
type lz4Transform struct {
	limit int
}

func NewLZ4(limit int) Transform {
	return &lz4Transform{limit: limit}
}

func (t *lz4Transform) Name() string { return FlagLZ4 }

func (t *lz4Transform) Encode(plain []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(plain); err != nil {
		return nil, fmt.Errorf("lz4 write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("lz4 close: %w", err)
	}
	return buf.Bytes(), nil
}

func (t *lz4Transform) Decode(stored []byte) ([]byte, error) {
	return readLimited(FlagLZ4, lz4.NewReader(bytes.NewReader(stored)), t.limit)
}

type snappyTransform struct {
	limit int
}

func NewSnappy(limit int) Transform {
	return &snappyTransform{limit: limit}
}

func (t *snappyTransform) Name() string { return FlagSnappy }

func (t *snappyTransform) Encode(plain []byte) ([]byte, error) {
	return snappy.Encode(nil, plain), nil
}

func (t *snappyTransform) Decode(stored []byte) ([]byte, error) {
	n, err := snappy.DecodedLen(stored)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %v", core.ErrCorrupt, err)
	}
	if t.limit > 0 && n > t.limit {
		return nil, tooLarge(FlagSnappy, t.limit)
	}
	out, err := snappy.Decode(nil, stored)
	if err != nil {
		return nil, fmt.Errorf("%w: snappy: %v", core.ErrCorrupt, err)
	}
	return out, nil
}
