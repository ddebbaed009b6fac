// Package chunker splits content into ordered parts no larger than a
// maximum size, either at fixed offsets or at content-defined boundaries.
package chunker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/jotfs/fastcdc-go"
)

const (
	ModeFixed = "fixed"
	ModeCDC   = "cdc"

	// fastcdc rejects a minimum below 64 bytes; cdc mode uses Max/4.
	minCDCMax = 256
)

// Part is one piece of the input. Index is 0-based and contiguous.
type Part struct {
	Index int
	Buf   []byte // owned by chunker; returned to pool by consumer
	N     int
}

// Config defines the chunking parameters.
type Config struct {
	Mode string
	Max  int
}

// Chunker defines the interface for splitting an io.Reader into parts.
type Chunker interface {
	Split(ctx context.Context, r io.Reader) (<-chan Part, <-chan error)
	// ReturnBuffer returns a part buffer to the internal pool for reuse.
	ReturnBuffer(buf []byte)
}

type chunker struct {
	cfg  Config
	pool sync.Pool
}

// NewChunker returns a new Chunker implementation.
func NewChunker(cfg Config) (Chunker, error) {
	if cfg.Mode == "" {
		cfg.Mode = ModeFixed
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("%w: part size must be positive, got %d", core.ErrInvalidArgument, cfg.Max)
	}
	switch cfg.Mode {
	case ModeFixed:
	case ModeCDC:
		if cfg.Max < minCDCMax {
			return nil, fmt.Errorf("%w: cdc part size must be at least %d, got %d", core.ErrInvalidArgument, minCDCMax, cfg.Max)
		}
	default:
		return nil, fmt.Errorf("%w: unknown split mode %q", core.ErrInvalidArgument, cfg.Mode)
	}
	return &chunker{
		cfg: cfg,
		pool: sync.Pool{
			New: func() interface{} {
				return make([]byte, cfg.Max)
			},
		},
	}, nil
}

func (c *chunker) Split(ctx context.Context, r io.Reader) (<-chan Part, <-chan error) {
	parts := make(chan Part, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(parts)
		defer close(errs)

		next, err := c.source(r)
		if err != nil {
			errs <- err
			return
		}

		for index := 0; ; index++ {
			if err := ctx.Err(); err != nil {
				errs <- err
				return
			}

			buf := c.pool.Get().([]byte)
			n, err := next(buf)
			if err != nil {
				c.pool.Put(buf)
				if err != io.EOF {
					errs <- err
				}
				return
			}

			select {
			case <-ctx.Done():
				c.pool.Put(buf)
				errs <- ctx.Err()
				return
			case parts <- Part{Index: index, Buf: buf, N: n}:
			}
		}
	}()

	return parts, errs
}

// source returns a function that fills buf with the next part and
// reports io.EOF once the input is exhausted.
func (c *chunker) source(r io.Reader) (func(buf []byte) (int, error), error) {
	if c.cfg.Mode == ModeFixed {
		return func(buf []byte) (int, error) {
			n, err := io.ReadFull(r, buf)
			switch {
			case n > 0 && (err == nil || errors.Is(err, io.ErrUnexpectedEOF)):
				return n, nil
			case err == nil || errors.Is(err, io.ErrUnexpectedEOF):
				return 0, io.EOF
			default:
				return 0, err
			}
		}, nil
	}

	cdc, err := fastcdc.NewChunker(r, fastcdc.Options{
		MinSize:     c.cfg.Max / 4,
		AverageSize: c.cfg.Max / 2,
		MaxSize:     c.cfg.Max,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	return func(buf []byte) (int, error) {
		chunk, err := cdc.Next()
		if err != nil {
			return 0, err
		}
		return copy(buf, chunk.Data), nil
	}, nil
}

// ReturnBuffer returns a buffer to the pool.
func (c *chunker) ReturnBuffer(buf []byte) {
	c.pool.Put(buf)
}

// Collect drains Split into owned slices, one per part in order.
func Collect(ctx context.Context, c Chunker, r io.Reader) ([][]byte, error) {
	parts, errs := c.Split(ctx, r)
	var out [][]byte
	for p := range parts {
		out = append(out, append([]byte(nil), p.Buf[:p.N]...))
		c.ReturnBuffer(p.Buf)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}
