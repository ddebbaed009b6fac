// Package chainstore wires the storage layer together: a ledger client,
// the reference index, and the content, chunked, mutable and CDN
// components on top of them.
package chainstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/agenthands/chainstore/pkg/audit"
	"github.com/agenthands/chainstore/pkg/catalog"
	"github.com/agenthands/chainstore/pkg/cdn"
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/index"
	"github.com/agenthands/chainstore/pkg/index/postgres"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/ledger/local"
	"github.com/agenthands/chainstore/pkg/manifest"
	"github.com/agenthands/chainstore/pkg/mutable"
	"go.uber.org/zap"
)

// Layer is an opened storage layer.
type Layer struct {
	Config   Config
	Ledger   *ledger.Builder
	Index    index.LedgerIndex
	Content  *content.Store
	Chunked  *chunked.Store
	Mutable  *mutable.Store
	Gateway  *cdn.Gateway
	Audit    audit.Runner
	Node     *local.Node // nil when a client was injected
	EdgeHTTP *cdn.Client // nil unless CDN.Enabled

	closers []io.Closer
	log     *zap.Logger
}

type Option func(*options)

type options struct {
	client ledger.Client
	index  index.LedgerIndex
	log    *zap.Logger
}

// WithClient uses c instead of opening a local node under cfg.Dir. The
// catalog index backend and the audit need a local node.
func WithClient(c ledger.Client) Option {
	return func(o *options) { o.client = c }
}

// WithIndex uses idx instead of the configured backend.
func WithIndex(idx index.LedgerIndex) Option {
	return func(o *options) { o.index = idx }
}

func WithLogger(log *zap.Logger) Option {
	return func(o *options) {
		if log != nil {
			o.log = log
		}
	}
}

// Open initializes and opens a storage layer.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Layer, error) {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	cfg = cfg.WithDefaults()
	l := &Layer{Config: cfg, log: o.log}

	client := o.client
	if client == nil {
		if cfg.Dir == "" {
			return nil, fmt.Errorf("%w: data directory not specified", ErrInvalidArgument)
		}
		packCfg := cfg.Pack
		if packCfg.Dir == "" {
			packCfg.Dir = filepath.Join(cfg.Dir, "packs")
		}
		node, err := local.Open(ctx, local.Options{
			Dir:    filepath.Join(cfg.Dir, "ledger"),
			Ledger: cfg.Ledger,
			Pack:   packCfg,
			Logger: o.log.Named("ledger"),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open local ledger: %w", err)
		}
		l.Node = node
		l.closers = append(l.closers, node)
		client = node
	}

	if err := l.wire(ctx, client, o); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (l *Layer) wire(ctx context.Context, client ledger.Client, o options) error {
	cfg := l.Config
	l.Ledger = ledger.NewBuilder(client, ledger.NewFeeModel(cfg.Fees), l.log.Named("ledger"))

	idx, err := l.openIndex(ctx, o.index)
	if err != nil {
		return err
	}
	l.Index = idx

	var contentOpts []content.Option
	contentOpts = append(contentOpts, content.WithLogger(l.log.Named("content")))
	if cfg.CDN.Enabled {
		l.EdgeHTTP = cdn.NewClient(cfg.CDN, cdn.WithClientLogger(l.log.Named("edge")))
		contentOpts = append(contentOpts, content.WithEdge(l.EdgeHTTP))
	}
	l.Content = content.New(l.Ledger, cfg, contentOpts...)

	cache := manifest.NewMemoryCache()
	if l.Node != nil {
		cache, err = catalog.NewManifestCache(l.Node.Catalog(), manifest.NewCodec(cfg.Limits))
		if err != nil {
			return err
		}
	}
	l.Chunked = chunked.New(l.Ledger, l.Content, cfg,
		chunked.WithManifestCache(cache),
		chunked.WithLogger(l.log.Named("chunked")),
	)
	l.closers = append(l.closers, l.Chunked)
	l.Mutable = mutable.New(l.Ledger, l.Index, l.Content, cfg, mutable.WithLogger(l.log.Named("mutable")))
	l.Gateway = cdn.NewGateway(l.Content, l.Chunked, l.EdgeHTTP, cfg, cdn.WithGatewayLogger(l.log.Named("gateway")))

	if l.Node != nil {
		l.Audit = audit.NewRunner(cfg.Audit, l.Node, l.log.Named("audit"))
		l.Audit.Start(ctx)
	}
	return nil
}

func (l *Layer) openIndex(ctx context.Context, injected index.LedgerIndex) (index.LedgerIndex, error) {
	if injected != nil {
		return injected, nil
	}
	switch l.Config.Index.Backend {
	case "catalog":
		if l.Node == nil {
			return nil, fmt.Errorf("%w: the catalog index needs the local ledger", ErrInvalidArgument)
		}
		return catalog.NewIndex(l.Node.Catalog())
	case "memory":
		idx := index.NewMemory()
		if l.Node != nil {
			n, err := l.Node.Reindex(ctx, idx)
			if err != nil {
				return nil, fmt.Errorf("failed to rebuild reference index: %w", err)
			}
			l.log.Info("reference index rebuilt", zap.Int("records", n))
		}
		return idx, nil
	case "postgres":
		pg, err := postgres.Open(ctx, l.Config.Index.DSN, l.log.Named("index"))
		if err != nil {
			return nil, err
		}
		l.closers = append(l.closers, pg)
		return pg, nil
	default:
		return nil, fmt.Errorf("%w: unsupported index backend %q", ErrInvalidArgument, l.Config.Index.Backend)
	}
}

// Reindex replays every reference record on the local ledger into the
// index and returns how many were replayed.
func (l *Layer) Reindex(ctx context.Context) (int, error) {
	if l.Node == nil {
		return 0, fmt.Errorf("%w: reindex needs the local ledger", ErrInvalidArgument)
	}
	return l.Node.Reindex(ctx, l.Index)
}

// Close stops the audit and closes everything Open opened, most recent
// first.
func (l *Layer) Close() error {
	if l.Audit != nil {
		l.Audit.Stop()
	}
	var errs []error
	for i := len(l.closers) - 1; i >= 0; i-- {
		if err := l.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	return errors.Join(errs...)
}
