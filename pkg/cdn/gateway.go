package cdn

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agenthands/chainstore/pkg/address"
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
	"go.uber.org/zap"
)

type UploadOptions struct {
	MediaType string
	Encoding  string
	Filename  string
	Info      string // manifest description, chunked uploads only
	Compress  string // transform flag, chunked uploads only
}

// Upload is a committed upload. Exactly one of Content and Large is set.
type Upload struct {
	ID       core.RecordID
	Address  string // b:// or bcat://
	Chunked  bool
	URLs     []string
	Cost     core.Cost
	Content  *content.Record
	Large    *chunked.Result
	Duration time.Duration
}

type RetrieveOptions struct {
	Includes bool           // resolve {{b://<id>}} markers
	Template bool           // render {{mustache=B://}} documents
	Data     map[string]any // template variables
}

type Retrieved struct {
	Payload  []byte
	Metrics  Metrics
	Template *TemplateResult
}

type GatewayOption func(*Gateway)

func WithGatewayLogger(log *zap.Logger) GatewayOption {
	return func(g *Gateway) {
		if log != nil {
			g.log = log
		}
	}
}

// Gateway puts an edge in front of the stores. Reads go to the edge
// first and fall back to the ledger once; writes go to the stores.
type Gateway struct {
	edge     *Client
	contents *content.Store
	chunks   *chunked.Store
	maxDepth int
	log      *zap.Logger
}

// NewGateway returns a gateway over the stores. edge may be nil, in which
// case every read goes to the ledger.
func NewGateway(contents *content.Store, chunks *chunked.Store, edge *Client, cfg core.Config, opts ...GatewayOption) *Gateway {
	cfg = cfg.WithDefaults()
	g := &Gateway{
		edge:     edge,
		contents: contents,
		chunks:   chunks,
		maxDepth: cfg.CDN.MaxIncludeDepth,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) urls(id core.RecordID) []string {
	if g.edge == nil {
		return nil
	}
	return g.edge.URLs(id)
}

// Upload stores payload as one content record, or as a chunked item when
// it is past the chunking threshold.
func (g *Gateway) Upload(ctx context.Context, payload []byte, opts UploadOptions) (*Upload, error) {
	start := time.Now()
	if g.chunks.ShouldUseChunking(len(payload)) {
		res, err := g.chunks.StoreLarge(ctx, payload, chunked.Options{
			MimeType: opts.MediaType,
			Encoding: opts.Encoding,
			Filename: opts.Filename,
			Info:     opts.Info,
			Compress: opts.Compress,
		})
		if err != nil {
			return nil, err
		}
		g.log.Info("chunked upload",
			zap.String("manifest", res.ManifestID.String()),
			zap.Int("parts", len(res.Parts)),
		)
		return &Upload{
			ID:       res.ManifestID,
			Address:  res.Addresses.Bcat,
			Chunked:  true,
			URLs:     g.urls(res.ManifestID),
			Cost:     core.Cost{FeeSats: res.Cost.TotalSats, Fiat: res.Cost.TotalFiat},
			Large:    res,
			Duration: time.Since(start),
		}, nil
	}

	rec, err := g.contents.Store(ctx, payload, content.Options{
		MediaType: opts.MediaType,
		Encoding:  opts.Encoding,
		Filename:  opts.Filename,
	})
	if err != nil {
		return nil, err
	}
	g.log.Info("upload", zap.String("id", rec.ID.String()), zap.Int("bytes", len(payload)))
	return &Upload{
		ID:       rec.ID,
		Address:  rec.Addresses.B,
		URLs:     g.urls(rec.ID),
		Cost:     rec.Cost,
		Content:  rec,
		Duration: time.Since(start),
	}, nil
}

// Retrieve reads the record behind addr, then optionally resolves
// includes and renders the result as a template, in that order.
func (g *Gateway) Retrieve(ctx context.Context, addr string, opts RetrieveOptions) (*Retrieved, error) {
	payload, m, err := g.fetch(ctx, addr)
	if err != nil {
		return nil, err
	}
	out := &Retrieved{Payload: payload, Metrics: m}

	if opts.Includes {
		doc, err := g.ProcessIncludes(ctx, string(out.Payload))
		if err != nil {
			return nil, err
		}
		out.Payload = []byte(doc)
	}
	if opts.Template && IsTemplate(string(out.Payload)) {
		tr, err := g.ProcessTemplate(ctx, string(out.Payload), opts.Data)
		if err != nil {
			return nil, err
		}
		out.Template = tr
		out.Payload = []byte(tr.Content)
	}
	return out, nil
}

// Health reports on the edge. Without an edge the gateway reads from the
// ledger only and reports unavailable.
func (g *Gateway) Health(ctx context.Context) (*Health, error) {
	if g.edge == nil {
		return &Health{Version: "none"}, nil
	}
	return g.edge.Health(ctx)
}

func (g *Gateway) load(ctx context.Context, addr string) ([]byte, error) {
	payload, _, err := g.fetch(ctx, addr)
	return payload, err
}

func (g *Gateway) fetch(ctx context.Context, addr string) ([]byte, Metrics, error) {
	a, err := address.Parse(addr)
	if err != nil {
		return nil, Metrics{}, err
	}
	id, err := a.RecordID()
	if err != nil {
		return nil, Metrics{}, err
	}

	var edgeErr error
	if g.edge != nil {
		resp, err := g.edge.Get(ctx, id, a.Ext)
		if err == nil {
			return resp.Payload, resp.Metrics, nil
		}
		if ctx.Err() != nil {
			return nil, Metrics{}, ctx.Err()
		}
		edgeErr = err
		g.log.Warn("edge read failed, falling back to ledger", zap.String("id", id.String()), zap.Error(err))
	}

	start := time.Now()
	payload, err := g.fromLedger(ctx, a.Kind, id)
	if err != nil {
		if ctx.Err() != nil {
			return nil, Metrics{}, ctx.Err()
		}
		if edgeErr != nil {
			return nil, Metrics{}, fmt.Errorf("%w: %s (edge: %v): %w", core.ErrNotFound, id, edgeErr, err)
		}
		return nil, Metrics{}, fmt.Errorf("%w: %s: %w", core.ErrNotFound, id, err)
	}
	return payload, Metrics{Source: "ledger", Latency: time.Since(start)}, nil
}

// fromLedger reads a manifest address as chunked content and a b://
// address as a content record. Other forms may name either.
func (g *Gateway) fromLedger(ctx context.Context, kind address.Kind, id core.RecordID) ([]byte, error) {
	if kind == address.KindManifest {
		return g.chunks.RetrieveLarge(ctx, id.String())
	}
	rec, err := g.contents.RetrieveRecord(ctx, id.String())
	if err == nil {
		return rec.Payload, nil
	}
	if kind == address.KindContent || !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}
	return g.chunks.RetrieveLarge(ctx, id.String())
}
