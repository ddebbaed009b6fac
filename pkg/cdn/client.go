// Package cdn is the caching read path in front of the ledger: an HTTP
// client for edge nodes, the edge handler itself, and a gateway that
// combines both with the stores and adds templating.
package cdn

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Edge response headers.
const (
	HeaderCache      = "X-Cache"
	HeaderRegion     = "X-Edge-Region"
	HeaderDataCenter = "X-Edge-Datacenter"
	HeaderVersion    = "X-Edge-Version"
	HeaderRequestID  = "X-Request-ID"
	HeaderKind       = "X-Record-Kind"
)

// Values of HeaderKind. A manifest id is served as its reassembled
// content.
const (
	KindContent  = "content"
	KindManifest = "manifest"
)

// Metrics describe how an edge served one read.
type Metrics struct {
	Source     string // "edge" or "ledger"
	Region     string
	DataCenter string
	CacheHit   bool
	Latency    time.Duration
	RequestID  string
}

// Response is a payload read from an edge.
type Response struct {
	Payload     []byte
	ContentType string
	Kind        string // KindContent or KindManifest, empty for older edges
	Metrics     Metrics
}

type Health struct {
	Available bool
	Latency   time.Duration
	Version   string
}

// Client reads records from an edge over HTTP.
type Client struct {
	http    *http.Client
	base    string
	host    string
	regions []string
	log     *zap.Logger
}

type ClientOption func(*Client)

// WithHTTPClient replaces the default client, whose timeout comes from
// CDNConfig.Timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

func WithClientLogger(log *zap.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

func NewClient(cfg core.CDNConfig, opts ...ClientOption) *Client {
	base := cfg.BaseURL
	if base == "" {
		base = "https://" + cfg.Host
	}
	c := &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		base:    strings.TrimSuffix(base, "/"),
		host:    cfg.Host,
		regions: cfg.Regions,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URLs returns the primary and regional edge URLs for id.
func (c *Client) URLs(id core.RecordID) []string {
	urls := []string{c.base + "/" + id.String()}
	for _, r := range c.regions {
		urls = append(urls, "https://"+r+"."+c.host+"/"+id.String())
	}
	return urls
}

// Get reads id from the edge. ext, when set, is appended as a file
// extension. A 404 is reported as ErrNotFound.
func (c *Client) Get(ctx context.Context, id core.RecordID, ext string) (*Response, error) {
	url := c.base + "/" + id.String()
	if ext != "" {
		url += "." + ext
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	reqID := uuid.NewString()
	req.Header.Set(HeaderRequestID, reqID)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("edge request %s: %w", reqID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: edge has no record %s", core.ErrNotFound, id)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("edge returned %s for %s", resp.Status, id)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading edge response: %w", err)
	}

	m := Metrics{
		Source:     "edge",
		Region:     resp.Header.Get(HeaderRegion),
		DataCenter: resp.Header.Get(HeaderDataCenter),
		CacheHit:   strings.EqualFold(resp.Header.Get(HeaderCache), "HIT"),
		Latency:    time.Since(start),
		RequestID:  reqID,
	}
	c.log.Debug("edge read",
		zap.String("id", id.String()),
		zap.String("region", m.Region),
		zap.Bool("cache_hit", m.CacheHit),
		zap.Duration("latency", m.Latency),
	)
	return &Response{
		Payload:     body,
		ContentType: resp.Header.Get("Content-Type"),
		Kind:        resp.Header.Get(HeaderKind),
		Metrics:     m,
	}, nil
}

// Fetch returns only the payload of id. It lets the content store use the
// edge as its first read source, so a manifest is reported as ErrNotFound
// just as the ledger read would.
func (c *Client) Fetch(ctx context.Context, id core.RecordID) ([]byte, error) {
	resp, err := c.Get(ctx, id, "")
	if err != nil {
		return nil, err
	}
	if resp.Kind == KindManifest {
		return nil, fmt.Errorf("%w: %s is a chunk manifest, not content", core.ErrNotFound, id)
	}
	return resp.Payload, nil
}

// Health checks the edge root with HEAD. Transport failures are reported
// as unavailable rather than as an error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/", nil)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp, err := c.http.Do(req)
	h := &Health{Latency: time.Since(start), Version: "unknown"}
	if err != nil {
		c.log.Warn("edge health check failed", zap.Error(err))
		return h, nil
	}
	resp.Body.Close()

	h.Available = resp.StatusCode == http.StatusOK
	if v := resp.Header.Get(HeaderVersion); v != "" {
		h.Version = v
	}
	return h, nil
}
