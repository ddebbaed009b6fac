package cdn

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agenthands/chainstore/internal/testkit"
	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
)

type harness struct {
	cfg      core.Config
	client   *testkit.FaultyClient
	contents *content.Store
	chunks   *chunked.Store
	edge     *Edge
	server   *httptest.Server
	gateway  *Gateway
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	node := testkit.NewNode(t, "alice")
	fc := testkit.NewFaultyClient(node)
	b := testkit.NewBuilder(fc)

	cfg := core.DefaultConfig()
	contents := content.New(b, cfg)
	chunks := chunked.New(b, contents, cfg)
	t.Cleanup(func() { chunks.Close() })

	edge, err := NewEdge(contents, chunks, cfg.CDN, WithRegion("test-1", "dc-7"))
	if err != nil {
		t.Fatalf("NewEdge failed: %v", err)
	}
	srv := httptest.NewServer(edge)
	t.Cleanup(srv.Close)

	cfg.CDN.BaseURL = srv.URL
	return &harness{
		cfg:      cfg,
		client:   fc,
		contents: contents,
		chunks:   chunks,
		edge:     edge,
		server:   srv,
		gateway:  NewGateway(contents, chunks, NewClient(cfg.CDN), cfg),
	}
}

func (h *harness) store(t *testing.T, payload string) *content.Record {
	t.Helper()
	rec, err := h.contents.Store(context.Background(), []byte(payload), content.Options{})
	if err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	return rec
}

func TestGateway(t *testing.T) {
	ctx := context.Background()

	t.Run("UploadAndRetrieveThroughEdge", func(t *testing.T) {
		h := newHarness(t)
		up, err := h.gateway.Upload(ctx, []byte("served from the edge"), UploadOptions{})
		if err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
		if up.Chunked || up.Content == nil || !strings.HasPrefix(up.Address, "b://") {
			t.Fatalf("expected a single content record, got %+v", up)
		}
		if len(up.URLs) != 4 || up.URLs[1] != "https://us-east.bico.media/"+up.ID.String() {
			t.Errorf("unexpected edge urls %v", up.URLs)
		}

		first, err := h.gateway.Retrieve(ctx, up.Address, RetrieveOptions{})
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if string(first.Payload) != "served from the edge" {
			t.Errorf("unexpected payload %q", first.Payload)
		}
		m := first.Metrics
		if m.Source != "edge" || m.CacheHit || m.Region != "test-1" || m.DataCenter != "dc-7" || m.RequestID == "" {
			t.Errorf("unexpected first metrics %+v", m)
		}

		second, err := h.gateway.Retrieve(ctx, up.ID.String(), RetrieveOptions{})
		if err != nil {
			t.Fatalf("second Retrieve failed: %v", err)
		}
		if !second.Metrics.CacheHit {
			t.Error("second read should hit the edge cache")
		}
	})

	t.Run("ChunkedUpload", func(t *testing.T) {
		h := newHarness(t)
		data := bytes.Repeat([]byte("chunk me "), 20_000)
		up, err := h.gateway.Upload(ctx, data, UploadOptions{Info: "large"})
		if err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
		if !up.Chunked || up.Large == nil || !strings.HasPrefix(up.Address, "bcat://") {
			t.Fatalf("expected a chunked upload, got %+v", up)
		}
		if up.Cost.FeeSats != up.Large.Cost.TotalSats {
			t.Errorf("cost %d does not match chunked total %d", up.Cost.FeeSats, up.Large.Cost.TotalSats)
		}

		got, err := h.gateway.Retrieve(ctx, up.Address, RetrieveOptions{})
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if !bytes.Equal(got.Payload, data) || got.Metrics.Source != "edge" {
			t.Errorf("chunked read through edge mismatched (source %s)", got.Metrics.Source)
		}
	})

	t.Run("FallsBackToLedger", func(t *testing.T) {
		h := newHarness(t)
		rec := h.store(t, "edge is down")

		down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
		}))
		defer down.Close()
		cfg := h.cfg
		cfg.CDN.BaseURL = down.URL
		g := NewGateway(h.contents, h.chunks, NewClient(cfg.CDN), cfg)

		got, err := g.Retrieve(ctx, rec.Addresses.B, RetrieveOptions{})
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if string(got.Payload) != "edge is down" || got.Metrics.Source != "ledger" {
			t.Errorf("expected a ledger read, got %q from %s", got.Payload, got.Metrics.Source)
		}
	})

	t.Run("BothSourcesFail", func(t *testing.T) {
		h := newHarness(t)
		missing := core.RecordID{0xde, 0xad}
		_, err := h.gateway.Retrieve(ctx, "b://"+missing.String(), RetrieveOptions{})
		if !errors.Is(err, core.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("MutableAddressRejected", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.gateway.Retrieve(ctx, "D://alice/documents/index.json", RetrieveOptions{})
		if !errors.Is(err, core.ErrInvalidAddress) {
			t.Errorf("expected ErrInvalidAddress, got %v", err)
		}
	})

	t.Run("RetrieveWithIncludesAndTemplate", func(t *testing.T) {
		h := newHarness(t)
		header := h.store(t, "<h1>{{title}}</h1>")
		page := h.store(t, "{{mustache=B://}}{{B://"+header.ID.String()+"}}<p>{{body}}</p>")

		got, err := h.gateway.Retrieve(ctx, page.Addresses.B, RetrieveOptions{
			Includes: true,
			Template: true,
			Data:     map[string]any{"title": "News", "body": "Today"},
		})
		if err != nil {
			t.Fatalf("Retrieve failed: %v", err)
		}
		if string(got.Payload) != "<h1>News</h1><p>Today</p>" {
			t.Errorf("unexpected rendered page %q", got.Payload)
		}
		if got.Template == nil || len(got.Template.VariablesUsed) != 2 {
			t.Errorf("unexpected template result %+v", got.Template)
		}
	})

	t.Run("Health", func(t *testing.T) {
		h := newHarness(t)
		st, err := h.gateway.Health(ctx)
		if err != nil {
			t.Fatalf("Health failed: %v", err)
		}
		if !st.Available || st.Version != Version {
			t.Errorf("unexpected health %+v", st)
		}

		noEdge := NewGateway(h.contents, h.chunks, nil, h.cfg)
		st, err = noEdge.Health(ctx)
		if err != nil || st.Available {
			t.Errorf("gateway without an edge should report unavailable, got %+v, %v", st, err)
		}
	})
}

func TestEdge(t *testing.T) {
	get := func(t *testing.T, h *harness, method, path string, header http.Header) *httptest.ResponseRecorder {
		t.Helper()
		req := httptest.NewRequest(method, path, nil)
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		rr := httptest.NewRecorder()
		h.edge.ServeHTTP(rr, req)
		return rr
	}

	t.Run("HeadersAndETag", func(t *testing.T) {
		h := newHarness(t)
		rec := h.store(t, "etag me")

		rr := get(t, h, http.MethodGet, "/"+rec.ID.String(), http.Header{HeaderRequestID: {"req-1"}})
		if rr.Code != http.StatusOK || rr.Body.String() != "etag me" {
			t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
		}
		if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
			t.Errorf("unexpected content type %q", ct)
		}
		if rr.Header().Get(HeaderCache) != "MISS" || rr.Header().Get(HeaderRequestID) != "req-1" {
			t.Errorf("unexpected headers %v", rr.Header())
		}
		etag := rr.Header().Get("ETag")
		if len(etag) != 66 {
			t.Fatalf("expected a quoted blake3 etag, got %q", etag)
		}

		rr = get(t, h, http.MethodGet, "/"+rec.ID.String(), http.Header{"If-None-Match": {etag}})
		if rr.Code != http.StatusNotModified || rr.Body.Len() != 0 {
			t.Errorf("expected 304 without body, got %d", rr.Code)
		}
		if rr.Header().Get(HeaderCache) != "HIT" {
			t.Error("conditional request should be served from cache")
		}
	})

	t.Run("ExtensionAndHead", func(t *testing.T) {
		h := newHarness(t)
		rec := h.store(t, `{"a":1}`)

		rr := get(t, h, http.MethodHead, "/"+rec.ID.String()+".json", nil)
		if rr.Code != http.StatusOK || rr.Body.Len() != 0 {
			t.Errorf("unexpected HEAD response %d with %d body bytes", rr.Code, rr.Body.Len())
		}
		if rr.Header().Get("Content-Length") != "7" {
			t.Errorf("unexpected content length %q", rr.Header().Get("Content-Length"))
		}
		if !strings.HasPrefix(rr.Header().Get("Content-Type"), content.MediaTypeJSON) {
			t.Errorf("unexpected content type %q", rr.Header().Get("Content-Type"))
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		h := newHarness(t)
		missing := core.RecordID{0xbe, 0xef}
		if rr := get(t, h, http.MethodGet, "/"+missing.String(), nil); rr.Code != http.StatusNotFound {
			t.Errorf("unknown record: expected 404, got %d", rr.Code)
		}
		if rr := get(t, h, http.MethodGet, "/not-a-record", nil); rr.Code != http.StatusNotFound {
			t.Errorf("bad path: expected 404, got %d", rr.Code)
		}
		if rr := get(t, h, http.MethodPost, "/"+missing.String(), nil); rr.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST: expected 405, got %d", rr.Code)
		}
	})

	t.Run("HiddenRecordServedFromCache", func(t *testing.T) {
		h := newHarness(t)
		rec := h.store(t, "cached forever")
		if rr := get(t, h, http.MethodGet, "/"+rec.ID.String(), nil); rr.Code != http.StatusOK {
			t.Fatalf("warm-up failed: %d", rr.Code)
		}
		h.client.Hide(rec.ID)
		rr := get(t, h, http.MethodGet, "/"+rec.ID.String(), nil)
		if rr.Code != http.StatusOK || rr.Body.String() != "cached forever" {
			t.Errorf("expected the cached copy, got %d", rr.Code)
		}
	})
}

func TestClient(t *testing.T) {
	ctx := context.Background()

	t.Run("URLs", func(t *testing.T) {
		cfg := core.DefaultConfig().CDN
		id := core.RecordID{0x01}
		urls := NewClient(cfg).URLs(id)
		want := []string{
			"https://bico.media/" + id.String(),
			"https://us-east.bico.media/" + id.String(),
			"https://eu-west.bico.media/" + id.String(),
			"https://asia-south.bico.media/" + id.String(),
		}
		for i := range want {
			if urls[i] != want[i] {
				t.Errorf("url %d: expected %s, got %s", i, want[i], urls[i])
			}
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		h := newHarness(t)
		_, err := NewClient(h.cfg.CDN).Fetch(ctx, core.RecordID{0x02})
		if !errors.Is(err, core.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("HealthUnreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()

		cfg := core.DefaultConfig().CDN
		cfg.BaseURL = url
		st, err := NewClient(cfg).Health(ctx)
		if err != nil {
			t.Fatalf("Health should not fail on transport errors: %v", err)
		}
		if st.Available || st.Version != "unknown" {
			t.Errorf("unexpected health %+v", st)
		}
	})

	t.Run("EdgeAsContentFetcher", func(t *testing.T) {
		h := newHarness(t)
		rec := h.store(t, "read through edge")
		viaEdge := content.New(testkit.NewBuilder(h.client), h.cfg, content.WithEdge(NewClient(h.cfg.CDN)))

		h.client.Hide(rec.ID)
		// The edge has not cached the record yet, so both sources miss.
		if _, err := viaEdge.Retrieve(ctx, rec.Addresses.B); !errors.Is(err, core.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ManifestIsNotContent", func(t *testing.T) {
		h := newHarness(t)
		res, err := h.chunks.StoreLarge(ctx, bytes.Repeat([]byte("manifest "), 20_000), chunked.Options{})
		if err != nil {
			t.Fatalf("StoreLarge failed: %v", err)
		}
		id := res.ManifestID

		resp, err := NewClient(h.cfg.CDN).Get(ctx, id, "")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if resp.Kind != KindManifest {
			t.Errorf("expected kind %q, got %q", KindManifest, resp.Kind)
		}

		direct := content.New(testkit.NewBuilder(h.client), h.cfg)
		viaEdge := content.New(testkit.NewBuilder(h.client), h.cfg, content.WithEdge(NewClient(h.cfg.CDN)))
		for name, s := range map[string]*content.Store{"Ledger": direct, "Edge": viaEdge} {
			if _, err := s.Retrieve(ctx, id.String()); !errors.Is(err, core.ErrNotFound) {
				t.Errorf("%s: expected ErrNotFound, got %v", name, err)
			}
		}

		rec := h.store(t, "plain content")
		resp, err = NewClient(h.cfg.CDN).Get(ctx, rec.ID, "")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if resp.Kind != KindContent {
			t.Errorf("expected kind %q, got %q", KindContent, resp.Kind)
		}
	})
}
