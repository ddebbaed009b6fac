package cdn

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/agenthands/chainstore/pkg/chunked"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// Version is reported by edges in HeaderVersion.
const Version = "1.0.0"

type cached struct {
	payload     []byte
	contentType string
	kind        string
	etag        string
}

// Edge serves records over HTTP from the stores, keeping recently read
// records in memory. Records never change, so cache entries are never
// invalidated, only evicted.
//
// The stores given to an Edge must read from the ledger, not from another
// edge.
type Edge struct {
	contents   *content.Store
	chunks     *chunked.Store
	cache      *lru.Cache
	router     *mux.Router
	region     string
	dataCenter string
	log        *zap.Logger
}

type EdgeOption func(*Edge)

// WithRegion sets the region and data center the edge reports.
func WithRegion(region, dataCenter string) EdgeOption {
	return func(e *Edge) {
		e.region = region
		e.dataCenter = dataCenter
	}
}

func WithEdgeLogger(log *zap.Logger) EdgeOption {
	return func(e *Edge) {
		if log != nil {
			e.log = log
		}
	}
}

func NewEdge(contents *content.Store, chunks *chunked.Store, cfg core.CDNConfig, opts ...EdgeOption) (*Edge, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = core.DefaultConfig().CDN.CacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("creating edge cache: %w", err)
	}
	e := &Edge{
		contents: contents,
		chunks:   chunks,
		cache:    cache,
		region:   "local",
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}

	r := mux.NewRouter()
	r.HandleFunc("/", e.health).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{id:[0-9a-fA-F]{64}}", e.serve).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/{id:[0-9a-fA-F]{64}}.{ext:[A-Za-z0-9]+}", e.serve).Methods(http.MethodGet, http.MethodHead)
	e.router = r
	return e, nil
}

func (e *Edge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.router.ServeHTTP(w, r)
}

func (e *Edge) stamp(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set(HeaderRegion, e.region)
	h.Set(HeaderVersion, Version)
	if e.dataCenter != "" {
		h.Set(HeaderDataCenter, e.dataCenter)
	}
	if id := r.Header.Get(HeaderRequestID); id != "" {
		h.Set(HeaderRequestID, id)
	}
}

func (e *Edge) health(w http.ResponseWriter, r *http.Request) {
	e.stamp(w, r)
	w.Header().Set("Content-Type", "application/json")
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"region":  e.region,
		"version": Version,
		"cached":  e.cache.Len(),
	})
}

func (e *Edge) serve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := core.ParseRecordID(vars["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e.stamp(w, r)

	hit := true
	var item *cached
	if v, ok := e.cache.Get(id); ok {
		item = v.(*cached)
	} else {
		hit = false
		item, err = e.load(r, id)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrManifestNotFound) || errors.Is(err, core.ErrPartMissing) {
				status = http.StatusNotFound
			}
			e.log.Debug("edge miss failed", zap.String("id", id.String()), zap.Int("status", status), zap.Error(err))
			http.Error(w, http.StatusText(status), status)
			return
		}
		e.cache.Add(id, item)
	}

	h := w.Header()
	if hit {
		h.Set(HeaderCache, "HIT")
	} else {
		h.Set(HeaderCache, "MISS")
	}
	h.Set(HeaderKind, item.kind)
	h.Set("ETag", item.etag)
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	contentType := item.contentType
	if contentType == "" && vars["ext"] != "" {
		contentType = content.DetectMediaType(nil, "x."+vars["ext"])
	}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}

	if r.Header.Get("If-None-Match") == item.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	h.Set("Content-Length", strconv.Itoa(len(item.payload)))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		w.Write(item.payload)
	}
}

// load reads id as a content record, then as a manifest.
func (e *Edge) load(r *http.Request, id core.RecordID) (*cached, error) {
	ctx := r.Context()
	rec, err := e.contents.RetrieveRecord(ctx, id.String())
	if err == nil {
		return newCached(rec.Payload, withCharset(rec.MediaType, rec.Encoding), KindContent), nil
	}
	if !errors.Is(err, core.ErrNotFound) || e.chunks == nil {
		return nil, err
	}

	m, merr := e.chunks.Info(ctx, id.String())
	if merr != nil {
		if errors.Is(merr, core.ErrManifestNotFound) {
			return nil, err
		}
		return nil, merr
	}
	payload, err := e.chunks.RetrieveLarge(ctx, id.String())
	if err != nil {
		return nil, err
	}
	return newCached(payload, withCharset(m.MimeType, m.Encoding), KindManifest), nil
}

func newCached(payload []byte, contentType, kind string) *cached {
	sum := blake3.Sum256(payload)
	return &cached{
		payload:     payload,
		contentType: contentType,
		kind:        kind,
		etag:        `"` + hex.EncodeToString(sum[:]) + `"`,
	}
}

func withCharset(mediaType, encoding string) string {
	if mediaType == "" || encoding == "" {
		return mediaType
	}
	return mediaType + "; charset=" + encoding
}
