// Package audit finds chunk parts that no manifest references. Parts are
// orphaned when a chunked store fails after committing some of them. The
// ledger keeps them forever, so the audit only reports.
package audit

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/ledger/local"
	"github.com/agenthands/chainstore/pkg/record"
	"go.uber.org/zap"
)

// Source iterates committed records. *local.Node is a Source.
type Source interface {
	Records(ctx context.Context, fn func(local.Committed) error) error
}

// Orphan is a part-shaped record no manifest lists.
type Orphan struct {
	ID          core.RecordID
	Protocol    record.Protocol
	Bytes       int
	CommittedAt time.Time
}

// Broken is a manifest that lists parts the ledger does not hold.
type Broken struct {
	Manifest core.RecordID
	Missing  []core.RecordID
}

// Report contains the findings of one audit.
//
// Chunk parts carry no back reference to their manifest, so a part is
// recognised by shape: a raw part record, or a B record of
// application/octet-stream data with no filename and no encoding. A user
// upload stored that way is indistinguishable from an orphaned part and
// is reported as one.
type Report struct {
	Records     int
	Manifests   int
	Parts       int // part-shaped records, referenced or not
	Orphans     []Orphan
	OrphanBytes int
	Broken      []Broken
}

// Runner defines the audit interface.
type Runner interface {
	RunOnce(ctx context.Context) (Report, error)
	Start(ctx context.Context)
	Stop()
}

type runner struct {
	cfg core.AuditConfig
	src Source
	log *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewRunner creates an audit runner over src.
func NewRunner(cfg core.AuditConfig, src Source, log *zap.Logger) Runner {
	if cfg.RunEvery == 0 {
		cfg.RunEvery = 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &runner{
		cfg:    cfg,
		src:    src,
		log:    log,
		stopCh: make(chan struct{}),
	}
}

// partShaped reports whether r could be a chunk part: a raw part, or a
// B record written the way chunked stores write meaningful parts.
func partShaped(r record.Record) (int, bool) {
	switch r := r.(type) {
	case *record.BcatPart:
		return len(r.Data), true
	case *record.B:
		if r.MediaType == content.MediaTypeBinary && r.Filename == "" && r.Encoding == "" {
			return len(r.Data), true
		}
	}
	return 0, false
}

func (r *runner) RunOnce(ctx context.Context) (Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var rep Report
	present := make(map[core.RecordID]struct{})
	referenced := make(map[core.RecordID]struct{})
	var candidates []Orphan
	var manifests []local.Committed

	// Mark: everything committed, and everything a manifest lists.
	err := r.src.Records(ctx, func(c local.Committed) error {
		rep.Records++
		present[c.ID] = struct{}{}
		if m, ok := c.Record.(*record.Bcat); ok {
			rep.Manifests++
			manifests = append(manifests, c)
			for _, id := range m.Parts {
				referenced[id] = struct{}{}
			}
			return nil
		}
		if n, ok := partShaped(c.Record); ok {
			rep.Parts++
			candidates = append(candidates, Orphan{
				ID:          c.ID,
				Protocol:    c.Record.Protocol(),
				Bytes:       n,
				CommittedAt: c.CommittedAt,
			})
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("scanning records: %w", err)
	}

	for _, o := range candidates {
		if _, ok := referenced[o.ID]; ok {
			continue
		}
		rep.Orphans = append(rep.Orphans, o)
		rep.OrphanBytes += o.Bytes
	}
	sort.Slice(rep.Orphans, func(i, j int) bool {
		return rep.Orphans[i].CommittedAt.Before(rep.Orphans[j].CommittedAt)
	})

	for _, c := range manifests {
		var missing []core.RecordID
		for _, id := range c.Record.(*record.Bcat).Parts {
			if _, ok := present[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			rep.Broken = append(rep.Broken, Broken{Manifest: c.ID, Missing: missing})
		}
	}

	r.log.Info("audit complete",
		zap.Int("records", rep.Records),
		zap.Int("manifests", rep.Manifests),
		zap.Int("orphans", len(rep.Orphans)),
		zap.Int("orphan_bytes", rep.OrphanBytes),
		zap.Int("broken_manifests", len(rep.Broken)),
	)
	return rep, nil
}

func (r *runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running || !r.cfg.Enabled {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(r.cfg.RunEvery)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.log.Warn("audit failed", zap.Error(err))
				}
			}
		}
	}()
}

func (r *runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		r.running = false
		close(r.stopCh)
	}
}
