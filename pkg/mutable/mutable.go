// Package mutable implements D references: named pointers owned by a
// ledger identity whose current value is the highest-sequence version
// ever written.
package mutable

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"

	"github.com/agenthands/chainstore/pkg/address"
	"github.com/agenthands/chainstore/pkg/content"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/index"
	"github.com/agenthands/chainstore/pkg/ledger"
	"github.com/agenthands/chainstore/pkg/record"
	"go.uber.org/zap"
)

// Options for CreateOrUpdate. A zero Sequence is assigned as the highest
// known sequence plus one; an empty Type is detected from the value.
type Options struct {
	Type     core.RefType
	Sequence uint64
}

// Reference is one resolved version of (Owner, Key).
type Reference struct {
	Owner     string
	Key       string
	Value     string
	Type      core.RefType
	Sequence  uint64
	RecordID  core.RecordID
	UpdatedAt time.Time
}

// Address returns the D:// form of the reference.
func (r Reference) Address() string { return address.Mutable(r.Owner, r.Key).String() }

func fromEntry(e index.Entry) Reference {
	return Reference{
		Owner:     e.Owner,
		Key:       e.Key,
		Value:     e.Value,
		Type:      e.Type,
		Sequence:  e.Sequence,
		RecordID:  e.RecordID,
		UpdatedAt: e.UpdatedAt,
	}
}

// Result is a committed write.
type Result struct {
	Reference
	DAddress string
	Cost     core.Cost
}

type Option func(*Store)

func WithLogger(log *zap.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time stamped on index entries.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	ledger   *ledger.Builder
	index    index.LedgerIndex
	contents *content.Store
	limits   core.LimitsConfig
	now      func() time.Time
	log      *zap.Logger
}

// New returns a reference store that writes D records through b and
// tracks the latest version of each key in idx. contents serves the
// document index.
func New(b *ledger.Builder, idx index.LedgerIndex, contents *content.Store, cfg core.Config, opts ...Option) *Store {
	cfg = cfg.WithDefaults()
	s := &Store{
		ledger:   b,
		index:    idx,
		contents: contents,
		limits:   cfg.Limits,
		now:      time.Now,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) owner(owner string) (string, error) {
	identity := s.ledger.Identity()
	if owner == "" {
		return identity, nil
	}
	if owner != identity {
		return "", fmt.Errorf("%w: cannot write as %q, ledger signs as %q", core.ErrInvalidArgument, owner, identity)
	}
	return owner, nil
}

func (s *Store) validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", core.ErrInvalidArgument)
	}
	if len(key) > s.limits.MaxKeyLen {
		return fmt.Errorf("%w: key is %d bytes, limit %d", core.ErrInvalidArgument, len(key), s.limits.MaxKeyLen)
	}
	if err := address.ValidateKey(key); err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}
	return nil
}

// CreateOrUpdate writes a new version of (owner, key). An empty owner
// means the ledger identity.
//
// Sequence assignment reads the index and writes one past it without any
// coordination, so two concurrent writers can produce the same sequence.
// The index then keeps the version with the greater record id.
func (s *Store) CreateOrUpdate(ctx context.Context, owner, key, value string, opts Options) (*Result, error) {
	owner, err := s.owner(owner)
	if err != nil {
		return nil, err
	}
	if err := s.validateKey(key); err != nil {
		return nil, err
	}
	typ := opts.Type
	if typ == "" {
		typ = DetectType(value)
	}
	if _, err := core.ParseRefType(string(typ)); err != nil {
		return nil, err
	}

	seq := opts.Sequence
	if seq == 0 {
		cur, ok, err := s.index.QueryLatest(ctx, owner, key)
		if err != nil {
			return nil, fmt.Errorf("reading current sequence: %w", err)
		}
		seq = 1
		if ok {
			if cur.Sequence == math.MaxUint64 {
				return nil, fmt.Errorf("%w: %s/%s is at the highest sequence", core.ErrInvalidArgument, owner, key)
			}
			seq = cur.Sequence + 1
		}
	}

	d := &record.D{Key: key, Value: value, Type: typ, Sequence: seq}
	rcpt, err := s.ledger.Publish(ctx, record.Encode(d))
	if err != nil {
		return nil, err
	}

	entry := index.Entry{
		Owner:     owner,
		Key:       key,
		Value:     value,
		Type:      typ,
		Sequence:  seq,
		RecordID:  rcpt.ID,
		UpdatedAt: s.now().UTC(),
	}
	if err := s.index.RecordLatest(ctx, entry); err != nil {
		// The version is on the ledger; a reindex will pick it up.
		s.log.Error("index update failed after broadcast",
			zap.String("id", rcpt.ID.String()),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, fmt.Errorf("indexing %s: %w", rcpt.ID, err)
	}

	s.log.Info("reference written",
		zap.String("owner", owner),
		zap.String("key", key),
		zap.String("type", string(typ)),
		zap.Uint64("sequence", seq),
		zap.String("id", rcpt.ID.String()),
	)
	ref := fromEntry(entry)
	return &Result{Reference: ref, DAddress: ref.Address(), Cost: rcpt.Cost}, nil
}

// Resolve returns the current version of (owner, key). Absent and
// deleted keys fail with ErrNotFound.
func (s *Store) Resolve(ctx context.Context, owner, key string) (*Reference, error) {
	if owner == "" {
		owner = s.ledger.Identity()
	}
	e, ok, err := s.index.QueryLatest(ctx, owner, key)
	if err != nil {
		return nil, err
	}
	if !ok || e.Tombstone() {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, address.Mutable(owner, key))
	}
	ref := fromEntry(e)
	return &ref, nil
}

// ResolveAddress resolves a D://owner/key reference.
func (s *Store) ResolveAddress(ctx context.Context, addr string) (*Reference, error) {
	owner, key, err := address.ParseMutable(addr)
	if err != nil {
		return nil, err
	}
	return s.Resolve(ctx, owner, key)
}

// Delete writes a tombstone for key under the ledger identity.
func (s *Store) Delete(ctx context.Context, key string) (*Result, error) {
	return s.CreateOrUpdate(ctx, "", key, "", Options{Type: core.RefTombstone})
}

// ListForOwner returns the current non-deleted reference of every key the
// owner has written, most recently updated first.
func (s *Store) ListForOwner(ctx context.Context, owner string) ([]Reference, error) {
	if owner == "" {
		owner = s.ledger.Identity()
	}
	entries, err := s.index.ListOwner(ctx, owner)
	if err != nil {
		return nil, err
	}
	live := entries[:0]
	for _, e := range entries {
		if !e.Tombstone() {
			live = append(live, e)
		}
	}
	index.SortNewestFirst(live)

	out := make([]Reference, len(live))
	for i, e := range live {
		out[i] = fromEntry(e)
	}
	return out, nil
}

var (
	recordIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	hashPattern     = regexp.MustCompile(`^[0-9a-fA-F]{40,63}$`)
)

// DetectType classifies a reference value: a 64 hex record id, a shorter
// hex content hash, a b:// content reference, or literal text.
func DetectType(value string) core.RefType {
	switch {
	case recordIDPattern.MatchString(value):
		return core.RefRecord
	case hashPattern.MatchString(value):
		return core.RefHash
	case strings.HasPrefix(strings.ToLower(value), "b://"):
		return core.RefContent
	default:
		return core.RefText
	}
}
