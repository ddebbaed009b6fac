// Package postgres stores the mutable reference index in PostgreSQL so
// several storage layer processes can share one view of the latest
// versions.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"

	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/index"
	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS mutable_refs (
	owner      TEXT        NOT NULL,
	ref_key    TEXT        NOT NULL,
	value      TEXT        NOT NULL,
	ref_type   TEXT        NOT NULL,
	sequence   BIGINT      NOT NULL,
	record_id  BYTEA       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (owner, ref_key)
)`

// The WHERE clause makes the upsert a no-op unless the new row
// supersedes the stored one, so concurrent writers cannot roll back.
const upsert = `INSERT INTO mutable_refs (owner, ref_key, value, ref_type, sequence, record_id, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (owner, ref_key) DO UPDATE SET
	value = EXCLUDED.value,
	ref_type = EXCLUDED.ref_type,
	sequence = EXCLUDED.sequence,
	record_id = EXCLUDED.record_id,
	updated_at = EXCLUDED.updated_at
WHERE mutable_refs.sequence < EXCLUDED.sequence
	OR (mutable_refs.sequence = EXCLUDED.sequence AND mutable_refs.record_id < EXCLUDED.record_id)`

const selectOne = `SELECT value, ref_type, sequence, record_id, updated_at FROM mutable_refs WHERE owner = $1 AND ref_key = $2`

const selectOwner = `SELECT ref_key, value, ref_type, sequence, record_id, updated_at FROM mutable_refs WHERE owner = $1 ORDER BY ref_key`

type Index struct {
	DB  *sql.DB
	log *zap.Logger
}

func New(db *sql.DB, log *zap.Logger) *Index {
	if log == nil {
		log = zap.NewNop()
	}
	return &Index{DB: db, log: log}
}

// Open connects with lib/pq and creates the table if needed.
func Open(ctx context.Context, dsn string, log *zap.Logger) (*Index, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	idx := New(db, log)
	if err := idx.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (x *Index) Migrate(ctx context.Context) error {
	if _, err := x.DB.ExecContext(ctx, schema); err != nil {
		x.log.Error("failed to create mutable_refs table", zap.Error(err))
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (x *Index) Close() error { return x.DB.Close() }

func (x *Index) RecordLatest(ctx context.Context, e index.Entry) error {
	if e.Sequence > math.MaxInt64 {
		return fmt.Errorf("%w: sequence %d does not fit BIGINT", core.ErrInvalidArgument, e.Sequence)
	}
	_, err := x.DB.ExecContext(ctx, upsert,
		e.Owner, e.Key, e.Value, string(e.Type), int64(e.Sequence), e.RecordID[:], e.UpdatedAt.UTC())
	if err != nil {
		x.log.Error("failed to record reference",
			zap.String("owner", e.Owner), zap.String("key", e.Key), zap.Error(err))
		return err
	}
	return nil
}

func (x *Index) QueryLatest(ctx context.Context, owner, key string) (index.Entry, bool, error) {
	e := index.Entry{Owner: owner, Key: key}
	var (
		typ string
		seq int64
		rid []byte
	)
	err := x.DB.QueryRowContext(ctx, selectOne, owner, key).Scan(&e.Value, &typ, &seq, &rid, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return index.Entry{}, false, nil
	}
	if err != nil {
		x.log.Error("failed to query reference",
			zap.String("owner", owner), zap.String("key", key), zap.Error(err))
		return index.Entry{}, false, err
	}
	if err := fill(&e, typ, seq, rid); err != nil {
		return index.Entry{}, false, err
	}
	return e, true, nil
}

func (x *Index) ListOwner(ctx context.Context, owner string) ([]index.Entry, error) {
	rows, err := x.DB.QueryContext(ctx, selectOwner, owner)
	if err != nil {
		x.log.Error("failed to list references", zap.String("owner", owner), zap.Error(err))
		return nil, err
	}
	defer rows.Close()

	var out []index.Entry
	for rows.Next() {
		e := index.Entry{Owner: owner}
		var (
			typ string
			seq int64
			rid []byte
		)
		if err := rows.Scan(&e.Key, &e.Value, &typ, &seq, &rid, &e.UpdatedAt); err != nil {
			return nil, err
		}
		if err := fill(&e, typ, seq, rid); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func fill(e *index.Entry, typ string, seq int64, rid []byte) error {
	id, err := core.RecordIDFromBytes(rid)
	if err != nil {
		return err
	}
	e.Type = core.RefType(typ)
	e.Sequence = uint64(seq)
	e.RecordID = id
	return nil
}
