package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/agenthands/chainstore/pkg/core"
	"github.com/agenthands/chainstore/pkg/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ index.LedgerIndex = (*Index)(nil)

func TestRecordLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	idx := New(db, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := index.Entry{
		Owner:     "alice",
		Key:       "documents/index.json",
		Value:     "b://" + core.RecordID{1}.String(),
		Type:      core.RefContent,
		Sequence:  4,
		RecordID:  core.RecordID{9},
		UpdatedAt: at,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO mutable_refs")).
		WithArgs("alice", "documents/index.json", e.Value, "b", int64(4), e.RecordID[:], at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, idx.RecordLatest(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordLatestConditional(t *testing.T) {
	// The supersede rule lives in SQL; check it is part of the statement.
	assert.Contains(t, upsert, "mutable_refs.sequence < EXCLUDED.sequence")
	assert.Contains(t, upsert, "mutable_refs.record_id < EXCLUDED.record_id")
}

func TestQueryLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	idx := New(db, nil)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rid := core.RecordID{7}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT value, ref_type, sequence, record_id, updated_at FROM mutable_refs WHERE owner = $1 AND ref_key = $2")).
		WithArgs("alice", "doc").
		WillReturnRows(sqlmock.NewRows([]string{"value", "ref_type", "sequence", "record_id", "updated_at"}).
			AddRow("hello", "txt", int64(3), rid[:], at))

	got, ok, err := idx.QueryLatest(context.Background(), "alice", "doc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", got.Value)
	assert.Equal(t, core.RefText, got.Type)
	assert.Equal(t, uint64(3), got.Sequence)
	assert.Equal(t, rid, got.RecordID)
	assert.True(t, at.Equal(got.UpdatedAt))

	mock.ExpectQuery("SELECT value").WithArgs("alice", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"value", "ref_type", "sequence", "record_id", "updated_at"}))
	_, ok, err = idx.QueryLatest(context.Background(), "alice", "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListOwner(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	idx := New(db, nil)
	at := time.Now().UTC()
	rid := core.RecordID{1}

	mock.ExpectQuery("SELECT ref_key, value").WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"ref_key", "value", "ref_type", "sequence", "record_id", "updated_at"}).
			AddRow("a", "one", "txt", int64(1), rid[:], at).
			AddRow("b", "", "null", int64(2), rid[:], at))

	list, err := idx.ListOwner(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].Key)
	assert.True(t, list[1].Tombstone())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestErrorsPropagate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	idx := New(db, nil)
	boom := errors.New("connection reset")

	mock.ExpectExec("INSERT INTO mutable_refs").WillReturnError(boom)
	err = idx.RecordLatest(context.Background(), index.Entry{Owner: "alice", Key: "k", Type: core.RefText, Sequence: 1})
	assert.ErrorIs(t, err, boom)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS mutable_refs").WillReturnError(boom)
	assert.ErrorIs(t, idx.Migrate(context.Background()), boom)

	assert.NoError(t, mock.ExpectationsWereMet())
}
