package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usagetrail/pkg/analytics"
	"usagetrail/pkg/domain"
	dErrors "usagetrail/pkg/domain-errors"
	txcontext "usagetrail/pkg/platform/tx"
)

// fakeResult implements sql.Result for tests.
type fakeResult struct {
	rowsAffected int64
	err          error
}

func (f fakeResult) LastInsertId() (int64, error) { return 0, errors.New("not implemented") }
func (f fakeResult) RowsAffected() (int64, error) { return f.rowsAffected, f.err }

// fakeDB implements DB for tests. Queries are not supported.
type fakeDB struct {
	ExecFn    func(ctx context.Context, query string, args ...any) (sql.Result, error)
	lastQuery string
	lastArgs  []any
}

func (f *fakeDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	f.lastQuery = query
	f.lastArgs = args
	if f.ExecFn != nil {
		return f.ExecFn(ctx, query, args...)
	}
	return fakeResult{rowsAffected: 1}, nil
}

func (f *fakeDB) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("not supported by fakeDB")
}

func testRecord() analytics.CanonicalAnalyticRecord {
	org := "org-42"
	return analytics.CanonicalAnalyticRecord{
		ID:             domain.DeriveEventID([]byte("category.updated")),
		SourceKind:     "analytics",
		URL:            "/categories/7",
		Method:         "PATCH",
		HeadersJSON:    `{"accept":"*/*"}`,
		BodyJSON:       `{"name":"Shoes"}`,
		OperationKind:  "Update",
		ChargeCategory: "Organization",
		Organization:   analytics.OrganizationRef{ID: &org},
		PayloadJSON:    `{"id":7}`,
		OccurredAt:     "2024-03-01T10:15:30.123Z",
	}
}

func TestStore_Insert(t *testing.T) {
	db := &fakeDB{}
	store := New(db)
	rec := testRecord()

	err := store.Insert(context.Background(), rec)

	require.NoError(t, err)
	assert.Contains(t, db.lastQuery, "INSERT INTO analytic_events")
	assert.Contains(t, db.lastQuery, "ON CONFLICT (id) DO NOTHING")
	require.Len(t, db.lastArgs, 12)
	assert.Equal(t, rec.ID.String(), db.lastArgs[0])
	assert.Equal(t, sql.NullString{String: "org-42", Valid: true}, db.lastArgs[8])
	assert.Equal(t, "2024-03-01T10:15:30.123Z", db.lastArgs[10])
	occurred, ok := db.lastArgs[11].(sql.NullTime)
	require.True(t, ok)
	assert.True(t, occurred.Valid)
	assert.True(t, occurred.Time.Equal(time.Date(2024, 3, 1, 10, 15, 30, 123e6, time.UTC)))
}

func TestStore_InsertNullsAndBadTimestamps(t *testing.T) {
	db := &fakeDB{}
	rec := testRecord()
	rec.Organization.ID = nil
	rec.ChargeCategory = "Webmaster"
	rec.OccurredAt = "yesterday"

	require.NoError(t, New(db).Insert(context.Background(), rec))

	assert.Equal(t, sql.NullString{}, db.lastArgs[8])
	assert.Equal(t, "yesterday", db.lastArgs[10], "kept verbatim")
	assert.Equal(t, sql.NullTime{}, db.lastArgs[11])
}

func TestStore_InsertNewReportsDuplicates(t *testing.T) {
	db := &fakeDB{ExecFn: func(context.Context, string, ...any) (sql.Result, error) {
		return fakeResult{rowsAffected: 0}, nil
	}}

	created, err := New(db).InsertNew(context.Background(), testRecord())

	require.NoError(t, err)
	assert.False(t, created)
}

func TestStore_InsertUsesTransactionFromContext(t *testing.T) {
	// A nil *sql.Tx is never stored, so the store falls back to its DB.
	db := &fakeDB{}
	ctx := txcontext.WithTx(context.Background(), nil)

	require.NoError(t, New(db).Insert(ctx, testRecord()))
	assert.NotEmpty(t, db.lastQuery)
}

func TestStore_InsertClassifiesErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code dErrors.Code
	}{
		{"dial failure", errors.New("dial tcp: connection refused"), dErrors.CodeUnavailable},
		{"connection exception", &pq.Error{Code: "08006"}, dErrors.CodeUnavailable},
		{"admin shutdown", &pq.Error{Code: "57P01"}, dErrors.CodeUnavailable},
		{"invalid byte sequence", &pq.Error{Code: "22021"}, dErrors.CodeInvalidInput},
		{"missing table", &pq.Error{Code: "42P01"}, dErrors.CodeMisconfigured},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := &fakeDB{ExecFn: func(context.Context, string, ...any) (sql.Result, error) {
				return nil, tt.err
			}}

			err := New(db).Insert(context.Background(), testRecord())

			require.Error(t, err)
			assert.Equal(t, tt.code, dErrors.CodeOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestStore_EnsureSchema(t *testing.T) {
	db := &fakeDB{}

	require.NoError(t, New(db).EnsureSchema(context.Background()))

	assert.True(t, strings.Contains(db.lastQuery, "CREATE TABLE IF NOT EXISTS analytic_events"))
	assert.Contains(t, db.lastQuery, "id              UUID PRIMARY KEY")
}
