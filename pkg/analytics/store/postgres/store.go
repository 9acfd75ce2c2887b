// Package postgres is the audit store: one row per canonical record in the
// analytic_events table.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"usagetrail/pkg/analytics"
	"usagetrail/pkg/domain"
	dErrors "usagetrail/pkg/domain-errors"
	txcontext "usagetrail/pkg/platform/tx"
)

//go:embed schema.sql
var schema string

const insertEventSQL = `
	INSERT INTO analytic_events (
		id, source_kind, url, method, headers_json, body_json,
		operation_kind, charge_category, organization_id, payload_json,
		occurred_at, occurred_at_ts
	)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING
`

const selectColumns = `
	SELECT id, source_kind, url, method, headers_json, body_json,
		   operation_kind, charge_category, organization_id, payload_json,
		   occurred_at
	FROM analytic_events
`

// Store implements the audit side of the dual write.
type Store struct {
	db DB
}

// New creates a store over db, typically a *sql.DB opened with lib/pq.
func New(db DB) *Store {
	return &Store{db: db}
}

// execer returns the transaction carried by ctx, if any.
func (s *Store) execer(ctx context.Context) DB {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

// EnsureSchema creates the table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.execer(ctx).ExecContext(ctx, schema); err != nil {
		return classify(err, "ensure analytic_events schema")
	}
	return nil
}

// Insert writes rec. A row with the same id is left untouched, so
// redelivered records collapse into one row.
func (s *Store) Insert(ctx context.Context, rec analytics.CanonicalAnalyticRecord) error {
	_, err := s.InsertNew(ctx, rec)
	return err
}

// InsertNew is Insert that also reports whether a new row was created.
func (s *Store) InsertNew(ctx context.Context, rec analytics.CanonicalAnalyticRecord) (bool, error) {
	var occurredAt sql.NullTime
	if t, ok := rec.OccurredTime(); ok {
		occurredAt = sql.NullTime{Time: t, Valid: true}
	}
	var org sql.NullString
	if rec.Organization.ID != nil {
		org = sql.NullString{String: *rec.Organization.ID, Valid: true}
	}

	res, err := s.execer(ctx).ExecContext(ctx, insertEventSQL,
		rec.ID.String(),
		rec.SourceKind,
		rec.URL,
		rec.Method,
		rec.HeadersJSON,
		rec.BodyJSON,
		rec.OperationKind,
		rec.ChargeCategory,
		org,
		rec.PayloadJSON,
		rec.OccurredAt,
		occurredAt,
	)
	if err != nil {
		return false, classify(err, "insert analytic event")
	}
	n, err := res.RowsAffected()
	if err != nil {
		// The row is written; only the driver's bookkeeping failed.
		return true, nil
	}
	return n > 0, nil
}

// ListByOrganization returns the most recent records charged to org, newest
// occurrence first.
func (s *Store) ListByOrganization(ctx context.Context, org domain.OrganizationID, limit int) ([]analytics.CanonicalAnalyticRecord, error) {
	query := selectColumns + `
		WHERE organization_id = $1
		ORDER BY occurred_at_ts DESC NULLS LAST, recorded_at DESC
		LIMIT $2
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, org.String(), limit)
	if err != nil {
		return nil, classify(err, "query analytic events")
	}
	defer rows.Close()

	return scanRecords(rows)
}

// ListRecent returns the limit most recently recorded rows.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]analytics.CanonicalAnalyticRecord, error) {
	query := selectColumns + `
		ORDER BY recorded_at DESC
		LIMIT $1
	`
	rows, err := s.execer(ctx).QueryContext(ctx, query, limit)
	if err != nil {
		return nil, classify(err, "query analytic events")
	}
	defer rows.Close()

	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]analytics.CanonicalAnalyticRecord, error) {
	var records []analytics.CanonicalAnalyticRecord

	for rows.Next() {
		var (
			rec   analytics.CanonicalAnalyticRecord
			rawID string
			org   sql.NullString
		)
		err := rows.Scan(
			&rawID,
			&rec.SourceKind,
			&rec.URL,
			&rec.Method,
			&rec.HeadersJSON,
			&rec.BodyJSON,
			&rec.OperationKind,
			&rec.ChargeCategory,
			&org,
			&rec.PayloadJSON,
			&rec.OccurredAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan analytic event: %w", err)
		}

		id, err := domain.ParseEventID(rawID)
		if err != nil {
			return nil, fmt.Errorf("scan analytic event id: %w", err)
		}
		rec.ID = id
		if org.Valid {
			v := org.String
			rec.Organization.ID = &v
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate analytic events: %w", err)
	}
	return records, nil
}

// classify maps Postgres error classes onto domain codes. Anything that is not
// a server-side error (dial failures, resets) is treated as unavailability.
func classify(err error, op string) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, op)
	}
	switch pqErr.Code.Class() {
	case "22", "23":
		// Data the server refuses to store (e.g. NUL bytes in text); redelivery
		// cannot fix it.
		return dErrors.Wrap(err, dErrors.CodeInvalidInput, op)
	case "42":
		return dErrors.Wrap(err, dErrors.CodeMisconfigured, op)
	default:
		return dErrors.Wrap(err, dErrors.CodeUnavailable, op)
	}
}
