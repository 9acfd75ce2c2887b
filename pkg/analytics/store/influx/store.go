// Package influx is the InfluxDB v2 metrics store. Every record becomes one
// point whose identity (measurement, tag set, timestamp) is derived from the
// record, so a redelivered record overwrites its own point.
package influx

import (
	"context"
	"errors"
	"net/http"
	"time"

	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"usagetrail/pkg/analytics"
	dErrors "usagetrail/pkg/domain-errors"
)

const (
	DefaultMeasurement = "analytics"

	TagKind            = "kind"
	TagOperation       = "operation"
	TagCharge          = "charge"
	TagOrganization    = "organization"
	TagEventID         = "event_id"
	TagOccurredAtValid = "occurred_at_valid"
	FieldCount         = "count"
)

// Writer is satisfied by api.WriteAPIBlocking.
type Writer interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// Store implements the metrics side of the dual write.
type Store struct {
	writer      Writer
	measurement string
}

type Option func(*Store)

// WithMeasurement overrides the measurement name.
func WithMeasurement(name string) Option {
	return func(s *Store) {
		if name != "" {
			s.measurement = name
		}
	}
}

// New creates a store writing through w.
func New(w Writer, opts ...Option) *Store {
	s := &Store{writer: w, measurement: DefaultMeasurement}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WritePoint writes the point for rec.
func (s *Store) WritePoint(ctx context.Context, rec analytics.CanonicalAnalyticRecord) error {
	if err := s.writer.WritePoint(ctx, s.Point(rec)); err != nil {
		return classify(err)
	}
	return nil
}

// Point maps rec to its line-protocol point. Records without a parsable
// occurrence time are written at the Unix epoch and tagged
// occurred_at_valid=false so they stay visible without skewing real series.
func (s *Store) Point(rec analytics.CanonicalAnalyticRecord) *write.Point {
	tags := map[string]string{
		TagKind:         rec.SourceKind,
		TagOperation:    rec.OperationKind,
		TagCharge:       rec.ChargeCategory,
		TagEventID:      rec.ID.String(),
		TagOrganization: rec.OrganizationID(),
	}
	// Empty tag values are not representable in line protocol.
	for k, v := range tags {
		if v == "" {
			delete(tags, k)
		}
	}

	ts, ok := rec.OccurredTime()
	if !ok {
		ts = time.Unix(0, 0).UTC()
		tags[TagOccurredAtValid] = "false"
	}

	return write.NewPoint(s.measurement, tags, map[string]any{FieldCount: int64(1)}, ts)
}

// classify maps InfluxDB responses onto domain codes: rejected points cannot
// be fixed by redelivery, auth and bucket errors are configuration problems,
// everything else is unavailability.
func classify(err error) error {
	var herr *influxhttp.Error
	if errors.As(err, &herr) {
		switch {
		case herr.StatusCode == http.StatusBadRequest, herr.StatusCode == http.StatusUnprocessableEntity:
			return dErrors.Wrap(err, dErrors.CodeInvalidInput, "influx rejected point")
		case herr.StatusCode == http.StatusUnauthorized, herr.StatusCode == http.StatusForbidden, herr.StatusCode == http.StatusNotFound:
			return dErrors.Wrap(err, dErrors.CodeMisconfigured, "influx write not permitted")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "influx write timed out")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "influx write failed")
}
