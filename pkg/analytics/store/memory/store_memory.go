// Package memory holds in-process metrics and audit stores for local mode and
// tests. Both follow the idempotence rules of their durable counterparts.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"usagetrail/pkg/analytics"
	"usagetrail/pkg/domain"
)

// AuditStore keeps one row per record id, like ON CONFLICT (id) DO NOTHING.
type AuditStore struct {
	mu   sync.RWMutex
	rows []analytics.CanonicalAnalyticRecord
	ids  map[domain.EventID]struct{}
}

func NewAuditStore() *AuditStore {
	return &AuditStore{ids: make(map[domain.EventID]struct{})}
}

func (s *AuditStore) Insert(_ context.Context, rec analytics.CanonicalAnalyticRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[rec.ID]; ok {
		return nil
	}
	s.ids[rec.ID] = struct{}{}
	s.rows = append(s.rows, rec)
	return nil
}

// ListByOrganization returns up to limit rows charged to org, most recently
// inserted first.
func (s *AuditStore) ListByOrganization(_ context.Context, org domain.OrganizationID, limit int) ([]analytics.CanonicalAnalyticRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []analytics.CanonicalAnalyticRecord
	for i := len(s.rows) - 1; i >= 0 && len(out) < limit; i-- {
		if s.rows[i].OrganizationID() == org.String() {
			out = append(out, s.rows[i])
		}
	}
	return out, nil
}

// ListRecent returns the limit most recently inserted rows, newest first.
func (s *AuditStore) ListRecent(_ context.Context, limit int) ([]analytics.CanonicalAnalyticRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := max(len(s.rows)-limit, 0)
	out := slices.Clone(s.rows[start:])
	slices.Reverse(out)
	return out, nil
}

// Len returns the number of stored rows.
func (s *AuditStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows)
}

func (s *AuditStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = nil
	s.ids = make(map[domain.EventID]struct{})
}

// MetricsStore keeps one point per record id; rewriting a point replaces it,
// like an InfluxDB point with the same series and timestamp.
type MetricsStore struct {
	mu     sync.RWMutex
	points map[domain.EventID]analytics.CanonicalAnalyticRecord
	writes int
}

func NewMetricsStore() *MetricsStore {
	return &MetricsStore{points: make(map[domain.EventID]analytics.CanonicalAnalyticRecord)}
}

func (s *MetricsStore) WritePoint(_ context.Context, rec analytics.CanonicalAnalyticRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points[rec.ID] = rec
	s.writes++
	return nil
}

// Point returns the point written for id.
func (s *MetricsStore) Point(id domain.EventID) (analytics.CanonicalAnalyticRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.points[id]
	return rec, ok
}

// Len returns the number of distinct points.
func (s *MetricsStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.points)
}

// Writes returns how many WritePoint calls were accepted, duplicates included.
func (s *MetricsStore) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// Usage counts the points of org that occurred on the UTC day containing day,
// per operation kind plus "total". An empty org selects platform-level
// points; points with an unparsable occurrence count on the epoch day.
func (s *MetricsStore) Usage(_ context.Context, org string, day time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := utcDay(day)
	out := map[string]int64{}
	for _, rec := range s.points {
		if rec.OrganizationID() != org {
			continue
		}
		occurred, _ := rec.OccurredTime()
		if utcDay(occurred) != want {
			continue
		}
		out[rec.OperationKind]++
		out["total"]++
	}
	return out, nil
}

func utcDay(t time.Time) string {
	if t.IsZero() {
		t = time.Unix(0, 0)
	}
	return t.UTC().Format("20060102")
}

func (s *MetricsStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = make(map[domain.EventID]analytics.CanonicalAnalyticRecord)
	s.writes = 0
}
