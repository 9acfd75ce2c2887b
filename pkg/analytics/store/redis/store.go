// Package redis is the Redis metrics store: per-organization daily usage
// counters, incremented at most once per record.
package redis

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"usagetrail/pkg/analytics"
	dErrors "usagetrail/pkg/domain-errors"
)

const (
	pointKeyPrefix = "point:"
	usageKeyPrefix = "usage:"

	// PlatformOrganization is the counter owner for Webmaster-charged records
	// that carry no organization.
	PlatformOrganization = "_platform"
	// FieldTotal counts every record regardless of operation.
	FieldTotal = "total"

	dayLayout         = "20060102"
	defaultMarkerTTL  = 7 * 24 * time.Hour
	defaultCounterTTL = 400 * 24 * time.Hour
)

// recordPoint marks the record as counted and increments the usage hash in
// one step. A record already marked is a redelivery and changes nothing.
//
// KEYS[1] point marker, KEYS[2] usage hash
// ARGV[1] operation field, ARGV[2] marker TTL (s), ARGV[3] counter TTL (s)
var recordPoint = redis.NewScript(`
if not redis.call('SET', KEYS[1], '1', 'NX', 'EX', ARGV[2]) then
	return 0
end
redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
redis.call('HINCRBY', KEYS[2], 'total', 1)
redis.call('EXPIRE', KEYS[2], ARGV[3])
return 1
`)

// Client is the part of go-redis the store uses. *redis.Client and
// *redis.ClusterClient satisfy it.
type Client interface {
	redis.Scripter
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Store implements the metrics side of the dual write on Redis.
type Store struct {
	client     Client
	markerTTL  time.Duration
	counterTTL time.Duration
}

type Option func(*Store)

// WithMarkerTTL bounds how long a record is remembered as counted. It must
// exceed the longest redelivery window of the bus.
func WithMarkerTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.markerTTL = d
		}
	}
}

// WithCounterTTL sets how long a daily usage hash is kept.
func WithCounterTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.counterTTL = d
		}
	}
}

func New(client Client, opts ...Option) *Store {
	s := &Store{client: client, markerTTL: defaultMarkerTTL, counterTTL: defaultCounterTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// WritePoint counts rec once in its organization's daily usage hash.
func (s *Store) WritePoint(ctx context.Context, rec analytics.CanonicalAnalyticRecord) error {
	_, err := s.Record(ctx, rec)
	return err
}

// Record is WritePoint that also reports whether the counters moved.
func (s *Store) Record(ctx context.Context, rec analytics.CanonicalAnalyticRecord) (bool, error) {
	org := organizationOf(rec)
	day, _ := rec.OccurredTime()

	keys := []string{PointKey(org, rec.ID.String()), UsageKey(org, day)}
	n, err := recordPoint.Run(ctx, s.client, keys,
		rec.OperationKind,
		int64(s.markerTTL/time.Second),
		int64(s.counterTTL/time.Second),
	).Int64()
	if err != nil {
		return false, classify(err)
	}
	return n == 1, nil
}

// Usage returns the counters of org for the UTC day containing day. Keys are
// operation kinds plus FieldTotal; a day without records yields an empty map.
func (s *Store) Usage(ctx context.Context, org string, day time.Time) (map[string]int64, error) {
	if org == "" {
		org = PlatformOrganization
	}
	raw, err := s.client.HGetAll(ctx, UsageKey(org, day)).Result()
	if err != nil {
		return nil, classify(err)
	}
	out := make(map[string]int64, len(raw))
	for field, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "usage counter "+field+" is not an integer")
		}
		out[field] = n
	}
	return out, nil
}

func organizationOf(rec analytics.CanonicalAnalyticRecord) string {
	if org := rec.OrganizationID(); org != "" {
		return org
	}
	return PlatformOrganization
}

// PointKey is the marker key of one record. The organization is a hash tag
// so the marker and its usage hash live in the same cluster slot.
func PointKey(org, eventID string) string {
	return pointKeyPrefix + "{" + escapeTag(org) + "}:" + eventID
}

// UsageKey is the daily usage hash of org. A zero day (unparsable
// occurrence) maps to the Unix epoch, matching the metrics point.
func UsageKey(org string, day time.Time) string {
	if day.IsZero() {
		day = time.Unix(0, 0)
	}
	return usageKeyPrefix + "{" + escapeTag(org) + "}:" + day.UTC().Format(dayLayout)
}

// escapeTag keeps braces in organization ids from changing the hash slot.
func escapeTag(org string) string {
	return strings.NewReplacer("{", "%7B", "}", "%7D").Replace(org)
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "redis call timed out")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "redis call failed")
}
