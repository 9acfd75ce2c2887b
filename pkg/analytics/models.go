// Package analytics defines the event envelope published by producing domains
// and the canonical record the ingestion pipeline persists.
package analytics

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"usagetrail/pkg/domain"
)

// DefaultSourceKind tags records whose producer did not set a kind.
const DefaultSourceKind = "analytics"

// Sentinel prefixes written into record fields in place of values that could
// not be represented. They start with '!' so they never collide with valid
// JSON documents or enum values.
const (
	UnserializablePrefix = "!unserializable"
	InvalidPrefix        = "!invalid:"
)

// Unserializable returns the marker stored when a structure cannot be encoded.
func Unserializable(reason string) string {
	return UnserializablePrefix + ": " + reason
}

// Invalid returns the marker stored when an enum value is outside its set.
func Invalid(original string) string {
	return InvalidPrefix + original
}

// IsSentinel reports whether v is one of the substitution markers.
func IsSentinel(v string) bool {
	return strings.HasPrefix(v, UnserializablePrefix) || strings.HasPrefix(v, InvalidPrefix)
}

// HeaderValue is a header that was sent either once (a JSON string) or
// repeatedly (a JSON array of strings).
type HeaderValue struct {
	Values []string
	Multi  bool
}

// SingleHeader builds a header sent once.
func SingleHeader(v string) HeaderValue {
	return HeaderValue{Values: []string{v}}
}

// MultiHeader builds a repeated header.
func MultiHeader(v ...string) HeaderValue {
	return HeaderValue{Values: v, Multi: true}
}

func (h HeaderValue) MarshalJSON() ([]byte, error) {
	if h.Multi {
		if h.Values == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(h.Values)
	}
	if len(h.Values) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(h.Values[0])
}

func (h *HeaderValue) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var values []string
		if err := json.Unmarshal(b, &values); err != nil {
			return err
		}
		*h = MultiHeader(values...)
		return nil
	}
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*h = SingleHeader(v)
	return nil
}

// Headers is the request header map captured by the producer.
type Headers map[string]HeaderValue

// RawDomainEvent is what a producing domain publishes when an externally
// observable action happens. Body and Payload hold arbitrary structures: wire
// decoding yields json.RawMessage, in-process producers may pass any value.
type RawDomainEvent struct {
	Kind           string         `json:"kind,omitempty"`
	URL            string         `json:"url"`
	Method         string         `json:"method"`
	Headers        Headers        `json:"headers"`
	Body           any            `json:"body"`
	OperationKind  OperationKind  `json:"operationKind"`
	ChargeCategory ChargeCategory `json:"chargeCategory"`
	OrganizationID *string        `json:"organizationId"`
	Payload        any            `json:"payload"`
	OccurredAt     string         `json:"occurredAt"`
}

// OrganizationRef points at the billed organization. ID is nil for
// platform-level charges.
type OrganizationRef struct {
	ID *string `json:"id"`
}

// CanonicalAnalyticRecord is the store-agnostic shape persisted to both the
// metrics and the audit store. OperationKind and ChargeCategory are strings
// because they may hold an Invalid marker.
type CanonicalAnalyticRecord struct {
	ID             domain.EventID  `json:"id"`
	SourceKind     string          `json:"sourceKind"`
	URL            string          `json:"url"`
	Method         string          `json:"method"`
	HeadersJSON    string          `json:"headersJSON"`
	BodyJSON       string          `json:"bodyJSON"`
	OperationKind  string          `json:"operationKind"`
	ChargeCategory string          `json:"chargeCategory"`
	Organization   OrganizationRef `json:"organization"`
	PayloadJSON    string          `json:"payloadJSON"`
	OccurredAt     string          `json:"occurredAt"`
}

// OrganizationID returns the organization id or "" when the reference is null.
func (r CanonicalAnalyticRecord) OrganizationID() string {
	if r.Organization.ID == nil {
		return ""
	}
	return *r.Organization.ID
}

// OccurredTime parses OccurredAt. ok is false when the producer sent something
// that is not an RFC 3339 timestamp.
func (r CanonicalAnalyticRecord) OccurredTime() (t time.Time, ok bool) {
	return ParseOccurredAt(r.OccurredAt)
}

// ParseOccurredAt accepts RFC 3339 with or without fractional seconds, which
// covers the ISO-8601 strings producers emit.
func ParseOccurredAt(s string) (time.Time, bool) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// FormatOccurredAt renders t the way producers stamp events.
func FormatOccurredAt(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
