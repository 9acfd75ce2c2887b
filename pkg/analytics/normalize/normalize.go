// Package normalize turns raw domain events into canonical analytics records.
//
// Normalization is pure and deterministic: byte-identical input yields a
// byte-identical record, including its ID. Values that cannot be represented
// are replaced by sentinel strings and reported as Issues; nothing here
// returns an error or aborts the pipeline.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"

	"usagetrail/pkg/analytics"
	"usagetrail/pkg/domain"
)

// Normalizer is shared by every domain listener. The zero value is ready to use.
type Normalizer struct{}

// New returns a Normalizer.
func New() *Normalizer { return &Normalizer{} }

// Normalize maps e to its canonical record.
func (n *Normalizer) Normalize(e analytics.RawDomainEvent) (analytics.CanonicalAnalyticRecord, []Issue) {
	return Normalize(e)
}

// Normalize maps e to its canonical record and lists every substitution made.
func Normalize(e analytics.RawDomainEvent) (analytics.CanonicalAnalyticRecord, []Issue) {
	var issues []Issue
	note := func(i *Issue) {
		if i != nil {
			issues = append(issues, *i)
		}
	}

	rec := analytics.CanonicalAnalyticRecord{
		SourceKind: e.Kind,
		URL:        e.URL,
		Method:     e.Method,
		OccurredAt: e.OccurredAt,
	}
	if rec.SourceKind == "" {
		rec.SourceKind = analytics.DefaultSourceKind
	}

	var issue *Issue
	rec.HeadersJSON, issue = serialize("headers", e.Headers)
	note(issue)
	rec.BodyJSON, issue = serialize("body", e.Body)
	note(issue)
	rec.PayloadJSON, issue = serialize("payload", e.Payload)
	note(issue)

	rec.OperationKind = string(e.OperationKind)
	if !e.OperationKind.Valid() {
		rec.OperationKind = analytics.Invalid(string(e.OperationKind))
		note(&Issue{Field: "operationKind", Kind: IssueInvalidEnum, Detail: string(e.OperationKind)})
	}

	if e.OrganizationID != nil {
		id := *e.OrganizationID
		rec.Organization.ID = &id
	}

	rec.ChargeCategory = string(e.ChargeCategory)
	switch {
	case !e.ChargeCategory.Valid():
		rec.ChargeCategory = analytics.Invalid(string(e.ChargeCategory))
		note(&Issue{Field: "chargeCategory", Kind: IssueInvalidEnum, Detail: string(e.ChargeCategory)})
	case e.ChargeCategory.RequiresOrganization() && e.OrganizationID == nil:
		rec.ChargeCategory = analytics.Invalid(string(e.ChargeCategory))
		note(&Issue{Field: "organizationId", Kind: IssueMissingOrganization, Detail: "required for Organization charge"})
	}
	if e.OrganizationID != nil {
		if _, err := domain.ParseOrganizationID(*e.OrganizationID); err != nil {
			note(&Issue{Field: "organizationId", Kind: IssueInvalidOrganization, Detail: err.Error()})
			if e.ChargeCategory.RequiresOrganization() {
				rec.ChargeCategory = analytics.Invalid(string(e.ChargeCategory))
			}
		}
	}

	if _, ok := analytics.ParseOccurredAt(e.OccurredAt); !ok {
		note(&Issue{Field: "occurredAt", Kind: IssueInvalidTimestamp, Detail: e.OccurredAt})
	}

	rec.ID = deriveID(rec)
	return rec, issues
}

// canonicalFields is the record without its ID, in a fixed field order. The
// ID is derived from its encoding.
type canonicalFields struct {
	SourceKind     string  `json:"sourceKind"`
	URL            string  `json:"url"`
	Method         string  `json:"method"`
	HeadersJSON    string  `json:"headersJSON"`
	BodyJSON       string  `json:"bodyJSON"`
	OperationKind  string  `json:"operationKind"`
	ChargeCategory string  `json:"chargeCategory"`
	OrganizationID *string `json:"organizationId"`
	PayloadJSON    string  `json:"payloadJSON"`
	OccurredAt     string  `json:"occurredAt"`
}

func deriveID(rec analytics.CanonicalAnalyticRecord) domain.EventID {
	fields := canonicalFields{
		SourceKind:     rec.SourceKind,
		URL:            rec.URL,
		Method:         rec.Method,
		HeadersJSON:    rec.HeadersJSON,
		BodyJSON:       rec.BodyJSON,
		OperationKind:  rec.OperationKind,
		ChargeCategory: rec.ChargeCategory,
		OrganizationID: rec.Organization.ID,
		PayloadJSON:    rec.PayloadJSON,
		OccurredAt:     rec.OccurredAt,
	}
	// Only strings and a string pointer: encoding cannot fail.
	b, _ := json.Marshal(fields)
	return domain.DeriveEventID(b)
}

// serialize encodes v as compact JSON. Map keys come out sorted, structs in
// field order and json.RawMessage values keep their key order. HTML
// characters are not escaped so URLs and markup stay readable.
func serialize(field string, v any) (out string, issue *Issue) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("panic: %v", r)
			out = analytics.Unserializable(reason)
			issue = &Issue{Field: field, Kind: IssueUnserializable, Detail: reason}
		}
	}()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return analytics.Unserializable(err.Error()), &Issue{Field: field, Kind: IssueUnserializable, Detail: err.Error()}
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}
