package normalize

import (
	"bytes"
	"encoding/json"
	"maps"
	"slices"
	"unicode/utf8"

	"usagetrail/pkg/analytics"
)

// Wire names accepted for each field. The first name is canonical; the rest
// are the names older producers still publish.
var (
	keysKind           = []string{"kind"}
	keysURL            = []string{"url"}
	keysMethod         = []string{"method"}
	keysHeaders        = []string{"headers"}
	keysBody           = []string{"body"}
	keysOperationKind  = []string{"operationKind", "crud"}
	keysChargeCategory = []string{"chargeCategory", "charge"}
	keysOrganizationID = []string{"organizationId"}
	keysPayload        = []string{"payload"}
	keysOccurredAt     = []string{"occurredAt", "eventAt"}
)

// Decode reads a published payload leniently. It never fails: a payload that
// is not a JSON object becomes an event whose body is the raw text, and
// fields of the wrong type are kept in textual form. Every such fallback is
// reported as an Issue.
func Decode(payload []byte) (analytics.RawDomainEvent, []Issue) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		detail := "payload is not a JSON object"
		if err != nil {
			detail = err.Error()
		}
		return analytics.RawDomainEvent{Body: rawText(payload)}, []Issue{{Field: "payload", Kind: IssueUndecodable, Detail: detail}}
	}

	d := decoder{fields: fields}
	e := analytics.RawDomainEvent{
		Kind:           d.str(keysKind),
		URL:            d.str(keysURL),
		Method:         d.str(keysMethod),
		Headers:        d.headers(keysHeaders),
		Body:           d.raw(keysBody),
		OperationKind:  analytics.OperationKind(d.str(keysOperationKind)),
		ChargeCategory: analytics.ChargeCategory(d.str(keysChargeCategory)),
		OrganizationID: d.organizationID(keysOrganizationID),
		Payload:        d.raw(keysPayload),
		OccurredAt:     d.str(keysOccurredAt),
	}
	return e, d.issues
}

type decoder struct {
	fields map[string]json.RawMessage
	issues []Issue
}

func (d *decoder) lookup(keys []string) (string, json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := d.fields[k]; ok {
			return k, v, true
		}
	}
	return keys[0], nil, false
}

func (d *decoder) wrongType(field, want string, raw json.RawMessage) {
	d.issues = append(d.issues, Issue{Field: field, Kind: IssueWrongType, Detail: "want " + want + ", got " + string(raw)})
}

// str decodes a string field. null and absent yield ""; other JSON values
// are kept as their compact text.
func (d *decoder) str(keys []string) string {
	field, raw, ok := d.lookup(keys)
	if !ok || isNull(raw) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	d.wrongType(field, "string", raw)
	return compactText(raw)
}

// raw keeps a structured field byte-for-byte. Absent and null both yield nil.
func (d *decoder) raw(keys []string) any {
	_, raw, ok := d.lookup(keys)
	if !ok || isNull(raw) {
		return nil
	}
	return raw
}

// headers decodes the header map. Header names are unordered: the record
// stores them sorted, as a Go producer's map would encode them.
func (d *decoder) headers(keys []string) analytics.Headers {
	field, raw, ok := d.lookup(keys)
	if !ok || isNull(raw) {
		return nil
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		d.wrongType(field, "object", raw)
		return nil
	}

	out := make(analytics.Headers, len(entries))
	for _, name := range slices.Sorted(maps.Keys(entries)) {
		v := entries[name]
		var h analytics.HeaderValue
		if err := json.Unmarshal(v, &h); err == nil {
			out[name] = h
			continue
		}
		d.wrongType(field+"."+name, "string or string array", v)
		out[name] = analytics.SingleHeader(compactText(v))
	}
	return out
}

// organizationID accepts strings and numbers; numbers are kept as their
// literal text. Anything else is dropped and reported.
func (d *decoder) organizationID(keys []string) *string {
	field, raw, ok := d.lookup(keys)
	if !ok || isNull(raw) {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return &s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		text := n.String()
		return &text
	}
	d.wrongType(field, "string", raw)
	return nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func compactText(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// rawText keeps undecodable bytes as a string body. Invalid UTF-8 is replaced
// so the body still serializes.
func rawText(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return string(bytes.ToValidUTF8(b, []byte("�")))
}
