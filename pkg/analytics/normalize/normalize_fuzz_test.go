//go:build go1.18

package normalize

import (
	"bytes"
	"encoding/json"
	"testing"

	"usagetrail/pkg/analytics"
)

// FuzzDecodeNormalize feeds arbitrary payloads through the wire decoder and
// the normalizer.
//
// Justification: payloads come from every producer on the bus and the
// pipeline must neither panic nor persist a record that breaks the charge
// rule or carries an empty serialized field.
func FuzzDecodeNormalize(f *testing.F) {
	f.Add([]byte(`{"crud":"Update","charge":"Organization","organizationId":"org-42","eventAt":"2024-03-01T10:15:30Z"}`))
	f.Add([]byte(`{"charge":"Organization","organizationId":null}`))
	f.Add([]byte(`{"headers":{"a":["x",1]},"body":{"b":[{}]},"payload":"\u0000"}`))
	f.Add([]byte(`[]`))
	f.Add([]byte(`"just a string"`))
	f.Add([]byte{0xff, 0xfe})

	f.Fuzz(func(t *testing.T, payload []byte) {
		event, _ := Decode(payload)
		rec, _ := Normalize(event)

		again, _ := Normalize(event)
		first, _ := json.Marshal(rec)
		second, _ := json.Marshal(again)
		if !bytes.Equal(first, second) {
			t.Fatalf("normalize is not deterministic:\n%s\n%s", first, second)
		}

		for name, v := range map[string]string{"headers": rec.HeadersJSON, "body": rec.BodyJSON, "payload": rec.PayloadJSON} {
			if v == "" {
				t.Fatalf("%s serialized to an empty string", name)
			}
			if !analytics.IsSentinel(v) && !json.Valid([]byte(v)) {
				t.Fatalf("%s is neither valid JSON nor a sentinel: %q", name, v)
			}
		}

		if rec.ChargeCategory == string(analytics.ChargeOrganization) && rec.Organization.ID == nil {
			t.Fatal("organization charge without organization reference")
		}
		if rec.ID.IsNil() {
			t.Fatal("record without id")
		}
	})
}
