package analytics

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaxonomy_Valid(t *testing.T) {
	for _, k := range OperationKinds() {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, OperationKind("update").Valid(), "matching is case sensitive")
	assert.False(t, OperationKind("").Valid())

	assert.True(t, ChargeOrganization.Valid())
	assert.True(t, ChargeWebmaster.Valid())
	assert.False(t, ChargeCategory("Platform").Valid())

	assert.True(t, ChargeOrganization.RequiresOrganization())
	assert.False(t, ChargeWebmaster.RequiresOrganization())
}

func TestHeaderValue_JSON(t *testing.T) {
	t.Run("single and repeated headers keep their wire shape", func(t *testing.T) {
		h := Headers{
			"accept": SingleHeader("application/json"),
			"cookie": MultiHeader("a=1", "b=2"),
		}
		out, err := json.Marshal(h)
		require.NoError(t, err)
		assert.JSONEq(t, `{"accept":"application/json","cookie":["a=1","b=2"]}`, string(out))

		var back Headers
		require.NoError(t, json.Unmarshal(out, &back))
		assert.Equal(t, h, back)
	})

	t.Run("empty repeated header encodes as empty array", func(t *testing.T) {
		out, err := json.Marshal(MultiHeader())
		require.NoError(t, err)
		assert.Equal(t, "[]", string(out))
	})

	t.Run("non-string header is rejected", func(t *testing.T) {
		var h HeaderValue
		assert.Error(t, json.Unmarshal([]byte(`42`), &h))
	})
}

func TestSentinels(t *testing.T) {
	assert.Equal(t, "!unserializable: cycle", Unserializable("cycle"))
	assert.Equal(t, "!invalid:Platform", Invalid("Platform"))
	assert.True(t, IsSentinel(Invalid("x")))
	assert.True(t, IsSentinel(Unserializable("x")))
	assert.False(t, IsSentinel(`{"a":1}`))
}

func TestCanonicalAnalyticRecord_OccurredTime(t *testing.T) {
	rec := CanonicalAnalyticRecord{OccurredAt: "2024-03-01T10:15:30.123Z"}
	ts, ok := rec.OccurredTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 30, 123_000_000, time.UTC), ts)

	rec.OccurredAt = "2024-03-01T12:15:30+02:00"
	ts, ok = rec.OccurredTime()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC), ts)

	rec.OccurredAt = "yesterday"
	_, ok = rec.OccurredTime()
	assert.False(t, ok)

	assert.Equal(t, "2024-03-01T10:15:30.123Z", FormatOccurredAt(time.Date(2024, 3, 1, 10, 15, 30, 123_000_000, time.UTC)))
}

func TestCanonicalAnalyticRecord_OrganizationID(t *testing.T) {
	org := "org-42"
	assert.Equal(t, "org-42", CanonicalAnalyticRecord{Organization: OrganizationRef{ID: &org}}.OrganizationID())
	assert.Equal(t, "", CanonicalAnalyticRecord{}.OrganizationID())
}
