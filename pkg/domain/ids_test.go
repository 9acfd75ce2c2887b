package domain

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dErrors "usagetrail/pkg/domain-errors"
)

// TestDeriveEventID_Invariants validates the identity invariant:
// "the same canonical bytes always yield the same EventID"
//
// Justification: metrics points are keyed by EventID. A non-deterministic ID
// would double count usage on every redelivery.
func TestDeriveEventID_Invariants(t *testing.T) {
	t.Run("same input same id", func(t *testing.T) {
		a := DeriveEventID([]byte(`{"url":"/videos/1"}`))
		b := DeriveEventID([]byte(`{"url":"/videos/1"}`))
		assert.Equal(t, a, b)
	})

	t.Run("different input different id", func(t *testing.T) {
		a := DeriveEventID([]byte(`{"url":"/videos/1"}`))
		b := DeriveEventID([]byte(`{"url":"/videos/2"}`))
		assert.NotEqual(t, a, b)
	})

	t.Run("never nil", func(t *testing.T) {
		assert.False(t, DeriveEventID(nil).IsNil())
	})

	t.Run("round trips through text", func(t *testing.T) {
		id := DeriveEventID([]byte("x"))
		parsed, err := ParseEventID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	})
}

func TestParseEventID_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"nil uuid", uuid.Nil.String()},
		{"not a uuid", "not-a-uuid"},
		{"null byte", "550e8400\x00-e29b-41d4-a716-446655440000"},
		{"oversized", strings.Repeat("a", 1000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseEventID(tt.input)
			require.Error(t, err)
			assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
		})
	}
}

// TestParseOrganizationID covers the producer trust boundary for tenant ids.
func TestParseOrganizationID(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    OrganizationID
		wantErr bool
	}{
		{"plain", "org-42", "org-42", false},
		{"trims whitespace", "  org-42 ", "org-42", false},
		{"uuid style", "550e8400-e29b-41d4-a716-446655440000", "550e8400-e29b-41d4-a716-446655440000", false},
		{"empty", "", "", true},
		{"whitespace only", "   ", "", true},
		{"control character", "org\x00-42", "", true},
		{"oversized", strings.Repeat("o", 256), "", true},
		{"invalid utf8", string([]byte{0xff, 0xfe}), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseOrganizationID(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, dErrors.HasCode(err, dErrors.CodeInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
