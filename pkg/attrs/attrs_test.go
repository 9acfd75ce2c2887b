package attrs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	kv := []any{"store", "metrics", "attempt", 3, 42, "ignored", "dangling"}

	assert.Equal(t, "metrics", ExtractString(kv, "store"))
	assert.Equal(t, "", ExtractString(kv, "attempt"), "non-string value")
	assert.Equal(t, "", ExtractString(kv, "dangling"), "key without value")

	n, ok := ExtractInt(kv, "attempt")
	assert.True(t, ok)
	assert.Equal(t, 3, n)

	_, ok = Extract(kv, "missing")
	assert.False(t, ok)
}
