package deliverycontext

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelivery(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Delivery{}, From(ctx))
	assert.Empty(t, Attrs(ctx))

	ctx = WithDelivery(ctx, Delivery{MessageID: "m-1", Topic: "video.created", Queue: "VideoEvent", Attempt: 2})
	assert.Equal(t, "VideoEvent", From(ctx).Queue)
	assert.Equal(t, []any{"message_id", "m-1", "topic", "video.created", "queue", "VideoEvent", "attempt", 2}, Attrs(ctx))
}

func TestNow(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, fixed, Now(WithTime(context.Background(), fixed)))
	assert.WithinDuration(t, time.Now(), Now(context.Background()), time.Second)
}
