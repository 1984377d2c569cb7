package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisPubSub_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Event, 1)
	sub := NewRedisSubscriber(rdb, zap.NewNop())
	require.NoError(t, sub.Subscribe(ctx, StreamSplits, func(e Event) { got <- e }))

	pub := NewRedisPublisher(rdb, zap.NewNop())
	require.NoError(t, pub.Publish(ctx, StreamSplits, Event{
		Type:    EventSplitStatusChanged,
		Payload: map[string]any{"split_id": "abc", "settlement_status": "settled"},
	}))

	select {
	case e := <-got:
		assert.Equal(t, EventSplitStatusChanged, e.Type)
		assert.Equal(t, "abc", e.Payload["split_id"])
		assert.Equal(t, "settled", e.Payload["settlement_status"])
	case <-time.After(3 * time.Second):
		t.Fatal("event was not received")
	}
}

func TestRedisPublisher_ClosedClient(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	require.NoError(t, rdb.Close())

	err := NewRedisPublisher(rdb, zap.NewNop()).Publish(context.Background(), StreamSplits, Event{Type: EventPaymentReceived})
	assert.Error(t, err)
}
