package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSink(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	ctx := context.Background()
	sink, err := NewRedisSink(ctx, mr.Addr(), "conveyor:events", 100, nil)
	require.NoError(t, err)
	defer sink.Close()

	evt := Event{
		SessionID: "sess-1",
		Type:      StepCompleted,
		Role:      "planner",
		Step:      2,
		Message:   "done",
		Timestamp: time.Now().UTC(),
		Seq:       7,
	}
	require.NoError(t, sink.Write(ctx, evt))

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	entries, err := client.XRange(ctx, "conveyor:events:sess-1", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)

	values := entries[0].Values
	assert.Equal(t, "STEP_COMPLETED", values["type"])
	assert.Equal(t, "planner", values["role"])
	assert.Equal(t, "2", values["step"])
	assert.Equal(t, "7", values["seq"])
}

func TestRedisSinkUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NewRedisSink(ctx, "127.0.0.1:1", "conveyor:events", 100, nil)
	require.Error(t, err)
}

func TestManagerWithRedisSink(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	sink, err := NewRedisSink(context.Background(), mr.Addr(), "conveyor:events", 100, nil)
	require.NoError(t, err)

	m := NewManager(8, 8, nil)
	m.AddSink(sink)

	m.Publish("sess-2", Event{Type: WorkflowStarted})
	m.Publish("sess-2", Event{Type: WorkflowCompleted})
	// Close drains the sink queue before returning.
	m.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	entries, err := client.XRange(context.Background(), "conveyor:events:sess-2", "-", "+").Result()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
