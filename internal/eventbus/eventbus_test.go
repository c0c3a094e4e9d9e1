package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *collector) Publish(_ context.Context, ev types.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestChannel_TryPublishBounded(t *testing.T) {
	ch := NewChannel(2)

	require.NoError(t, ch.TryPublish(types.Event{ID: "1"}))
	require.NoError(t, ch.TryPublish(types.Event{ID: "2"}))
	assert.ErrorIs(t, ch.TryPublish(types.Event{ID: "3"}), types.ErrQueueFull)
	assert.Equal(t, 2, ch.Len())

	ch.Close()
	assert.ErrorIs(t, ch.TryPublish(types.Event{ID: "4"}), types.ErrQueueClosed)
	assert.ErrorIs(t, ch.Emit(context.Background(), types.Event{ID: "5"}), types.ErrQueueClosed)
}

func TestChannel_EmitHonoursContext(t *testing.T) {
	ch := NewChannel(1)
	require.NoError(t, ch.Emit(context.Background(), types.Event{ID: "1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, ch.Emit(ctx, types.Event{ID: "2"}), context.DeadlineExceeded)
}

func TestChannel_RunFansOutAndSurvivesFailingPublisher(t *testing.T) {
	ch := NewChannel(8)
	a, b := &collector{}, &collector{}
	failing := PublisherFunc(func(context.Context, types.Event) error {
		return errors.New("sink down")
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, ch.TryPublish(types.Event{ID: string(rune('a' + i)), Type: types.EventAlert}))
	}
	ch.Close()

	done := make(chan struct{})
	go func() {
		ch.Run(context.Background(), a, failing, b)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not return after close")
	}
	assert.Equal(t, 3, a.len())
	assert.Equal(t, 3, b.len())
	assert.Equal(t, "a", a.events[0].ID)
}

func TestParseSnapshot(t *testing.T) {
	snap := types.ContextSnapshot{
		ID:        "snap-1",
		Timestamp: time.Date(2026, 5, 4, 14, 0, 0, 0, time.UTC),
		Market:    types.MarketState{Price: 61.5, Volume: 120, Region: "north-east"},
	}
	raw, err := json.Marshal(snap)
	require.NoError(t, err)

	got, err := parseSnapshot(redis.XMessage{ID: "1-0", Values: map[string]interface{}{"snapshot": string(raw)}})
	require.NoError(t, err)
	assert.Equal(t, snap.ID, got.ID)
	assert.Equal(t, 61.5, got.Market.Price)
	assert.True(t, snap.Timestamp.Equal(got.Timestamp))

	unnamed, err := parseSnapshot(redis.XMessage{ID: "2-0", Values: map[string]interface{}{"snapshot": `{"market":{"price":10}}`}})
	require.NoError(t, err)
	assert.Equal(t, "2-0", unnamed.ID, "stream id stands in for a missing snapshot id")

	_, err = parseSnapshot(redis.XMessage{ID: "3-0", Values: map[string]interface{}{"other": "x"}})
	assert.Error(t, err)

	_, err = parseSnapshot(redis.XMessage{ID: "4-0", Values: map[string]interface{}{"snapshot": "{"}})
	assert.Error(t, err)
}

func TestEventValuesRoundTrip(t *testing.T) {
	ev := types.Event{
		ID:        "ev-1",
		Type:      types.EventTaskCompleted,
		Source:    "s-1",
		Timestamp: time.Date(2026, 5, 4, 14, 0, 0, 123, time.UTC),
		Data:      map[string]interface{}{"task_id": "t-1", "attempts": 2.0},
	}

	got := parseEvent(redis.XMessage{ID: "1-0", Values: eventValues(ev)})
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, ev.Type, got.Type)
	assert.Equal(t, ev.Source, got.Source)
	assert.True(t, ev.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, ev.Data, got.Data)
}

func TestKafkaMessage(t *testing.T) {
	ev := types.Event{ID: "ev-1", Type: types.EventAlert, Source: "s-1", Timestamp: time.Unix(100, 0).UTC()}

	msg, err := kafkaMessage(ev)
	require.NoError(t, err)
	assert.Equal(t, []byte("s-1"), msg.Key)
	assert.Equal(t, "type", msg.Headers[0].Key)
	assert.Equal(t, []byte(types.EventAlert), msg.Headers[0].Value)

	var decoded types.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "ev-1", decoded.ID)
}
