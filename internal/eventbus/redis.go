package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/mukhametgalin/vpp-trading-system/strategy-engine/internal/types"
	"github.com/rs/zerolog/log"
)

type RedisEventBus struct {
	client *redis.Client
}

func NewRedisEventBus(host string, port int) (*RedisEventBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Info().Str("addr", fmt.Sprintf("%s:%d", host, port)).Msg("Connected to Redis")

	return &RedisEventBus{client: client}, nil
}

// SubscribeSnapshots reads context snapshots from the streams until ctx is
// done. Only messages added after the call are delivered.
func (b *RedisEventBus) SubscribeSnapshots(
	ctx context.Context,
	streams []string,
	handler func(types.ContextSnapshot) error,
) error {
	log.Info().Strs("streams", streams).Msg("Subscribing to snapshot streams")

	args := &redis.XReadArgs{
		Streams: append(append([]string(nil), streams...), make([]string, len(streams))...),
		Block:   5 * time.Second,
		Count:   10,
	}
	for i := range streams {
		args.Streams[len(streams)+i] = "$"
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		result, err := b.client.XRead(ctx, args).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, stream := range result {
			for _, message := range stream.Messages {
				snap, err := parseSnapshot(message)
				if err != nil {
					log.Error().Err(err).Str("stream", stream.Stream).Str("message", message.ID).Msg("Failed to parse snapshot")
				} else if err := handler(snap); err != nil {
					log.Error().Err(err).Str("snapshot", snap.ID).Msg("Failed to handle snapshot")
				}

				for i, s := range streams {
					if s == stream.Stream {
						args.Streams[len(streams)+i] = message.ID
					}
				}
			}
		}
	}
}

// PublishSnapshot adds a snapshot to a feed stream. Used by feed producers and tests.
func (b *RedisEventBus) PublishSnapshot(ctx context.Context, stream string, snap types.ContextSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"snapshot": string(data)},
	}).Err()
}

func (b *RedisEventBus) PublishTo(ctx context.Context, stream string, event types.Event) error {
	if err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: eventValues(event),
	}).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().
		Str("stream", stream).
		Str("type", event.Type).
		Msg("Published event")

	return nil
}

// Stream returns a Publisher writing to one stream.
func (b *RedisEventBus) Stream(stream string) Publisher {
	return PublisherFunc(func(ctx context.Context, event types.Event) error {
		return b.PublishTo(ctx, stream, event)
	})
}

// RecentEvents returns up to n of the newest events on a stream, newest first.
func (b *RedisEventBus) RecentEvents(ctx context.Context, stream string, n int64) ([]types.Event, error) {
	msgs, err := b.client.XRevRangeN(ctx, stream, "+", "-", n).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	events := make([]types.Event, 0, len(msgs))
	for _, msg := range msgs {
		events = append(events, parseEvent(msg))
	}
	return events, nil
}

func (b *RedisEventBus) Close() error {
	return b.client.Close()
}

func eventValues(event types.Event) map[string]interface{} {
	data, err := json.Marshal(event.Data)
	if err != nil {
		data = []byte("{}")
	}
	return map[string]interface{}{
		"id":        event.ID,
		"type":      event.Type,
		"source":    event.Source,
		"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		"data":      string(data),
	}
}

func parseSnapshot(msg redis.XMessage) (types.ContextSnapshot, error) {
	var snap types.ContextSnapshot

	raw, ok := msg.Values["snapshot"].(string)
	if !ok {
		return snap, fmt.Errorf("message %s has no snapshot field", msg.ID)
	}
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return snap, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snap.ID == "" {
		snap.ID = msg.ID
	}
	return snap, nil
}

func parseEvent(msg redis.XMessage) types.Event {
	str := func(key string) string {
		s, _ := msg.Values[key].(string)
		return s
	}

	event := types.Event{
		ID:     str("id"),
		Type:   str("type"),
		Source: str("source"),
	}
	if t, err := time.Parse(time.RFC3339Nano, str("timestamp")); err == nil {
		event.Timestamp = t
	}
	if dataStr := str("data"); dataStr != "" {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(dataStr), &data); err == nil {
			event.Data = data
		}
	}
	return event
}
