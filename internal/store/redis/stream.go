package redis

import (
	"context"
	"fmt"
	"strconv"

	"github.com/VOTGroup/lotus-mpool-replace/internal/events"
	"github.com/redis/go-redis/v9"
)

const defaultStreamKey = "mpool:events"

// Stream publishes lifecycle events to a Redis stream. Entries are trimmed
// approximately to maxLen on every write.
type Stream struct {
	client *redis.Client
	key    string
	maxLen int64
}

var _ events.Sink = (*Stream)(nil)

func NewStream(ctx context.Context, url, key string, maxLen int64) (*Stream, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	if key == "" {
		key = defaultStreamKey
	}
	return &Stream{client: client, key: key, maxLen: maxLen}, nil
}

func (s *Stream) Name() string { return "redis" }

// Publish appends the batch in a single pipeline round trip.
func (s *Stream) Publish(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, ev := range batch {
		pipe.XAdd(ctx, xaddArgs(s.key, s.maxLen, ev))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("xadd %d events to %s: %w", len(batch), s.key, err)
	}
	return nil
}

func (s *Stream) Close() error {
	return s.client.Close()
}

func (s *Stream) Client() *redis.Client {
	return s.client
}

func xaddArgs(key string, maxLen int64, ev events.Event) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: key,
		Values: encodeEvent(ev),
	}
	if maxLen > 0 {
		args.MaxLen = maxLen
		args.Approx = true
	}
	return args
}

// encodeEvent flattens an event into stream field/value pairs. Optional
// fields are omitted when empty.
func encodeEvent(ev events.Event) map[string]any {
	values := map[string]any{
		"id":         ev.ID.String(),
		"kind":       string(ev.Kind),
		"message_id": ev.MessageID,
		"epoch":      strconv.FormatInt(ev.Epoch, 10),
		"fee":        ev.Fee.String(),
		"round_fee":  ev.RoundFee.String(),
		"age_epochs": strconv.FormatInt(ev.AgeEpochs, 10),
		"at":         ev.At.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
	if ev.NewMessageID != "" {
		values["new_message_id"] = ev.NewMessageID
	}
	if ev.Detail != "" {
		values["detail"] = ev.Detail
	}
	return values
}
