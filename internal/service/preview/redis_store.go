package preview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	redis "github.com/redis/go-redis/v9"

	"github.com/splax/pipectl/internal/domain"
)

// RedisStore shares preview buffers across API replicas. Each org's buffer is
// a list trimmed to capacity inside the same MULTI/EXEC as the push, and
// expires after BufferIdleTTL without appends.
type RedisStore struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
}

// NewRedisStore returns a Redis backed Store.
func NewRedisStore(client redis.UniversalClient, prefix string, capacity int) *RedisStore {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &RedisStore{client: client, prefix: prefix, capacity: capacity}
}

func (s *RedisStore) key(orgID string) string {
	return s.prefix + "preview:" + orgID
}

func (s *RedisStore) Append(ctx context.Context, orgID string, events []domain.PreviewEvent) error {
	if len(events) == 0 {
		return nil
	}
	values, err := encodeEvents(events)
	if err != nil {
		return err
	}
	key := s.key(orgID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-s.capacity), -1)
		pipe.Expire(ctx, key, BufferIdleTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append preview events: %w", err)
	}
	return nil
}

func (s *RedisStore) List(ctx context.Context, orgID string) ([]domain.PreviewEvent, error) {
	raw, err := s.client.LRange(ctx, s.key(orgID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list preview events: %w", err)
	}
	return decodeEvents(raw)
}

func (s *RedisStore) Reset(ctx context.Context, orgID string) error {
	if err := s.client.Del(ctx, s.key(orgID)).Err(); err != nil {
		return fmt.Errorf("reset preview events: %w", err)
	}
	return nil
}

// appendIfCollecting pushes ARGV[2..] onto KEYS[2] and trims it to ARGV[1]
// entries, but only while KEYS[1] holds "1".
var appendIfCollecting = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= '1' then
  return 0
end
for i = 2, #ARGV do
  redis.call('RPUSH', KEYS[2], ARGV[i])
end
redis.call('LTRIM', KEYS[2], -tonumber(ARGV[1]), -1)
return 1
`)

// RedisChannels is a Redis backed ChannelStore.
type RedisChannels struct {
	client   redis.UniversalClient
	prefix   string
	capacity int
}

// NewRedisChannels returns a Redis backed ChannelStore.
func NewRedisChannels(client redis.UniversalClient, prefix string, capacity int) *RedisChannels {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	return &RedisChannels{client: client, prefix: prefix, capacity: capacity}
}

func (s *RedisChannels) keys(name string) (state, events string) {
	base := s.prefix + "collect:" + name
	return base + ":collecting", base + ":events"
}

func (s *RedisChannels) Start(ctx context.Context, name string) error {
	stateKey, eventsKey := s.keys(name)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, eventsKey)
		pipe.Set(ctx, stateKey, "1", 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("start channel %s: %w", name, err)
	}
	return nil
}

func (s *RedisChannels) Stop(ctx context.Context, name string) error {
	stateKey, eventsKey := s.keys(name)
	if err := s.client.Del(ctx, stateKey, eventsKey).Err(); err != nil {
		return fmt.Errorf("stop channel %s: %w", name, err)
	}
	return nil
}

func (s *RedisChannels) Append(ctx context.Context, name string, events []domain.PreviewEvent) (bool, error) {
	stateKey, eventsKey := s.keys(name)
	values, err := encodeEvents(events)
	if err != nil {
		return false, err
	}
	args := append([]any{strconv.Itoa(s.capacity)}, values...)
	kept, err := appendIfCollecting.Run(ctx, s.client, []string{stateKey, eventsKey}, args...).Int()
	if err != nil {
		return false, fmt.Errorf("append to channel %s: %w", name, err)
	}
	return kept == 1, nil
}

func (s *RedisChannels) Snapshot(ctx context.Context, name string) (bool, []domain.PreviewEvent, error) {
	stateKey, eventsKey := s.keys(name)
	var (
		state *redis.StringCmd
		items *redis.StringSliceCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		state = pipe.Get(ctx, stateKey)
		items = pipe.LRange(ctx, eventsKey, 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, nil, fmt.Errorf("snapshot channel %s: %w", name, err)
	}
	if state.Val() != "1" {
		return false, []domain.PreviewEvent{}, nil
	}
	events, err := decodeEvents(items.Val())
	if err != nil {
		return false, nil, err
	}
	return true, events, nil
}

func encodeEvents(events []domain.PreviewEvent) ([]any, error) {
	values := make([]any, 0, len(events))
	for _, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("encode preview event: %w", err)
		}
		values = append(values, string(raw))
	}
	return values, nil
}

func decodeEvents(raw []string) ([]domain.PreviewEvent, error) {
	events := make([]domain.PreviewEvent, 0, len(raw))
	for _, item := range raw {
		var e domain.PreviewEvent
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("decode preview event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}
