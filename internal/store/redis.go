package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mentis-edu/mentis/internal/models"
)

const (
	// DefaultRedisTTL is how long an idle conversation is kept in Redis.
	DefaultRedisTTL    = 7 * 24 * time.Hour
	defaultRedisPrefix = "mentis"
)

// RedisStateStore keeps conversation state and message logs in Redis so several
// API instances can serve the same conversation. Saves use WATCH/MULTI so the
// turn sequence check is atomic across instances.
type RedisStateStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

var _ ConversationStore = (*RedisStateStore)(nil)

// RedisOption configures a RedisStateStore.
type RedisOption func(*RedisStateStore)

// WithTTL sets how long an idle conversation is kept. Zero disables expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStateStore) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix for Redis keys. Default is "mentis".
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStateStore) {
		s.prefix = prefix
	}
}

// NewRedisStateStore creates a Redis-backed conversation store.
func NewRedisStateStore(client *redis.Client, opts ...RedisOption) *RedisStateStore {
	s := &RedisStateStore{
		client: client,
		ttl:    DefaultRedisTTL,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStateStore) stateKey(id string) string {
	return fmt.Sprintf("%s:conversation:%s", s.prefix, id)
}

func (s *RedisStateStore) messagesKey(id string) string {
	return fmt.Sprintf("%s:conversation:%s:messages", s.prefix, id)
}

// stringGetter is satisfied by both *redis.Client and *redis.Tx.
type stringGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStateStore) load(ctx context.Context, getter stringGetter, id string) (*models.ConversationState, error) {
	data, err := getter.Get(ctx, s.stateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	var st models.ConversationState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &st, nil
}

func (s *RedisStateStore) GetConversationState(ctx context.Context, conversationID string) (*models.ConversationState, error) {
	return s.load(ctx, s.client, conversationID)
}

func (s *RedisStateStore) SaveConversationState(ctx context.Context, state models.ConversationState, expectedSeq int64) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	key := s.stateKey(state.ConversationID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.load(ctx, tx, state.ConversationID)
		if err != nil {
			return err
		}
		switch {
		case current == nil && expectedSeq != 0:
			return ErrStaleState
		case current != nil && current.Seq != expectedSeq:
			return ErrStaleState
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			if s.ttl > 0 {
				pipe.Expire(ctx, s.messagesKey(state.ConversationID), s.ttl)
			}
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		err = ErrStaleState
	}
	if errors.Is(err, ErrStaleState) {
		slog.Warn("RedisStateStore.SaveConversationState: stale turn rejected", "conversation_id", state.ConversationID, "expected_seq", expectedSeq)
		return ErrStaleState
	}
	if err != nil {
		return fmt.Errorf("redis save failed: %w", err)
	}
	return nil
}

func (s *RedisStateStore) AppendMessage(ctx context.Context, conversationID string, msg models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	key := s.messagesKey(conversationID)
	pipe := s.client.Pipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (s *RedisStateStore) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	vals, err := s.client.LRange(ctx, s.messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}
	msgs := make([]models.Message, 0, len(vals))
	for _, v := range vals {
		var m models.Message
		if err := json.Unmarshal([]byte(v), &m); err != nil {
			return nil, fmt.Errorf("failed to unmarshal message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// Close closes the Redis client.
func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// splitStore serves conversation state from one backend and everything else
// from another.
type splitStore struct {
	Store
	conv *RedisStateStore
}

// WithRedisConversations returns a Store that keeps conversations in conv and
// delegates progress and activity data to base.
func WithRedisConversations(base Store, conv *RedisStateStore) Store {
	return &splitStore{Store: base, conv: conv}
}

func (s *splitStore) GetConversationState(ctx context.Context, id string) (*models.ConversationState, error) {
	return s.conv.GetConversationState(ctx, id)
}

func (s *splitStore) SaveConversationState(ctx context.Context, state models.ConversationState, expectedSeq int64) error {
	return s.conv.SaveConversationState(ctx, state, expectedSeq)
}

func (s *splitStore) AppendMessage(ctx context.Context, id string, msg models.Message) error {
	return s.conv.AppendMessage(ctx, id, msg)
}

func (s *splitStore) ListMessages(ctx context.Context, id string) ([]models.Message, error) {
	return s.conv.ListMessages(ctx, id)
}

func (s *splitStore) Close() error {
	return errors.Join(s.conv.Close(), s.Store.Close())
}
