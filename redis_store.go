package loopline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis, for server-side SDK deployments
// (bots, bridges) where several processes share one cache. Entries expire
// on their own so a crashed writer never pins stale state.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. prefix namespaces the keys,
// typically per user or per bot identity.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
		ttl:    10 * time.Minute,
	}
}

func (r *RedisStore) listKey() string {
	return r.prefix + ":conversations"
}

func (r *RedisStore) messagesKey(conversationID string) string {
	return r.prefix + ":messages:" + conversationID
}

func (r *RedisStore) Conversations(ctx context.Context) ([]Conversation, bool, error) {
	var list []Conversation
	ok, err := r.get(ctx, r.listKey(), &list)
	return list, ok, err
}

func (r *RedisStore) PutConversations(ctx context.Context, list []Conversation) error {
	return r.put(ctx, r.listKey(), list)
}

func (r *RedisStore) Messages(ctx context.Context, conversationID string) ([]Message, bool, error) {
	var msgs []Message
	ok, err := r.get(ctx, r.messagesKey(conversationID), &msgs)
	return msgs, ok, err
}

func (r *RedisStore) PutMessages(ctx context.Context, conversationID string, msgs []Message) error {
	return r.put(ctx, r.messagesKey(conversationID), msgs)
}

func (r *RedisStore) get(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return true, nil
}

func (r *RedisStore) put(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := r.rdb.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}
