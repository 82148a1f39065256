package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"forkchat/internal/thread"
)

const defaultKeyPrefix = "forkchat"

// Redis keeps each thread and message as a JSON string value, with a set
// indexing thread ids.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func OpenRedis(ctx context.Context, redisURL, keyPrefix string) (*Redis, error) {
	url := strings.TrimSpace(redisURL)
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedis(client, keyPrefix), nil
}

func NewRedis(client redis.UniversalClient, keyPrefix string) *Redis {
	prefix := strings.Trim(strings.TrimSpace(keyPrefix), ":")
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) threadKey(id string) string  { return fmt.Sprintf("%s:thread:%s", s.prefix, id) }
func (s *Redis) messageKey(id string) string { return fmt.Sprintf("%s:message:%s", s.prefix, id) }
func (s *Redis) indexKey() string            { return s.prefix + ":threads" }

func (s *Redis) SaveThread(ctx context.Context, t thread.Thread) error {
	if err := validID(t.ID); err != nil {
		return err
	}
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.threadKey(t.ID), data, 0)
	pipe.SAdd(ctx, s.indexKey(), t.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *Redis) LoadThread(ctx context.Context, id string) (thread.Thread, error) {
	data, err := s.client.Get(ctx, s.threadKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return thread.Thread{}, thread.ErrThreadNotFound
	}
	if err != nil {
		return thread.Thread{}, err
	}
	var t thread.Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return thread.Thread{}, fmt.Errorf("decode thread %s: %w", id, err)
	}
	return t, nil
}

func (s *Redis) DeleteThread(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.threadKey(id))
	pipe.SRem(ctx, s.indexKey(), id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Redis) ListThreads(ctx context.Context) ([]thread.Thread, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.threadKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]thread.Thread, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var t thread.Thread
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode thread %s: %w", ids[i], err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Redis) SaveMessage(ctx context.Context, m thread.Message) error {
	if err := validID(m.ID); err != nil {
		return err
	}
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.messageKey(m.ID), data, 0).Err()
}

func (s *Redis) LoadMessage(ctx context.Context, id string) (thread.Message, error) {
	data, err := s.client.Get(ctx, s.messageKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return thread.Message{}, thread.ErrMessageNotFound
	}
	if err != nil {
		return thread.Message{}, err
	}
	var m thread.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return thread.Message{}, fmt.Errorf("decode message %s: %w", id, err)
	}
	return m, nil
}

func (s *Redis) DeleteMessage(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.messageKey(id)).Err()
}

func (s *Redis) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}
