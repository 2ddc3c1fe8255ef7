package stream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/lumenboard/asyncevents/pkg/config"
)

type redisStore struct {
	client *redis.Client
}

// New constructs the configured stream store backend and verifies
// connectivity before returning it.
func New(cfg config.APIConfig) (Store, error) {
	var client *redis.Client
	switch cfg.StreamBackend {
	case config.BackendRedis:
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewClient(opts)
	case config.BackendSentinel:
		opts := &redis.FailoverOptions{
			MasterName:       cfg.SentinelMaster,
			SentinelAddrs:    cfg.SentinelAddrs,
			SentinelPassword: cfg.SentinelPassword,
			Password:         cfg.RedisPassword,
			DB:               cfg.RedisDB,
		}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		client = redis.NewFailoverClient(opts)
	default:
		return nil, fmt.Errorf("stream: unknown backend %q", cfg.StreamBackend)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("stream: ping %s backend: %w", cfg.StreamBackend, err)
	}
	return &redisStore{client: client}, nil
}

func (s *redisStore) Range(ctx context.Context, stream, start, end string, count int64) ([]Entry, error) {
	msgs, err := s.client.XRangeN(ctx, stream, start, end, count).Result()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entries = append(entries, fromMessage(msg))
	}
	return entries, nil
}

func (s *redisStore) Append(ctx context.Context, stream string, values map[string]any, maxLen int64) (string, error) {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: values,
	}).Result()
}

func (s *redisStore) Read(ctx context.Context, stream, afterID string, count int64, block time.Duration) ([]Entry, error) {
	res, err := s.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, afterID},
		Count:   count,
		Block:   block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var entries []Entry
	for _, st := range res {
		for _, msg := range st.Messages {
			entries = append(entries, fromMessage(msg))
		}
	}
	return entries, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

func fromMessage(msg redis.XMessage) Entry {
	values := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		if s, ok := v.(string); ok {
			values[k] = s
			continue
		}
		values[k] = fmt.Sprint(v)
	}
	return Entry{ID: msg.ID, Values: values}
}
