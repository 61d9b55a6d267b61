package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	logx "modbot/pkg/logx"
)

const (
	defaultRedisPrefix = "modbot/"
	auditListMax       = 10000
)

// redisStore keeps one hash per collection (<prefix>c/<collection>) and a
// capped list for the audit log (<prefix>audit).
type redisStore struct {
	client *redis.Client
	prefix string
	log    logx.Logger
}

func openRedis(cfg Config, log logx.Logger) (Store, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for redis driver")
	}
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStore{client: rdb, prefix: prefix, log: log}, nil
}

func (s *redisStore) hashKey(collection string) string {
	return s.prefix + "c/" + collection
}

func (s *redisStore) Load(ctx context.Context, collection string) (map[string][]byte, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	m, err := s.client.HGetAll(ctx, s.hashKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(m))
	for k, v := range m {
		out[k] = []byte(v)
	}
	return out, nil
}

func (s *redisStore) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	if err := checkCollection(collection); err != nil {
		return nil, false, err
	}
	v, err := s.client.HGet(ctx, s.hashKey(collection), key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *redisStore) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if key == "" {
		return errors.New("empty key")
	}
	return s.client.HSet(ctx, s.hashKey(collection), key, value).Err()
}

func (s *redisStore) Delete(ctx context.Context, collection, key string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	return s.client.HDel(ctx, s.hashKey(collection), key).Err()
}

func (s *redisStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	key := s.prefix + "audit"

	// push and trim in a single round-trip
	multi := s.client.Pipeline()
	multi.RPush(ctx, key, b)
	multi.LTrim(ctx, key, -auditListMax, -1)
	_, err = multi.Exec(ctx)
	return err
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
