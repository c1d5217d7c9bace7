package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const maxUpdateRetries = 8

// RedisStore は外部 Redis に値を保存します。
// 期限切れは Redis の TTL に任せるため Cleanup は何もしません。
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisStore は RedisStore を作成します。
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
	}
}

// Ping は接続を確認します。
func (s *RedisStore) Ping(ctx context.Context) error {
	return wrapFault("ping", s.rdb.Ping(ctx).Err())
}

// Get はキーの値を返します。
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, wrapFault("get", err)
	}
	return data, nil
}

// Set は TTL 付きで値を保存します。
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapFault("set", s.rdb.Set(ctx, s.key(key), value, normalizeTTL(ttl)).Err())
}

// SetIfAbsent は SET NX で保存します。
func (s *RedisStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, s.key(key), value, normalizeTTL(ttl)).Result()
	if err != nil {
		return false, wrapFault("setnx", err)
	}
	return ok, nil
}

// Update は WATCH/MULTI による楽観ロックで読み取り・変更・書き込みを行います。
// 他インスタンスとの競合時は再試行します。
func (s *RedisStore) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	fullKey := s.key(key)

	txf := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, fullKey).Bytes()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				return err
			}
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			return &callbackError{err: err}
		}
		if next == nil {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, fullKey, next, normalizeTTL(ttl))
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, fullKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		var cbErr *callbackError
		if errors.As(err, &cbErr) {
			return cbErr.err
		}
		return wrapFault("update", err)
	}
	return wrapFault("update", fmt.Errorf("too many concurrent updates for key %q", key))
}

// Delete はキーを削除します。
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return wrapFault("delete", s.rdb.Del(ctx, s.key(key)).Err())
}

// Cleanup は Redis の TTL に任せるため何もしません。
func (s *RedisStore) Cleanup(ctx context.Context) (int, error) {
	return 0, nil
}

// Backend はバックエンド名を返します。
func (s *RedisStore) Backend() string {
	return "redis"
}

// Close はクライアントを閉じます。
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) key(key string) string {
	return s.prefix + key
}

// normalizeTTL は ttl <= 0 を Redis の「期限なし」に揃えます。
func normalizeTTL(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

type callbackError struct {
	err error
}

func (e *callbackError) Error() string {
	return e.err.Error()
}

func (e *callbackError) Unwrap() error {
	return e.err
}
