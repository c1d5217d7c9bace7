package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/shelfgate/internal/logging"
)

// OpenConfig はストア選択の設定です。
type OpenConfig struct {
	RedisURL         string        // 空の場合はプロセス内マップ
	KeyPrefix        string        // Redis キーの名前空間
	MemoryMaxEntries int           // プロセス内マップの上限
	OpTimeout        time.Duration // Redis の読み書きタイムアウト
}

// Open は起動時に一度だけ呼ばれ、設定の有無でストアを選択します。
// Redis の構築・疎通確認に失敗した場合はプロセス内マップにフォールバックします。
func Open(ctx context.Context, cfg OpenConfig) Store {
	if cfg.RedisURL == "" {
		logging.Info().
			Str("backend", "memory").
			Int("max_entries", cfg.MemoryMaxEntries).
			Msg("rate limit storage: no external store configured; limits apply per instance")
		return NewMemoryStore(cfg.MemoryMaxEntries)
	}

	store, err := openRedis(ctx, cfg)
	if err != nil {
		logging.Warn().
			Err(err).
			Str("event", "storage_fallback").
			Msg("rate limit storage: redis unavailable, falling back to in-process map")
		return NewMemoryStore(cfg.MemoryMaxEntries)
	}

	logging.Info().Str("backend", "redis").Msg("rate limit storage ready")
	return store
}

func openRedis(ctx context.Context, cfg OpenConfig) (*RedisStore, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	if cfg.OpTimeout > 0 {
		opt.DialTimeout = cfg.OpTimeout * 4
		opt.ReadTimeout = cfg.OpTimeout
		opt.WriteTimeout = cfg.OpTimeout
	}

	store := NewRedisStore(redis.NewClient(opt), cfg.KeyPrefix)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}
