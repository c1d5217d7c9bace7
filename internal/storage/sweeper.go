package storage

import (
	"context"
	"sync"
	"time"

	"github.com/yourusername/shelfgate/internal/logging"
	"github.com/yourusername/shelfgate/internal/metrics"
)

// Sweeper は一定間隔で Store.Cleanup を呼び出し、期限切れエントリを掃除します。
// リクエスト処理とは独立して動き、0回でも複数回でも状態を壊しません。
type Sweeper struct {
	store    Store
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper は Sweeper を作成します。interval <= 0 の場合は5分です。
func NewSweeper(store Store, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
	}
}

// Start はバックグラウンドで掃除を開始します。二重起動は無視します。
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.SweepOnce(runCtx)
			}
		}
	}(s.done)
}

// SweepOnce は掃除を1回実行し、削除件数を返します。
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	removed, err := s.store.Cleanup(ctx)
	if err != nil {
		metrics.StorageFaults.WithLabelValues("cleanup").Inc()
		logging.Warn().Err(err).Str("event", "sweep_failed").Msg("storage sweep failed")
		return 0
	}
	if removed > 0 {
		metrics.SweepRemoved.Add(float64(removed))
		logging.Debug().Int("removed", removed).Str("backend", s.store.Backend()).Msg("storage sweep completed")
	}
	return removed
}

// Shutdown は掃除ループを停止し、終了を待ちます。
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
