// Package ratelimit は (識別子, エンドポイント種別) ごとのスライディングウィンドウ型レート制限を提供します。
//
// 状態はすべて storage.Store に委ね、Limiter 自身は可変状態を持ちません。
// ストア障害時はリクエストを許可します（フェイルオープン）。
// ストア障害がそのまま正規利用者へのサービス拒否にならないようにするための意図的な方針で、
// 認証側（フェイルクローズ）とは別に扱います。
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/goccy/go-json"

	"github.com/yourusername/shelfgate/internal/logging"
	"github.com/yourusername/shelfgate/internal/metrics"
	"github.com/yourusername/shelfgate/internal/storage"
)

// Class はエンドポイント種別です。種別ごとに上限とウィンドウが異なります。
type Class string

const (
	ClassAuth Class = "auth"
	ClassAPI  Class = "api"
	ClassPage Class = "page"
)

// Rule はウィンドウ内の最大リクエスト数です。
type Rule struct {
	MaxRequests int
	Window      time.Duration
}

// Result はチェック結果です。
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
	// Degraded はストア障害によりフェイルオープンしたことを示します。
	Degraded bool
}

// entry はストアに保存するキーごとの状態です（時刻はミリ秒）。
type entry struct {
	Timestamps     []int64 `json:"ts"`
	FirstRequestAt int64   `json:"first"`
}

// Limiter はスライディングウィンドウ型のレート制限器です。
type Limiter struct {
	store storage.Store
	rules map[Class]Rule
	salt  string
	now   func() time.Time
}

// Option は Limiter の設定を変更します。
type Option func(*Limiter)

// WithClock は時刻関数を差し替えます（テスト用）。
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter は Limiter を作成します。salt は識別子ハッシュに使います。
func NewLimiter(store storage.Store, rules map[Class]Rule, salt string, opts ...Option) *Limiter {
	copied := make(map[Class]Rule, len(rules))
	for class, rule := range rules {
		copied[class] = rule
	}
	l := &Limiter{
		store: store,
		rules: copied,
		salt:  salt,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Rule は種別の設定を返します。
func (l *Limiter) Rule(class Class) (Rule, bool) {
	rule, ok := l.rules[class]
	return rule, ok
}

// Key は識別子と種別からストアのキーを作ります。
func (l *Limiter) Key(identity string, class Class) string {
	return "rl:" + l.Fingerprint(identity) + ":" + string(class)
}

// Fingerprint はログに残してよい形の識別子ハッシュを返します。
func (l *Limiter) Fingerprint(identity string) string {
	return HashIdentity(l.salt, identity)
}

// Backend は使用中のストア種別を返します。
func (l *Limiter) Backend() string {
	return l.store.Backend()
}

// Check はリクエストを1件記録し、許可するかを返します。
// ウィンドウ外の時刻を捨て、残数が上限以上なら拒否します。
func (l *Limiter) Check(ctx context.Context, identity string, class Class) Result {
	rule, ok := l.rules[class]
	if !ok || rule.MaxRequests <= 0 || rule.Window <= 0 {
		return Result{Allowed: true}
	}

	now := l.now()
	key := l.Key(identity, class)
	var result Result

	err := l.store.Update(ctx, key, 2*rule.Window, func(current []byte) ([]byte, error) {
		e := decodeEntry(current, now)
		result = apply(e, rule, now)
		return json.Marshal(e)
	})
	if err != nil {
		metrics.RateLimitChecks.WithLabelValues(string(class), "degraded").Inc()
		return l.degraded(err, "rate_check", class, rule, now)
	}

	if result.Allowed {
		metrics.RateLimitChecks.WithLabelValues(string(class), "allowed").Inc()
	} else {
		metrics.RateLimitChecks.WithLabelValues(string(class), "denied").Inc()
	}
	return result
}

// Peek は記録せずに現在の残数を返します。
// ストア障害時は Check と同じく満額の Degraded 結果を返します。
func (l *Limiter) Peek(ctx context.Context, identity string, class Class) Result {
	rule, ok := l.rules[class]
	if !ok || rule.MaxRequests <= 0 || rule.Window <= 0 {
		return Result{Allowed: true}
	}

	now := l.now()
	data, err := l.store.Get(ctx, l.Key(identity, class))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return l.degraded(err, "rate_peek", class, rule, now)
	}

	e := decodeEntry(data, now)
	e.prune(now.UnixMilli() - rule.Window.Milliseconds())
	result := Result{
		Allowed:   len(e.Timestamps) < rule.MaxRequests,
		Limit:     rule.MaxRequests,
		Remaining: max(rule.MaxRequests-len(e.Timestamps), 0),
		ResetAt:   now.Add(rule.Window),
	}
	if len(e.Timestamps) > 0 {
		result.ResetAt = time.UnixMilli(e.Timestamps[0] + rule.Window.Milliseconds())
	}
	result.RetryAfter = retryAfter(result.ResetAt, now)
	return result
}

// degraded はストア障害を記録し、上限まで使える結果を返します。
func (l *Limiter) degraded(err error, op string, class Class, rule Rule, now time.Time) Result {
	metrics.StorageFaults.WithLabelValues(op).Inc()
	logging.Warn().
		Err(err).
		Str("event", "storage_fault").
		Str("op", op).
		Str("class", string(class)).
		Str("backend", l.store.Backend()).
		Msg("rate limit storage failed; allowing request")
	return Result{
		Allowed:   true,
		Limit:     rule.MaxRequests,
		Remaining: rule.MaxRequests,
		ResetAt:   now.Add(rule.Window),
		Degraded:  true,
	}
}

// Reset は識別子のカウンターを削除します（ログイン成功時など）。
func (l *Limiter) Reset(ctx context.Context, identity string, class Class) error {
	return l.store.Delete(ctx, l.Key(identity, class))
}

// apply はスライディングウィンドウのアルゴリズム本体です。e を更新し結果を返します。
func apply(e *entry, rule Rule, now time.Time) Result {
	nowMillis := now.UnixMilli()
	windowMillis := rule.Window.Milliseconds()
	e.prune(nowMillis - windowMillis)

	result := Result{Limit: rule.MaxRequests}
	if len(e.Timestamps) >= rule.MaxRequests {
		result.Allowed = false
		result.Remaining = 0
		result.ResetAt = time.UnixMilli(e.Timestamps[0] + windowMillis)
	} else {
		e.Timestamps = append(e.Timestamps, nowMillis)
		result.Allowed = true
		result.Remaining = rule.MaxRequests - len(e.Timestamps)
		result.ResetAt = time.UnixMilli(e.Timestamps[0] + windowMillis)
	}
	result.RetryAfter = retryAfter(result.ResetAt, now)
	return result
}

// prune は windowStart 以前（境界を含む）の時刻を捨てます。
func (e *entry) prune(windowStart int64) {
	kept := e.Timestamps[:0]
	for _, ts := range e.Timestamps {
		if ts > windowStart {
			kept = append(kept, ts)
		}
	}
	e.Timestamps = kept
}

// decodeEntry は保存値を復元します。壊れた値は新しいエントリとして扱います。
func decodeEntry(data []byte, now time.Time) *entry {
	e := &entry{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, e); err != nil {
			logging.Warn().Err(err).Msg("discarding unreadable rate limit entry")
			e = &entry{}
		}
	}
	if e.FirstRequestAt == 0 {
		e.FirstRequestAt = now.UnixMilli()
	}
	return e
}

func retryAfter(resetAt, now time.Time) time.Duration {
	d := resetAt.Sub(now)
	if d < 0 {
		return 0
	}
	return time.Duration(math.Ceil(d.Seconds())) * time.Second
}
