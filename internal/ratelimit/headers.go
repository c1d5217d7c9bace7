package ratelimit

import (
	"net/http"
	"strconv"
	"time"
)

// Headers はレート制限結果をレスポンスヘッダーに設定します。
func Headers(h http.Header, result Result) {
	if result.Limit <= 0 {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
	h.Set("Retry-After", strconv.Itoa(int(result.RetryAfter/time.Second)))
}
