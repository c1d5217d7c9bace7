// Package auth は日次パスワード・認証クッキー・時間制限トークン・CSRF と、
// それらを使うログイン画面・保護ページのハンドラーを提供します。
package auth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfgate/internal/ratelimit"
)

type lockPage struct {
	SiteName      string
	Flash         string
	ShowRemaining bool
	Remaining     int
}

// LockScreen は GET /lock のハンドラーです。
// パスワードフォームに CSRF フィールドを埋め込み、直前の失敗メッセージと残り試行回数を表示します。
func (m *Manager) LockScreen(c *gin.Context) {
	token, err := m.svc.IssueCSRF()
	if err != nil {
		RespondWithError(c, err)
		return
	}
	AttachCSRF(c, token)

	data := lockPage{
		SiteName: m.cfg.SiteName,
		Flash:    m.takeFlash(c),
	}
	if data.Flash == "" && c.Query("error") == "1" {
		data.Flash = "もう一度ログインしてください"
	}
	if remaining, ok := m.remainingAttempts(c); ok {
		data.ShowRemaining = true
		data.Remaining = remaining
	}

	renderPage(c, http.StatusOK, "lock", data, token)
}

// Index は GET / のハンドラーです。ゲートで認証クッキーを確認済みです。
func (m *Manager) Index(c *gin.Context) {
	token, err := m.svc.IssueCSRF()
	if err != nil {
		RespondWithError(c, err)
		return
	}
	AttachCSRF(c, token)

	renderPage(c, http.StatusOK, "index", gin.H{"SiteName": m.cfg.SiteName}, token)
}

// CreateViewLink は POST /api/view-links のハンドラーです。
// 10秒間だけ有効な1回限りの閲覧URLを返します。
func (m *Manager) CreateViewLink(c *gin.Context) {
	token, err := m.svc.IssueViewToken()
	if err != nil {
		RespondWithError(c, err)
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusCreated, gin.H{
		"url":       ViewPath(token),
		"expiresAt": token.ExpiresAt(PurposeView),
	})
}

// View は GET /view/:token/:timestamp のハンドラーです。トークンはゲートで消費済みです。
func (m *Manager) View(c *gin.Context) {
	noStore(c)
	token := Token{Signature: c.Param("token")}
	token.Timestamp = parseMillis(c.Param("timestamp"))

	renderPage(c, http.StatusOK, "view", gin.H{
		"SiteName":  m.cfg.SiteName,
		"ExpiresAt": token.ExpiresAt(PurposeView),
	}, "")
}

// AdminPanel は GET /admin/panel/:token/:timestamp のハンドラーです。
// 本日と明日のパスワードをその場で導出して表示します。
func (m *Manager) AdminPanel(c *gin.Context) {
	noStore(c)
	now := m.svc.Now()
	tomorrow := NextUTCMidnight(now)

	userPassword, err := m.svc.PasswordFor(RoleUser, now)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	tomorrowPassword, err := m.svc.PasswordFor(RoleUser, tomorrow)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	adminPassword, err := m.svc.PasswordFor(RoleAdmin, now)
	if err != nil {
		RespondWithError(c, err)
		return
	}

	token := Token{Signature: c.Param("token"), Timestamp: parseMillis(c.Param("timestamp"))}
	renderPage(c, http.StatusOK, "admin", gin.H{
		"SiteName":         m.cfg.SiteName,
		"Today":            UTCDay(now).Format(DateLayout),
		"Tomorrow":         tomorrow.Format(DateLayout),
		"UserPassword":     userPassword,
		"TomorrowPassword": tomorrowPassword,
		"AdminPassword":    adminPassword,
		"Backend":          m.limiter.Backend(),
		"ExpiresAt":        token.ExpiresAt(PurposeAdminPanel),
	}, "")
}

// Health はヘルスチェックエンドポイントのハンドラーです。
func (m *Manager) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "shelfgate",
		"version": "0.1.0",
		"storage": m.limiter.Backend(),
		"time":    m.svc.Now().UTC().Format(time.RFC3339),
	})
}

// RateStatus は GET /api/rate-limit のハンドラーです。記録せずに各種別の残数を返します。
// ストア障害時は満額を返します（レート制限は fail open）。
func (m *Manager) RateStatus(c *gin.Context) {
	classes := []ratelimit.Class{ratelimit.ClassAuth, ratelimit.ClassAPI, ratelimit.ClassPage}
	out := make(gin.H, len(classes))
	for _, class := range classes {
		res := m.limiter.Peek(c.Request.Context(), c.ClientIP(), class)
		out[string(class)] = gin.H{
			"limit":     res.Limit,
			"remaining": res.Remaining,
			"resetAt":   res.ResetAt.UTC(),
		}
	}
	c.JSON(http.StatusOK, out)
}
