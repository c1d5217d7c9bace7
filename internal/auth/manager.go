package auth

import (
	"errors"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfgate/internal/config"
	"github.com/yourusername/shelfgate/internal/logging"
	"github.com/yourusername/shelfgate/internal/metrics"
	"github.com/yourusername/shelfgate/internal/ratelimit"
)

const (
	// SessionCookieName はロック画面のフラッシュメッセージ用セッションクッキーです。
	// 認証状態はここに保存しません（認証クッキーのみで判定する）。
	SessionCookieName = "shelf_session"

	// PasswordFormField はログインフォームのパスワード欄です。
	PasswordFormField = "password"

	lockPath = "/lock"
)

// SessionMaxAgeSeconds はフラッシュ用セッションクッキーの MaxAge です。
func SessionMaxAgeSeconds() int {
	return 10 * 60
}

// Manager はログイン・ログアウトと各画面のハンドラーをまとめた構造体です。
type Manager struct {
	cfg     *config.Config
	svc     *Service
	limiter *ratelimit.Limiter
}

// NewManager は認証マネージャーを作成します。
func NewManager(cfg *config.Config, svc *Service, limiter *ratelimit.Limiter) *Manager {
	return &Manager{
		cfg:     cfg,
		svc:     svc,
		limiter: limiter,
	}
}

type loginRequest struct {
	Password string `json:"password" form:"password" binding:"required"`
}

// Login は POST /login のハンドラーです。
// フォーム送信ではクッキーを設定して / へ、JSON では 204 を返します。
func (m *Manager) Login(c *gin.Context) {
	password, ok := m.bindPassword(c)
	if !ok {
		return
	}

	if err := m.svc.CheckPassword(RoleUser, password); err != nil {
		m.loginFailed(c, err)
		return
	}

	cookie, err := m.svc.IssueAuthCookie(RoleUser)
	if err != nil {
		RespondWithError(c, err)
		return
	}
	http.SetCookie(c.Writer, cookie)
	m.resetAttempts(c)

	logging.Info().
		Str("event", "login_succeeded").
		Str("role", string(RoleUser)).
		Str("client", m.limiter.Fingerprint(c.ClientIP())).
		Msg("user login")

	if WantsJSON(c) {
		token, err := m.svc.IssueCSRF()
		if err != nil {
			RespondWithError(c, err)
			return
		}
		AttachCSRF(c, token)
		c.Status(http.StatusNoContent)
		return
	}
	c.Redirect(http.StatusSeeOther, "/")
}

// AdminLogin は POST /admin/login のハンドラーです。
// 成功すると管理画面トークンを発行し、そのURLへ遷移させます。
func (m *Manager) AdminLogin(c *gin.Context) {
	password, ok := m.bindPassword(c)
	if !ok {
		return
	}

	if err := m.svc.CheckPassword(RoleAdmin, password); err != nil {
		m.loginFailed(c, err)
		return
	}

	token, err := m.svc.IssueAdminToken()
	if err != nil {
		RespondWithError(c, err)
		return
	}
	m.resetAttempts(c)

	logging.Info().
		Str("event", "login_succeeded").
		Str("role", string(RoleAdmin)).
		Str("client", m.limiter.Fingerprint(c.ClientIP())).
		Msg("admin login")

	target := AdminPanelPath(token)
	if WantsJSON(c) {
		c.JSON(http.StatusOK, gin.H{
			"url":       target,
			"expiresAt": token.ExpiresAt(PurposeAdminPanel),
		})
		return
	}
	c.Redirect(http.StatusSeeOther, target)
}

// Logout は POST /logout のハンドラーです。認証クッキーを失効させます。
func (m *Manager) Logout(c *gin.Context) {
	http.SetCookie(c.Writer, ExpiredAuthCookie())

	session := sessions.Default(c)
	session.Clear()
	if err := session.Save(); err != nil {
		logging.Warn().Err(err).Msg("failed to clear flash session")
	}

	if WantsJSON(c) {
		c.Status(http.StatusNoContent)
		return
	}
	c.Redirect(http.StatusSeeOther, lockPath)
}

func (m *Manager) bindPassword(c *gin.Context) (string, bool) {
	var req loginRequest
	if err := c.ShouldBind(&req); err != nil {
		if WantsJSON(c) {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "password を送ってください",
			})
			return "", false
		}
		m.flash(c, "パスワードを入力してください")
		c.Redirect(http.StatusSeeOther, lockPath+"?error=1")
		return "", false
	}
	return req.Password, true
}

// loginFailed はパスワード不一致を処理します。
// 試行回数はゲートの auth 種別レート制限で数えているため、ここでは残数を参照するだけです。
func (m *Manager) loginFailed(c *gin.Context, err error) {
	if errors.Is(err, ErrConfiguration) {
		RespondWithError(c, err)
		return
	}

	logging.Warn().
		Str("event", "login_failed").
		Str("client", m.limiter.Fingerprint(c.ClientIP())).
		Str("route", c.FullPath()).
		Msg("invalid password")

	if WantsJSON(c) {
		apiErr := Classify(err)
		body := gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		}
		if remaining, ok := m.remainingAttempts(c); ok {
			body["remainingAttempts"] = remaining
		}
		c.JSON(apiErr.Status, body)
		return
	}

	m.flash(c, "パスワードが正しくありません")
	c.Redirect(http.StatusSeeOther, lockPath+"?error=1")
}

func (m *Manager) resetAttempts(c *gin.Context) {
	if err := m.limiter.Reset(c.Request.Context(), c.ClientIP(), ratelimit.ClassAuth); err != nil {
		metrics.StorageFaults.WithLabelValues("rate_reset").Inc()
		logging.Warn().Err(err).Str("event", "storage_fault").Msg("failed to reset login attempts")
	}
}

// remainingAttempts はロック画面に出す残り試行回数を返します。
// ストア障害時（Degraded）は正しい値が分からないので表示しません。障害は Peek 側で記録済みです。
func (m *Manager) remainingAttempts(c *gin.Context) (int, bool) {
	res := m.limiter.Peek(c.Request.Context(), c.ClientIP(), ratelimit.ClassAuth)
	if res.Degraded || res.Limit == 0 {
		return 0, false
	}
	return res.Remaining, true
}

func (m *Manager) flash(c *gin.Context, message string) {
	session := sessions.Default(c)
	session.AddFlash(message)
	if err := session.Save(); err != nil {
		logging.Warn().Err(err).Msg("failed to save flash message")
	}
}

func (m *Manager) takeFlash(c *gin.Context) string {
	session := sessions.Default(c)
	flashes := session.Flashes()
	if len(flashes) == 0 {
		return ""
	}
	if err := session.Save(); err != nil {
		logging.Warn().Err(err).Msg("failed to consume flash message")
	}
	message, _ := flashes[len(flashes)-1].(string)
	return message
}
