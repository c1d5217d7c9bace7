// Package gate はすべてのリクエストに対して
// 除外リスト → CSRF → レート制限 → 資格情報 の順に判定するミドルウェアを提供します。
package gate

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfgate/internal/auth"
	"github.com/yourusername/shelfgate/internal/logging"
	"github.com/yourusername/shelfgate/internal/metrics"
	"github.com/yourusername/shelfgate/internal/ratelimit"
)

// Credential はルートが要求する資格情報の種類です。
type Credential int

const (
	CredentialNone Credential = iota
	// CredentialUser は当日の認証クッキーです。
	CredentialUser
	// CredentialViewToken は :token/:timestamp の閲覧トークン（1回限り）です。
	CredentialViewToken
	// CredentialAdminToken は :token/:timestamp の管理画面トークンです。
	CredentialAdminToken
)

// Rule はルートごとの判定設定です。
type Rule struct {
	// Bypass は以降のすべての判定を省略します（ヘルスチェックなど）。
	Bypass bool
	// SkipCSRF は変更系メソッドでも CSRF を検証しません（認証前のログイン送信）。
	SkipCSRF bool
	// Class が空の場合はレート制限を行いません。
	Class      ratelimit.Class
	Credential Credential
}

// Gate はルート表に従ってリクエストを判定します。状態はすべて Service と Limiter に委ねます。
type Gate struct {
	svc      *auth.Service
	limiter  *ratelimit.Limiter
	rules    map[string]Rule
	fallback Rule
}

// New は Gate を作成します。未登録のルート（404 など）は page 種別のレート制限のみ行います。
func New(svc *auth.Service, limiter *ratelimit.Limiter) *Gate {
	return &Gate{
		svc:      svc,
		limiter:  limiter,
		rules:    make(map[string]Rule),
		fallback: Rule{Class: ratelimit.ClassPage},
	}
}

// Register はルートテンプレート（gin の FullPath）に判定設定を結びつけます。
func (g *Gate) Register(method, path string, rule Rule) {
	g.rules[method+" "+path] = rule
}

// Handle はルートを登録し、同時に判定設定を結びつけます。
func (g *Gate) Handle(router gin.IRoutes, method, path string, rule Rule, handlers ...gin.HandlerFunc) {
	g.Register(method, path, rule)
	router.Handle(method, path, handlers...)
}

// RuleFor は method と route に適用される設定を返します。
func (g *Gate) RuleFor(method, route string) Rule {
	if rule, ok := g.rules[method+" "+route]; ok {
		return rule
	}
	if method == http.MethodHead {
		if rule, ok := g.rules[http.MethodGet+" "+route]; ok {
			return rule
		}
	}
	return g.fallback
}

// Middleware はゲート本体です。router.Use で全体に適用します。
func (g *Gate) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		rule := g.RuleFor(c.Request.Method, c.FullPath())
		if rule.Bypass {
			metrics.GateDecisions.WithLabelValues("bypass").Inc()
			c.Next()
			return
		}

		if !rule.SkipCSRF && !auth.IsSafeMethod(c.Request.Method) {
			if !g.checkCSRF(c) {
				return
			}
		}

		if rule.Class != "" {
			result := g.limiter.Check(c.Request.Context(), c.ClientIP(), rule.Class)
			ratelimit.Headers(c.Writer.Header(), result)
			if !result.Allowed {
				g.rateLimited(c, rule.Class)
				return
			}
		}

		if rule.Credential != CredentialNone {
			if !g.authenticate(c, rule.Credential) {
				return
			}
		}

		metrics.GateDecisions.WithLabelValues("allowed").Inc()
		c.Next()
	}
}

func (g *Gate) checkCSRF(c *gin.Context) bool {
	err := g.svc.CheckCSRF(auth.CSRFCookieToken(c), auth.SubmittedCSRFToken(c))
	if err == nil {
		return true
	}
	if errors.Is(err, auth.ErrConfiguration) {
		metrics.GateDecisions.WithLabelValues("misconfigured").Inc()
		auth.RespondWithError(c, err)
		return false
	}

	// 応答は同一の 403、区別はログとメトリクスでのみ行う
	reason := "invalid"
	if errors.Is(err, auth.ErrCSRFMissing) {
		reason = "missing"
	}
	metrics.CSRFFailures.WithLabelValues(reason).Inc()
	metrics.GateDecisions.WithLabelValues("csrf_rejected").Inc()
	logging.Warn().
		Err(err).
		Str("event", "csrf_rejected").
		Str("reason", reason).
		Str("route", c.FullPath()).
		Str("client", g.limiter.Fingerprint(c.ClientIP())).
		Str("request_id", logging.RequestID(c)).
		Msg("csrf verification failed")
	auth.RespondWithError(c, err)
	return false
}

func (g *Gate) rateLimited(c *gin.Context, class ratelimit.Class) {
	metrics.GateDecisions.WithLabelValues("rate_limited").Inc()
	logging.Warn().
		Str("event", "rate_limited").
		Str("class", string(class)).
		Str("route", c.FullPath()).
		Str("client", g.limiter.Fingerprint(c.ClientIP())).
		Msg("rate limit exceeded")
	auth.RespondWithError(c, auth.ErrRateLimited)
}

// authenticate は資格情報を検証します。ストア障害を含め、失敗はすべて拒否側に倒します。
func (g *Gate) authenticate(c *gin.Context, credential Credential) bool {
	var (
		role auth.Role
		err  error
	)
	switch credential {
	case CredentialUser:
		role = auth.RoleUser
		value, cookieErr := c.Cookie(auth.AuthCookieName)
		if cookieErr != nil {
			err = auth.ErrInvalidCredential
			break
		}
		err = g.svc.CheckAuthCookie(value, auth.RoleUser)
	case CredentialViewToken:
		role = auth.RoleUser
		err = g.svc.CheckViewToken(c.Request.Context(), c.Param("token"), c.Param("timestamp"))
	case CredentialAdminToken:
		role = auth.RoleAdmin
		err = g.svc.CheckAdminToken(c.Param("token"), c.Param("timestamp"))
	default:
		err = auth.ErrInvalidCredential
	}

	if err == nil {
		auth.SetRole(c, role)
		return true
	}

	if errors.Is(err, auth.ErrConfiguration) {
		metrics.GateDecisions.WithLabelValues("misconfigured").Inc()
		auth.RespondWithError(c, err)
		return false
	}

	metrics.GateDecisions.WithLabelValues("unauthenticated").Inc()
	logging.Info().
		Err(err).
		Str("event", "unauthenticated").
		Str("route", c.FullPath()).
		Str("client", g.limiter.Fingerprint(c.ClientIP())).
		Msg("credential rejected")

	if auth.WantsJSON(c) {
		auth.RespondWithError(c, err)
		return false
	}
	auth.RedirectToLock(c)
	return false
}
