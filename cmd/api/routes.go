package main

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfgate/internal/auth"
	"github.com/yourusername/shelfgate/internal/gate"
	"github.com/yourusername/shelfgate/internal/metrics"
	"github.com/yourusername/shelfgate/internal/ratelimit"
)

// setupRoutes はゲートの判定表とハンドラーを同時に登録します。
func setupRoutes(router *gin.Engine, g *gate.Gate, m *auth.Manager) {
	router.Use(g.Middleware())

	// 誰でも叩けるエンドポイント
	g.Handle(router, http.MethodGet, "/health", gate.Rule{Bypass: true}, m.Health)
	g.Handle(router, http.MethodGet, "/metrics", gate.Rule{Bypass: true}, metrics.Handler())
	g.Handle(router, http.MethodGet, "/lock", gate.Rule{Class: ratelimit.ClassPage}, m.LockScreen)

	// ログイン送信時は CSRF クッキーがまだ無い場合があるため検証しない
	login := gate.Rule{SkipCSRF: true, Class: ratelimit.ClassAuth}
	g.Handle(router, http.MethodPost, "/login", login, m.Login)
	g.Handle(router, http.MethodPost, "/admin/login", login, m.AdminLogin)

	g.Handle(router, http.MethodPost, "/logout",
		gate.Rule{Class: ratelimit.ClassAPI, Credential: gate.CredentialUser}, m.Logout)
	g.Handle(router, http.MethodGet, "/",
		gate.Rule{Class: ratelimit.ClassPage, Credential: gate.CredentialUser}, m.Index)

	// /api 配下は常に JSON で応答する
	api := gate.Rule{Class: ratelimit.ClassAPI, Credential: gate.CredentialUser}
	g.Handle(router, http.MethodPost, "/api/view-links", api, m.CreateViewLink)
	g.Handle(router, http.MethodGet, "/api/rate-limit", api, m.RateStatus)

	g.Handle(router, http.MethodGet, "/view/:token/:timestamp",
		gate.Rule{Class: ratelimit.ClassPage, Credential: gate.CredentialViewToken}, m.View)
	g.Handle(router, http.MethodGet, "/admin/panel/:token/:timestamp",
		gate.Rule{Class: ratelimit.ClassPage, Credential: gate.CredentialAdminToken}, m.AdminPanel)
}
