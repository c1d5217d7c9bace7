// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfgate/internal/auth"
	"github.com/yourusername/shelfgate/internal/config"
	"github.com/yourusername/shelfgate/internal/gate"
	"github.com/yourusername/shelfgate/internal/logging"
	"github.com/yourusername/shelfgate/internal/ratelimit"
	"github.com/yourusername/shelfgate/internal/storage"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 設定の読み込み（SECRET_SEED が無ければここで終了）
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load config")
	}

	logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	})

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// レート制限ストアは起動時に一度だけ選択する
	store := storage.Open(ctx, storage.OpenConfig{
		RedisURL:         cfg.RateLimitRedisURL,
		KeyPrefix:        cfg.RateLimitKeyPrefix,
		MemoryMaxEntries: cfg.MemoryMaxEntries,
		OpTimeout:        cfg.StorageOpTimeout,
	})
	defer store.Close()

	sweeper := storage.NewSweeper(store, cfg.CleanupInterval)
	sweeper.Start(ctx)

	router, err := newRouter(cfg, store)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to build router")
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info().
			Str("addr", srv.Addr).
			Str("mode", cfg.GinMode).
			Str("storage", store.Backend()).
			Bool("admin_enabled", cfg.HasAdminSecret()).
			Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown failed")
	}
	if err := sweeper.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("sweeper shutdown failed")
	}
}

// newRouter はミドルウェアとルートを組み立てます。
func newRouter(cfg *config.Config, store storage.Store) (*gin.Engine, error) {
	// gin 標準の Logger の代わりに zerolog のアクセスログを使う
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinMiddleware())

	if err := router.SetTrustedProxies(cfg.TrustedProxies); err != nil {
		return nil, err
	}

	// フラッシュメッセージ用セッション（署名鍵は SECRET_SEED から用途別に導出）
	sessionKey := sha256.Sum256([]byte("session:" + cfg.SecretSeed))
	sessionStore := cookie.NewStore(sessionKey[:])
	sessionStore.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, sessionStore))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		auth.CSRFHeader,
		logging.RequestIDHeader,
	}
	// クライアントが CSRF トークンとレート制限状態を読めるように公開
	corsConfig.ExposeHeaders = []string{
		auth.CSRFHeader,
		logging.RequestIDHeader,
		"X-RateLimit-Limit",
		"X-RateLimit-Remaining",
		"X-RateLimit-Reset",
		"Retry-After",
	}
	router.Use(cors.New(corsConfig))

	svc := auth.NewService(
		auth.Secrets{User: cfg.SecretSeed, Admin: cfg.AdminSecretSeed},
		auth.WithConsumptionStore(store),
	)
	limiter := ratelimit.NewLimiter(store, map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassAuth: ruleFrom(cfg.AuthRateLimit),
		ratelimit.ClassAPI:  ruleFrom(cfg.APIRateLimit),
		ratelimit.ClassPage: ruleFrom(cfg.PageRateLimit),
	}, cfg.IPHashSalt)

	setupRoutes(router, gate.New(svc, limiter), auth.NewManager(cfg, svc, limiter))
	return router, nil
}

func ruleFrom(r config.RateLimitRule) ratelimit.Rule {
	return ratelimit.Rule{MaxRequests: r.MaxRequests, Window: r.Window}
}
