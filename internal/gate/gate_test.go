package gate

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfgate/internal/auth"
	"github.com/yourusername/shelfgate/internal/ratelimit"
	"github.com/yourusername/shelfgate/internal/storage"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

type testEnv struct {
	router *gin.Engine
	svc    *auth.Service
	clock  *testClock
}

// unavailableStore はすべての書き込みで障害を返します。
type unavailableStore struct {
	storage.Store
}

var errUnavailable = errors.New("store unavailable")

func (unavailableStore) Update(ctx context.Context, key string, ttl time.Duration, fn storage.UpdateFunc) error {
	return errUnavailable
}

func (unavailableStore) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return false, errUnavailable
}

func newTestEnv(t *testing.T, secrets auth.Secrets, store storage.Store) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := &testClock{now: time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)}
	if store == nil {
		store = storage.NewMemoryStore(100).WithClock(clock.Now)
	}
	svc := auth.NewService(secrets, auth.WithClock(clock.Now), auth.WithConsumptionStore(store))
	limiter := ratelimit.NewLimiter(store, map[ratelimit.Class]ratelimit.Rule{
		ratelimit.ClassAuth: {MaxRequests: 2, Window: 15 * time.Minute},
		ratelimit.ClassAPI:  {MaxRequests: 3, Window: time.Minute},
		ratelimit.ClassPage: {MaxRequests: 3, Window: time.Minute},
	}, "salt", ratelimit.WithClock(clock.Now))

	g := New(svc, limiter)
	router := gin.New()
	router.Use(g.Middleware())

	ok := func(c *gin.Context) {
		role, _ := auth.RoleFrom(c)
		c.String(http.StatusOK, "ok:"+string(role))
	}
	g.Handle(router, http.MethodGet, "/health", Rule{Bypass: true}, ok)
	g.Handle(router, http.MethodGet, "/lock", Rule{Class: ratelimit.ClassPage}, ok)
	g.Handle(router, http.MethodPost, "/login", Rule{SkipCSRF: true, Class: ratelimit.ClassAuth}, ok)
	g.Handle(router, http.MethodGet, "/", Rule{Class: ratelimit.ClassPage, Credential: CredentialUser}, ok)
	g.Handle(router, http.MethodPost, "/api/view-links", Rule{Class: ratelimit.ClassAPI, Credential: CredentialUser}, ok)
	g.Handle(router, http.MethodGet, "/view/:token/:timestamp", Rule{Class: ratelimit.ClassPage, Credential: CredentialViewToken}, ok)
	g.Handle(router, http.MethodGet, "/admin/panel/:token/:timestamp", Rule{Class: ratelimit.ClassPage, Credential: CredentialAdminToken}, ok)

	return &testEnv{router: router, svc: svc, clock: clock}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) withCSRF(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	token, err := e.svc.IssueCSRF()
	if err != nil {
		t.Fatalf("IssueCSRF returned error: %v", err)
	}
	req.AddCookie(&http.Cookie{Name: auth.CSRFCookieName, Value: token})
	req.Header.Set(auth.CSRFHeader, token)
	return req
}

func (e *testEnv) withUserCookie(t *testing.T, req *http.Request) *http.Request {
	t.Helper()
	cookie, err := e.svc.IssueAuthCookie(auth.RoleUser)
	if err != nil {
		t.Fatalf("IssueAuthCookie returned error: %v", err)
	}
	req.AddCookie(cookie)
	return req
}

func TestBypassSkipsEveryCheck(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	for i := 0; i < 10; i++ {
		w := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("health request %d: status %d", i, w.Code)
		}
		if w.Header().Get("X-RateLimit-Limit") != "" {
			t.Fatal("bypassed route must not carry rate headers")
		}
	}
}

func TestCSRFRequiredForMutatingRequests(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	missing := env.withUserCookie(t, httptest.NewRequest(http.MethodPost, "/api/view-links", nil))
	w := env.do(missing)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "CSRF_REJECTED") {
		t.Fatalf("missing token: %d %s", w.Code, w.Body.String())
	}

	invalid := env.withUserCookie(t, httptest.NewRequest(http.MethodPost, "/api/view-links", nil))
	invalid.AddCookie(&http.Cookie{Name: auth.CSRFCookieName, Value: "1.abc.def"})
	invalid.Header.Set(auth.CSRFHeader, "1.abc.def")
	w = env.do(invalid)
	if w.Code != http.StatusForbidden || !strings.Contains(w.Body.String(), "CSRF_REJECTED") {
		t.Fatalf("invalid token: %d %s", w.Code, w.Body.String())
	}

	valid := env.withCSRF(t, env.withUserCookie(t, httptest.NewRequest(http.MethodPost, "/api/view-links", nil)))
	if w := env.do(valid); w.Code != http.StatusOK {
		t.Fatalf("valid token: %d %s", w.Code, w.Body.String())
	}
}

func TestCSRFRejectedBeforeRateCheck(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	w := env.do(httptest.NewRequest(http.MethodPost, "/api/view-links", nil))
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "" {
		t.Fatal("CSRF failure must short-circuit before the rate check")
	}
}

func TestLoginSkipsCSRF(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	w := env.do(httptest.NewRequest(http.MethodPost, "/login", strings.NewReader("password=x")))
	if w.Code != http.StatusOK {
		t.Fatalf("login should reach the handler without CSRF, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "2" || w.Header().Get("X-RateLimit-Remaining") != "1" {
		t.Fatalf("unexpected rate headers: %v", w.Header())
	}
}

func TestRateLimitDeniesWithRetryAfter(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	for i := 0; i < 3; i++ {
		w := env.do(httptest.NewRequest(http.MethodGet, "/lock", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
		if w.Header().Get("Retry-After") == "" || w.Header().Get("X-RateLimit-Reset") == "" {
			t.Fatalf("allowed response missing rate headers: %v", w.Header())
		}
	}

	w := env.do(httptest.NewRequest(http.MethodGet, "/lock", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "RATE_LIMITED") {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if w.Header().Get("Retry-After") != "60" || w.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("unexpected headers on denial: %v", w.Header())
	}

	// 別のクライアントは影響を受けない
	other := httptest.NewRequest(http.MethodGet, "/lock", nil)
	other.RemoteAddr = "198.51.100.9:4321"
	if w := env.do(other); w.Code != http.StatusOK {
		t.Fatalf("other client should be allowed, got %d", w.Code)
	}
}

func TestUnauthenticatedBrowserRedirectsToLock(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/lock?error=1" {
		t.Fatalf("expected redirect to lock, got %d %q", w.Code, w.Header().Get("Location"))
	}

	forged := httptest.NewRequest(http.MethodGet, "/", nil)
	forged.AddCookie(&http.Cookie{Name: auth.AuthCookieName, Value: "not-base64"})
	if w := env.do(forged); w.Code != http.StatusFound {
		t.Fatalf("malformed cookie should redirect, got %d", w.Code)
	}

	w = env.do(env.withUserCookie(t, httptest.NewRequest(http.MethodGet, "/", nil)))
	if w.Code != http.StatusOK || w.Body.String() != "ok:user" {
		t.Fatalf("valid cookie: %d %s", w.Code, w.Body.String())
	}
}

func TestCookieRejectedAfterMidnight(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)
	req := env.withUserCookie(t, httptest.NewRequest(http.MethodGet, "/", nil))

	env.clock.now = auth.NextUTCMidnight(env.clock.now)
	if w := env.do(req); w.Code != http.StatusFound {
		t.Fatalf("yesterday's cookie must be rejected, got %d", w.Code)
	}
}

func TestUnauthenticatedAPIReturnsJSON(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	w := env.do(env.withCSRF(t, httptest.NewRequest(http.MethodPost, "/api/view-links", nil)))
	if w.Code != http.StatusUnauthorized || !strings.Contains(w.Body.String(), "INVALID_CREDENTIALS") {
		t.Fatalf("expected 401 JSON, got %d %s", w.Code, w.Body.String())
	}
}

func TestViewTokenIsSingleUse(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)
	token, _ := env.svc.IssueViewToken()
	path := auth.ViewPath(token)

	if w := env.do(httptest.NewRequest(http.MethodGet, path, nil)); w.Code != http.StatusOK {
		t.Fatalf("first use: %d", w.Code)
	}
	w := env.do(httptest.NewRequest(http.MethodGet, path, nil))
	if w.Code != http.StatusFound || w.Header().Get("Location") != "/lock?error=1" {
		t.Fatalf("replay should redirect to lock, got %d", w.Code)
	}

	tampered := httptest.NewRequest(http.MethodGet, "/view/"+token.Signature+"/"+token.TimestampString()+"1", nil)
	if w := env.do(tampered); w.Code != http.StatusFound {
		t.Fatalf("tampered timestamp should redirect, got %d", w.Code)
	}
}

func TestAdminPanelToken(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret", Admin: "admin-secret"}, nil)
	token, err := env.svc.IssueAdminToken()
	if err != nil {
		t.Fatalf("IssueAdminToken returned error: %v", err)
	}

	for i := 0; i < 2; i++ {
		w := env.do(httptest.NewRequest(http.MethodGet, auth.AdminPanelPath(token), nil))
		if w.Code != http.StatusOK || w.Body.String() != "ok:admin" {
			t.Fatalf("admin panel load %d: %d %s", i, w.Code, w.Body.String())
		}
	}

	env.clock.now = env.clock.now.Add(31 * time.Minute)
	if w := env.do(httptest.NewRequest(http.MethodGet, auth.AdminPanelPath(token), nil)); w.Code != http.StatusFound {
		t.Fatalf("expired admin token should redirect, got %d", w.Code)
	}
}

func TestMissingAdminSecretIsServerError(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/admin/panel/abc/1700000000000", nil))
	if w.Code != http.StatusInternalServerError || !strings.Contains(w.Body.String(), "SERVER_MISCONFIGURATION") {
		t.Fatalf("expected 500, got %d %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "ADMIN_SECRET_SEED") {
		t.Fatal("response must not name the missing secret")
	}
}

func TestStorageFaultFailsOpenForRateButClosedForAuth(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, unavailableStore{Store: storage.NewMemoryStore(10)})

	for i := 0; i < 10; i++ {
		if w := env.do(httptest.NewRequest(http.MethodGet, "/lock", nil)); w.Code != http.StatusOK {
			t.Fatalf("rate limiting must fail open, request %d got %d", i, w.Code)
		}
	}

	token, _ := env.svc.IssueViewToken()
	if w := env.do(httptest.NewRequest(http.MethodGet, auth.ViewPath(token), nil)); w.Code != http.StatusFound {
		t.Fatalf("view token must fail closed on storage fault, got %d", w.Code)
	}
}

func TestUnknownRouteUsesFallback(t *testing.T) {
	env := newTestEnv(t, auth.Secrets{User: "user-secret"}, nil)

	w := env.do(httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") != "3" {
		t.Fatalf("unmatched routes should use the page class, headers: %v", w.Header())
	}
}
