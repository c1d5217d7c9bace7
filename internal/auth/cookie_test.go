package auth

import (
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"
)

func mustAuthCookie(t *testing.T, secret string, role Role, issuedAt time.Time) *http.Cookie {
	t.Helper()
	password, err := DerivePassword(secret, issuedAt, role)
	if err != nil {
		t.Fatalf("DerivePassword returned error: %v", err)
	}
	cookie, err := NewAuthCookie(password, issuedAt)
	if err != nil {
		t.Fatalf("NewAuthCookie returned error: %v", err)
	}
	return cookie
}

func TestAuthCookieAttributes(t *testing.T) {
	issuedAt := time.Date(2024, 1, 15, 13, 30, 0, 0, time.UTC)
	cookie := mustAuthCookie(t, "secret", RoleUser, issuedAt)

	if cookie.Name != AuthCookieName || cookie.Path != "/" {
		t.Fatalf("unexpected cookie name/path: %s %s", cookie.Name, cookie.Path)
	}
	if !cookie.HttpOnly || !cookie.Secure || cookie.SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected cookie flags: %+v", cookie)
	}
	if want := time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC); !cookie.Expires.Equal(want) {
		t.Fatalf("Expires = %v, want %v", cookie.Expires, want)
	}

	header := cookie.String()
	for _, attr := range []string{"HttpOnly", "Secure", "SameSite=Strict", "Path=/", "Expires="} {
		if !strings.Contains(header, attr) {
			t.Fatalf("header %q missing %s", header, attr)
		}
	}

	payload, ok := ParseAuthCookie(cookie.Value)
	if !ok || payload.IssuedDate != "2024-01-15" {
		t.Fatalf("unexpected payload: %+v ok=%v", payload, ok)
	}
}

func TestAuthCookieValidUntilNextUTCMidnight(t *testing.T) {
	issuedAt := time.Date(2024, 1, 15, 23, 59, 0, 0, time.UTC)
	cookie := mustAuthCookie(t, "secret", RoleUser, issuedAt)

	checks := []struct {
		now  time.Time
		want bool
	}{
		{issuedAt, true},
		{time.Date(2024, 1, 15, 23, 59, 59, 999, time.UTC), true},
		{time.Date(2024, 1, 16, 0, 0, 0, 0, time.UTC), false},
		{time.Date(2024, 1, 17, 12, 0, 0, 0, time.UTC), false},
		{time.Date(2024, 1, 14, 12, 0, 0, 0, time.UTC), false},
	}
	for _, c := range checks {
		if got := ValidateAuthCookie(cookie.Value, "secret", RoleUser, c.now); got != c.want {
			t.Fatalf("ValidateAuthCookie at %v = %v, want %v", c.now, got, c.want)
		}
	}
}

func TestAuthCookieRejectsForgeries(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	cookie := mustAuthCookie(t, "secret", RoleUser, now)

	if ValidateAuthCookie(cookie.Value, "other-secret", RoleUser, now) {
		t.Fatal("cookie must not validate under another secret")
	}
	if ValidateAuthCookie(cookie.Value, "secret", RoleAdmin, now) {
		t.Fatal("user cookie must not validate as admin")
	}

	// 昨日のクッキーの日付だけ書き換えても今日のハッシュとは一致しない
	yesterday := mustAuthCookie(t, "secret", RoleUser, now.AddDate(0, 0, -1))
	payload, _ := ParseAuthCookie(yesterday.Value)
	forged := base64.StdEncoding.EncodeToString([]byte(`{"issuedDate":"2024-01-15","hash":"` + payload.Hash + `"}`))
	if ValidateAuthCookie(forged, "secret", RoleUser, now) {
		t.Fatal("re-dated cookie must not validate")
	}
}

func TestAuthCookieMalformedFailsClosed(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	values := []string{
		"",
		"not-base64",
		base64.StdEncoding.EncodeToString([]byte("not json")),
		base64.StdEncoding.EncodeToString([]byte(`{"issuedDate":"yesterday","hash":"00"}`)),
		base64.StdEncoding.EncodeToString([]byte(`{"issuedDate":"2024-01-15"}`)),
		base64.StdEncoding.EncodeToString([]byte(`[]`)),
		strings.Repeat("A", 4096),
	}
	for _, v := range values {
		if ValidateAuthCookie(v, "secret", RoleUser, now) {
			t.Fatalf("malformed cookie %q validated", v)
		}
		if err := CheckAuthCookie(v, "secret", RoleUser, now); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("expected ErrInvalidCredential for %q, got %v", v, err)
		}
	}
	if _, ok := ParseAuthCookie("not-base64"); ok {
		t.Fatal("ParseAuthCookie should reject non-base64 input")
	}
}

func TestAuthCookieMissingSecret(t *testing.T) {
	if err := CheckAuthCookie("x", "", RoleUser, time.Now()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
	if _, err := NewAuthCookie("", time.Now()); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}
