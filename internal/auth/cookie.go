package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// AuthCookieName は認証クッキーの名前です。
const AuthCookieName = "shelf_auth"

// CookiePayload は認証クッキーの中身です（base64 JSON）。
type CookiePayload struct {
	IssuedDate string `json:"issuedDate"`
	Hash       string `json:"hash"`
}

// NewAuthCookie は password を issuedAt の日付で署名した認証クッキーを作ります。
// Expires は issuedAt の次の UTC 0時で、日付が変わればブラウザ側でも破棄されます。
func NewAuthCookie(password string, issuedAt time.Time) (*http.Cookie, error) {
	if password == "" {
		return nil, fmt.Errorf("%w: empty password for cookie", ErrConfiguration)
	}
	if issuedAt.IsZero() {
		issuedAt = time.Now()
	}

	issuedDate := UTCDay(issuedAt).Format(DateLayout)
	payload, err := json.Marshal(CookiePayload{
		IssuedDate: issuedDate,
		Hash:       cookieHash(password, issuedDate),
	})
	if err != nil {
		return nil, err
	}

	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    base64.StdEncoding.EncodeToString(payload),
		Path:     "/",
		Expires:  NextUTCMidnight(issuedAt),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}, nil
}

// ExpiredAuthCookie はログアウト用の削除クッキーを返します。
func ExpiredAuthCookie() *http.Cookie {
	return &http.Cookie{
		Name:     AuthCookieName,
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

// ParseAuthCookie はクッキー値を復号します。不正な値は (nil, false) を返し、panic しません。
func ParseAuthCookie(value string) (*CookiePayload, bool) {
	if value == "" || len(value) > 512 {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, false
	}
	var payload CookiePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, false
	}
	if _, err := time.Parse(DateLayout, payload.IssuedDate); err != nil {
		return nil, false
	}
	if len(payload.Hash) != sha256.Size*2 {
		return nil, false
	}
	return &payload, true
}

// CheckAuthCookie はクッキーを検証します。
// issuedDate が今日（UTC）でなければハッシュが一致していても拒否し、
// issuedDate のパスワードを再導出してハッシュを比較します。
func CheckAuthCookie(value, secret string, role Role, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: secret for role %s", ErrConfiguration, role)
	}
	payload, ok := ParseAuthCookie(value)
	if !ok {
		return ErrInvalidCredential
	}
	if payload.IssuedDate != UTCDay(now).Format(DateLayout) {
		return ErrInvalidCredential
	}

	issued, err := time.Parse(DateLayout, payload.IssuedDate)
	if err != nil {
		return ErrInvalidCredential
	}
	password, err := DerivePassword(secret, issued, role)
	if err != nil {
		return err
	}
	if !secureEqual(cookieHash(password, payload.IssuedDate), payload.Hash) {
		return ErrInvalidCredential
	}
	return nil
}

// ValidateAuthCookie は CheckAuthCookie の真偽値版です。
func ValidateAuthCookie(value, secret string, role Role, now time.Time) bool {
	return CheckAuthCookie(value, secret, role, now) == nil
}

func cookieHash(password, issuedDate string) string {
	mac := hmac.New(sha256.New, []byte(password))
	mac.Write([]byte(issuedDate))
	return hex.EncodeToString(mac.Sum(nil))
}
