package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// CSRFCookieName は CSRF トークンを運ぶクッキー名です。
	CSRFCookieName = "shelf_csrf"
	// CSRFHeader はフォームフィールドの代わりに使えるヘッダーです。
	CSRFHeader = "X-CSRF-Token"
	// CSRFFormField はフォームに埋め込む hidden フィールド名です。
	CSRFFormField = "csrf_token"

	// CSRFMaxAge は CSRF トークンの有効期間です。
	CSRFMaxAge = 30 * time.Minute

	csrfSignatureLength = 32
)

var formOpenTag = regexp.MustCompile(`(?i)<form\b[^>]*>`)

// IssueCSRFToken は "timestamp.nonce.signature" 形式のトークンを発行します。
func IssueCSRFToken(secret string, now time.Time) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: csrf secret", ErrConfiguration)
	}
	if now.IsZero() {
		now = time.Now()
	}
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return ts + "." + nonce + "." + signCSRF(secret, ts, nonce), nil
}

// CheckCSRFToken はトークン単体を検証します。空の場合は ErrCSRFMissing です。
func CheckCSRFToken(token, secret string, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: csrf secret", ErrConfiguration)
	}
	if token == "" {
		return ErrCSRFMissing
	}
	if len(token) > 128 {
		return ErrCSRFInvalid
	}

	parts := strings.Split(token, ".")
	if len(parts) != 3 || parts[1] == "" {
		return ErrCSRFInvalid
	}
	ts, nonce, signature := parts[0], parts[1], parts[2]

	issuedMillis, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || issuedMillis < 0 || strconv.FormatInt(issuedMillis, 10) != ts {
		return ErrCSRFInvalid
	}
	if !secureEqual(signCSRF(secret, ts, nonce), signature) {
		return ErrCSRFInvalid
	}

	age := now.UnixMilli() - issuedMillis
	if age < 0 {
		return fmt.Errorf("%w: issued in the future", ErrCSRFInvalid)
	}
	if age > CSRFMaxAge.Milliseconds() {
		return fmt.Errorf("%w: expired", ErrCSRFInvalid)
	}
	return nil
}

// VerifyCSRFToken は CheckCSRFToken の真偽値版です。
func VerifyCSRFToken(token, secret string, now time.Time) bool {
	return CheckCSRFToken(token, secret, now) == nil
}

// CheckDoubleSubmit はクッキーとヘッダー/フォームの両方を検証します。
// 送信値はそれ自体が秘密鍵で検証でき、かつクッキーと一致する必要があります。
func CheckDoubleSubmit(cookieToken, submitted, secret string, now time.Time) error {
	if submitted == "" || cookieToken == "" {
		return ErrCSRFMissing
	}
	if err := CheckCSRFToken(submitted, secret, now); err != nil {
		return err
	}
	if !secureEqual(cookieToken, submitted) {
		return fmt.Errorf("%w: cookie mismatch", ErrCSRFInvalid)
	}
	return nil
}

// SubmittedCSRFToken はヘッダー、なければフォームフィールドからトークンを取り出します。
func SubmittedCSRFToken(c *gin.Context) string {
	if token := c.GetHeader(CSRFHeader); token != "" {
		return token
	}
	return c.PostForm(CSRFFormField)
}

// CSRFCookieToken はリクエストの CSRF クッキー値を返します。
func CSRFCookieToken(c *gin.Context) string {
	value, err := c.Cookie(CSRFCookieName)
	if err != nil {
		return ""
	}
	return value
}

// AttachCSRF はトークンをクッキーとレスポンスヘッダーに載せます。
func AttachCSRF(c *gin.Context, token string) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     CSRFCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(CSRFMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
	c.Header(CSRFHeader, token)
}

// InjectCSRFField は HTML 内のすべての <form> 開始タグ直後に hidden フィールドを挿入します。
func InjectCSRFField(page, token string) string {
	field := `<input type="hidden" name="` + CSRFFormField + `" value="` + html.EscapeString(token) + `">`
	return formOpenTag.ReplaceAllStringFunc(page, func(tag string) string {
		return tag + field
	})
}

func signCSRF(secret, ts, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts + ":" + nonce))
	return hex.EncodeToString(mac.Sum(nil))[:csrfSignatureLength]
}
