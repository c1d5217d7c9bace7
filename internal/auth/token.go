package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Purpose は時間制限付きトークンの用途です。用途ごとに署名と有効期間が異なります。
type Purpose string

const (
	// PurposeView はログイン後の閲覧リンク用（10秒）。
	PurposeView Purpose = "view"
	// PurposeAdminPanel は管理画面用（30分）。
	PurposeAdminPanel Purpose = "admin-panel"
)

const tokenSignatureLength = 32

// MaxAge は用途ごとの有効期間を返します。
func (p Purpose) MaxAge() time.Duration {
	switch p {
	case PurposeView:
		return 10 * time.Second
	case PurposeAdminPanel:
		return 30 * time.Minute
	default:
		return 0
	}
}

// Token は発行時刻に束縛された署名です。Timestamp はミリ秒単位の Unix 時刻です。
// 消費記録を持たないため、期限内であれば再提示できます（単回性は Service 側で付与）。
type Token struct {
	Signature string
	Timestamp int64
}

// TimestampString は URL パスに載せる時刻表現を返します。
func (t Token) TimestampString() string {
	return strconv.FormatInt(t.Timestamp, 10)
}

// ExpiresAt は purpose の有効期間が切れる時刻を返します。
func (t Token) ExpiresAt(purpose Purpose) time.Time {
	return time.UnixMilli(t.Timestamp).Add(purpose.MaxAge()).UTC()
}

// ViewPath は閲覧トークンのURLパスです。
func ViewPath(t Token) string {
	return "/view/" + t.Signature + "/" + t.TimestampString()
}

// AdminPanelPath は管理画面トークンのURLパスです。
func AdminPanelPath(t Token) string {
	return "/admin/panel/" + t.Signature + "/" + t.TimestampString()
}

// IssueToken は用途つきトークンを発行します。ts がゼロ値の場合は現在時刻を使います。
func IssueToken(secret string, purpose Purpose, ts time.Time) (Token, error) {
	if secret == "" {
		return Token{}, fmt.Errorf("%w: token secret", ErrConfiguration)
	}
	if ts.IsZero() {
		ts = time.Now()
	}
	millis := ts.UnixMilli()
	return Token{
		Signature: signToken(secret, strconv.FormatInt(millis, 10), purpose),
		Timestamp: millis,
	}, nil
}

// CheckToken はトークンを検証し、失敗理由をエラーで返します。
// 署名は呼び出し側が渡した timestamp 文字列に対して再計算します。
// 経過時間が負（未来の時刻）の場合は不正として扱います。
func CheckToken(secret, signature, timestamp string, purpose Purpose, maxAge time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: token secret", ErrConfiguration)
	}
	if signature == "" || timestamp == "" || len(timestamp) > 16 {
		return ErrTokenInvalid
	}
	issuedMillis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil || issuedMillis < 0 || strconv.FormatInt(issuedMillis, 10) != timestamp {
		return ErrTokenInvalid
	}

	if !secureEqual(signToken(secret, timestamp, purpose), signature) {
		return ErrTokenInvalid
	}

	age := now.UnixMilli() - issuedMillis
	if age < 0 {
		return ErrTokenInvalid
	}
	if age > maxAge.Milliseconds() {
		return ErrTokenExpired
	}
	return nil
}

// VerifyToken は CheckToken の真偽値版です。
func VerifyToken(secret, signature, timestamp string, purpose Purpose, maxAge time.Duration, now time.Time) bool {
	return CheckToken(secret, signature, timestamp, purpose, maxAge, now) == nil
}

func signToken(secret, timestamp string, purpose Purpose) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(secret + ":" + timestamp + ":" + string(purpose)))
	return hex.EncodeToString(mac.Sum(nil))[:tokenSignatureLength]
}

// parseMillis は表示用に時刻文字列を読みます。検証済みの値にのみ使います。
func parseMillis(timestamp string) int64 {
	v, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
