package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"time"
)

// Role はアクセス主体の種別です。
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// DateLayout は日次パスワードとクッキーで使う日付形式です（UTC）。
const DateLayout = "2006-01-02"

const (
	userPasswordLength  = 8
	adminPasswordLength = 12
)

// PasswordLength はロールごとの日次パスワード長を返します。
func PasswordLength(role Role) int {
	if role == RoleAdmin {
		return adminPasswordLength
	}
	return userPasswordLength
}

// UTCDay は t を UTC の暦日の0時に切り捨てます。
func UTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// NextUTCMidnight は t の次の UTC 0時を返します。
func NextUTCMidnight(t time.Time) time.Time {
	return UTCDay(t).AddDate(0, 0, 1)
}

// DerivePassword は (secret, UTC日付, role) から日次パスワードを導出します。
// 同じ入力には常に同じ値を返し、時刻部分には依存しません。
// date がゼロ値の場合は現在時刻を使います。
func DerivePassword(secret string, date time.Time, role Role) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("%w: secret for role %s", ErrConfiguration, role)
	}
	if date.IsZero() {
		date = time.Now()
	}

	message := UTCDay(date).Format(DateLayout)
	if role == RoleAdmin {
		message = "admin:" + message
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))[:PasswordLength(role)], nil
}

// ComparePassword は送信されたパスワードを定数時間で比較します。
func ComparePassword(expected, submitted string) bool {
	return secureEqual(expected, submitted)
}

// secureEqual は長さを確認したうえで定数時間比較します。
// 署名・ハッシュの比較には必ずこれを使います。
func secureEqual(expected, given string) bool {
	if len(expected) == 0 || len(expected) != len(given) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(given)) == 1
}
