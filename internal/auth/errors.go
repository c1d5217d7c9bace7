package auth

import (
	"errors"
	"net/http"
)

var (
	// ErrConfiguration は秘密鍵の欠落など致命的な設定エラーです（5xx）。
	ErrConfiguration = errors.New("auth: configuration error")

	// ErrInvalidCredential はパスワード不一致・クッキー不正です。
	ErrInvalidCredential = errors.New("auth: invalid credential")

	// ErrTokenExpired と ErrTokenInvalid は呼び出し側には同一に扱われます。
	ErrTokenExpired = errors.New("auth: token expired")
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrCSRFMissing と ErrCSRFInvalid はログ上でのみ区別します。
	ErrCSRFMissing = errors.New("auth: csrf token missing")
	ErrCSRFInvalid = errors.New("auth: csrf token invalid")

	ErrRateLimited = errors.New("auth: rate limited")
)

// Error は HTTP 応答に変換できるエラーです。
type Error struct {
	Code    string
	Message string
	Status  int
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Classify は内部エラーを利用者向けの応答に変換します。
// 理由の詳細（期限切れか不正か、欠落か不一致か）は応答に含めません。
func Classify(err error) *Error {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch {
	case errors.Is(err, ErrConfiguration):
		return &Error{Code: "SERVER_MISCONFIGURATION", Message: "サーバーの設定に問題があります", Status: http.StatusInternalServerError, Err: err}
	case errors.Is(err, ErrInvalidCredential):
		return &Error{Code: "INVALID_CREDENTIALS", Message: "パスワードが正しくありません", Status: http.StatusUnauthorized, Err: err}
	case errors.Is(err, ErrTokenExpired), errors.Is(err, ErrTokenInvalid):
		return &Error{Code: "INVALID_TOKEN", Message: "リンクが無効です。再度ログインしてください", Status: http.StatusUnauthorized, Err: err}
	case errors.Is(err, ErrCSRFMissing), errors.Is(err, ErrCSRFInvalid):
		return &Error{Code: "CSRF_REJECTED", Message: "リクエストを検証できませんでした", Status: http.StatusForbidden, Err: err}
	case errors.Is(err, ErrRateLimited):
		return &Error{Code: "RATE_LIMITED", Message: "一定時間後に再度お試しください", Status: http.StatusTooManyRequests, Err: err}
	default:
		return &Error{Code: "INTERNAL_ERROR", Message: "サーバー内部でエラーが発生しました", Status: http.StatusInternalServerError, Err: err}
	}
}
