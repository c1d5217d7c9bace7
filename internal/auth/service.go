package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/yourusername/shelfgate/internal/logging"
	"github.com/yourusername/shelfgate/internal/metrics"
	"github.com/yourusername/shelfgate/internal/storage"
)

const consumedKeyPrefix = "consumed:"

// Secrets はロールごとの秘密鍵です。ログや応答に含めてはいけません。
type Secrets struct {
	User  string
	Admin string
}

// Service は日次パスワード・認証クッキー・時間制限トークン・CSRF を一つにまとめた認証サービスです。
// 状態は持たず、閲覧トークンの消費記録のみ Store に委ねます。
type Service struct {
	secrets Secrets
	store   storage.Store
	now     func() time.Time
}

// Option は Service の設定を変更します。
type Option func(*Service)

// WithClock は時刻関数を差し替えます（テスト用）。
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithConsumptionStore は閲覧トークンの消費記録に使うストアを設定します。
// 未設定の場合、閲覧トークンも有効期間内は再利用できます。
func WithConsumptionStore(store storage.Store) Option {
	return func(s *Service) {
		s.store = store
	}
}

// NewService は Service を作成します。
func NewService(secrets Secrets, opts ...Option) *Service {
	s := &Service{
		secrets: secrets,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now はサービスの現在時刻を返します。
func (s *Service) Now() time.Time {
	return s.now()
}

// HasRole は role の秘密鍵が設定されているかを返します。
func (s *Service) HasRole(role Role) bool {
	_, err := s.secret(role)
	return err == nil
}

func (s *Service) secret(role Role) (string, error) {
	var secret string
	switch role {
	case RoleUser:
		secret = s.secrets.User
	case RoleAdmin:
		secret = s.secrets.Admin
	}
	if secret == "" {
		return "", fmt.Errorf("%w: no secret configured for role %s", ErrConfiguration, role)
	}
	return secret, nil
}

// PasswordFor は指定日の日次パスワードを返します。
func (s *Service) PasswordFor(role Role, date time.Time) (string, error) {
	secret, err := s.secret(role)
	if err != nil {
		return "", err
	}
	return DerivePassword(secret, date, role)
}

// CurrentPassword は今日（UTC）の日次パスワードを返します。
func (s *Service) CurrentPassword(role Role) (string, error) {
	return s.PasswordFor(role, s.now())
}

// CheckPassword は送信されたパスワードを今日のパスワードと照合します。
func (s *Service) CheckPassword(role Role, submitted string) error {
	expected, err := s.CurrentPassword(role)
	if err != nil {
		return err
	}
	if !ComparePassword(expected, submitted) {
		return ErrInvalidCredential
	}
	return nil
}

// IssueAuthCookie は今日のパスワードに基づく認証クッキーを作ります。
func (s *Service) IssueAuthCookie(role Role) (*http.Cookie, error) {
	now := s.now()
	password, err := s.PasswordFor(role, now)
	if err != nil {
		return nil, err
	}
	return NewAuthCookie(password, now)
}

// CheckAuthCookie は認証クッキーを検証します。失敗時は常に拒否側に倒れます。
func (s *Service) CheckAuthCookie(value string, role Role) error {
	secret, err := s.secret(role)
	if err != nil {
		return err
	}
	return CheckAuthCookie(value, secret, role, s.now())
}

// IssueViewToken は閲覧リンク用トークンを発行します。
func (s *Service) IssueViewToken() (Token, error) {
	secret, err := s.secret(RoleUser)
	if err != nil {
		return Token{}, err
	}
	return IssueToken(secret, PurposeView, s.now())
}

// CheckViewToken は閲覧トークンを検証し、ストアが設定されていれば消費済みにします。
// 消費記録の保存に失敗した場合は拒否します（認証はフェイルクローズ）。
func (s *Service) CheckViewToken(ctx context.Context, signature, timestamp string) error {
	secret, err := s.secret(RoleUser)
	if err != nil {
		return err
	}
	if err := CheckToken(secret, signature, timestamp, PurposeView, PurposeView.MaxAge(), s.now()); err != nil {
		return err
	}
	if s.store == nil {
		return nil
	}

	key := consumedKeyPrefix + string(PurposeView) + ":" + signature
	claimed, err := s.store.SetIfAbsent(ctx, key, []byte(timestamp), PurposeView.MaxAge()+time.Second)
	if err != nil {
		metrics.StorageFaults.WithLabelValues("consume").Inc()
		logging.Error().Err(err).Str("event", "storage_fault").Msg("failed to record token consumption; rejecting")
		return errors.Join(ErrTokenInvalid, err)
	}
	if !claimed {
		return fmt.Errorf("%w: already used", ErrTokenInvalid)
	}
	return nil
}

// IssueAdminToken は管理画面用トークンを発行します。
func (s *Service) IssueAdminToken() (Token, error) {
	secret, err := s.secret(RoleAdmin)
	if err != nil {
		return Token{}, err
	}
	return IssueToken(secret, PurposeAdminPanel, s.now())
}

// CheckAdminToken は管理画面トークンを検証します。
// 有効期間（30分）内は同じトークンで画面を再表示できます。
func (s *Service) CheckAdminToken(signature, timestamp string) error {
	secret, err := s.secret(RoleAdmin)
	if err != nil {
		return err
	}
	return CheckToken(secret, signature, timestamp, PurposeAdminPanel, PurposeAdminPanel.MaxAge(), s.now())
}

// IssueCSRF は CSRF トークンを発行します。
func (s *Service) IssueCSRF() (string, error) {
	secret, err := s.secret(RoleUser)
	if err != nil {
		return "", err
	}
	return IssueCSRFToken(secret, s.now())
}

// CheckCSRF はダブルサブミットを検証します。
func (s *Service) CheckCSRF(cookieToken, submitted string) error {
	secret, err := s.secret(RoleUser)
	if err != nil {
		return err
	}
	return CheckDoubleSubmit(cookieToken, submitted, secret, s.now())
}
