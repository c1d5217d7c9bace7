package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/shelfgate/internal/logging"
)

// ContextRoleKey は、ゲートで確認したロールをハンドラーと共有するためのキーです。
const ContextRoleKey = "auth.role"

// SetRole は認証済みロールを gin.Context に保存します。
func SetRole(c *gin.Context, role Role) {
	c.Set(ContextRoleKey, role)
}

// RoleFrom はゲートが保存したロールを返します。
func RoleFrom(c *gin.Context) (Role, bool) {
	v, ok := c.Get(ContextRoleKey)
	if !ok {
		return "", false
	}
	role, ok := v.(Role)
	return role, ok
}

// RespondWithError はエラーを {code, message} の JSON に変換して処理を中断します。
// 設定エラーと内部エラーだけを Error レベルで記録します。
func RespondWithError(c *gin.Context, err error) {
	apiErr := Classify(err)
	if apiErr.Status >= http.StatusInternalServerError {
		event := "internal_error"
		if errors.Is(err, ErrConfiguration) {
			event = "configuration_error"
		}
		logging.Error().
			Err(err).
			Str("event", event).
			Str("request_id", logging.RequestID(c)).
			Msg("request failed")
	}
	c.AbortWithStatusJSON(apiErr.Status, gin.H{
		"code":    apiErr.Code,
		"message": apiErr.Message,
	})
}

// RedirectToLock はロック画面へ汎用のエラーフラグ付きで遷移させます。
// 期限切れと不正を区別しません。
func RedirectToLock(c *gin.Context) {
	c.Redirect(http.StatusFound, lockPath+"?error=1")
	c.Abort()
}

// WantsJSON は JSON 応答を返すべきリクエストかどうかを返します。
func WantsJSON(c *gin.Context) bool {
	if strings.HasPrefix(c.Request.URL.Path, "/api/") {
		return true
	}
	if c.ContentType() == gin.MIMEJSON {
		return true
	}
	accept := c.GetHeader("Accept")
	return strings.Contains(accept, gin.MIMEJSON) && !strings.Contains(accept, gin.MIMEHTML)
}

// IsSafeMethod は CSRF 検証が不要なメソッドかどうかを返します。
func IsSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}
