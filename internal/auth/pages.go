package auth

import (
	"bytes"
	"html/template"

	"github.com/gin-gonic/gin"
)

const pageLayout = `<!DOCTYPE html>
<html lang="ja">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta name="robots" content="noindex, nofollow">
<title>{{.SiteName}}</title>
</head>
<body>
{{template "content" .}}
</body>
</html>
`

var pages = map[string]*template.Template{
	"lock": mustPage(`{{define "content"}}
<main class="lock">
<h1>{{.SiteName}}</h1>
{{with .Flash}}<p class="error" role="alert">{{.}}</p>{{end}}
<form method="post" action="/login">
<label for="password">本日のパスワード</label>
<input id="password" name="password" type="password" autocomplete="current-password" required autofocus>
<button type="submit">開く</button>
</form>
{{if .ShowRemaining}}<p class="attempts">残り試行回数: {{.Remaining}}</p>{{end}}
<details>
<summary>管理者</summary>
<form method="post" action="/admin/login">
<input name="password" type="password" autocomplete="off" required>
<button type="submit">管理画面へ</button>
</form>
</details>
</main>
{{end}}`),

	"index": mustPage(`{{define "content"}}
<header>
<h1>{{.SiteName}}</h1>
<form method="post" action="/logout"><button type="submit">ログアウト</button></form>
</header>
<main class="library">
<p>本棚の一覧はこちらに表示されます。</p>
</main>
{{end}}`),

	"view": mustPage(`{{define "content"}}
<main class="reader">
<h1>{{.SiteName}}</h1>
<p>閲覧リンクは使用済みになりました。再度開くにはライブラリから新しいリンクを発行してください。</p>
<p>有効期限: {{.ExpiresAt.Format "2006-01-02 15:04:05"}} UTC</p>
</main>
{{end}}`),

	"admin": mustPage(`{{define "content"}}
<main class="admin">
<h1>{{.SiteName}} 管理画面</h1>
<table>
<tr><th>本日の利用者パスワード ({{.Today}})</th><td><code>{{.UserPassword}}</code></td></tr>
<tr><th>明日の利用者パスワード ({{.Tomorrow}})</th><td><code>{{.TomorrowPassword}}</code></td></tr>
<tr><th>本日の管理者パスワード</th><td><code>{{.AdminPassword}}</code></td></tr>
<tr><th>レート制限ストア</th><td>{{.Backend}}</td></tr>
</table>
<p>この画面は {{.ExpiresAt.Format "15:04:05"}} UTC まで再表示できます。</p>
</main>
{{end}}`),
}

func mustPage(content string) *template.Template {
	return template.Must(template.Must(template.New("layout").Parse(pageLayout)).Parse(content))
}

// renderPage はテンプレートを描画し、CSRF トークンがあればフォームへ埋め込みます。
func renderPage(c *gin.Context, status int, name string, data any, csrfToken string) {
	var buf bytes.Buffer
	if err := pages[name].Execute(&buf, data); err != nil {
		RespondWithError(c, err)
		return
	}

	body := buf.String()
	if csrfToken != "" {
		body = InjectCSRFField(body, csrfToken)
	}
	c.Header("Cache-Control", "no-store")
	c.Data(status, "text/html; charset=utf-8", []byte(body))
}

func noStore(c *gin.Context) {
	c.Header("Cache-Control", "no-store")
	c.Header("Referrer-Policy", "no-referrer")
	c.Header("X-Robots-Tag", "noindex")
}
