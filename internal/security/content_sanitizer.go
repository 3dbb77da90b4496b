package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はイベント本文のサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// PlainText は全てのHTMLタグを除去し、前後の空白を取り除いたテキストを返す。
	// タイトル、開催場所、カテゴリに使用する。
	PlainText(raw string) string

	// Description はイベント説明に許可する最小限のタグ（p, br, ul, ol, li, strong, em, a）以外を除去する。
	// aタグにはrel="nofollow noreferrer"とtarget="_blank"が付与される。
	Description(raw string) string
}

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのPolicyは生成後は並行利用しても安全。
type contentSanitizer struct {
	strict      *bluemonday.Policy
	description *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()
	p.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https")
	p.AllowRelativeURLs(false)
	p.RequireNoFollowOnLinks(true)
	p.RequireNoReferrerOnLinks(true)
	p.AddTargetBlankToFullyQualifiedLinks(true)

	return &contentSanitizer{
		strict:      bluemonday.StrictPolicy(),
		description: p,
	}
}

// PlainText はタグを除去したテキストを返す。
// StrictPolicyはエンティティをエスケープするため、JSONとして返す前にアンエスケープする。
func (s *contentSanitizer) PlainText(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}

// Description は説明文をサニタイズする。
func (s *contentSanitizer) Description(raw string) string {
	return strings.TrimSpace(s.description.Sanitize(raw))
}
