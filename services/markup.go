package services

import (
	"fmt"
	"regexp"
)

// maxHeaderLevel はJIRA記法でサポートされる見出しの最大レベルです
const maxHeaderLevel = 6

// 行頭の "#" の並びとそれに続く空白1つ
var markdownHeader = regexp.MustCompile(`(?m)^(#+) `)

// ConvertMarkup はMarkdownの見出し (#, ## ...) をJIRA記法の見出し (h1., h2. ...) に変換します。
// 見出し以外の記法 (リスト、強調、リンク、コードブロック) は変換しません。
func ConvertMarkup(text string) string {
	if text == "" {
		return ""
	}
	return markdownHeader.ReplaceAllStringFunc(text, func(m string) string {
		level := len(m) - 1
		if level > maxHeaderLevel {
			level = maxHeaderLevel
		}
		return fmt.Sprintf("h%d. ", level)
	})
}
