package extract

import (
	"regexp"
	"strings"
)

var (
	reScript  = regexp.MustCompile(`(?is)<(script|style|head)[^>]*>.*?</(script|style|head)>`)
	reComment = regexp.MustCompile(`(?s)<!--.*?-->`)
	reBreak   = regexp.MustCompile(`(?i)<br\s*/?>`)
	rePara    = regexp.MustCompile(`(?i)</(p|div|tr|li|h[1-6]|blockquote)>`)
	reHeading = regexp.MustCompile(`(?is)<h([1-6])[^>]*>(.*?)</h[1-6]>`)
	reBold    = regexp.MustCompile(`(?is)<(b|strong)[^>]*>(.*?)</(b|strong)>`)
	reItalic  = regexp.MustCompile(`(?is)<(i|em)[^>]*>(.*?)</(i|em)>`)
	reAnchor  = regexp.MustCompile(`(?is)<a[^>]+href="([^"]*)"[^>]*>(.*?)</a>`)
	reListEl  = regexp.MustCompile(`(?i)<li[^>]*>`)
	reTag     = regexp.MustCompile(`(?s)<[^>]+>`)
	reBlank   = regexp.MustCompile(`\n{3,}`)
	reSpaces  = regexp.MustCompile(`[ \t]{2,}`)
)

var entities = strings.NewReplacer(
	"&nbsp;", " ",
	"&amp;", "&",
	"&lt;", "<",
	"&gt;", ">",
	"&quot;", `"`,
	"&#39;", "'",
	"&apos;", "'",
)

// HTMLToMarkdown converts HTML email bodies to readable markdown-ish
// text. Regex-based rather than a full DOM walk: email HTML is shallow
// and the output only feeds chunking and prompts, not rendering.
func HTMLToMarkdown(html string) string {
	text := reScript.ReplaceAllString(html, "")
	text = reComment.ReplaceAllString(text, "")

	text = reHeading.ReplaceAllStringFunc(text, func(m string) string {
		parts := reHeading.FindStringSubmatch(m)
		level := int(parts[1][0] - '0')
		return "\n" + strings.Repeat("#", level) + " " + strings.TrimSpace(parts[2]) + "\n"
	})
	text = reBold.ReplaceAllString(text, "**$2**")
	text = reItalic.ReplaceAllString(text, "*$2*")
	text = reAnchor.ReplaceAllString(text, "[$2]($1)")
	text = reListEl.ReplaceAllString(text, "- ")
	text = reBreak.ReplaceAllString(text, "\n")
	text = rePara.ReplaceAllString(text, "\n")
	text = reTag.ReplaceAllString(text, "")

	text = entities.Replace(text)
	text = reSpaces.ReplaceAllString(text, " ")
	text = reBlank.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
