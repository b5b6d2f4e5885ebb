package email

import (
	"regexp"
	"strings"
)

var (
	reBr     = regexp.MustCompile(`(?i)<br\s*/?>`)
	rePClose = regexp.MustCompile(`(?i)</p>`)
	rePOpen  = regexp.MustCompile(`(?i)<p.*?>`)
	reHeader = regexp.MustCompile(`(?is)<h[1-6].*?>(.*?)</h[1-6]>`)
	reLi     = regexp.MustCompile(`(?is)<li.*?>(.*?)</li>`)
	reUlOpen = regexp.MustCompile(`(?i)<ul.*?>`)
	reUlEnd  = regexp.MustCompile(`(?i)</ul>`)
	reLink   = regexp.MustCompile(`(?is)<a\s+(?:[^>]*?\s+)?href="([^"]*)"[^>]*>(.*?)</a>`)
	reImg    = regexp.MustCompile(`(?is)<img\s+(?:[^>]*?\s+)?src="([^"]*)"(?:[^>]*?\s+)?alt="([^"]*)"[^>]*>`)
	reScript = regexp.MustCompile(`(?is)<script.*?>.*?</script>`)
	reStyle  = regexp.MustCompile(`(?is)<style.*?>.*?</style>`)
	reTag    = regexp.MustCompile(`<[^>]+>`)

	reReplyStart = regexp.MustCompile(`(?i)^On .* wrote:$`)
	reBlankRuns  = regexp.MustCompile(`\n{3,}`)

	replyHeaderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^From: .*$`),
		regexp.MustCompile(`(?i)^Sent: .*$`),
		regexp.MustCompile(`(?i)^To: .*$`),
		regexp.MustCompile(`(?i)^Subject: .*$`),
	}

	footerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)unsubscribe`),
		regexp.MustCompile(`(?i)privacy policy`),
		regexp.MustCompile(`(?i)terms of service`),
		regexp.MustCompile(`(?i)view in browser`),
		regexp.MustCompile(`(?i)copyright \d{4}`),
	}

	htmlEntities = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
)

// CleanBody prepares a message body for an LLM prompt: a lightweight HTML to
// markdown pass, then quoted reply chains, reply headers and common footer
// lines removed. Token budgets are small, so noise here directly costs real
// content in the preview.
func CleanBody(text string) string {
	if text == "" {
		return ""
	}

	text = reBr.ReplaceAllString(text, "\n")
	text = rePClose.ReplaceAllString(text, "\n\n")
	text = rePOpen.ReplaceAllString(text, "")
	text = reHeader.ReplaceAllString(text, "\n# $1\n")
	text = reLi.ReplaceAllString(text, "\n- $1")
	text = reUlOpen.ReplaceAllString(text, "")
	text = reUlEnd.ReplaceAllString(text, "\n")
	text = reLink.ReplaceAllString(text, "[$2]($1)")
	text = reImg.ReplaceAllString(text, "![$2]($1)")
	text = reScript.ReplaceAllString(text, "")
	text = reStyle.ReplaceAllString(text, "")
	text = reTag.ReplaceAllString(text, " ")
	text = htmlEntities.Replace(text)

	var kept []string
	for _, line := range strings.Split(text, "\n") {
		stripped := strings.TrimSpace(line)

		// quoted text
		if strings.HasPrefix(stripped, ">") {
			continue
		}

		// everything below "On ... wrote:" is the previous thread
		if reReplyStart.MatchString(stripped) {
			break
		}

		if matchesAny(stripped, replyHeaderPatterns) {
			continue
		}
		if len(stripped) < 100 && matchesAny(stripped, footerPatterns) {
			continue
		}

		kept = append(kept, line)
	}

	text = strings.Join(kept, "\n")
	text = reBlankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

func matchesAny(line string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}
