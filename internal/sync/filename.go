package sync

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const maxSubjectLen = 100

var (
	reIllegal     = regexp.MustCompile(`[\\/*?:"<>|]`)
	reUnderscores = regexp.MustCompile(`_{2,}`)
)

// SanitizeSubject makes a subject line safe for use in a filename: illegal
// characters replaced, control characters dropped, runs of underscores
// collapsed, length capped.
func SanitizeSubject(subject string) string {
	if subject == "" {
		return "No_Subject"
	}

	clean := reIllegal.ReplaceAllString(subject, "_")

	var b strings.Builder
	for _, r := range clean {
		if unicode.IsPrint(r) {
			b.WriteRune(r)
		}
	}
	clean = reUnderscores.ReplaceAllString(b.String(), "_")
	clean = strings.TrimSpace(clean)

	if clean == "" {
		return "No_Subject"
	}
	if len(clean) > maxSubjectLen {
		cut := maxSubjectLen
		for cut > 0 && !utf8.RuneStart(clean[cut]) {
			cut--
		}
		clean = clean[:cut]
	}
	return clean
}

// Filename builds the archive filename for a message:
// YYYYMMDD_HHMM_<subject>_<id-suffix>.eml. The id suffix is how later runs
// detect an existing local copy, so it is part of the contract, not
// decoration.
func Filename(subject string, timestamp time.Time, id string) string {
	name := timestamp.Format("20060102_1504") + "_" + SanitizeSubject(subject)
	if suffix := idSuffix(id); suffix != "" {
		name += "_" + suffix
	}
	return name + ".eml"
}

// idSuffix returns the last 8 characters of a provider message id
func idSuffix(id string) string {
	if len(id) > 8 {
		return id[len(id)-8:]
	}
	return id
}

// findLocalCopy looks for an already archived file for this message id,
// matched by the id suffix embedded in the filename.
func findLocalCopy(dir, id string) (string, bool) {
	suffix := idSuffix(id)
	if suffix == "" {
		return "", false
	}
	matches, err := filepath.Glob(filepath.Join(dir, "*_"+suffix+".eml"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() {
			return m, true
		}
	}
	return "", false
}
