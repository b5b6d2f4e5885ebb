package sync

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"empty", "", "No_Subject"},
		{"plain", "Quarterly report", "Quarterly report"},
		{"illegal characters", `Re: invoice #7 <urgent?>`, "Re_ invoice #7 _urgent_"},
		{"path separators", `a/b\c`, "a_b_c"},
		{"collapsed underscores", "a**??b", "a_b"},
		{"control characters", "hello\x00\x01world", "helloworld"},
		{"only illegal", "???", "_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeSubject(tt.subject))
		})
	}
}

func TestSanitizeSubjectCapsLength(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "abcde"
	}
	assert.Len(t, SanitizeSubject(long), maxSubjectLen)
}

func TestSanitizeSubjectCapsOnRuneBoundary(t *testing.T) {
	got := SanitizeSubject(strings.Repeat("日", 40))

	assert.True(t, utf8.ValidString(got), "cap must not split a rune")
	assert.LessOrEqual(t, len(got), maxSubjectLen)
	assert.Equal(t, 33, utf8.RuneCountInString(got))
}

func TestFilename(t *testing.T) {
	ts := time.Date(2025, 3, 14, 9, 26, 0, 0, time.UTC)

	name := Filename("Quarterly report", ts, "19578abcd1234567")
	assert.Equal(t, "20250314_0926_Quarterly report_d1234567.eml", name)

	// short ids are used whole
	assert.Equal(t, "20250314_0926_hi_42.eml", Filename("hi", ts, "42"))
}

func TestFindLocalCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20250314_0926_subject_d1234567.eml")
	require.NoError(t, os.WriteFile(path, []byte("raw"), 0o644))

	got, ok := findLocalCopy(dir, "19578abcd1234567")
	assert.True(t, ok)
	assert.Equal(t, path, got)

	_, ok = findLocalCopy(dir, "other-id-99999999")
	assert.False(t, ok)
}
