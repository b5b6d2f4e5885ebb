package email

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawMessage = "From: Alice Example <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Cc: carol@example.com\r\n" +
	"Subject: =?utf-8?q?Caf=C3=A9_meeting_notes?=\r\n" +
	"Date: Fri, 14 Mar 2025 09:26:00 +0100\r\n" +
	"Message-ID: <abc123@mail.example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Notes from this morning.\r\n"

func TestParse(t *testing.T) {
	env, err := Parse([]byte(rawMessage))
	require.NoError(t, err)

	assert.Equal(t, "abc123@mail.example.com", env.MessageID)
	assert.Equal(t, "Café meeting notes", env.Subject)
	assert.Contains(t, env.Sender, "alice@example.com")
	assert.Equal(t, "bob@example.com, carol@example.com", env.Recipients())
	assert.Equal(t, time.Date(2025, 3, 14, 8, 26, 0, 0, time.UTC), env.Date)
	assert.Equal(t, "Notes from this morning.", env.Body())
}

func TestParseHeaderSignals(t *testing.T) {
	raw := "From: news@example.com\r\n" +
		"Subject: weekly digest\r\n" +
		"List-Unsubscribe: <https://example.com/unsub>\r\n" +
		"X-Priority: 3\r\n" +
		"\r\n" +
		"content\r\n"

	env, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.True(t, env.HasUnsubscribe)
	assert.Equal(t, "3", env.Priority)
}

func TestParseMissingDate(t *testing.T) {
	raw := "From: a@example.com\r\nSubject: no date\r\n\r\nbody\r\n"

	env, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.True(t, env.Date.IsZero())
}

func TestBodyFallsBackToHTML(t *testing.T) {
	env := &Envelope{HTML: "<p>Hello <b>world</b></p>"}
	assert.Equal(t, "Hello  world", env.Body())
}

func TestCleanBodyStripsQuotedReply(t *testing.T) {
	body := "Sounds good, see you then.\n" +
		"\n" +
		"On Thu, Mar 13, 2025 at 4:02 PM Bob <bob@example.com> wrote:\n" +
		"> Are we still on for Friday?\n" +
		"> Bob\n"

	assert.Equal(t, "Sounds good, see you then.", CleanBody(body))
}

func TestCleanBodyStripsFooters(t *testing.T) {
	body := "This week in Go news.\n" +
		"\n" +
		"Unsubscribe | Privacy Policy\n" +
		"Copyright 2025 Example Inc\n"

	assert.Equal(t, "This week in Go news.", CleanBody(body))
}

func TestCleanBodyConvertsHTML(t *testing.T) {
	html := `<h2>Invoice</h2><p>Amount due: $42</p><a href="https://pay.example.com">Pay now</a><script>track()</script>`

	out := CleanBody(html)
	assert.Contains(t, out, "# Invoice")
	assert.Contains(t, out, "Amount due: $42")
	assert.Contains(t, out, "[Pay now](https://pay.example.com)")
	assert.NotContains(t, out, "track()")
}

func TestCleanBodyEmpty(t *testing.T) {
	assert.Equal(t, "", CleanBody(""))
}
