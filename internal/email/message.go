package email

import (
	"bytes"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Envelope is a parsed email message ready for archiving and AI processing
type Envelope struct {
	MessageID string
	Subject   string
	Sender    string
	To        string
	Cc        string
	Date      time.Time
	Text      string
	HTML      string

	// header signals used by classification
	HasUnsubscribe bool
	Priority       string
}

// Parse parses a raw RFC 822 message. Header values come back RFC 2047
// decoded; a missing or unparseable Date leaves the zero time.
func Parse(raw []byte) (*Envelope, error) {
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	msg := &Envelope{
		MessageID:      strings.Trim(env.GetHeader("Message-ID"), "<>"),
		Subject:        env.GetHeader("Subject"),
		Sender:         env.GetHeader("From"),
		To:             env.GetHeader("To"),
		Cc:             env.GetHeader("Cc"),
		Text:           env.Text,
		HTML:           env.HTML,
		HasUnsubscribe: env.GetHeader("List-Unsubscribe") != "",
	}
	if p := env.GetHeader("X-Priority"); p != "" {
		msg.Priority = p
	} else if p := env.GetHeader("Importance"); p != "" {
		msg.Priority = p
	}

	if date := env.GetHeader("Date"); date != "" {
		if t, err := mail.ParseDate(date); err == nil {
			msg.Date = t.UTC()
		}
	}

	return msg, nil
}

// Recipients returns the To and Cc addresses as one comma separated string
func (e *Envelope) Recipients() string {
	switch {
	case e.To != "" && e.Cc != "":
		return e.To + ", " + e.Cc
	case e.To != "":
		return e.To
	default:
		return e.Cc
	}
}

// Body returns the message body prepared for AI processing: the plain text
// part when present, otherwise the HTML part converted to readable text,
// with quoted replies and footers stripped either way.
func (e *Envelope) Body() string {
	if strings.TrimSpace(e.Text) != "" {
		return CleanBody(e.Text)
	}
	return CleanBody(e.HTML)
}
