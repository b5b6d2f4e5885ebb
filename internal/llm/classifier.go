package llm

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/brandon/email-archiver/pkg/types"
)

// DefaultCategories are used when no category list is configured
var DefaultCategories = []string{
	"important",
	"promotional",
	"transactional",
	"social",
	"newsletter",
	"spam",
}

const classifierBodyLimit = 1500

// MessageContent is the message material handed to the AI stages
type MessageContent struct {
	Subject string
	Sender  string
	To      string
	Cc      string
	Body    string

	// header signals that help classification
	HasUnsubscribe bool
	Priority       string
}

// Classifier assigns a category to a message using an LLM
type Classifier struct {
	client     Completer
	breaker    *Breaker
	logger     *logrus.Logger
	categories []string
	skip       map[string]struct{}
}

// NewClassifier creates a classifier. Empty categories fall back to
// DefaultCategories; skipCategories mark classifications whose messages the
// archive should drop entirely.
func NewClassifier(client Completer, breaker *Breaker, logger *logrus.Logger, categories, skipCategories []string) *Classifier {
	if len(categories) == 0 {
		categories = DefaultCategories
	}
	skip := make(map[string]struct{}, len(skipCategories))
	for _, c := range skipCategories {
		skip[strings.ToLower(strings.TrimSpace(c))] = struct{}{}
	}
	return &Classifier{
		client:     client,
		breaker:    breaker,
		logger:     logger,
		categories: categories,
		skip:       skip,
	}
}

// ShouldSkip reports whether messages of this category are configured to be
// dropped. Matching is case insensitive.
func (c *Classifier) ShouldSkip(category string) bool {
	_, ok := c.skip[strings.ToLower(strings.TrimSpace(category))]
	return ok
}

// Classify categorizes a message. Returns (nil, nil) when the breaker has
// disabled AI processing.
func (c *Classifier) Classify(ctx context.Context, msg MessageContent) (*types.Classification, error) {
	if c.breaker.IsOpen() {
		return nil, nil
	}
	c.breaker.RecordAttempt()

	resp, err := c.client.Complete(ctx, CompletionRequest{
		System:       "You are an email classification assistant. Classify emails accurately and provide reasoning.",
		Prompt:       c.buildPrompt(msg),
		Temperature:  0.3,
		JSONResponse: true,
	})
	if err != nil {
		kind := c.breaker.Handle(err)
		return nil, fmt.Errorf("classification failed (%s): %w", kind, err)
	}

	var class types.Classification
	if err := decodeLooseJSON(resp, &class); err != nil {
		parseErr := &ParseError{Raw: resp, Err: err}
		c.breaker.Handle(parseErr)
		c.logger.WithField("raw", truncate(resp, 500)).Error("Failed to parse classification JSON")
		return nil, fmt.Errorf("classification failed: %w", parseErr)
	}
	c.breaker.RecordSuccess()
	class.Category = strings.ToLower(strings.TrimSpace(class.Category))

	c.logger.WithFields(logrus.Fields{
		"subject":  truncate(msg.Subject, 50),
		"category": class.Category,
	}).Info("Classified message")

	return &class, nil
}

func (c *Classifier) buildPrompt(msg MessageContent) string {
	signals := "none"
	var sig []string
	if msg.HasUnsubscribe {
		sig = append(sig, "has List-Unsubscribe header")
	}
	if msg.Priority != "" {
		sig = append(sig, "priority header: "+msg.Priority)
	}
	if len(sig) > 0 {
		signals = strings.Join(sig, "; ")
	}

	return fmt.Sprintf(`Classify the following email into one of these categories: %s

Email Details:
- Subject: %s
- From: %s
- To: %s
- Cc: %s
- Header Signals: %s
- Body Preview: %s

Provide your response as JSON with the following structure:
{
  "category": "one of the categories",
  "confidence": 0.0-1.0,
  "reasoning": "brief explanation",
  "is_important": true/false,
  "tags": ["tag1", "tag2", "tag3"]
}

Guidelines:
- "important": Work-related, urgent, from known contacts, requires action
- "promotional": Marketing, sales, offers, discounts
- "transactional": Receipts, confirmations, shipping notifications
- "social": Social media notifications, friend requests
- "newsletter": Subscribed content, regular updates
- "spam": Unsolicited, suspicious, phishing attempts

Be accurate and concise.`,
		strings.Join(c.categories, ", "),
		msg.Subject, msg.Sender, msg.To, msg.Cc, signals,
		truncate(msg.Body, classifierBodyLimit))
}

// truncate cuts s to at most max bytes without splitting a UTF-8 rune
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
