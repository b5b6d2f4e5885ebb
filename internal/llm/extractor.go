package llm

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/brandon/email-archiver/pkg/types"
)

const extractorBodyLimit = 2500

// Extractor pulls structured metadata (summary, entities, action items) out
// of message bodies using an LLM.
type Extractor struct {
	client  Completer
	breaker *Breaker
	logger  *logrus.Logger
}

// NewExtractor creates a new extractor
func NewExtractor(client Completer, breaker *Breaker, logger *logrus.Logger) *Extractor {
	return &Extractor{
		client:  client,
		breaker: breaker,
		logger:  logger,
	}
}

// Extract returns structured metadata for a message. Returns (nil, nil) when
// the breaker has disabled AI processing, and ErrNoContent when the message
// has nothing to extract from.
func (e *Extractor) Extract(ctx context.Context, msg MessageContent) (*types.Extraction, error) {
	if e.breaker.IsOpen() {
		return nil, nil
	}
	if msg.Body == "" && msg.Subject == "" {
		return nil, ErrNoContent
	}
	e.breaker.RecordAttempt()

	resp, err := e.client.Complete(ctx, CompletionRequest{
		System:       "You are a data extraction assistant.",
		Prompt:       e.buildPrompt(msg),
		Temperature:  0.1,
		JSONResponse: true,
	})
	if err != nil {
		kind := e.breaker.Handle(err)
		return nil, fmt.Errorf("extraction failed (%s): %w", kind, err)
	}

	var ext types.Extraction
	if err := decodeLooseJSON(resp, &ext); err != nil {
		parseErr := &ParseError{Raw: resp, Err: err}
		e.breaker.Handle(parseErr)
		e.logger.WithField("raw", truncate(resp, 500)).Error("Failed to parse extraction JSON")
		return nil, fmt.Errorf("extraction failed: %w", parseErr)
	}
	e.breaker.RecordSuccess()

	e.logger.WithField("subject", truncate(msg.Subject, 50)).Info("Extracted message metadata")
	return &ext, nil
}

func (e *Extractor) buildPrompt(msg MessageContent) string {
	return fmt.Sprintf(`EMAIL CONTENT:
Subject: %s
From: %s
Body:
%s

INSTRUCTIONS:
Extract structured data from the email above.

Guidelines:
- Summary: High-level TL;DR (max 2 sentences).
- Entities: Specific organizations, people, dates, amounts.
- Structured Data: Identify type (Invoice/Meeting/etc) and key fields.
- Action Items: Tasks or deadlines for the recipient.

REQUIRED OUTPUT FORMAT (JSON):
{
  "summary": "string",
  "entities": {
    "organizations": ["org1"],
    "people": ["person1"],
    "dates": ["date1"],
    "monetary_values": ["$10.00"]
  },
  "structured_data": {
      "type": "invoice/meeting/other",
      "fields": { "key": "value" }
  },
  "action_items": ["task1", "task2"]
}

Return ONLY JSON.`,
		msg.Subject, msg.Sender, truncate(msg.Body, extractorBodyLimit))
}
