package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/email-archiver/pkg/types"
)

func TestDecodeLooseJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "clean object",
			raw:  `{"category": "important", "confidence": 0.9}`,
		},
		{
			name: "fenced json block",
			raw: "Here is the classification:\n```json\n{\"category\": \"important\", \"confidence\": 0.9}\n```\nLet me know if you need anything else.",
		},
		{
			name: "fence without language tag",
			raw:  "```\n{\"category\": \"important\", \"confidence\": 0.9}\n```",
		},
		{
			name: "surrounding prose",
			raw:  `Sure! {"category": "important", "confidence": 0.9} Hope that helps.`,
		},
		{
			name: "line comments",
			raw: `{
				"category": "important", // the sender is the user's manager
				"confidence": 0.9
			}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var class types.Classification
			require.NoError(t, decodeLooseJSON(tt.raw, &class))
			assert.Equal(t, "important", class.Category)
			assert.InDelta(t, 0.9, class.Confidence, 0.001)
		})
	}
}

func TestDecodeLooseJSONKeepsURLs(t *testing.T) {
	raw := `{"reasoning": "links to https://example.com/promo", "category": "promotional"}`

	var class types.Classification
	require.NoError(t, decodeLooseJSON(raw, &class))
	assert.Equal(t, "links to https://example.com/promo", class.Reasoning)
}

func TestDecodeLooseJSONNoObject(t *testing.T) {
	var class types.Classification
	err := decodeLooseJSON("I could not classify this email.", &class)
	require.Error(t, err)
}

func TestStripComment(t *testing.T) {
	assert.Equal(t, `{"a": 1,`, stripComment(`{"a": 1, // trailing note`))
	assert.Equal(t, `"url": "https://x.dev"`, stripComment(`"url": "https://x.dev"`))
	assert.Equal(t, `plain line`, stripComment(`plain line`))
}
