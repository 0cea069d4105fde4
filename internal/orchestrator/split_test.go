package orchestrator

import (
	"math/rand"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitResponse(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		maxLength int
		want      []string
	}{
		{
			name:      "fits",
			text:      "Short answer.",
			maxLength: 100,
			want:      []string{"Short answer."},
		},
		{
			name:      "empty",
			text:      "",
			maxLength: 10,
			want:      []string{""},
		},
		{
			name:      "paragraph break",
			text:      "Alpha beta gamma.\n\nDelta epsilon.",
			maxLength: 20,
			want:      []string{"Alpha beta gamma.", "Delta epsilon."},
		},
		{
			name:      "early paragraph falls back to sentence",
			text:      "Hi.\n\nWe build integrations. They ship fast and scale well.",
			maxLength: 40,
			want:      []string{"Hi.\n\nWe build integrations.", "They ship fast and scale well."},
		},
		{
			name:      "falls back to word",
			text:      "one two three four five six seven",
			maxLength: 15,
			want:      []string{"one two three", "four five six", "seven"},
		},
		{
			name:      "hard cut without breaks",
			text:      strings.Repeat("x", 25),
			maxLength: 10,
			want:      []string{strings.Repeat("x", 10), strings.Repeat("x", 10), strings.Repeat("x", 5)},
		},
		{
			name:      "multibyte runes are never split",
			text:      strings.Repeat("é", 12),
			maxLength: 5,
			want:      []string{"ééééé", "ééééé", "éé"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitResponse(tt.text, tt.maxLength))
		})
	}
}

func TestSplitResponse_Properties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	alphabet := []string{"a", "b", "c", " ", ". ", "\n\n", "ü", "longtoken"}

	for i := 0; i < 500; i++ {
		var sb strings.Builder
		n := rng.Intn(400)
		for j := 0; j < n; j++ {
			sb.WriteString(alphabet[rng.Intn(len(alphabet))])
		}
		text := sb.String()
		maxLength := 1 + rng.Intn(60)

		parts := SplitResponse(text, maxLength)

		if utf8.RuneCountInString(text) <= maxLength {
			assert.Equal(t, []string{text}, parts)
			continue
		}
		if stripSpace(text) == "" {
			continue
		}
		require.NotEmpty(t, parts)

		for _, p := range parts {
			assert.LessOrEqual(t, utf8.RuneCountInString(p), maxLength, "part exceeds max length")
			assert.NotEmpty(t, p)
		}
		assert.Equal(t, stripSpace(text), stripSpace(strings.Join(parts, "")), "content is preserved")
	}
}

func stripSpace(s string) string {
	return strings.Join(strings.Fields(s), "")
}
