package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"crlf", "Hello\r\nWorld", "Hello\nWorld"},
		{"horizontal whitespace", "a \t  b", "a b"},
		{"spaces around newline", "line1 \n  line2", "line1\nline2"},
		{"paragraphs collapse to one blank line", "p1\n\n\n\np2", "p1\n\np2"},
		{"control characters", "x\x00y\x07z", "xyz"},
		{"byte order mark", "\uFEFFtext", "text"},
		{"trimmed", "  padded  ", "padded"},
		{"non-ascii kept", "日本語 テキスト", "日本語 テキスト"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanText(tt.in))
		})
	}
}

func TestCalculateHash(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", CalculateHash("abc"))
	assert.NotEqual(t, CalculateHash("a"), CalculateHash("b"))
}
