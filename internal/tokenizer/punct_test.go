package tokenizer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindPunctuation(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		wantIndex int
	}{
		{"Empty", "", -1},
		{"Whitespace", "Hello world", 5},
		{"StartPunctuation", "!Hello", 0},
		{"EndPunctuation", "Hello!", 5},
		{"Brackets", "[CLS]", 0},
		{"LongStringNoPunct", strings.Repeat("a", 100), -1},
		{"NonASCII", "héllo", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantIndex, FindPunctuation([]byte(tt.input)))
		})
	}
}

func BenchmarkFindPunctuation(b *testing.B) {
	input := []byte(strings.Repeat("a", 64) + "!")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		FindPunctuation(input)
	}
}
