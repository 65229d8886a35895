package discord

import (
	"strings"
	"testing"
)

func TestSplitMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		text   string
		maxLen int
		chunks int
	}{
		{"short stays whole", "hello", 2000, 1},
		{"exact limit stays whole", strings.Repeat("a", 2000), 2000, 1},
		{"just over limit splits", strings.Repeat("a", 2001), 2000, 2},
		{"triple length", strings.Repeat("a", 4500), 2000, 3},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := splitMessage(tt.text, tt.maxLen)
			if len(got) != tt.chunks {
				t.Fatalf("chunks = %d, want %d", len(got), tt.chunks)
			}
			var rebuilt strings.Builder
			for _, c := range got {
				if len(c) > tt.maxLen {
					t.Errorf("chunk exceeds limit: %d > %d", len(c), tt.maxLen)
				}
				rebuilt.WriteString(c)
			}
			if rebuilt.String() != tt.text {
				t.Error("chunks do not reassemble to the original text")
			}
		})
	}
}

func TestSplitMessagePrefersNewlines(t *testing.T) {
	t.Parallel()

	text := strings.Repeat("x", 1500) + "\n" + strings.Repeat("y", 1000)
	got := splitMessage(text, 2000)
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2", len(got))
	}
	if !strings.HasSuffix(got[0], "\n") {
		t.Error("first chunk should end at the newline boundary")
	}
}
