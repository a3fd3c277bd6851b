package tokenutil

import "testing"

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{
			name:    "empty string",
			content: "",
			want:    0,
		},
		{
			name:    "single word",
			content: "hello",
			want:    1, // max(1*1.33=1, 5/4=1) = 1
		},
		{
			name:    "paragraph",
			content: "The quick brown fox jumps over the lazy dog near the river bank",
			want:    17, // 13 words * 1.33 = 17, len=63, 63/4=15 => max(17,15) = 17
		},
		{
			name:    "unified diff",
			content: "--- a/main.go\n+++ b/main.go\n@@ -1,3 +1,4 @@\n+import \"fmt\"",
			want:    14, // len=57, 57/4=14; 10 words * 1.33 = 13 => max(13,14) = 14
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EstimateTokens(tt.content)
			if got != tt.want {
				t.Errorf("EstimateTokens(%q) = %d; want %d", tt.content, got, tt.want)
			}
		})
	}
}
