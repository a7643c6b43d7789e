package convo

import (
	"strings"
	"testing"
)

func TestValidateContent(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr bool
	}{
		{"simple message", "hello", false},
		{"empty message", "", true},
		{"exactly max bytes", strings.Repeat("a", MaxMessageBytes), true}, // 4096 ascii chars also breaks the char limit
		{"over max bytes", strings.Repeat("a", MaxMessageBytes+1), true},
		{"exactly max chars", strings.Repeat("a", MaxContentChars), false},
		{"over max chars", strings.Repeat("a", MaxContentChars+1), true},
		{"unicode within limits", strings.Repeat("é", MaxContentChars), false},
		{"unicode over byte limit", strings.Repeat("香", MaxMessageBytes/3+1), true},
		{"invalid utf8", "hello\xff\xfeworld", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateContent(tt.content)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateContent(%d bytes) error = %v, wantErr %v", len(tt.content), err, tt.wantErr)
			}
		})
	}
}
