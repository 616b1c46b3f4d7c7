package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPrefixRule_Prefix(t *testing.T) {
	tests := []struct {
		name string
		rule PrefixRule
		key  string
		want string
	}{
		{name: "first segment default", rule: PrefixRule{}, key: "u1/raw.mp4", want: "u1"},
		{name: "first segment nested", rule: PrefixRule{Mode: PrefixFirstSegment}, key: "u1/2024/raw.mp4", want: "u1"},
		{name: "parent dir nested", rule: PrefixRule{Mode: PrefixParentDir}, key: "u1/2024/raw.mp4", want: "u1/2024"},
		{name: "no separator", rule: PrefixRule{}, key: "raw.mp4", want: "raw.mp4"},
		{name: "custom separator", rule: PrefixRule{Separator: ":"}, key: "u1:raw.mp4", want: "u1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rule.Prefix(tt.key))
		})
	}
}

func TestPrefixRule_Outputs(t *testing.T) {
	rule := PrefixRule{}
	keys := []string{
		"u1/raw.mp4",
		"u1/clip2.mp4",
		"u1/clip1.mp4",
		"u1/clip1.mp4",
		"u1/",
		"u10/other.mp4",
	}

	got := rule.Outputs("u1", "u1/raw.mp4", keys)
	assert.Equal(t, []string{"u1/clip1.mp4", "u1/clip2.mp4"}, got)
	assert.Empty(t, rule.Outputs("u1", "u1/raw.mp4", nil))
}
