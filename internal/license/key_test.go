package license

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewKey(t *testing.T) {
	re := regexp.MustCompile(`^[0-9A-F]{24}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		k, err := NewKey()
		require.NoError(t, err)
		assert.Regexp(t, re, k)
		assert.False(t, seen[k], "duplicate key %s", k)
		seen[k] = true
	}
}

func TestNormalizeCustomKey(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"plain", "ABC123", "ABC123", true},
		{"trimmed", "  vip-key  ", "vip-key", true},
		{"too short", "abc", "", false},
		{"too long", strings.Repeat("a", 65), "", false},
		{"inner space", "ab cd", "", false},
		{"comma", "ab,cd", "", false},
		{"slash", "ab/cd", "", false},
		{"control", "abc\x01d", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCustomKey(tt.in)
			if !tt.ok {
				assert.ErrorIs(t, err, ErrInvalidInput)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "***", MaskKey("ABC"))
	assert.Equal(t, "***", MaskKey("ABC123"))
	assert.Equal(t, "ABC...789", MaskKey("ABC123456789"))
}
