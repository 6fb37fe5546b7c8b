package ident

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "12345", Normalize(" 12345 "))
	assert.Equal(t, "", Normalize("\t \n"))
	assert.Equal(t, "site.example", Normalize("site.example"))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(" 12345 ", "12345"))
	assert.False(t, Equal("12345", "123456"))
	assert.True(t, Equal("", "  "))
}

func TestEqualTolerant(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"u1", "u1", true},
		{"u1", " u1", true},
		{"u1", "u2", false},
		{"", "u2", true},
		{"u1", "   ", true},
		{"", "", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, EqualTolerant(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}
