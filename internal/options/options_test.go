package options

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		list []string
		text string
		want Set
	}{
		{
			name: "separator string",
			text: "Sure, sounds good | Maybe later|  What time? ",
			want: Set{"Sure, sounds good", "Maybe later", "What time?"},
		},
		{
			name: "extra entries truncated",
			text: "a|b|c|d|e",
			want: Set{"a", "b", "c"},
		},
		{
			name: "missing entries padded",
			text: "only one",
			want: Set{"only one", "", ""},
		},
		{
			name: "blank pieces dropped before padding",
			text: " | first ||  | second |",
			want: Set{"first", "second", ""},
		},
		{
			name: "list input trimmed",
			list: []string{"  yes ", "", "no", "   "},
			want: Set{"yes", "no", ""},
		},
		{
			name: "list entries holding the separator are split",
			list: []string{"a|b", "c", "d"},
			want: Set{"a", "b", "c"},
		},
		{
			name: "list wins over text",
			list: []string{"x"},
			text: "ignored|ignored",
			want: Set{"x", "", ""},
		},
		{
			name: "empty reply",
			want: Set{"", "", ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.list, tt.text)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeInvariants(t *testing.T) {
	inputs := []string{
		"",
		"|||",
		"one",
		"a | b",
		" lead |trail ",
		"1|2|3|4|5|6",
		"\tx\t|\ny\n",
	}
	for _, in := range inputs {
		got := Normalize(nil, in)
		seenPlaceholder := false
		for i, opt := range got {
			assert.Equal(t, strings.TrimSpace(opt), opt, "entry %d of %q not trimmed", i, in)
			assert.NotContains(t, opt, Separator, "entry %d of %q holds separator", i, in)
			if opt == "" {
				seenPlaceholder = true
				continue
			}
			assert.False(t, seenPlaceholder, "real option after placeholder in %q: %v", in, got)
		}
	}
}

func TestSetValid(t *testing.T) {
	s := Set{"first", "second", ""}

	assert.True(t, s.Valid(1))
	assert.True(t, s.Valid(2))
	assert.False(t, s.Valid(3), "placeholder must not be selectable")
	assert.False(t, s.Valid(0))
	assert.False(t, s.Valid(4))
	assert.False(t, s.Valid(-1))

	assert.Equal(t, "second", s.At(2))
	assert.Equal(t, "", s.At(3))
	assert.False(t, s.Empty())
	assert.True(t, Set{}.Empty())
	assert.Len(t, s.Slice(), Size)
}
