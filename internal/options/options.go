package options

import "strings"

// Separator splits a single-string oracle reply into candidate options.
const Separator = "|"

// Size is the fixed number of reply candidates offered to the user.
const Size = 3

// Set is the fixed-size list of reply candidates. Empty entries are
// placeholders for "no option available" and always trail the real ones.
type Set [Size]string

// Normalize turns a raw oracle reply into exactly Size options. When list is
// non-empty it wins over text; every element is split on Separator, trimmed,
// and blank pieces are dropped before truncating and padding.
func Normalize(list []string, text string) Set {
	var pieces []string
	if len(list) > 0 {
		for _, item := range list {
			pieces = append(pieces, strings.Split(item, Separator)...)
		}
	} else {
		pieces = strings.Split(text, Separator)
	}

	var out Set
	n := 0
	for _, p := range pieces {
		if n == Size {
			break
		}
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out[n] = p
		n++
	}
	return out
}

// Valid reports whether the 1-based index n points at a real option.
func (s Set) Valid(n int) bool {
	if n < 1 || n > Size {
		return false
	}
	return s[n-1] != ""
}

// At returns the option at 1-based index n, or "" when n is not Valid.
func (s Set) At(n int) string {
	if !s.Valid(n) {
		return ""
	}
	return s[n-1]
}

// Empty reports whether the set holds no real option.
func (s Set) Empty() bool {
	return s[0] == ""
}

// Slice returns the options as a fresh slice, placeholders included.
func (s Set) Slice() []string {
	out := make([]string, Size)
	copy(out, s[:])
	return out
}
