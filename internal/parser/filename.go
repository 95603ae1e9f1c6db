package parser

import (
	"strings"
	"unicode"
)

// DefaultMaxFilenameLength caps sanitized names, in runes
const DefaultMaxFilenameLength = 200

// UntitledName replaces titles that sanitize to nothing
const UntitledName = "Untitled"

// SanitizeFilename maps a title to a file-system-safe name. Characters that
// are illegal on common file systems become "-", whitespace runs collapse to
// one space, leading dots and trailing dots or spaces are dropped, and the
// result is capped at max runes. The mapping is pure.
func SanitizeFilename(title string, max int) string {
	if max <= 0 {
		max = DefaultMaxFilenameLength
	}

	var b strings.Builder
	b.Grow(len(title))
	space := false
	for _, r := range title {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			r = '-'
		case unicode.IsSpace(r):
			space = true
			continue
		case unicode.IsControl(r) || r == unicode.ReplacementChar:
			r = '-'
		}
		if space {
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
		}
		b.WriteRune(r)
	}

	name := strings.TrimLeft(b.String(), ". ")
	runes := []rune(name)
	if len(runes) > max {
		name = string(runes[:max])
	}
	name = strings.TrimRight(name, ". ")

	if name == "" {
		return UntitledName
	}
	return name
}
