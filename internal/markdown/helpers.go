package markdown

import "strings"

// Taken from https://core.telegram.org/bots/api#markdownv2-style.
const mdV2SpecialChars = `._[](){}#|!+-=*~>` + "`"

func EscapeV2(input string) string {
	return escape(input, mdV2SpecialChars+`\`)
}

// EscapeCode escapes text placed inside a `code` entity.
func EscapeCode(input string) string {
	return escape(input, "`\\")
}

// EscapeLinkURL escapes the URL part of an inline link.
func EscapeLinkURL(input string) string {
	return escape(input, `)\`)
}

func escape(input string, special string) string {
	lookup := specialCharLookup(special)
	charsToEscape := 0

	for i := range len(input) {
		if lookup[input[i]] {
			charsToEscape++
		}
	}
	if charsToEscape == 0 {
		return input
	}

	var b strings.Builder
	b.Grow(len(input) + charsToEscape)

	for i := range len(input) {
		c := input[i]
		if lookup[c] {
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}

	return b.String()
}

func specialCharLookup(special string) [256]bool {
	var m [256]bool
	for _, c := range []byte(special) {
		m[c] = true
	}
	return m
}
