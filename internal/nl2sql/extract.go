package nl2sql

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var statementKeywords = []string{"SELECT", "INSERT", "UPDATE", "DELETE", "CREATE", "DROP", "WITH"}

// Clean trims model output and strips one surrounding ``` fence, including an
// optional sql language tag.
func Clean(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 6 || !strings.HasPrefix(trimmed, "```") || !strings.HasSuffix(trimmed, "```") {
		return trimmed
	}
	inner := trimmed[3 : len(trimmed)-3]
	if len(inner) >= 3 && strings.EqualFold(inner[:3], "sql") {
		rest := inner[3:]
		if rest == "" || !isIdentRune(rune(rest[0])) {
			inner = rest
		}
	}
	return strings.TrimSpace(inner)
}

// IsValidShape reports whether cleaned text starts with a statement keyword
// that is not the prefix of a longer identifier. It does not parse SQL.
func IsValidShape(text string) bool {
	cleaned := Clean(text)
	for _, keyword := range statementKeywords {
		if len(cleaned) < len(keyword) || !strings.EqualFold(cleaned[:len(keyword)], keyword) {
			continue
		}
		if len(cleaned) == len(keyword) {
			return true
		}
		next, _ := utf8.DecodeRuneInString(cleaned[len(keyword):])
		if !isIdentRune(next) {
			return true
		}
	}
	return false
}

// IsReadOnly accepts SELECT and WITH statements only.
func IsReadOnly(text string) bool {
	cleaned := Clean(text)
	for _, keyword := range []string{"SELECT", "WITH"} {
		if len(cleaned) >= len(keyword) && strings.EqualFold(cleaned[:len(keyword)], keyword) && IsValidShape(cleaned) {
			return true
		}
	}
	return false
}

func isIdentRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
