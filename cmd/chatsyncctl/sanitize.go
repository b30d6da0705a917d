package main

import (
	"strings"
	"unicode"
)

// terminalSafe flattens s onto one line and drops runes that would move the
// cursor or recolor the terminal, such as ESC sequences and other controls.
// Emoji modifiers that many terminals render as separate cells are dropped
// too.
func terminalSafe(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\n' || r == '\r' || r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r), isModifierRune(r):
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isModifierRune(r rune) bool {
	switch {
	// Skin tone modifiers.
	case r >= 0x1F3FB && r <= 0x1F3FF:
		return true
	// Zero Width Joiner.
	case r == 0x200D:
		return true
	// Variation Selectors.
	case r >= 0xFE00 && r <= 0xFE0F:
		return true
	// Variation Selectors Supplement.
	case r >= 0xE0100 && r <= 0xE01EF:
		return true
	default:
		return false
	}
}
