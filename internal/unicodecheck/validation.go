// Package unicodecheck validates user-supplied text before it is broadcast
// to other session participants. Display names and chat messages come
// straight from browsers, so the checks target spoofing vectors: zero-width
// characters, bidirectional overrides, control characters, and Zalgo-style
// combining mark abuse.
package unicodecheck

import (
	"fmt"
	"slices"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Zero-width characters commonly used in spoofing attacks
var zeroWidthChars = []rune{
	'\u200B', // Zero Width Space
	'\u200C', // Zero Width Non-Joiner
	'\u200D', // Zero Width Joiner
	'\u200E', // Left-to-Right Mark
	'\u200F', // Right-to-Left Mark
	'\uFEFF', // Byte Order Mark / Zero Width No-Break Space
}

// Bidirectional overrides can reorder displayed text to disguise content
var bidiOverrideChars = []rune{
	'\u202A', // Left-to-Right Embedding
	'\u202B', // Right-to-Left Embedding
	'\u202C', // Pop Directional Formatting
	'\u202D', // Left-to-Right Override
	'\u202E', // Right-to-Left Override
	'\u2066', // Left-to-Right Isolate
	'\u2067', // Right-to-Left Isolate
	'\u2068', // First Strong Isolate
	'\u2069', // Pop Directional Isolate
}

// Combining mark runs longer than this are treated as Zalgo abuse. Genuine
// text in scripts with stacked diacritics stays well under it.
const maxConsecutiveCombiningMarks = 4

// VerifyDisplayName checks a participant display name. Names render in
// participant lists and next to every message, so they get the strictest
// treatment: single line, no invisible or reordering characters, NFC form.
func VerifyDisplayName(name string) error {
	if containsAny(name, zeroWidthChars) {
		return fmt.Errorf("display name contains zero-width characters")
	}
	if containsAny(name, bidiOverrideChars) {
		return fmt.Errorf("display name contains bidirectional override characters")
	}
	for _, r := range name {
		if unicode.IsControl(r) {
			return fmt.Errorf("display name contains control characters")
		}
	}
	if containsProblematicCategories(name) {
		return fmt.Errorf("display name contains invalid characters")
	}
	if hasExcessiveCombiningMarks(name) {
		return fmt.Errorf("display name contains excessive combining marks")
	}
	if norm.NFC.String(name) != name {
		return fmt.Errorf("display name must be NFC-normalized")
	}
	return nil
}

// VerifyChatText checks chat message text. Newlines and tabs are allowed;
// invisible and reordering characters are not.
func VerifyChatText(text string) error {
	if containsAny(text, zeroWidthChars) {
		return fmt.Errorf("message contains zero-width characters")
	}
	if containsAny(text, bidiOverrideChars) {
		return fmt.Errorf("message contains bidirectional override characters")
	}
	for _, r := range text {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return fmt.Errorf("message contains control characters")
		}
	}
	if containsProblematicCategories(text) {
		return fmt.Errorf("message contains invalid characters")
	}
	if hasExcessiveCombiningMarks(text) {
		return fmt.Errorf("message contains excessive combining marks")
	}
	return nil
}

func containsAny(s string, banned []rune) bool {
	for _, r := range s {
		if slices.Contains(banned, r) {
			return true
		}
	}
	return false
}

// containsProblematicCategories reports private-use, surrogate, and
// non-character codepoints.
func containsProblematicCategories(s string) bool {
	for _, r := range s {
		if unicode.Is(unicode.Co, r) ||
			unicode.Is(unicode.Cs, r) ||
			(r >= 0xFDD0 && r <= 0xFDEF) ||
			(r&0xFFFF == 0xFFFE) || (r&0xFFFF == 0xFFFF) {
			return true
		}
	}
	return false
}

func hasExcessiveCombiningMarks(s string) bool {
	consecutive := 0
	for _, r := range s {
		if unicode.Is(unicode.Mn, r) || unicode.Is(unicode.Me, r) {
			consecutive++
			if consecutive > maxConsecutiveCombiningMarks {
				return true
			}
			continue
		}
		consecutive = 0
	}
	return false
}
