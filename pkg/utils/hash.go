package utils

import (
	"crypto/md5"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// ContentHash is the dedup key for a surface form: same text at the same
// offsets of the same chunk hashes identically.
func ContentHash(text, chunkRef string, start, end int) string {
	return HashString(fmt.Sprintf("%s|%s|%d|%d", chunkRef, text, start, end))
}

// NewID mints a prefixed identifier, e.g. NewID("ent") -> "ent_1b4e...".
func NewID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// NormalizeName lowercases, collapses whitespace, and strips punctuation so
// "Apple  Inc." and "apple inc" key to the same entity.
func NormalizeName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastSpace := true
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			lastSpace = false
		case unicode.IsSpace(r):
			if !lastSpace {
				b.WriteRune(' ')
				lastSpace = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
