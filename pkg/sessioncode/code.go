// Package sessioncode generates and validates the 8-symbol pairing codes that
// identify one browser-side session.
//
// Codes use the base32 alphabet A-Z,2-7 so that 0/1/8/9 and lowercase, which are
// easily confused when a user reads a code aloud, never appear.
package sessioncode

import (
	"crypto/rand"
	"fmt"
	"io"
)

const (
	// Length is the number of symbols in a code.
	Length = 8
	// Alphabet lists the 32 permitted symbols.
	Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
)

// Generate draws Length symbols uniformly from Alphabet using crypto/rand.
func Generate() (string, error) {
	return GenerateFrom(rand.Reader)
}

// GenerateFrom is Generate with an explicit entropy source.
func GenerateFrom(r io.Reader) (string, error) {
	buf := make([]byte, Length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read entropy: %w", err)
	}
	// 256 is a multiple of 32, so masking the low five bits keeps the draw uniform.
	for i, b := range buf {
		buf[i] = Alphabet[b&0x1f]
	}
	return string(buf), nil
}

// Valid reports whether code is exactly Length symbols from Alphabet.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	for i := 0; i < len(code); i++ {
		c := code[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= '2' && c <= '7':
		default:
			return false
		}
	}
	return true
}
