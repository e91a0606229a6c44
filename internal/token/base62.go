package token

import (
	"errors"
	"strings"
)

// alphabet is URL- and header-safe so tokens can travel in HTTP bodies and
// paths without escaping.
const alphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

const base = 62

// wordWidth is the number of base62 digits needed for any uint64.
const wordWidth = 11

var (
	// ErrInvalidCharacter is returned when decoding encounters an invalid character.
	ErrInvalidCharacter = errors.New("invalid base62 character")
	// ErrEmptyString is returned when decoding an empty string.
	ErrEmptyString = errors.New("cannot decode empty string")
	// ErrOverflow is returned when a string encodes a value wider than 64 bits.
	ErrOverflow = errors.New("base62 value overflows uint64")
)

var charToValue [256]int8

func init() {
	for i := range charToValue {
		charToValue[i] = -1
	}
	for i := 0; i < len(alphabet); i++ {
		charToValue[alphabet[i]] = int8(i)
	}
}

// encodeWord writes n as exactly wordWidth base62 digits.
func encodeWord(b *strings.Builder, n uint64) {
	var digits [wordWidth]byte
	for i := wordWidth - 1; i >= 0; i-- {
		digits[i] = alphabet[n%base]
		n /= base
	}
	b.Write(digits[:])
}

// decodeWord parses up to wordWidth base62 digits.
func decodeWord(s string) (uint64, error) {
	if len(s) == 0 {
		return 0, ErrEmptyString
	}
	var result uint64
	for i := 0; i < len(s); i++ {
		val := charToValue[s[i]]
		if val < 0 {
			return 0, ErrInvalidCharacter
		}
		next := result*base + uint64(val)
		if next/base != result {
			return 0, ErrOverflow
		}
		result = next
	}
	return result, nil
}

// isBase62 reports whether s is non-empty and uses only alphabet characters.
func isBase62(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if charToValue[s[i]] < 0 {
			return false
		}
	}
	return true
}
