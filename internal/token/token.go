// Package token generates the opaque values that identify lock holders and
// the per-entry tags of sliding rate windows.
package token

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Bits is the entropy carried by every lock token.
const Bits = 128

// Length is the encoded length of a lock token.
const Length = 2 * wordWidth

// Generator draws lock tokens from a random source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a Generator reading from r. A nil reader selects
// crypto/rand.
func NewGenerator(r io.Reader) *Generator {
	if r == nil {
		r = rand.Reader
	}
	return &Generator{rand: r}
}

// New returns a fresh 128-bit token encoded as 22 base62 characters.
func (g *Generator) New() (string, error) {
	var buf [Bits / 8]byte
	if _, err := io.ReadFull(g.rand, buf[:]); err != nil {
		return "", fmt.Errorf("token entropy: %w", err)
	}

	var b strings.Builder
	b.Grow(Length)
	encodeWord(&b, binary.BigEndian.Uint64(buf[:8]))
	encodeWord(&b, binary.BigEndian.Uint64(buf[8:]))
	return b.String(), nil
}

var defaultGenerator = NewGenerator(nil)

// New returns a token from crypto/rand.
func New() (string, error) {
	return defaultGenerator.New()
}

// IsValid reports whether s has the shape of a token produced by New.
func IsValid(s string) bool {
	if len(s) != Length || !isBase62(s) {
		return false
	}
	_, errHi := decodeWord(s[:wordWidth])
	_, errLo := decodeWord(s[wordWidth:])
	return errHi == nil && errLo == nil
}

// Tag returns a unique member name for a rate-window entry recorded at now.
// The millisecond prefix keeps tags readable; the UUID suffix makes two
// entries in the same millisecond distinct.
func Tag(now time.Time) string {
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + uuid.NewString()
}
