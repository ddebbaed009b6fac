package testkit

import (
	"math/rand"
	"strings"
	"time"
)

// RNG provides a deterministic random number generator.
// If seed is 0, it uses the current time.
func RNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}

// RandomBytes generates binary content of the given length.
func RandomBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = byte(r.Intn(256))
	}
	return b
}

// BinaryBytes generates content whose first bytes are control characters
// so it never looks like text.
func BinaryBytes(r *rand.Rand, length int) []byte {
	b := RandomBytes(r, length)
	for i := 0; i < len(b) && i < 128; i++ {
		b[i] = byte(r.Intn(8))
	}
	return b
}

var words = []string{
	"ledger", "record", "manifest", "chunk", "edge", "cache", "owner",
	"pointer", "version", "sequence", "content", "address", "archive",
}

// TextBytes generates space-separated words of the given byte length.
func TextBytes(r *rand.Rand, length int) []byte {
	var sb strings.Builder
	sb.Grow(length + 16)
	for sb.Len() < length {
		if sb.Len() > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(words[r.Intn(len(words))])
	}
	return []byte(sb.String()[:length])
}

// CompressibleBytes generates a slice of highly compressible bytes of the given length.
func CompressibleBytes(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	pattern := []byte("highly compressible repeating pattern ")
	for i := range b {
		b[i] = pattern[i%len(pattern)]
	}
	for i := 0; i < length/1024; i++ {
		b[r.Intn(length)] = byte('a' + r.Intn(26))
	}
	return b
}

// Shift returns base with n random bytes inserted at offset, producing a
// near-duplicate whose later content is displaced.
func Shift(r *rand.Rand, base []byte, offset, n int) []byte {
	out := make([]byte, 0, len(base)+n)
	out = append(out, base[:offset]...)
	out = append(out, RandomBytes(r, n)...)
	return append(out, base[offset:]...)
}
