package util

import (
	"crypto/rand"
	"encoding/binary"
	"time"
)

// --------------------------------------------------------------------------
// General Utility Functions
// --------------------------------------------------------------------------

// GenerateSeed creates a random seed, used to salt connector hashes per process
func GenerateSeed() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint64(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint64(b[:])
}

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString generates a FNV-1a hash for a string mixed with a seed
func HashString(s string, seed uint64) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)

	hash := uint64(offset64) ^ seed
	for i := 0; i < len(s); i++ {
		hash ^= uint64(s[i])
		hash *= prime64
	}
	return hash
}

// HashStrings hashes several strings as one key. A separator byte is mixed in
// between the parts so ("ab","c") and ("a","bc") do not collide.
func HashStrings(seed uint64, parts ...string) uint64 {
	hash := seed
	for _, p := range parts {
		hash = HashString(p, hash)
		hash ^= 0xff
		hash *= 1099511628211
	}
	return hash
}
