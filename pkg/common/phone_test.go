package common

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeMSISDN(t *testing.T) {
	cases := map[string]string{
		"0712345678":    "254712345678",
		"+254712345678": "254712345678",
		"254712345678":  "254712345678",
		"712345678":     "254712345678",
		"0110 123 456":  "254110123456",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeMSISDN(in), in)
	}
}

func TestPhoneIdentity(t *testing.T) {
	sum := sha256.Sum256([]byte("254712345678"))
	want := hex.EncodeToString(sum[:])

	hash, phone := PhoneIdentity("0712345678")
	assert.Equal(t, want, hash)
	assert.Equal(t, "254712345678", phone)

	// a hashed msisdn is the identity itself
	hash, phone = PhoneIdentity(strings.ToUpper(want))
	assert.Equal(t, want, hash)
	assert.Empty(t, phone)

	hash, phone = PhoneIdentity("  ")
	assert.Empty(t, hash)
	assert.Empty(t, phone)
}

func TestUUIDint64Unique(t *testing.T) {
	seen := make(map[int64]bool)
	for i := 0; i < 1000; i++ {
		id := UUIDint64()
		assert.False(t, seen[id])
		seen[id] = true
	}
}
