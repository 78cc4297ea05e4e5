package voucher

import (
	"crypto/rand"
	"fmt"
)

// codeAlphabet omits 0, 1, I and O which read ambiguously on printed vouchers
const codeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	DefaultCodeLength = 8
	MinCodeLength     = 6
	MaxCodeLength     = 16
	referenceLength   = 8
)

// CodeSource draws voucher codes and payment references. Codes and references
// come from independent draws so one can never be derived from the other.
type CodeSource interface {
	Code(length int) (string, error)
	Reference() (string, error)
}

type randomSource struct {
	prefix string
}

// NewCodeSource returns a crypto/rand based source, references carry prefix
func NewCodeSource(prefix string) CodeSource {
	return &randomSource{prefix: prefix}
}

func (s *randomSource) Code(length int) (string, error) {
	if length < MinCodeLength || length > MaxCodeLength {
		return "", fmt.Errorf("code length %d outside [%d, %d]", length, MinCodeLength, MaxCodeLength)
	}
	return randomString(length)
}

func (s *randomSource) Reference() (string, error) {
	body, err := randomString(referenceLength)
	if err != nil {
		return "", err
	}
	return s.prefix + body, nil
}

// randomString the alphabet has 32 symbols so masking a byte is unbiased
func randomString(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[b&31]
	}
	return string(buf), nil
}
