package common

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	hexHashRe = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
	digitsRe  = regexp.MustCompile(`[^0-9]`)
)

// IsHashedPhone reports whether v looks like a SHA-256 hex digest rather than a phone number.
func IsHashedPhone(v string) bool {
	return hexHashRe.MatchString(strings.TrimSpace(v))
}

// NormalizeMSISDN turns local Kenyan formats (07xx, 01xx, +2547xx) into 2547xx.
func NormalizeMSISDN(v string) string {
	d := digitsRe.ReplaceAllString(v, "")
	switch {
	case strings.HasPrefix(d, "254"):
		return d
	case strings.HasPrefix(d, "0") && len(d) == 10:
		return "254" + d[1:]
	case len(d) == 9 && (d[0] == '7' || d[0] == '1'):
		return "254" + d
	}
	return d
}

// PhoneIdentity returns the hashed identity and, when known, the plaintext number.
// The payment gateway may deliver only the hash, in which case phone is empty.
func PhoneIdentity(msisdn string) (hash string, phone string) {
	msisdn = strings.TrimSpace(msisdn)
	if msisdn == "" {
		return "", ""
	}
	if IsHashedPhone(msisdn) {
		return strings.ToLower(msisdn), ""
	}
	phone = NormalizeMSISDN(msisdn)
	sum := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(sum[:]), phone
}
