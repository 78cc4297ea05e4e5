package gateway

import (
	"errors"
	"strings"
)

// ErrNoIdentifier the router reply carries no object id. Callers must record
// this, the object exists on the router but cannot be mutated later.
var ErrNoIdentifier = errors.New("router reply carries no object identifier")

// RouterOS REST replies with the created object (".id"), some endpoints and
// the binary API reply with "ret". The order is fixed.
var idKeys = []string{".id", "id", "ret"}

// ExtractID returns the router-assigned object id of a reply record
func ExtractID(rec Record) (string, error) {
	for _, key := range idKeys {
		if v, ok := rec[key]; ok && v != nil {
			if id := strings.TrimSpace(rec.String(key)); id != "" {
				return id, nil
			}
		}
	}
	return "", ErrNoIdentifier
}

// ExtractIDFromBody decodes a raw reply, object or one element list, and extracts its id
func ExtractIDFromBody(body []byte) (string, error) {
	rec, err := (&Response{Body: body}).Record()
	if err != nil {
		return "", err
	}
	return ExtractID(rec)
}
