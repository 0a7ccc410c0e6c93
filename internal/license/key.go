package license

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

const (
	generatedKeyBytes = 12
	maxKeyLen         = 64
	minKeyLen         = 4
)

// NewKey returns a random 24 character upper-case hex key.
func NewKey() (string, error) {
	b := make([]byte, generatedKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeCustomKey trims a seller-chosen key and rejects values the
// connect clients cannot send back verbatim.
func NormalizeCustomKey(k string) (string, error) {
	k = strings.TrimSpace(k)
	if len(k) < minKeyLen || len(k) > maxKeyLen {
		return "", fmt.Errorf("%w: key must be %d-%d characters", ErrInvalidInput, minKeyLen, maxKeyLen)
	}
	for _, r := range k {
		if unicode.IsSpace(r) || r == ',' || r == '/' || !unicode.IsPrint(r) {
			return "", fmt.Errorf("%w: key contains %q", ErrInvalidInput, r)
		}
	}
	return k, nil
}

// MaskKey keeps enough of a key to correlate log lines without logging it.
func MaskKey(k string) string {
	if len(k) <= 6 {
		return "***"
	}
	return k[:3] + "..." + k[len(k)-3:]
}
