package licensing

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

const (
	keyPrefix   = "PFW"
	keyGroups   = 4
	keyGroupLen = 4
	keyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

var keyPattern = regexp.MustCompile(`^PFW-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// ValidKeyFormat reports whether s looks like a license key.
func ValidKeyFormat(s string) bool {
	return keyPattern.MatchString(s)
}

// GenerateLicenseKey returns a random key of the form PFW-XXXX-XXXX-XXXX-XXXX.
func GenerateLicenseKey() (string, error) {
	n := keyGroups * keyGroupLen
	chars := make([]byte, 0, n)
	buf := make([]byte, n*2)

	// Bytes >= 252 are rejected so that every character is equally likely.
	limit := byte(256 - 256%len(keyAlphabet))
	for len(chars) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= limit {
				continue
			}
			chars = append(chars, keyAlphabet[int(b)%len(keyAlphabet)])
			if len(chars) == n {
				break
			}
		}
	}

	var sb strings.Builder
	sb.WriteString(keyPrefix)
	for i := 0; i < keyGroups; i++ {
		sb.WriteByte('-')
		sb.Write(chars[i*keyGroupLen : (i+1)*keyGroupLen])
	}
	return sb.String(), nil
}
