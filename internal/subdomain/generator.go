// Package subdomain generates the random DNS labels that tunnels are
// published under, retrying on collision against a live registry.
package subdomain

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

const (
	// Length is the fixed size of a generated subdomain label.
	Length = 12

	// Alphabet is the character set generated labels are drawn from.
	Alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	// maxAttempts bounds collision retries before giving up with
	// ErrExhausted; at Length=12 and the target of 100 concurrent tunnels,
	// a single collision is already astronomically unlikely, so a handful
	// of retries is generous headroom rather than a real operating mode.
	maxAttempts = 8
)

// validLabelRe matches a DNS label: lowercase alphanumeric, optional
// internal hyphens, 1-63 characters, never starting or ending with a
// hyphen. This is the format accepted for a client-requested subdomain
// (spec §6 CLI --subdomain flag).
var validLabelRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ErrExhausted is returned when every collision-retry attempt found the
// candidate label already registered.
var ErrExhausted = fmt.Errorf("subdomain: exhausted %d collision-retry attempts", maxAttempts)

// Registry is the subset of the tunnel registry that the generator needs
// to check for collisions, without importing the registry package itself.
type Registry interface {
	Has(subdomain string) bool
}

// Generate produces a fixed-length random label, retrying against reg's
// live set until a free one is found or attempts are exhausted.
func Generate(reg Registry) (string, error) {
	for i := 0; i < maxAttempts; i++ {
		candidate, err := random(Length)
		if err != nil {
			return "", err
		}
		if !reg.Has(candidate) {
			return candidate, nil
		}
	}
	return "", ErrExhausted
}

// random returns a cryptographically random string of length characters
// drawn from Alphabet.
func random(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("subdomain: reading random bytes: %w", err)
	}
	out := make([]byte, length)
	n := len(Alphabet)
	for i, b := range buf {
		out[i] = Alphabet[int(b)%n]
	}
	return string(out), nil
}

// Valid reports whether subdomain is an acceptable DNS label for a
// client-requested subdomain.
func Valid(subdomain string) bool {
	if subdomain == "" || len(subdomain) > 63 {
		return false
	}
	return validLabelRe.MatchString(subdomain)
}
