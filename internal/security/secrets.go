// Package security implements the tunnel endpoint's shared-secret allow-list
// and connection-rate limiting.
package security

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// SecretStore is a shared-secret allow-list, stored and compared as bcrypt
// hashes rather than plaintext.
type SecretStore struct {
	hashes [][]byte
}

// NewSecretStore hashes every configured plaintext secret once at startup.
func NewSecretStore(plaintextSecrets []string) (*SecretStore, error) {
	hashes := make([][]byte, 0, len(plaintextSecrets))
	for _, s := range plaintextSecrets {
		h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.DefaultCost)
		if err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return &SecretStore{hashes: hashes}, nil
}

// Allowed reports whether provided matches any configured secret. Every
// hash is checked (not short-circuited on the first mismatch) so the
// response time does not leak which position in the allow-list, if any,
// almost matched.
func (s *SecretStore) Allowed(provided string) bool {
	if provided == "" {
		return false
	}
	ok := false
	for _, h := range s.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(provided)) == nil {
			ok = true
		}
	}
	return ok
}

// ExtractSecret reads the shared secret from either the secret query
// parameter or the X-Secret-Key header, query parameter taking precedence,
// per spec §6's handshake contract.
func ExtractSecret(queryParam, header string) string {
	if queryParam != "" {
		return queryParam
	}
	return header
}

// ExtractBearerToken parses "Bearer <token>" out of an Authorization header,
// returning "" when the header does not use the Bearer scheme.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(authHeader, prefix) {
		return authHeader[len(prefix):]
	}
	return ""
}
