package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"regexp"
)

// codeChallengeMethodS256 is the only challenge method this client uses.
const codeChallengeMethodS256 = "S256"

// verifierPattern matches the RFC 7636 unreserved character set.
var verifierPattern = regexp.MustCompile(`^[A-Za-z0-9\-._~]+$`)

// GenerateCodeVerifier returns a fresh high-entropy PKCE code verifier:
// 32 random bytes base64url-encoded to 43 characters.
func GenerateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// CodeChallengeS256 derives the S256 code challenge for a verifier.
func CodeChallengeS256(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// ValidateCodeVerifier validates a code verifier.
// Per RFC 7636, it must be 43-128 characters of [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidateCodeVerifier(verifier string) error {
	if len(verifier) < 43 || len(verifier) > 128 {
		return fmt.Errorf("code verifier must be between 43 and 128 characters")
	}
	if !verifierPattern.MatchString(verifier) {
		return fmt.Errorf("code verifier contains invalid characters")
	}
	return nil
}
