package server

import "golang.org/x/oauth2"

// PKCEMethodS256 is the only challenge method we send.
const PKCEMethodS256 = "S256"

// PKCEChallenge is a one-time verifier with its derived challenge.
type PKCEChallenge struct {
	Verifier  string
	Challenge string
	Method    string
}

// GeneratePKCE draws a fresh 256-bit verifier from crypto/rand.
func GeneratePKCE() PKCEChallenge {
	verifier := oauth2.GenerateVerifier()
	return PKCEChallenge{
		Verifier:  verifier,
		Challenge: ChallengeForVerifier(verifier),
		Method:    PKCEMethodS256,
	}
}

// ChallengeForVerifier returns base64url(SHA-256(verifier)) without padding.
func ChallengeForVerifier(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}
