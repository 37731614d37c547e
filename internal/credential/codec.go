// Package credential generates API key pairs and verifies presented
// secrets against stored hashes. Secrets are hashed with HMAC-SHA256 under
// a server-held signing key, so a leaked key table alone cannot be checked
// against candidate secrets.
package credential

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// KeyIDPrefix and SecretPrefix mark the public and secret halves of a
	// pair. Clients present both; only the key ID is ever stored in clear.
	KeyIDPrefix  = "ak_"
	SecretPrefix = "sk_"

	keyIDBytes  = 16
	secretBytes = 32 // 256 bits of entropy

	// MaxSecretLen bounds presented secrets. Anything longer is rejected
	// before hashing; no legitimate secret comes close.
	MaxSecretLen = 256
)

var ErrMalformedSecret = errors.New("malformed secret")

// Codec hashes and verifies API key secrets under a fixed signing key.
type Codec struct {
	signingKey []byte

	// dummyHash is compared against when input is malformed, keeping the
	// rejection path from returning measurably faster than a mismatch.
	dummyHash string
}

// NewCodec creates a Codec. The signing key must be non-empty; it is held
// server-side and never stored alongside key records.
func NewCodec(signingKey []byte) (*Codec, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("credential: empty signing key")
	}
	c := &Codec{signingKey: signingKey}
	c.dummyHash = c.Hash(SecretPrefix + "dummy")
	return c, nil
}

// GenerateKeyPair returns a fresh (keyID, secret) pair from crypto/rand.
// The secret is shown to the caller exactly once and never persisted.
func (c *Codec) GenerateKeyPair() (keyID, secret string, err error) {
	idBuf := make([]byte, keyIDBytes)
	if _, err := rand.Read(idBuf); err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}
	secBuf := make([]byte, secretBytes)
	if _, err := rand.Read(secBuf); err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	keyID = KeyIDPrefix + base64.RawURLEncoding.EncodeToString(idBuf)
	secret = SecretPrefix + base64.RawURLEncoding.EncodeToString(secBuf)
	return keyID, secret, nil
}

// Hash returns the hex-encoded HMAC-SHA256 of the secret under the signing
// key. Deterministic for a given (secret, signingKey) pair.
func (c *Codec) Hash(secret string) string {
	mac := hmac.New(sha256.New, c.signingKey)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the hash of the presented secret and compares it to the
// stored hash in constant time. Malformed input (empty or oversized) is
// rejected, but still runs a comparison against a fixed dummy value so the
// early rejection does not leak through timing.
func (c *Codec) Verify(presented, storedHash string) bool {
	if presented == "" || len(presented) > MaxSecretLen {
		hmac.Equal([]byte(c.dummyHash), []byte(storedHash))
		return false
	}
	computed := c.Hash(presented)
	return hmac.Equal([]byte(computed), []byte(storedHash))
}
