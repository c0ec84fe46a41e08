// Package auth signs telemetry request bodies so a collector can reject
// packets that did not come from a provisioned shell build.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Request headers carrying the signature.
const (
	KeyIDHeader     = "X-Telemetry-Key-Id"
	SignatureHeader = "X-Telemetry-Signature"
	signaturePrefix = "sha256="
)

// ErrInvalidSignature indicates a malformed or mismatched signature header.
var ErrInvalidSignature = errors.New("invalid telemetry signature")

// Signer computes HMAC-SHA256 signatures over request bodies.
type Signer struct {
	keyID  string
	secret []byte
}

// NewSigner creates a signer for one key. Returns nil when secret is empty,
// which callers treat as "signing disabled".
func NewSigner(keyID string, secret []byte) *Signer {
	if len(secret) == 0 {
		return nil
	}
	return &Signer{keyID: keyID, secret: secret}
}

// KeyID returns the identifier the collector uses to look up the secret.
func (s *Signer) KeyID() string {
	return s.keyID
}

// Sign returns the signature header value for body.
func (s *Signer) Sign(body []byte) string {
	return signaturePrefix + hex.EncodeToString(ComputeHMAC(s.secret, body))
}

// Headers returns the headers to attach to a signed request.
func (s *Signer) Headers(body []byte) map[string]string {
	return map[string]string{
		KeyIDHeader:     s.keyID,
		SignatureHeader: s.Sign(body),
	}
}

// Verify checks a signature header value against body. Collectors that
// share the secret use it to authenticate incoming packets.
// Constant-time comparison prevents timing attacks.
func (s *Signer) Verify(body []byte, header string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, signaturePrefix))
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, ComputeHMAC(s.secret, body)) {
		return ErrInvalidSignature
	}
	return nil
}

// ComputeHMAC computes HMAC-SHA256 of data using secret.
func ComputeHMAC(secret []byte, data []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(data)
	return h.Sum(nil)
}
