package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint computes a SHA-256 content hash over a canonicalized JSON
// serialization of the supplied request body. The body is round-tripped
// through an untyped decode so that map keys are emitted in sorted order,
// making semantically identical bodies hash identically regardless of the
// field order the client sent.
func Fingerprint(body any) (string, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("idempotency: marshal body: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("idempotency: normalize body: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize body: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// FingerprintBytes canonicalizes and hashes a raw JSON payload. It is used
// by the intake path where the body arrives already encoded.
func FingerprintBytes(raw []byte) (string, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("idempotency: decode payload: %w", err)
	}

	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("idempotency: canonicalize payload: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
