package signx

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const separator = "|"

var (
	ErrSignatureMismatch = errors.New("signx: signature mismatch")
	ErrMissingSignature  = errors.New("signx: signature is empty")
	ErrMissingSecret     = errors.New("signx: secret is empty")
)

// PayloadHash is the lowercase hex SHA-256 of the canonical form of payload.
func PayloadHash(payload []byte) (string, error) {
	_, hash, err := CanonicalHash(payload)
	return hash, err
}

// CanonicalHash returns the canonical form of payload together with its
// hash. Payloads that differ only in JSON layout or Unicode normalization
// share both.
func CanonicalHash(payload []byte) ([]byte, string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return nil, "", err
	}
	sum := sha256.Sum256(canonical)
	return canonical, hex.EncodeToString(sum[:]), nil
}

// BodyHash hashes the raw request body bytes, not a canonical form.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func RequestMessage(timestamp string, idempotencyKey string, body []byte) []byte {
	return []byte(strings.Join([]string{timestamp, idempotencyKey, BodyHash(body)}, separator))
}

func EventMessage(payloadHash string, prevHash string, deviceSeq int64, eventType string) []byte {
	return []byte(strings.Join([]string{payloadHash, prevHash, strconv.FormatInt(deviceSeq, 10), eventType}, separator))
}

func Sign(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

func SignRequest(secret string, timestamp string, idempotencyKey string, body []byte) string {
	return Sign(secret, RequestMessage(timestamp, idempotencyKey, body))
}

func SignEvent(secret string, payloadHash string, prevHash string, deviceSeq int64, eventType string) string {
	return Sign(secret, EventMessage(payloadHash, prevHash, deviceSeq, eventType))
}

// Verify compares a hex HMAC-SHA256 signature in constant time.
func Verify(secret string, message []byte, signature string) error {
	if secret == "" {
		return ErrMissingSecret
	}
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return ErrMissingSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(signature), "sha256="))
	if err != nil {
		return fmt.Errorf("%w: invalid hex: %v", ErrSignatureMismatch, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	if subtle.ConstantTimeCompare(mac.Sum(nil), got) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

func VerifyRequest(secret string, timestamp string, idempotencyKey string, body []byte, signature string) error {
	return Verify(secret, RequestMessage(timestamp, idempotencyKey, body), signature)
}

func VerifyEvent(secret string, payloadHash string, prevHash string, deviceSeq int64, eventType string, signature string) error {
	return Verify(secret, EventMessage(payloadHash, prevHash, deviceSeq, eventType), signature)
}

// HashEqual compares two hex digests without regard to case.
func HashEqual(a string, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
