// Package security validates signed envelopes at the transport boundary:
// HMAC signature, timestamp freshness, and single-use nonces.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Envelope is a signed, nonce-bearing, timestamped message wrapper.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Ts      int64           `json:"ts"`
	Nonce   string          `json:"nonce"`
	Sig     string          `json:"sig"`
}

// Rejection reason codes surfaced to the originator.
var (
	ErrTimestampExpired = errors.New("timestamp_expired")
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrReplayDetected   = errors.New("replay_detected")
)

// Sign computes the hex HMAC-SHA256 over the canonical message form
// `type|payload|ts|nonce`.
func Sign(secret []byte, typ string, payload json.RawMessage, ts int64, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s|%s|%d|%s", typ, payload, ts, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the envelope signature in constant time.
func VerifySignature(secret []byte, env Envelope) bool {
	if env.Type == "" || env.Ts == 0 || env.Nonce == "" || env.Sig == "" {
		return false
	}
	expected := Sign(secret, env.Type, env.Payload, env.Ts, env.Nonce)
	got, err := hex.DecodeString(env.Sig)
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(expected)
	if len(got) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

// Fresh reports whether ts (unix millis) is within the window around now.
func Fresh(now time.Time, ts int64, window time.Duration) bool {
	delta := now.UnixMilli() - ts
	if delta < 0 {
		delta = -delta
	}
	return time.Duration(delta)*time.Millisecond <= window
}
