package security

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore consumes nonces atomically in Redis so a replayed envelope is
// rejected even across broker restarts or replicas.
type NonceStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewNonceStore builds a store. ttl bounds how long a consumed nonce is
// remembered; envelopes older than the freshness window are rejected before
// the nonce check, so the TTL only needs to cover that window generously.
func NewNonceStore(client *redis.Client, ttl time.Duration) *NonceStore {
	return &NonceStore{client: client, ttl: ttl}
}

func (s *NonceStore) key(principal, nonce string) string {
	return "nonce:" + principal + ":" + nonce
}

// CheckAndConsume marks a nonce used for the given principal. It returns
// false when the nonce was already consumed (a replay).
func (s *NonceStore) CheckAndConsume(ctx context.Context, principal, nonce string) (bool, error) {
	return s.client.SetNX(ctx, s.key(principal, nonce), 1, s.ttl).Result()
}

// VerifyEnvelope runs the full boundary check: freshness, signature, then
// nonce consumption. It returns the specific rejection reason.
func (s *NonceStore) VerifyEnvelope(ctx context.Context, secret []byte, principal string, env Envelope, now time.Time, window time.Duration) error {
	if !Fresh(now, env.Ts, window) {
		return ErrTimestampExpired
	}
	if !VerifySignature(secret, env) {
		return ErrInvalidSignature
	}
	ok, err := s.CheckAndConsume(ctx, principal, env.Nonce)
	if err != nil {
		return err
	}
	if !ok {
		return ErrReplayDetected
	}
	return nil
}
