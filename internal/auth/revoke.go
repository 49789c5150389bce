package auth

import (
	"context"
	"time"
)

// KV is the cache surface the revocation list needs.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

const revokedPrefix = "auth:revoked:"

// Revoker remembers logged-out tokens until they would have expired anyway.
type Revoker struct {
	kv KV
}

func NewRevoker(kv KV) *Revoker {
	return &Revoker{kv: kv}
}

func (r *Revoker) Revoke(ctx context.Context, c Claims) error {
	ttl := time.Until(c.ExpiresAt)
	if c.ID == "" || ttl <= 0 {
		return nil
	}
	return r.kv.SetWithTTL(ctx, revokedPrefix+c.ID, []byte("1"), ttl)
}

func (r *Revoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	if tokenID == "" {
		return false, nil
	}
	_, ok, err := r.kv.Get(ctx, revokedPrefix+tokenID)
	return ok, err
}
