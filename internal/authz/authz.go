// Package authz answers whether an authenticated caller may still act.
//
// JWTs are stateless, so a revoked API key would otherwise keep working
// until its outstanding tokens expire. KeyVerifier closes that gap: the
// auth middleware asks it whether the token's issuing key is still live,
// and a short-TTL cache keeps the check off the database for the common
// case.
package authz

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tsumugi/internal/storage"
)

// KeyVerifier checks that an API key has not been revoked since the
// token it minted was issued.
type KeyVerifier struct {
	db     *storage.DB
	cache  *statusCache
	logger *slog.Logger
}

// NewKeyVerifier creates a verifier whose answers are cached for ttl.
// Revocation therefore propagates within ttl, not instantly. Call Close
// to stop the cache's eviction goroutine.
func NewKeyVerifier(db *storage.DB, ttl time.Duration, logger *slog.Logger) *KeyVerifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyVerifier{
		db:     db,
		cache:  newStatusCache(ttl),
		logger: logger,
	}
}

// KeyActive reports whether the key is live. A storage failure is
// fail-open: the token already proved possession of a valid key, and
// its own expiry bounds the exposure.
func (v *KeyVerifier) KeyActive(ctx context.Context, keyID uuid.UUID) bool {
	if keyID == uuid.Nil {
		return true
	}
	if active, ok := v.cache.Get(keyID); ok {
		return active
	}

	active, err := v.db.IsAPIKeyActive(ctx, keyID)
	if err != nil {
		v.logger.Warn("authz: key status check failed, allowing request",
			"key_id", keyID, "error", err)
		return true
	}
	v.cache.Set(keyID, active)
	return active
}

// Invalidate drops a key's cached status so the next check hits the
// database. Called after an explicit revocation to make it take effect
// immediately on this instance.
func (v *KeyVerifier) Invalidate(keyID uuid.UUID) {
	v.cache.Invalidate(keyID)
}

// Close stops the cache's background eviction goroutine.
func (v *KeyVerifier) Close() {
	v.cache.Close()
}
