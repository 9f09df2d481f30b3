// Package passport issues and validates the two passport flavours: local
// store-backed tokens handed out after a solved challenge, and short-lived
// Ed25519-signed tokens for cross-node handoffs.
package passport

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cerberus-gate/fortify/internal/errdefs"
	"github.com/cerberus-gate/fortify/internal/store"
)

// localRecord is the stored side of a local passport.
type localRecord struct {
	CircuitID string `json:"circuit_id,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// Issuer mints and validates local passports against the shared store.
type Issuer struct {
	store store.Store
	ttl   time.Duration
}

// NewIssuer creates a local passport issuer. ttl bounds every minted token.
func NewIssuer(st store.Store, ttl time.Duration) *Issuer {
	return &Issuer{store: st, ttl: ttl}
}

// MintLocal issues a fresh opaque token for the circuit and registers it in
// the store under its TTL.
func (i *Issuer) MintLocal(ctx context.Context, circuitID string) (string, int64, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", 0, errdefs.Wrap(errdefs.KindInternal, "passport token entropy", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := time.Now().Unix()
	expiresAt := now + int64(i.ttl.Seconds())
	rec := localRecord{
		CircuitID: circuitID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", 0, errdefs.Wrap(errdefs.KindInternal, "encode passport", err)
	}

	if err := i.store.Set(ctx, store.PassportPrefix+token, data, i.ttl); err != nil {
		return "", 0, errdefs.Wrap(errdefs.KindStore, "store passport", err)
	}

	slog.Debug("Minted local passport", "circuit_id", circuitID, "expires_at", expiresAt)
	return token, expiresAt, nil
}

// Validate reports whether a local passport token is live. Validation is
// idempotent: a valid token gets its TTL re-asserted, never extended past
// the issuer's lifetime because the stored expiry is authoritative.
func (i *Issuer) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}

	data, err := i.store.Get(ctx, store.PassportPrefix+token)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errdefs.Wrap(errdefs.KindStore, "get passport", err)
	}

	var rec localRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, errdefs.Wrap(errdefs.KindInternal, "decode passport", err)
	}

	remaining := rec.ExpiresAt - time.Now().Unix()
	if remaining <= 0 {
		return false, nil
	}

	// Touch the store TTL down to the true remaining lifetime so repeated
	// validations cannot keep a token alive.
	if err := i.store.Expire(ctx, store.PassportPrefix+token, time.Duration(remaining)*time.Second); err != nil {
		slog.Warn("Failed to touch passport TTL", "error", err)
	}
	return true, nil
}
