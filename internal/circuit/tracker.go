// Package circuit tracks per-circuit reputation in the shared store and
// enforces the admission and rate-limit rules derived from it.
package circuit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cerberus-gate/fortify/internal/errdefs"
	"github.com/cerberus-gate/fortify/internal/store"
)

// Status of a circuit in the reputation state machine.
type Status string

const (
	// StatusNew marks a circuit never seen before.
	StatusNew Status = "new"
	// StatusVerified marks a circuit with a passed CAPTCHA.
	StatusVerified Status = "verified"
	// StatusSoftLocked marks a circuit that failed too many CAPTCHAs.
	StatusSoftLocked Status = "softlocked"
	// StatusBanned marks a confirmed-malicious circuit. Terminal until the
	// record's TTL evicts it.
	StatusBanned Status = "banned"
	// StatusVip marks a verified circuit with sustained good behaviour.
	StatusVip Status = "vip"
)

// vipSolveThreshold is the cumulative solve count that promotes a verified
// circuit to VIP.
const vipSolveThreshold = 5

// Info is the per-circuit record, stored as one JSON blob under
// circuit:<id>.
type Info struct {
	CircuitID       string `json:"circuit_id"`
	Status          Status `json:"status"`
	FailedAttempts  uint32 `json:"failed_attempts"`
	SuccessfulSolves uint32 `json:"successful_solves"`
	FirstSeen       int64  `json:"first_seen"`
	LastSeen        int64  `json:"last_seen"`
	PassportToken   string `json:"passport_token,omitempty"`
	PassportExpires int64  `json:"passport_expires,omitempty"`
}

func newInfo(circuitID string) *Info {
	now := time.Now().Unix()
	return &Info{
		CircuitID: circuitID,
		Status:    StatusNew,
		FirstSeen: now,
		LastSeen:  now,
	}
}

// HasValidPassport reports whether the circuit's attached passport is still
// within its lifetime.
func (i *Info) HasValidPassport() bool {
	return i.PassportToken != "" && i.PassportExpires > time.Now().Unix()
}

// TrackerConfig carries the state-machine thresholds and TTLs.
type TrackerConfig struct {
	CircuitTTL        time.Duration
	MaxFailedAttempts uint32
	SoftLockDuration  time.Duration
	BanDuration       time.Duration
	MaxRequestsPerMin int64
}

// DefaultTrackerConfig returns production defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		CircuitTTL:        30 * time.Minute,
		MaxFailedAttempts: 5,
		SoftLockDuration:  30 * time.Minute,
		BanDuration:       time.Hour,
		MaxRequestsPerMin: 60,
	}
}

// Tracker is the single writer of circuit records.
type Tracker struct {
	store store.Store
	cfg   TrackerConfig
}

// NewTracker creates a tracker over the shared store.
func NewTracker(st store.Store, cfg TrackerConfig) *Tracker {
	return &Tracker{store: st, cfg: cfg}
}

// Get returns the circuit record, or nil if none exists.
func (t *Tracker) Get(ctx context.Context, circuitID string) (*Info, error) {
	data, err := t.store.Get(ctx, store.CircuitPrefix+circuitID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStore, "get circuit", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCircuitTracking, "decode circuit", err)
	}
	return &info, nil
}

// getOrCreate loads the record or starts a fresh one; last_seen is bumped
// on every touch.
func (t *Tracker) getOrCreate(ctx context.Context, circuitID string) (*Info, error) {
	info, err := t.Get(ctx, circuitID)
	if err != nil {
		return nil, err
	}
	if info == nil {
		info = newInfo(circuitID)
		slog.Debug("New circuit tracked", "circuit_id", circuitID)
	}
	info.LastSeen = time.Now().Unix()
	return info, nil
}

// save writes the record with the TTL its status dictates: banned and
// soft-locked records live for their penalty duration, everything else for
// the default circuit TTL.
func (t *Tracker) save(ctx context.Context, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return errdefs.Wrap(errdefs.KindCircuitTracking, "encode circuit", err)
	}

	ttl := t.cfg.CircuitTTL
	switch info.Status {
	case StatusBanned:
		ttl = t.cfg.BanDuration
	case StatusSoftLocked:
		ttl = t.cfg.SoftLockDuration
	}

	if err := t.store.Set(ctx, store.CircuitPrefix+info.CircuitID, data, ttl); err != nil {
		return errdefs.Wrap(errdefs.KindStore, "save circuit", err)
	}
	return nil
}

// RecordFailure counts a failed solve. Reaching the failure threshold
// soft-locks the circuit.
func (t *Tracker) RecordFailure(ctx context.Context, circuitID string) (*Info, error) {
	info, err := t.getOrCreate(ctx, circuitID)
	if err != nil {
		return nil, err
	}

	info.FailedAttempts++
	if info.FailedAttempts >= t.cfg.MaxFailedAttempts && info.Status != StatusBanned {
		info.Status = StatusSoftLocked
		slog.Warn("Circuit soft-locked",
			"circuit_id", circuitID,
			"failed_attempts", info.FailedAttempts)
	}

	if err := t.save(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// RecordSuccess marks a solved challenge: status becomes Verified (Vip once
// cumulative solves reach the threshold), failure count resets, and the
// freshly minted passport is attached. Banned is terminal until its TTL
// evicts the record, so a solve from a banned circuit changes nothing.
func (t *Tracker) RecordSuccess(ctx context.Context, circuitID, passportToken string, passportExpires int64) (*Info, error) {
	info, err := t.getOrCreate(ctx, circuitID)
	if err != nil {
		return nil, err
	}

	if info.Status == StatusBanned {
		slog.Warn("Ignoring solve from banned circuit", "circuit_id", circuitID)
		return info, nil
	}

	info.SuccessfulSolves++
	info.FailedAttempts = 0
	info.Status = StatusVerified
	info.PassportToken = passportToken
	info.PassportExpires = passportExpires

	if info.SuccessfulSolves >= vipSolveThreshold {
		info.Status = StatusVip
		slog.Info("Circuit promoted to VIP", "circuit_id", circuitID)
	}

	if err := t.save(ctx, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Ban marks the circuit banned. The record now lives for the ban duration.
func (t *Tracker) Ban(ctx context.Context, circuitID, reason string) error {
	info, err := t.getOrCreate(ctx, circuitID)
	if err != nil {
		return err
	}
	info.Status = StatusBanned
	if err := t.save(ctx, info); err != nil {
		return err
	}
	slog.Warn("Circuit banned", "circuit_id", circuitID, "reason", reason)
	return nil
}

// IsAllowed is the admit-check: banned and soft-locked circuits are denied
// with a reason; unknown circuits are allowed.
func (t *Tracker) IsAllowed(ctx context.Context, circuitID string) (bool, string, error) {
	info, err := t.Get(ctx, circuitID)
	if err != nil {
		return false, "", err
	}
	if info == nil {
		return true, "", nil
	}
	switch info.Status {
	case StatusBanned:
		return false, "Circuit is banned", nil
	case StatusSoftLocked:
		return false, "Too many failed attempts. Try again later.", nil
	default:
		return true, "", nil
	}
}

// CheckRateLimit counts this request against the circuit's per-minute
// window and reports whether it is within bounds plus the remaining
// allowance. The window is an atomic counter expiring 60 s after its first
// increment.
func (t *Tracker) CheckRateLimit(ctx context.Context, circuitID string) (bool, int64, error) {
	key := store.RateLimitPrefix + circuitID

	count, err := t.store.Incr(ctx, key)
	if err != nil {
		return false, 0, errdefs.Wrap(errdefs.KindStore, "rate limit incr", err)
	}
	if count == 1 {
		if err := t.store.Expire(ctx, key, time.Minute); err != nil {
			return false, 0, errdefs.Wrap(errdefs.KindStore, "rate limit expire", err)
		}
	}

	allowed := count <= t.cfg.MaxRequestsPerMin
	remaining := t.cfg.MaxRequestsPerMin - count
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, nil
}
