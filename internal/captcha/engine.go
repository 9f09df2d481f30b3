package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cerberus-gate/fortify/internal/errdefs"
	"github.com/cerberus-gate/fortify/internal/store"
	"github.com/cerberus-gate/fortify/internal/threat"
)

// Challenge is what the client receives. The answer never leaves the
// server.
type Challenge struct {
	ChallengeID  string `json:"challenge_id"`
	ImageData    string `json:"image_data"`
	GridCols     int    `json:"grid_cols"`
	GridRows     int    `json:"grid_rows"`
	Instructions string `json:"instructions"`
	ExpiresAt    int64  `json:"expires_at"`

	// FromPool records whether the image came from the ammo pool.
	FromPool bool `json:"-"`
}

// pendingChallenge is the server-side record stored under captcha:<id>.
type pendingChallenge struct {
	Answer     string            `json:"answer"`
	CircuitID  string            `json:"circuit_id,omitempty"`
	Difficulty threat.Difficulty `json:"difficulty"`
	CreatedAt  int64             `json:"created_at"`
	ExpiresAt  int64             `json:"expires_at"`
}

// Result is the outcome of a verification attempt.
type Result struct {
	Success             bool   `json:"success"`
	RemainingChallenges int    `json:"remaining_challenges"`
	PassportToken       string `json:"passport_token,omitempty"`
	PassportExpires     int64  `json:"passport_expires,omitempty"`
	ErrorMessage        string `json:"error_message,omitempty"`
}

// Minter issues local passports on successful solves. Implemented by the
// passport service.
type Minter interface {
	MintLocal(ctx context.Context, circuitID string) (token string, expiresAt int64, err error)
}

// Engine generates challenges and verifies answers, preferring the ammo
// pool and falling back to inline generation on a miss.
type Engine struct {
	store        store.Store
	ammo         *AmmoBox
	minter       Minter
	challengeTTL time.Duration
}

// NewEngine wires the engine to its store, pool, and passport minter.
func NewEngine(st store.Store, ammo *AmmoBox, minter Minter, challengeTTL time.Duration) *Engine {
	return &Engine{
		store:        st,
		ammo:         ammo,
		minter:       minter,
		challengeTTL: challengeTTL,
	}
}

// GenerateChallenge creates a challenge at the given difficulty, stores the
// pending answer, and returns the client-facing challenge.
func (e *Engine) GenerateChallenge(ctx context.Context, circuitID string, difficulty threat.Difficulty) (*Challenge, error) {
	id, err := newChallengeID()
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCaptcha, "challenge id", err)
	}

	// Pool first. Pooled stock can lag a dial change, so an item at the
	// wrong difficulty goes back and generation happens inline.
	var pre Pregen
	fromPool := false
	if c, ok := e.ammo.Pop(); ok {
		if c.Difficulty == difficulty {
			pre = c
			fromPool = true
		} else {
			e.ammo.Push(c)
			pre = Generate(difficulty)
		}
	} else {
		pre = Generate(difficulty)
	}

	now := time.Now().Unix()
	expiresAt := now + int64(e.challengeTTL.Seconds())

	pending := pendingChallenge{
		Answer:     pre.Answer,
		CircuitID:  circuitID,
		Difficulty: difficulty,
		CreatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindCaptcha, "marshal pending challenge", err)
	}
	if err := e.store.Set(ctx, store.CaptchaPrefix+id, data, e.challengeTTL); err != nil {
		return nil, errdefs.Wrap(errdefs.KindStore, "store pending challenge", err)
	}

	cols, rows := difficulty.GridSize()
	slog.Debug("Generated challenge", "challenge_id", id, "circuit_id", circuitID, "difficulty", difficulty)

	return &Challenge{
		ChallengeID:  id,
		ImageData:    pre.ImageData,
		GridCols:     cols,
		GridRows:     rows,
		Instructions: instructions(difficulty),
		ExpiresAt:    expiresAt,
		FromPool:     fromPool,
	}, nil
}

// Verify checks a user answer against the pending challenge. The challenge
// is consumed atomically regardless of outcome: a second verify for the
// same id always fails with "expired or invalid".
func (e *Engine) Verify(ctx context.Context, challengeID, userAnswer, circuitID string) (*Result, error) {
	data, err := e.store.GetDel(ctx, store.CaptchaPrefix+challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return &Result{
			Success:      false,
			ErrorMessage: "Challenge expired or invalid",
		}, nil
	}
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindStore, "fetch pending challenge", err)
	}

	var pending pendingChallenge
	if err := json.Unmarshal(data, &pending); err != nil {
		return nil, errdefs.Wrap(errdefs.KindCaptcha, "decode pending challenge", err)
	}

	now := time.Now().Unix()
	if now > pending.ExpiresAt {
		return &Result{
			Success:      false,
			ErrorMessage: "Challenge expired",
		}, nil
	}

	// Circuits can rotate mid-session: a mismatch is recorded, not fatal.
	if pending.CircuitID != "" && circuitID != "" && pending.CircuitID != circuitID {
		slog.Warn("Circuit id mismatch on verify",
			"challenge_id", challengeID,
			"stored_circuit", pending.CircuitID,
			"request_circuit", circuitID)
	}

	var correct bool
	if pending.Difficulty.CaseSensitive() {
		correct = userAnswer == pending.Answer
	} else {
		correct = strings.EqualFold(userAnswer, pending.Answer)
	}

	if !correct {
		slog.Debug("Challenge verification failed", "challenge_id", challengeID, "circuit_id", circuitID)
		return &Result{
			Success:             false,
			RemainingChallenges: 1,
			ErrorMessage:        "Incorrect answer",
		}, nil
	}

	token, expiresAt, err := e.minter.MintLocal(ctx, circuitID)
	if err != nil {
		return nil, fmt.Errorf("mint passport: %w", err)
	}

	slog.Info("Challenge verified", "challenge_id", challengeID, "circuit_id", circuitID)
	return &Result{
		Success:         true,
		PassportToken:   token,
		PassportExpires: expiresAt,
	}, nil
}
