package captcha

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-gate/fortify/internal/store"
	"github.com/cerberus-gate/fortify/internal/threat"
)

type fakeMinter struct {
	minted []string
}

func (f *fakeMinter) MintLocal(ctx context.Context, circuitID string) (string, int64, error) {
	f.minted = append(f.minted, circuitID)
	return "test-passport-token", time.Now().Unix() + 600, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *fakeMinter) {
	st := store.NewMemory()
	ammo := NewAmmoBox(testAmmoConfig(t, 16))
	minter := &fakeMinter{}
	return NewEngine(st, ammo, minter, 5*time.Minute), st, minter
}

// storedAnswer digs the correct answer out of the store for a challenge.
func storedAnswer(t *testing.T, st *store.Memory, challengeID string) string {
	t.Helper()
	data, err := st.Get(context.Background(), store.CaptchaPrefix+challengeID)
	require.NoError(t, err)
	var pending struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(data, &pending))
	return pending.Answer
}

func TestEngine_GenerateChallenge(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	ch, err := eng.GenerateChallenge(ctx, "circ-1", threat.Medium)
	require.NoError(t, err)

	assert.NotEmpty(t, ch.ChallengeID)
	assert.True(t, strings.HasPrefix(ch.ImageData, "data:image/svg+xml;base64,"))
	assert.Equal(t, 3, ch.GridCols)
	assert.Equal(t, 3, ch.GridRows)
	assert.NotEmpty(t, ch.Instructions)
	assert.Greater(t, ch.ExpiresAt, time.Now().Unix())

	// The answer is stored server-side, never in the challenge.
	answer := storedAnswer(t, st, ch.ChallengeID)
	assert.Len(t, answer, 5)
	payload, _ := json.Marshal(ch)
	assert.NotContains(t, string(payload), answer)
}

func TestEngine_VerifyCorrectAnswerMintsPassport(t *testing.T) {
	eng, st, minter := newTestEngine(t)
	ctx := context.Background()

	ch, err := eng.GenerateChallenge(ctx, "circ-1", threat.Medium)
	require.NoError(t, err)
	answer := storedAnswer(t, st, ch.ChallengeID)

	// Medium compares case-insensitively.
	res, err := eng.Verify(ctx, ch.ChallengeID, strings.ToLower(answer), "circ-1")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "test-passport-token", res.PassportToken)
	assert.Equal(t, []string{"circ-1"}, minter.minted)
}

func TestEngine_VerifyIsSingleUse(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	ch, err := eng.GenerateChallenge(ctx, "", threat.Medium)
	require.NoError(t, err)
	answer := storedAnswer(t, st, ch.ChallengeID)

	res, err := eng.Verify(ctx, ch.ChallengeID, answer, "")
	require.NoError(t, err)
	require.True(t, res.Success)

	// Second attempt with the same id fails: the record was consumed.
	res, err = eng.Verify(ctx, ch.ChallengeID, answer, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Challenge expired or invalid", res.ErrorMessage)
}

func TestEngine_VerifyWrongAnswer(t *testing.T) {
	eng, _, minter := newTestEngine(t)
	ctx := context.Background()

	ch, err := eng.GenerateChallenge(ctx, "circ-2", threat.Medium)
	require.NoError(t, err)

	res, err := eng.Verify(ctx, ch.ChallengeID, "WRONG", "circ-2")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.RemainingChallenges)
	assert.Equal(t, "Incorrect answer", res.ErrorMessage)
	assert.Empty(t, minter.minted)

	// The wrong attempt consumed the challenge.
	res, err = eng.Verify(ctx, ch.ChallengeID, "WRONG", "circ-2")
	require.NoError(t, err)
	assert.Equal(t, "Challenge expired or invalid", res.ErrorMessage)
}

func TestEngine_VerifyExpired(t *testing.T) {
	st := store.NewMemory()
	ammo := NewAmmoBox(testAmmoConfig(t, 4))
	eng := NewEngine(st, ammo, &fakeMinter{}, 5*time.Minute)
	ctx := context.Background()

	// Plant a pending challenge whose logical expiry has already passed
	// even though the store key is still live.
	pending := pendingChallenge{
		Answer:     "ABCDE",
		Difficulty: threat.Medium,
		CreatedAt:  time.Now().Unix() - 600,
		ExpiresAt:  time.Now().Unix() - 300,
	}
	data, _ := json.Marshal(pending)
	require.NoError(t, st.Set(ctx, store.CaptchaPrefix+"stale", data, time.Minute))

	res, err := eng.Verify(ctx, "stale", "ABCDE", "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Challenge expired", res.ErrorMessage)
}

func TestEngine_HardDifficultyIsCaseSensitive(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	ch, err := eng.GenerateChallenge(ctx, "", threat.Hard)
	require.NoError(t, err)
	answer := storedAnswer(t, st, ch.ChallengeID)

	lowered := strings.ToLower(answer)
	if lowered != answer {
		res, err := eng.Verify(ctx, ch.ChallengeID, lowered, "")
		require.NoError(t, err)
		assert.False(t, res.Success, "hard challenges must match exactly")
	}
}

func TestEngine_CircuitMismatchDoesNotFail(t *testing.T) {
	eng, st, _ := newTestEngine(t)
	ctx := context.Background()

	ch, err := eng.GenerateChallenge(ctx, "circ-a", threat.Medium)
	require.NoError(t, err)
	answer := storedAnswer(t, st, ch.ChallengeID)

	// Circuits may rotate between issue and verify.
	res, err := eng.Verify(ctx, ch.ChallengeID, answer, "circ-b")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestEngine_PoolPreferredOverInline(t *testing.T) {
	st := store.NewMemory()
	ammo := NewAmmoBox(testAmmoConfig(t, 16))
	ammo.PushBatch(ammo.GenerateBatch(4, threat.Medium))
	eng := NewEngine(st, ammo, &fakeMinter{}, 5*time.Minute)

	_, err := eng.GenerateChallenge(context.Background(), "", threat.Medium)
	require.NoError(t, err)

	stats := ammo.Stats()
	assert.Equal(t, uint64(1), stats.Served)
	assert.Equal(t, 3, stats.PoolSize)
}
