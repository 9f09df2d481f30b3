package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerberus-gate/fortify/internal/captcha"
	"github.com/cerberus-gate/fortify/internal/circuit"
	"github.com/cerberus-gate/fortify/internal/cluster"
	"github.com/cerberus-gate/fortify/internal/metrics"
	"github.com/cerberus-gate/fortify/internal/passport"
	"github.com/cerberus-gate/fortify/internal/store"
	"github.com/cerberus-gate/fortify/internal/threat"
	"github.com/cerberus-gate/fortify/internal/upstream"
)

type testEnv struct {
	server  *Server
	router  http.Handler
	store   *store.Memory
	tracker *circuit.Tracker
	dial    *threat.Dial
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemory()
	ammo := captcha.NewAmmoBox(captcha.AmmoConfig{
		RAMCapacity:   64,
		CacheDir:      t.TempDir(),
		MaxDiskCache:  1000,
		MinDiskFreeGB: 0,
	})
	issuer := passport.NewIssuer(st, 10*time.Minute)
	engine := captcha.NewEngine(st, ammo, issuer, 5*time.Minute)
	tracker := circuit.NewTracker(st, circuit.TrackerConfig{
		CircuitTTL:        30 * time.Minute,
		MaxFailedAttempts: 3,
		SoftLockDuration:  10 * time.Minute,
		BanDuration:       time.Hour,
		MaxRequestsPerMin: 5,
	})
	crossNode, err := passport.NewCrossNode(passport.DefaultCrossNodeConfig("node-test"))
	require.NoError(t, err)
	dial := threat.NewDial(2)

	srv := NewServer(Options{
		Store:      st,
		Engine:     engine,
		Ammo:       ammo,
		Tracker:    tracker,
		Issuer:     issuer,
		CrossNode:  crossNode,
		Gossip:     cluster.NewGossip(cluster.DefaultGossipConfig(), "node-test"),
		Dial:       dial,
		Metrics:    metrics.NewWith(prometheus.NewRegistry()),
		HAProxy:    upstream.NewHAProxy("/nonexistent/haproxy.sock", "be_stick_tables"),
		AdminToken: "admin-token",
	})
	return &testEnv{
		server:  srv,
		router:  srv.Router(),
		store:   st,
		tracker: tracker,
		dial:    dial,
	}
}

func (e *testEnv) do(t *testing.T, method, target, contentType, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) storedAnswer(t *testing.T, challengeID string) string {
	t.Helper()
	data, err := e.store.Get(context.Background(), store.CaptchaPrefix+challengeID)
	require.NoError(t, err)
	var pending struct {
		Answer string `json:"answer"`
	}
	require.NoError(t, json.Unmarshal(data, &pending))
	return pending.Answer
}

// ---------------------------------------------------------------------------
// Happy path: challenge -> verify -> validate
// ---------------------------------------------------------------------------

func TestSolveFlowEndToEnd(t *testing.T) {
	env := newTestEnv(t)

	// 1. Fetch a challenge.
	w := env.do(t, "GET", "/challenge?circuit_id=circ-1", "", "")
	require.Equal(t, http.StatusOK, w.Code)

	var ch challengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.NotEmpty(t, ch.ChallengeID)
	assert.Equal(t, 2, ch.GridCols) // level 2 -> easy
	assert.Equal(t, 1, ch.ChallengesRequired)
	assert.NotContains(t, w.Body.String(), env.storedAnswer(t, ch.ChallengeID))

	// 2. Verify with the correct answer.
	answer := env.storedAnswer(t, ch.ChallengeID)
	body, _ := json.Marshal(verifyRequest{ChallengeID: ch.ChallengeID, Answer: answer, CircuitID: "circ-1"})
	w = env.do(t, "POST", "/verify", "application/json", string(body))
	require.Equal(t, http.StatusOK, w.Code)

	var result captcha.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.True(t, result.Success)
	require.NotEmpty(t, result.PassportToken)

	// Circuit is now verified with the passport attached.
	info, err := env.tracker.Get(context.Background(), "circ-1")
	require.NoError(t, err)
	assert.Equal(t, circuit.StatusVerified, info.Status)
	assert.Equal(t, result.PassportToken, info.PassportToken)

	// 3. The edge proxy validates the passport.
	w = env.do(t, "GET", "/validate?token="+url.QueryEscape(result.PassportToken)+"&circuit_id=circ-1", "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestValidate_InvalidToken(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/validate?token=bogus", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestValidate_HandoffTokenAccepted(t *testing.T) {
	env := newTestEnv(t)

	// A peer node mints a handoff bound to this node.
	peer, err := passport.NewCrossNode(passport.DefaultCrossNodeConfig("node-peer"))
	require.NoError(t, err)
	require.NoError(t, env.server.crossNode.AddPeerKey("node-peer", peer.PublicKeyB64()))

	token, err := peer.Mint("node-test")
	require.NoError(t, err)

	w := env.do(t, "GET", "/validate?token="+url.QueryEscape(token), "", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

// ---------------------------------------------------------------------------
// Failure handling
// ---------------------------------------------------------------------------

func TestRepeatedFailuresSoftLockCircuit(t *testing.T) {
	env := newTestEnv(t)

	// Three wrong answers hit the lock threshold.
	for i := 0; i < 3; i++ {
		w := env.do(t, "GET", "/challenge?circuit_id=circ-bad", "", "")
		require.Equal(t, http.StatusOK, w.Code)
		var ch challengeResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))

		body, _ := json.Marshal(verifyRequest{ChallengeID: ch.ChallengeID, Answer: "@@@@", CircuitID: "circ-bad"})
		w = env.do(t, "POST", "/verify", "application/json", string(body))
		require.Equal(t, http.StatusOK, w.Code)
	}

	info, err := env.tracker.Get(context.Background(), "circ-bad")
	require.NoError(t, err)
	require.Equal(t, circuit.StatusSoftLocked, info.Status)

	// Further challenge requests are refused.
	w := env.do(t, "GET", "/challenge?circuit_id=circ-bad", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Too many failed attempts")

	// And the edge proxy gets a 403 for this circuit.
	w = env.do(t, "GET", "/validate?circuit_id=circ-bad&token=whatever", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestValidate_RateLimit(t *testing.T) {
	env := newTestEnv(t)

	token := mintPassport(t, env)

	// Limit is 5/min in the test config.
	for i := 0; i < 5; i++ {
		w := env.do(t, "GET", "/validate?circuit_id=circ-rl&token="+url.QueryEscape(token), "", "")
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}
	w := env.do(t, "GET", "/validate?circuit_id=circ-rl&token="+url.QueryEscape(token), "", "")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func mintPassport(t *testing.T, env *testEnv) string {
	t.Helper()
	w := env.do(t, "GET", "/challenge", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ch challengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))

	body, _ := json.Marshal(verifyRequest{ChallengeID: ch.ChallengeID, Answer: env.storedAnswer(t, ch.ChallengeID)})
	w = env.do(t, "POST", "/verify", "application/json", string(body))
	require.Equal(t, http.StatusOK, w.Code)

	var result captcha.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	require.True(t, result.Success)
	return result.PassportToken
}

// ---------------------------------------------------------------------------
// No-JS form flow
// ---------------------------------------------------------------------------

func TestFormVerifyRedirectsToApp(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	page := w.Body.String()
	assert.Contains(t, page, "<svg")
	assert.Contains(t, page, `name="challenge_id"`)

	// Pull the challenge id out of the hidden form field.
	const marker = `name="challenge_id" value="`
	idx := strings.Index(page, marker)
	require.GreaterOrEqual(t, idx, 0)
	rest := page[idx+len(marker):]
	challengeID := rest[:strings.IndexByte(rest, '"')]

	answer := env.storedAnswer(t, challengeID)
	form := url.Values{"challenge_id": {challengeID}, "answer": {answer}}
	w = env.do(t, "POST", "/verify", "application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusSeeOther, w.Code)
	loc := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "/app/?passport_token="))

	// Following the redirect lands on the protected page.
	w = env.do(t, "GET", loc, "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Welcome to Sigil")
}

func TestFormVerifyWrongAnswerShowsError(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	const marker = `name="challenge_id" value="`
	page := w.Body.String()
	idx := strings.Index(page, marker)
	require.GreaterOrEqual(t, idx, 0)
	rest := page[idx+len(marker):]
	challengeID := rest[:strings.IndexByte(rest, '"')]

	form := url.Values{"challenge_id": {challengeID}, "answer": {"@@@@"}}
	w = env.do(t, "POST", "/verify", "application/x-www-form-urlencoded", form.Encode())

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Incorrect code. Please try again.")
}

func TestFormFlowDeniesBannedCircuit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.tracker.Ban(ctx, "circ-evil", "manual"))

	// The gate page refuses to hand a banned circuit a challenge.
	w := env.do(t, "GET", "/?circuit_id=circ-evil", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Circuit is banned")

	// Even with a solvable challenge in hand (fetched anonymously), the
	// form POST is refused and the ban stands.
	w = env.do(t, "GET", "/", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	challengeID := scrapeChallengeID(t, w.Body.String())
	answer := env.storedAnswer(t, challengeID)

	form := url.Values{
		"challenge_id": {challengeID},
		"answer":       {answer},
		"circuit_id":   {"circ-evil"},
	}
	w = env.do(t, "POST", "/verify", "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusForbidden, w.Code)

	info, err := env.tracker.Get(ctx, "circ-evil")
	require.NoError(t, err)
	assert.Equal(t, circuit.StatusBanned, info.Status)
	assert.Empty(t, info.PassportToken)
}

func scrapeChallengeID(t *testing.T, page string) string {
	t.Helper()
	const marker = `name="challenge_id" value="`
	idx := strings.Index(page, marker)
	require.GreaterOrEqual(t, idx, 0)
	rest := page[idx+len(marker):]
	return rest[:strings.IndexByte(rest, '"')]
}

func TestProtectedAppWithoutPassportRedirects(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/app/", "", "")
	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/", w.Header().Get("Location"))
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

func (e *testEnv) doAdmin(t *testing.T, method, target, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestAdmin_RequiresToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(t, "GET", "/admin/threat-level", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.doAdmin(t, "GET", "/admin/threat-level", "", "wrong-token")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.doAdmin(t, "GET", "/admin/threat-level", "", "admin-token")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdmin_SetThreatLevelChangesDifficulty(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(t, "POST", "/admin/threat-level", `{"level":8}`, "admin-token")
	require.Equal(t, http.StatusOK, w.Code)

	var resp threatLevelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint8(8), resp.Level)
	assert.Equal(t, 3, resp.CaptchaCount)
	assert.Equal(t, threat.Level(8), env.dial.Level())

	// Level 8 selects hard challenges: 4x4 grid.
	w = env.do(t, "GET", "/challenge", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	var ch challengeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ch))
	assert.Equal(t, 4, ch.GridCols)

	// The dial position survives in the store for restarts.
	data, err := env.store.Get(context.Background(), store.ThreatLevelKey)
	require.NoError(t, err)
	assert.Equal(t, []byte{8}, data)
}

func TestAdmin_SetThreatLevelClamps(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(t, "POST", "/admin/threat-level", `{"level":99}`, "admin-token")
	require.Equal(t, http.StatusOK, w.Code)
	var resp threatLevelResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, uint8(10), resp.Level)
}

func TestAdmin_BanCircuit(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(t, "DELETE", "/admin/circuits/circ-evil", "", "admin-token")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, "GET", "/challenge?circuit_id=circ-evil", "", "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "Circuit is banned")
}

func TestAdmin_Stats(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(t, "GET", "/admin/stats", "", "admin-token")
	require.Equal(t, http.StatusOK, w.Code)

	var stats statsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, "node-test", stats.NodeID)
	assert.Equal(t, cluster.Version, stats.Version)
	assert.Equal(t, uint8(2), stats.ThreatLevel)
	assert.False(t, stats.Isolated)
}

func TestAdmin_MintHandoff(t *testing.T) {
	env := newTestEnv(t)

	w := env.doAdmin(t, "POST", "/admin/handoff", `{"target":"node-peer"}`, "admin-token")
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp["token"])
	assert.Equal(t, "node-test", resp["node_id"])
	assert.NotEmpty(t, resp["public_key"])
}

func TestAdmin_HiddenWithoutConfiguredToken(t *testing.T) {
	env := newTestEnv(t)
	env.server.adminToken = ""

	w := env.doAdmin(t, "GET", "/admin/threat-level", "", "anything")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/health", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ok"`)

	w = env.do(t, "GET", "/ready", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"ready"`)
}
