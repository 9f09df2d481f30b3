package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/cerberus-gate/fortify/internal/captcha"
	"github.com/cerberus-gate/fortify/internal/circuit"
	"github.com/cerberus-gate/fortify/internal/cluster"
	"github.com/cerberus-gate/fortify/internal/errdefs"
	"github.com/cerberus-gate/fortify/internal/store"
	"github.com/cerberus-gate/fortify/internal/threat"
	"github.com/cerberus-gate/fortify/internal/upstream"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	slog.Error("Request failed", "error", err)
	writeJSON(w, errdefs.HTTPStatus(err), map[string]string{"error": err.Error()})
}

// circuitID reads the circuit identity from the query string or the
// X-Circuit-Id header set by the edge proxy.
func circuitID(r *http.Request) string {
	if id := r.URL.Query().Get("circuit_id"); id != "" {
		return id
	}
	return r.Header.Get("X-Circuit-Id")
}

// checkAdmission runs the circuit allow check, writing the denial when the
// circuit is blocked. Returns false when the request was already answered.
func (s *Server) checkAdmission(w http.ResponseWriter, r *http.Request, cid string) bool {
	if cid == "" {
		return true
	}
	allowed, reason, err := s.tracker.IsAllowed(r.Context(), cid)
	if err != nil {
		writeError(w, err)
		return false
	}
	if !allowed {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": reason})
		return false
	}
	return true
}

// ---------------------------------------------------------------------------
// Challenge flow
// ---------------------------------------------------------------------------

type challengeResponse struct {
	ChallengeID        string `json:"challenge_id"`
	ImageData          string `json:"image_data"`
	GridCols           int    `json:"grid_cols"`
	GridRows           int    `json:"grid_rows"`
	Instructions       string `json:"instructions"`
	ExpiresAt          int64  `json:"expires_at"`
	TimeoutSecs        int    `json:"timeout_secs"`
	ChallengesRequired int    `json:"challenges_required"`
}

func (s *Server) handleGetChallenge(w http.ResponseWriter, r *http.Request) {
	cid := circuitID(r)
	if !s.checkAdmission(w, r, cid) {
		return
	}

	level := s.dial.Level()
	difficulty := level.Difficulty()

	ch, err := s.engine.GenerateChallenge(r.Context(), cid, difficulty)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.RecordChallenge(string(difficulty), ch.FromPool)

	writeJSON(w, http.StatusOK, challengeResponse{
		ChallengeID:        ch.ChallengeID,
		ImageData:          ch.ImageData,
		GridCols:           ch.GridCols,
		GridRows:           ch.GridRows,
		Instructions:       ch.Instructions,
		ExpiresAt:          ch.ExpiresAt,
		TimeoutSecs:        difficulty.TimeoutSecs(),
		ChallengesRequired: level.ChallengeCount(),
	})
}

type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Answer      string `json:"answer"`
	CircuitID   string `json:"circuit_id,omitempty"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		s.verifyJSON(w, r)
		return
	}
	s.verifyForm(w, r)
}

func (s *Server) verifyJSON(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindInvalidInput, "decode verify request", err))
		return
	}
	if !s.checkAdmission(w, r, req.CircuitID) {
		return
	}

	start := time.Now()
	result, err := s.engine.Verify(r.Context(), req.ChallengeID, req.Answer, req.CircuitID)
	if err != nil {
		writeError(w, err)
		return
	}
	s.recordVerifyOutcome(r, req.CircuitID, result.Success, result.ErrorMessage,
		result.PassportToken, result.PassportExpires, time.Since(start))

	writeJSON(w, http.StatusOK, result)
}

// verifyForm is the no-JS path: a form POST that ends in a redirect on
// success or a re-rendered page with the error inline.
func (s *Server) verifyForm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Bad form", http.StatusBadRequest)
		return
	}
	challengeID := r.PostFormValue("challenge_id")
	answer := r.PostFormValue("answer")
	cid := r.PostFormValue("circuit_id")
	if cid == "" {
		cid = circuitID(r)
	}
	if !s.checkAdmission(w, r, cid) {
		return
	}

	start := time.Now()
	result, err := s.engine.Verify(r.Context(), challengeID, answer, cid)
	if err != nil {
		slog.Error("Challenge verification failed", "error", err)
		s.renderCaptchaPage(w, r, "Verification error. Please try again.")
		return
	}
	s.recordVerifyOutcome(r, cid, result.Success, result.ErrorMessage,
		result.PassportToken, result.PassportExpires, time.Since(start))

	if result.Success {
		http.Redirect(w, r, "/app/?passport_token="+url.QueryEscape(result.PassportToken),
			http.StatusSeeOther)
		return
	}
	s.renderCaptchaPage(w, r, "Incorrect code. Please try again.")
}

// recordVerifyOutcome applies the circuit-state and metric side effects of
// a verification attempt.
func (s *Server) recordVerifyOutcome(r *http.Request, cid string, success bool, errMsg, token string, expires int64, elapsed time.Duration) {
	outcome := "success"
	if !success {
		outcome = "wrong_answer"
		if strings.Contains(errMsg, "expired") {
			outcome = "expired"
		}
	}
	s.metrics.RecordVerify(outcome, elapsed.Seconds())

	if cid == "" {
		return
	}
	ctx := r.Context()
	if success {
		info, err := s.tracker.RecordSuccess(ctx, cid, token, expires)
		if err != nil {
			slog.Warn("Failed to record solve", "circuit_id", cid, "error", err)
			return
		}
		if info.Status == circuit.StatusVip {
			if err := s.haproxy.PromoteToVIP(cid); err != nil {
				slog.Warn("Failed to promote circuit at edge", "circuit_id", cid, "error", err)
			}
		}
		return
	}

	info, err := s.tracker.RecordFailure(ctx, cid)
	if err != nil {
		slog.Warn("Failed to record failure", "circuit_id", cid, "error", err)
		return
	}
	if info.Status == circuit.StatusSoftLocked {
		s.metrics.CircuitsLocked.Inc()
	}
}

// ---------------------------------------------------------------------------
// Edge proxy validation
// ---------------------------------------------------------------------------

// handleValidate answers the edge proxy's auth subrequest with a bare
// status code: 200 admit, 401 no valid passport, 403 blocked circuit,
// 429 over the rate limit.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cid := circuitID(r)

	if cid != "" {
		allowed, _, err := s.tracker.IsAllowed(ctx, cid)
		if err != nil {
			writeError(w, err)
			return
		}
		if !allowed {
			s.metrics.RecordValidate("banned")
			w.WriteHeader(http.StatusForbidden)
			return
		}

		withinLimit, _, err := s.tracker.CheckRateLimit(ctx, cid)
		if err != nil {
			writeError(w, err)
			return
		}
		if !withinLimit {
			s.metrics.RecordValidate("rate_limited")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
	}

	token := r.URL.Query().Get("token")
	ok, err := s.issuer.Validate(ctx, token)
	if err != nil {
		writeError(w, err)
		return
	}
	// A cross-node handoff token admits a client shed from a peer.
	if !ok && s.crossNode != nil && token != "" {
		if _, herr := s.crossNode.Validate(token); herr == nil {
			ok = true
		}
	}

	if !ok {
		s.metrics.RecordValidate("invalid")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	s.metrics.RecordValidate("ok")
	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Circuit endpoints
// ---------------------------------------------------------------------------

func (s *Server) handleGetCircuit(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["circuit_id"]
	info, err := s.tracker.Get(r.Context(), cid)
	if err != nil {
		writeError(w, err)
		return
	}
	if info == nil {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleBanCircuit(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["circuit_id"]
	if err := s.tracker.Ban(r.Context(), cid, "Admin ban"); err != nil {
		writeError(w, err)
		return
	}
	if err := s.haproxy.BanCircuit(cid); err != nil {
		slog.Warn("Failed to ban circuit at edge", "circuit_id", cid, "error", err)
	}
	s.metrics.CircuitsBanned.Inc()
	w.WriteHeader(http.StatusOK)
}

// ---------------------------------------------------------------------------
// Admin surface
// ---------------------------------------------------------------------------

type threatLevelResponse struct {
	Level           uint8 `json:"level"`
	RequiresCaptcha bool  `json:"requires_captcha"`
	CaptchaCount    int   `json:"captcha_count"`
}

func threatLevelPayload(l threat.Level) threatLevelResponse {
	return threatLevelResponse{
		Level:           uint8(l),
		RequiresCaptcha: l.RequiresChallenge(),
		CaptchaCount:    l.ChallengeCount(),
	}
}

func (s *Server) handleGetThreatLevel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, threatLevelPayload(s.dial.Level()))
}

func (s *Server) handleSetThreatLevel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Level int `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Wrap(errdefs.KindInvalidInput, "decode threat level", err))
		return
	}

	level := s.dial.Set(req.Level)
	s.metrics.ThreatLevel.Set(float64(level))

	// Persist so restarts and peers resume at the same dial position.
	if err := s.store.Set(r.Context(), store.ThreatLevelKey, []byte{byte(level)}, 0); err != nil {
		slog.Warn("Failed to persist threat level", "error", err)
	}
	slog.Info("Threat level changed", "level", level)

	writeJSON(w, http.StatusOK, threatLevelPayload(level))
}

func (s *Server) handleMintHandoff(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Target string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Target == "" {
		writeError(w, errdefs.New(errdefs.KindInvalidInput, "target node required"))
		return
	}

	token, err := s.crossNode.Mint(req.Target)
	if err != nil {
		writeError(w, err)
		return
	}
	s.metrics.HandoffsMinted.Inc()

	writeJSON(w, http.StatusOK, map[string]string{
		"token":      token,
		"node_id":    s.crossNode.NodeID(),
		"public_key": s.crossNode.PublicKeyB64(),
	})
}

type statsResponse struct {
	NodeID       string              `json:"node_id"`
	Version      string              `json:"version"`
	ThreatLevel  uint8               `json:"threat_level"`
	Ammo         captcha.AmmoStats   `json:"ammo"`
	HealthyPeers []cluster.Packet    `json:"healthy_peers"`
	Isolated     bool                `json:"isolated"`
	StickTable   upstream.TableStats `json:"stick_table"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tableStats, err := s.haproxy.GetTableStats()
	if err != nil {
		slog.Warn("Failed to read stick table stats", "error", err)
	}
	writeJSON(w, http.StatusOK, statsResponse{
		NodeID:       s.gossip.NodeID(),
		Version:      cluster.Version,
		ThreatLevel:  uint8(s.dial.Level()),
		Ammo:         s.ammo.Stats(),
		HealthyPeers: s.gossip.GetHealthyPeers(),
		Isolated:     s.gossip.IsIsolated(),
		StickTable:   tableStats,
	})
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": cluster.Version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"redis":  false,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
		"redis":  true,
	})
}
