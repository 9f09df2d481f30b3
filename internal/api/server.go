// Package api exposes the gateway's HTTP surface: the challenge flow for
// clients, the validation hook for the edge proxy, and the admin dial.
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cerberus-gate/fortify/internal/captcha"
	"github.com/cerberus-gate/fortify/internal/circuit"
	"github.com/cerberus-gate/fortify/internal/cluster"
	"github.com/cerberus-gate/fortify/internal/metrics"
	"github.com/cerberus-gate/fortify/internal/passport"
	"github.com/cerberus-gate/fortify/internal/store"
	"github.com/cerberus-gate/fortify/internal/threat"
	"github.com/cerberus-gate/fortify/internal/upstream"
)

// Server wires the gateway components into an HTTP handler.
type Server struct {
	store     store.Store
	engine    *captcha.Engine
	ammo      *captcha.AmmoBox
	tracker   *circuit.Tracker
	issuer    *passport.Issuer
	crossNode *passport.CrossNode
	gossip    *cluster.Gossip
	dial      *threat.Dial
	metrics   *metrics.Metrics
	haproxy   *upstream.HAProxy

	adminToken  string
	activeConns atomic.Int32
}

// Options carries the server's collaborators.
type Options struct {
	Store     store.Store
	Engine    *captcha.Engine
	Ammo      *captcha.AmmoBox
	Tracker   *circuit.Tracker
	Issuer    *passport.Issuer
	CrossNode *passport.CrossNode
	Gossip    *cluster.Gossip
	Dial      *threat.Dial
	Metrics   *metrics.Metrics
	HAProxy   *upstream.HAProxy
	// AdminToken guards /admin. Empty hides the admin surface.
	AdminToken string
}

// NewServer builds the gateway HTTP server.
func NewServer(opts Options) *Server {
	return &Server{
		store:      opts.Store,
		engine:     opts.Engine,
		ammo:       opts.Ammo,
		tracker:    opts.Tracker,
		issuer:     opts.Issuer,
		crossNode:  opts.CrossNode,
		gossip:     opts.Gossip,
		dial:       opts.Dial,
		metrics:    opts.Metrics,
		haproxy:    opts.HAProxy,
		adminToken: opts.AdminToken,
	}
}

// ActiveConns returns the number of requests currently in flight, for the
// gossip broadcaster.
func (s *Server) ActiveConns() uint32 {
	n := s.activeConns.Load()
	if n < 0 {
		return 0
	}
	return uint32(n)
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.trackConns)
	r.Use(logRequests)

	// Challenge flow (works with and without JavaScript).
	r.HandleFunc("/", s.handleCaptchaPage).Methods("GET")
	r.HandleFunc("/captcha.html", s.handleCaptchaPage).Methods("GET")
	r.HandleFunc("/challenge", s.handleGetChallenge).Methods("GET")
	r.HandleFunc("/verify", s.handleVerify).Methods("POST")

	// Edge proxy hook.
	r.HandleFunc("/validate", s.handleValidate).Methods("GET")

	// Protected backend stand-in.
	r.PathPrefix("/app/").HandlerFunc(s.handleProtectedApp).Methods("GET")

	// Debugging.
	r.HandleFunc("/circuit/{circuit_id}", s.handleGetCircuit).Methods("GET")

	// Health and telemetry.
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Admin surface.
	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminAuth)
	admin.HandleFunc("/threat-level", s.handleGetThreatLevel).Methods("GET")
	admin.HandleFunc("/threat-level", s.handleSetThreatLevel).Methods("POST")
	admin.HandleFunc("/circuits/{circuit_id}", s.handleGetCircuit).Methods("GET")
	admin.HandleFunc("/circuits/{circuit_id}", s.handleBanCircuit).Methods("DELETE")
	admin.HandleFunc("/handoff", s.handleMintHandoff).Methods("POST")
	admin.HandleFunc("/stats", s.handleStats).Methods("GET")

	return r
}

// trackConns maintains the in-flight request count reported in gossip
// packets.
func (s *Server) trackConns(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.activeConns.Add(1)
		defer s.activeConns.Add(-1)
		next.ServeHTTP(w, r)
	})
}

// logRequests emits one structured line per request.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// adminAuth enforces the bearer token. An unset token makes the whole
// admin surface answer 404 so the paths stay undiscoverable.
func (s *Server) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			http.NotFound(w, r)
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix ||
			subtle.ConstantTimeCompare([]byte(auth[len(prefix):]), []byte(s.adminToken)) != 1 {
			slog.Warn("Rejected admin request", "path", r.URL.Path, "remote", r.RemoteAddr)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
