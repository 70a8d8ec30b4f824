// Package ops exposes the operational HTTP surface: health, Prometheus
// metrics, kill switch status, and the operator emergency-stop controls.
// Read endpoints are safe to expose; the stop endpoints are POST-only and
// intended for a trusted operator network.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/quantgate/quantgate/internal/killswitch"
	"github.com/quantgate/quantgate/internal/metrics"
)

// Server is the ops HTTP server.
type Server struct {
	router *mux.Router
	server *http.Server
	ks     *killswitch.KillSwitch
}

// NewServer wires the routes.
func NewServer(addr string, ks *killswitch.KillSwitch, m *metrics.Metrics) *Server {
	s := &Server{
		router: mux.NewRouter(),
		ks:     ks,
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	s.router.HandleFunc("/killswitch", s.handleKillSwitch).Methods("GET")
	s.router.HandleFunc("/killswitch/emergency-stop", s.handleEmergencyStop).Methods("POST")
	s.router.HandleFunc("/killswitch/reset", s.handleReset).Methods("POST")

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler returns the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleKillSwitch(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ks.Status())
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Reason == "" {
		http.Error(w, "reason required", http.StatusBadRequest)
		return
	}
	s.ks.EmergencyStop("operator: " + body.Reason)
	writeJSON(w, http.StatusOK, s.ks.Status())
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.ks.ResetEmergencyStop()
	writeJSON(w, http.StatusOK, s.ks.Status())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("ops response encode failed")
	}
}
