// Package http exposes the operational surface: health and metrics.
// The engine itself has no inbound API; alerts flow outward through
// sinks only.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/stormwatch/internal/metrics"
)

// Server is the ops endpoint for one engine process.
type Server struct {
	srv     *http.Server
	started time.Time
	version string
	symbols func() []string
}

// NewServer wires /health and /metrics on the given address.
func NewServer(addr, version string, reg *metrics.Registry, symbols func() []string) *Server {
	s := &Server{
		started: time.Now(),
		version: version,
		symbols: symbols,
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", reg.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

type healthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Uptime  string   `json:"uptime"`
	Symbols []string `json:"symbols"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
	}
	if s.symbols != nil {
		resp.Symbols = s.symbols()
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("health response write failed")
	}
}

// Start serves until Shutdown. ErrServerClosed is swallowed; anything
// else is a real bind or serve failure.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("ops server listening")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
