// Package httpapi exposes the operational surface: health, status, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openrange/orbit/internal/exec"
	"github.com/openrange/orbit/internal/model"
	"github.com/openrange/orbit/internal/risk"
)

// Server serves the read-only operational endpoints.
type Server struct {
	manager *exec.Manager
	ledger  *risk.Ledger
	log     zerolog.Logger
	srv     *http.Server
}

// NewServer builds the server on addr.
func NewServer(addr string, manager *exec.Manager, ledger *risk.Ledger, log zerolog.Logger) *Server {
	s := &Server{
		manager: manager,
		ledger:  ledger,
		log:     log.With().Str("component", "httpapi").Logger(),
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	s.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("http server listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	OpenPositions    int              `json:"open_positions"`
	OpenOrders       int              `json:"open_orders"`
	ReservedExposure float64          `json:"reserved_exposure"`
	ExposureCap      float64          `json:"exposure_cap"`
	Cash             float64          `json:"cash"`
	Positions        []model.Position `json:"positions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		OpenPositions:    s.manager.OpenPositions(),
		OpenOrders:       s.manager.OpenOrders(),
		ReservedExposure: s.ledger.Reserved(),
		ExposureCap:      s.ledger.Cap(),
		Cash:             s.manager.Cash(),
		Positions:        s.manager.Positions(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
