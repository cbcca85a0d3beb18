// Package api implements the C8 local HTTP surface: the two endpoints
// the core contract requires (§4.8) plus thin, explicitly out-of-scope
// convenience proxies over the broker client (§6.5). Bound to loopback
// only; unauthenticated by design.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/castlepeak/ibkr-recurring/pkg/broker"
	"github.com/castlepeak/ibkr-recurring/pkg/engine"
	"github.com/castlepeak/ibkr-recurring/pkg/errs"
)

// Broker is the narrow surface the out-of-scope convenience proxies
// need — deliberately thinner than the full broker.Client so this
// package stays decoupled from the concrete client type.
type Broker interface {
	ResolveSymbol(ctx context.Context, symbol string) (string, error)
	GetAccountPositions(ctx context.Context) ([]broker.Position, error)
}

// StatusProvider supplies the next-scheduled-fire-time the status
// endpoint reports; satisfied by *scheduler.Scheduler.
type StatusProvider interface {
	NextFireTime() time.Time
}

// Server is the concrete C8 HTTP surface.
type Server struct {
	router   *mux.Router
	engine   *engine.Engine
	broker   Broker
	sched    StatusProvider
	log      *zap.Logger
}

// New constructs a Server wired to the shared Engine, Broker, and
// Scheduler instances (no per-request construction — one broker
// session and one engine live for the process, per §9's
// singleton-by-wiring redesign note).
func New(e *engine.Engine, b Broker, sched StatusProvider, log *zap.Logger) *Server {
	s := &Server{router: mux.NewRouter(), engine: e, broker: b, sched: sched, log: log}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/recurring/execute", s.handleExecute).Methods(http.MethodPost)
	s.router.HandleFunc("/recurring/status", s.handleStatus).Methods(http.MethodGet)

	// Convenience proxies over C2, explicitly out of scope for the
	// tested core (§1, §4.8) — present so the local surface is
	// complete, but their behavior carries no invariants of its own.
	s.router.HandleFunc("/broker/resolve/{symbol}", s.handleResolveSymbol).Methods(http.MethodGet)
	s.router.HandleFunc("/broker/positions", s.handlePositions).Methods(http.MethodGet)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
}

// Handler returns the root http.Handler, for use by cmd/recurringd.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe binds to 127.0.0.1:port and serves until the process
// exits or the listener errors (§6.5: loopback-only by default).
func (s *Server) ListenAndServe(port int) error {
	addr := "127.0.0.1:" + strconv.Itoa(port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if s.log != nil {
		s.log.Info("http_listening", zap.String("addr", addr))
	}
	return srv.ListenAndServe()
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.ExecuteDue(r.Context(), time.Now())
	if err == errs.ErrBusy {
		respondJSON(w, http.StatusConflict, map[string]string{"status": "busy"})
		return
	}
	if err != nil {
		respondError(w, http.StatusBadGateway, "engine run failed: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	lastRunAt, lastResult := s.engine.LastRun()

	status := map[string]interface{}{
		"last_run_at": lastRunAt,
		"last_result": lastResult,
	}
	if s.sched != nil {
		status["next_fire_time"] = s.sched.NextFireTime()
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleResolveSymbol(w http.ResponseWriter, r *http.Request) {
	symbol := mux.Vars(r)["symbol"]
	if symbol == "" {
		respondError(w, http.StatusBadRequest, "missing symbol")
		return
	}
	conid, err := s.broker.ResolveSymbol(r.Context(), symbol)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"symbol": symbol, "conid": conid})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	positions, err := s.broker.GetAccountPositions(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, positions)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError renders the §6.5 error body {status:"error", message}.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"status": "error", "message": message})
}
