// Package server exposes the simulation engine over JSON/HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ppiankov/whatif/internal/config"
	"github.com/ppiankov/whatif/internal/model"
	"github.com/ppiankov/whatif/internal/sim"
	"github.com/ppiankov/whatif/internal/upstream"
)

// ServiceName is reported on the root and health endpoints.
const ServiceName = "whatif"

// Server is the HTTP front of the simulation engine. Config-derived
// state (upstream client, simulator, admin token) swaps atomically on
// hot-reload under mu.
type Server struct {
	mu      sync.RWMutex
	cfg     *config.Config
	cfgHash string
	up      *upstream.Client
	sim     *sim.Simulator

	cfgPath string
	log     *zap.Logger
	srv     *http.Server
}

// New creates a server from loaded configuration. cfgPath is kept for
// hot-reload; it may be empty when running on defaults.
func New(cfg *config.Config, cfgHash, cfgPath string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{cfgPath: cfgPath, log: log}
	s.apply(cfg, cfgHash)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /healthz", s.handleRoot)
	mux.HandleFunc("POST /simulate", s.handleSimulate)

	s.srv = &http.Server{
		Addr:    cfg.Listen,
		Handler: s.withRequestLog(mux),
	}
	return s
}

// Handler returns the root handler. For testing.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start listens and serves until ctx is cancelled, then drains with a
// 5s grace period.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Reload re-reads the config file and swaps the upstream client and
// auth settings. A changed listen address takes effect on restart only.
func (s *Server) Reload() error {
	cfg, hash, err := config.Load(s.cfgPath)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	s.apply(cfg, hash)
	s.log.Info("config reloaded", zap.String("config_hash", hash))
	return nil
}

func (s *Server) apply(cfg *config.Config, hash string) {
	up := upstream.New(upstream.Config{
		BaseURL: cfg.Upstream.BaseURL,
		Token:   cfg.Upstream.Token,
		Timeout: cfg.Upstream.Timeout(),
	})
	s.mu.Lock()
	s.cfg = cfg
	s.cfgHash = hash
	s.up = up
	s.sim = sim.New(up, up, s.log)
	s.mu.Unlock()
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"name":   ServiceName,
		"status": "ok",
	})
}

// simulateRequest is the wire form of a simulation request.
type simulateRequest struct {
	Mode             string          `json:"mode"`
	Collection       string          `json:"collection"`
	Query            json.RawMessage `json:"query"`
	IncludeRequester *bool           `json:"includeRequester"`
	UserID           string          `json:"userId"`
	RoleID           string          `json:"roleId"`
}

type itemsPayload struct {
	Items []model.Row `json:"items"`
}

// simulateResponse is the wire form of a successful simulation.
type simulateResponse struct {
	Mode       model.Mode    `json:"mode"`
	Collection string        `json:"collection"`
	Query      model.Query   `json:"query"`
	Warnings   []string      `json:"warnings"`
	Simulated  itemsPayload  `json:"simulated"`
	Requester  *itemsPayload `json:"requester,omitempty"`
	Hints      []model.Hint  `json:"hints"`
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	cfg := s.cfg
	up := s.up
	simulator := s.sim
	s.mu.RUnlock()

	caller, err := s.resolveCaller(r.Context(), cfg, up, bearerToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Forbidden wins over any validation error: a non-admin caller
	// learns nothing about what would have been a bad request.
	if !caller.Admin {
		s.writeError(w, r, &sim.ForbiddenError{})
		return
	}

	var body simulateRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, &sim.RejectedError{Reason: "request body is not valid JSON"})
		return
	}

	query, err := model.ParseQuery(body.Query)
	if err != nil {
		s.writeError(w, r, &sim.RejectedError{Reason: err.Error()})
		return
	}

	include := true
	if body.IncludeRequester != nil {
		include = *body.IncludeRequester
	}

	result, err := simulator.Run(r.Context(), caller, sim.Request{
		Mode:             model.Mode(body.Mode),
		Collection:       body.Collection,
		Query:            query,
		IncludeRequester: include,
		UserID:           body.UserID,
		RoleID:           body.RoleID,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := simulateResponse{
		Mode:       result.Mode,
		Collection: result.Collection,
		Query:      result.EffectiveQuery,
		Warnings:   result.Warnings,
		Simulated:  itemsPayload{Items: orEmpty(result.SimulatedItems)},
		Hints:      result.Hints,
	}
	if resp.Warnings == nil {
		resp.Warnings = []string{}
	}
	if resp.Hints == nil {
		resp.Hints = []model.Hint{}
	}
	if include {
		resp.Requester = &itemsPayload{Items: orEmpty(result.RequesterItems)}
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveCaller maps the inbound bearer token to an accountability:
// the configured static admin token, or whatever the upstream says the
// token belongs to. The admin check itself happens in the simulator.
func (s *Server) resolveCaller(ctx context.Context, cfg *config.Config, up *upstream.Client, token string) (model.Accountability, error) {
	if token == "" {
		return model.Accountability{}, &sim.ForbiddenError{}
	}
	if cfg.AdminToken != "" && token == cfg.AdminToken {
		return model.Accountability{Admin: true, App: true}, nil
	}
	return up.CurrentUser(ctx, token)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError

	var forbiddenErr *sim.ForbiddenError
	var rejectedErr *sim.RejectedError
	var apiErr *upstream.APIError
	switch {
	case errors.As(err, &forbiddenErr):
		status = http.StatusForbidden
	case errors.As(err, &rejectedErr):
		status = http.StatusBadRequest
	case errors.As(err, &apiErr):
		if apiErr.Status > 0 {
			status = apiErr.Status
		}
	}

	s.log.Warn("request failed",
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err))
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return ""
}

func orEmpty(rows []model.Row) []model.Row {
	if rows == nil {
		return []model.Row{}
	}
	return rows
}

// statusWriter captures the response status for access logging.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		w.Header().Set("X-Request-Id", reqID)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r)

		s.log.Info("request",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Duration("duration", time.Since(start)))
	})
}
