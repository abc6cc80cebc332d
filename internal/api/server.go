// Package api serves the admin HTTP API: tool catalog, dispatch, governance
// administration, audit trail and Prometheus metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"toolgov/internal/domain"
	"toolgov/internal/governance"
	"toolgov/internal/metrics"
	"toolgov/internal/tool"
)

const maxBodySize = 1 << 20

// Dispatcher is the tool registry surface the API exposes.
type Dispatcher interface {
	ListTools() []domain.ToolDefinition
	ListCategories() []string
	ToolsForPrompt() string
	Execute(ctx context.Context, name string, params map[string]any, agent string) domain.ToolResult
}

// GovernanceAdmin is the governance surface the API exposes.
type GovernanceAdmin interface {
	Stats(ctx context.Context) (governance.Stats, error)
	Policies(ctx context.Context) ([]governance.PolicyRule, error)
	CreatePolicy(ctx context.Context, r governance.PolicyRule) (governance.PolicyRule, error)
	SetPolicyActive(ctx context.Context, id int64, active bool) error
	EvaluatePolicy(ctx context.Context, agent, action, target string, params map[string]any) (domain.PolicyDecision, error)
	Tools(ctx context.Context) ([]governance.ToolRecord, error)
	SetToolRBAC(ctx context.Context, toolName string, agents []string) error
	SetToolActive(ctx context.Context, toolName string, active bool) error
	AuditTrail(ctx context.Context, limit int, agent string) ([]domain.AuditEvent, error)
	RunPolicyTests(ctx context.Context, cases []governance.PolicyTestCase) governance.PolicyTestSuite
}

type Config struct {
	Host   string
	Port   int
	APIKey string
	Tools  Dispatcher
	// Governance may be nil; its routes then answer 503.
	Governance GovernanceAdmin
	Gatherer   prometheus.Gatherer
	Logger     *slog.Logger

	// RatePerMinute throttles tool dispatch per agent; zero disables it.
	RatePerMinute float64
	RateBurst     int
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	limiter *agentLimiter
	server  *http.Server
}

func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{cfg: cfg, logger: logger}
	if cfg.RatePerMinute > 0 {
		s.limiter = newAgentLimiter(cfg.RateBurst, cfg.RatePerMinute)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tools": len(s.cfg.Tools.ListTools())})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)

		r.Handle("/metrics", metrics.Handler(s.cfg.Gatherer))

		r.Route("/tools", func(r chi.Router) {
			r.Get("/", s.listTools)
			r.Get("/prompt", s.toolsPrompt)
			r.Get("/categories", s.listCategories)
			r.Post("/{name}/execute", s.executeTool)
		})

		r.Route("/governance", func(r chi.Router) {
			r.Use(s.requireGovernance)
			r.Get("/stats", s.stats)
			r.Get("/policies", s.listPolicies)
			r.Post("/policies", s.createPolicy)
			r.Post("/policies/{id}/active", s.setPolicyActive)
			r.Post("/evaluate", s.evaluate)
			r.Get("/tools", s.governedTools)
			r.Post("/tools/{name}/rbac", s.setRBAC)
			r.Post("/tools/{name}/active", s.setToolActive)
			r.Get("/audit", s.auditTrail)
			r.Get("/policy-tests", s.policyTests)
		})
	})
	return r
}

// Start listens until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      150 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	s.logger.Info("admin API started", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("admin API shutdown", "err", err)
		}
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.APIKey)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireGovernance(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.Governance == nil {
			writeError(w, http.StatusServiceUnavailable, "governance is not configured")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// --- tools ---

func (s *Server) listTools(w http.ResponseWriter, r *http.Request) {
	defs := s.cfg.Tools.ListTools()
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs, "count": len(defs)})
}

func (s *Server) toolsPrompt(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	io.WriteString(w, s.cfg.Tools.ToolsForPrompt())
}

func (s *Server) listCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": s.cfg.Tools.ListCategories()})
}

type executeRequest struct {
	Params map[string]any `json:"params"`
	Agent  string         `json:"agent"`
}

func (s *Server) executeTool(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !s.allowDispatch(w, req.Agent) {
		return
	}
	name := chi.URLParam(r, "name")
	res := s.cfg.Tools.Execute(r.Context(), name, req.Params, req.Agent)
	writeJSON(w, statusFor(res), res)
}

// statusFor maps dispatch codes to HTTP statuses. Tool-level failures are
// still a completed request.
func statusFor(res domain.ToolResult) int {
	switch res.Code {
	case tool.CodeNotFound:
		return http.StatusNotFound
	case tool.CodeRBACDenied, tool.CodeGovernanceDenied:
		return http.StatusForbidden
	case tool.CodeInvalidParams:
		return http.StatusBadRequest
	case tool.CodeExecutionError:
		return http.StatusInternalServerError
	}
	return http.StatusOK
}

// --- governance ---

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cfg.Governance.Stats(r.Context())
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listPolicies(w http.ResponseWriter, r *http.Request) {
	rules, err := s.cfg.Governance.Policies(r.Context())
	if err != nil {
		s.internalError(w, "list policies", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": rules})
}

// policyRequest defaults isActive to true when the body omits it.
type policyRequest struct {
	governance.PolicyRule
	IsActive *bool `json:"isActive"`
}

func (s *Server) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	rule := req.PolicyRule
	rule.Active = req.IsActive == nil || *req.IsActive
	created, err := s.cfg.Governance.CreatePolicy(r.Context(), rule)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) setPolicyActive(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid policy id")
		return
	}
	var body struct {
		Active bool `json:"active"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	err = s.cfg.Governance.SetPolicyActive(r.Context(), id, body.Active)
	if errors.Is(err, governance.ErrNotFound) {
		writeError(w, http.StatusNotFound, "policy not found")
		return
	}
	if err != nil {
		s.internalError(w, "set policy active", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": body.Active})
}

type evaluateRequest struct {
	Agent  string         `json:"agent"`
	Action string         `json:"action"`
	Target string         `json:"target"`
	Params map[string]any `json:"params"`
}

func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Action == "" {
		writeError(w, http.StatusBadRequest, "action is required")
		return
	}
	decision, err := s.cfg.Governance.EvaluatePolicy(r.Context(), req.Agent, req.Action, req.Target, req.Params)
	if err != nil {
		s.internalError(w, "evaluate policy", err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) governedTools(w http.ResponseWriter, r *http.Request) {
	tools, err := s.cfg.Governance.Tools(r.Context())
	if err != nil {
		s.internalError(w, "list governed tools", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

func (s *Server) setRBAC(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AllowedAgents []string `json:"allowedAgents"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := chi.URLParam(r, "name")
	err := s.cfg.Governance.SetToolRBAC(r.Context(), name, body.AllowedAgents)
	if errors.Is(err, governance.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tool not found in registry")
		return
	}
	if err != nil {
		s.internalError(w, "set rbac", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "allowedAgents": body.AllowedAgents})
}

func (s *Server) setToolActive(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active bool `json:"active"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	name := chi.URLParam(r, "name")
	err := s.cfg.Governance.SetToolActive(r.Context(), name, body.Active)
	if errors.Is(err, governance.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tool not found in registry")
		return
	}
	if err != nil {
		s.internalError(w, "set tool active", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tool": name, "active": body.Active})
}

func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, 1000)
	}
	events, err := s.cfg.Governance.AuditTrail(r.Context(), limit, r.URL.Query().Get("agent"))
	if err != nil {
		s.internalError(w, "audit trail", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) policyTests(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cfg.Governance.RunPolicyTests(r.Context(), governance.DefaultPolicyTests))
}

// --- helpers ---

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("admin API request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("response encode failed", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
