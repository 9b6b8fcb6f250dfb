// Package gateway exposes the coordination layer over HTTP: task submission
// and polling, approval listing and decisions, the liveness report, and
// reputation statistics.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/basket/drover/internal/approval"
	"github.com/basket/drover/internal/liveness"
	"github.com/basket/drover/internal/policy"
	"github.com/basket/drover/internal/reputation"
	"github.com/basket/drover/internal/shared"
	"github.com/basket/drover/internal/store"
	"github.com/basket/drover/internal/task"
	"github.com/basket/drover/internal/toolproto"
)

// Config holds the gateway's collaborators.
type Config struct {
	Queue      *task.Queue
	Approvals  *approval.Registry
	Monitor    *liveness.Monitor
	Reputation *reputation.Engine
	Invoker    *toolproto.Invoker
	Store      store.Store
	Policy     policy.Checker
	Logger     *slog.Logger

	// AuthToken guards every endpoint except /healthz. Empty disables auth.
	AuthToken string

	// ConfigFingerprint is the hash of active config exposed on /healthz.
	ConfigFingerprint string
}

// Server is the HTTP front door.
type Server struct {
	cfg Config
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.Logger = cfg.Logger.With("component", "gateway")
	return &Server{cfg: cfg}
}

// Handler returns the gateway routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("POST /v1/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("POST /v1/enqueue", s.handleEnqueue)
	mux.HandleFunc("GET /v1/approvals", s.handleListApprovals)
	mux.HandleFunc("POST /v1/approvals/{id}/respond", s.handleRespondApproval)
	mux.HandleFunc("GET /v1/workers/stale", s.handleStaleWorkers)
	mux.HandleFunc("GET /v1/reputation/stats", s.handleReputationStats)
	mux.HandleFunc("POST /v1/tools/call", s.handleToolCall)
	return s.withAuth(mux)
}

// Serve runs the gateway until ctx is cancelled, then drains connections.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.cfg.Logger.Info("gateway listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) withAuth(next http.Handler) http.Handler {
	if s.cfg.AuthToken == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health stays reachable for probes.
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		if !s.authorize(r) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authorize(r *http.Request) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	return shared.SecureCompare(strings.TrimPrefix(auth, "Bearer "), s.cfg.AuthToken)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	storeOK := true
	if s.cfg.Store != nil {
		if err := s.cfg.Store.Ping(r.Context()); err != nil {
			storeOK = false
		}
	}
	policyVersion := ""
	if s.cfg.Policy != nil {
		policyVersion = s.cfg.Policy.PolicyVersion()
	}
	payload := map[string]any{
		"healthy":        storeOK,
		"store_ok":       storeOK,
		"policy_version": policyVersion,
		"config":         s.cfg.ConfigFingerprint,
	}
	code := http.StatusOK
	if !storeOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

type createTaskRequest struct {
	Topic   string `json:"topic"`
	AgentID string `json:"agent_id,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	ctx := shared.WithTraceID(r.Context(), shared.NewTraceID())
	if req.AgentID != "" {
		ctx = shared.WithAgentID(ctx, req.AgentID)
	}
	id, err := s.cfg.Queue.CreateTask(ctx, req.Topic)
	if errors.Is(err, task.ErrEmptyTopic) {
		writeError(w, http.StatusBadRequest, "topic must not be empty")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("task creation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "task creation failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": task.StatusQueued})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.cfg.Queue.GetStatus(r.Context(), r.PathValue("id"))
	if errors.Is(err, task.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.cfg.Logger.Error("task read failed", "error", err)
		writeError(w, http.StatusInternalServerError, "task read failed")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type enqueueRequest struct {
	Steps          []string `json:"steps"`
	IdempotencyKey string   `json:"idempotency_key"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Steps) == 0 {
		writeError(w, http.StatusBadRequest, "steps must not be empty")
		return
	}
	ids, err := s.cfg.Queue.Enqueue(r.Context(), req.Steps, req.IdempotencyKey)
	if err != nil {
		s.cfg.Logger.Error("enqueue failed", "error", err)
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	reqs, err := s.cfg.Approvals.List(r.Context())
	if err != nil {
		s.cfg.Logger.Error("approval list failed", "error", err)
		writeError(w, http.StatusInternalServerError, "approval list failed")
		return
	}
	if reqs == nil {
		reqs = []approval.Request{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": reqs})
}

type respondRequest struct {
	Decision string `json:"decision"`
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	decided, err := s.cfg.Approvals.Respond(r.Context(), r.PathValue("id"), req.Decision)
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, http.StatusNotFound, "approval request not found")
	case errors.Is(err, approval.ErrAlreadyDecided):
		writeError(w, http.StatusConflict, "approval request already decided")
	case err != nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeJSON(w, http.StatusOK, decided)
	}
}

func (s *Server) handleStaleWorkers(w http.ResponseWriter, r *http.Request) {
	findings, err := s.cfg.Monitor.Scan(r.Context())
	if err != nil {
		s.cfg.Logger.Error("liveness scan failed", "error", err)
		writeError(w, http.StatusInternalServerError, "liveness scan failed")
		return
	}
	if findings == nil {
		findings = []liveness.StaleWorker{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stale_workers": findings})
}

func (s *Server) handleReputationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.cfg.Reputation.Statistics(r.Context())
	if err != nil {
		s.cfg.Logger.Error("reputation statistics failed", "error", err)
		writeError(w, http.StatusInternalServerError, "reputation statistics failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type toolCallRequest struct {
	Tool      string          `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Labels    []string        `json:"labels,omitempty"`
	RiskClass string          `json:"risk_class,omitempty"`
}

func (s *Server) handleToolCall(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Invoker == nil {
		writeError(w, http.StatusServiceUnavailable, "no tool backends configured")
		return
	}
	var req toolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	res, err := s.cfg.Invoker.Invoke(r.Context(), req.Tool, req.Arguments, req.Labels, req.RiskClass)
	if err != nil {
		var toolErr *toolproto.ToolError
		switch {
		case errors.Is(err, toolproto.ErrUnknownTool):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, toolproto.ErrTimeout):
			writeError(w, http.StatusGatewayTimeout, err.Error())
		case errors.Is(err, toolproto.ErrNotConnected):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.As(err, &toolErr):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error": toolErr.Message, "code": toolErr.Code,
			})
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	code := http.StatusOK
	if res.Status == toolproto.StatusPendingApproval {
		code = http.StatusAccepted
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
