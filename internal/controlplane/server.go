package controlplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/fentz26/fleet/internal/models"
	"github.com/fentz26/fleet/internal/store"
	"github.com/fentz26/fleet/internal/subagent"
)

// Version is reported by the health endpoint. Set at build time.
var Version = "dev"

// maxRequestBodySize limits incoming request bodies.
const maxRequestBodySize = 1 << 20

// Server provides the HTTP API for fleet.
type Server struct {
	service *Service
	addr    string
	token   string
	logger  *slog.Logger
	handler http.Handler
	server  *http.Server
}

// NewServer creates a new HTTP server. When token is non-empty every route
// except /health requires it as a bearer token.
func NewServer(service *Service, addr, token string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		service: service,
		addr:    addr,
		token:   token,
		logger:  logger,
	}

	api := http.NewServeMux()
	api.HandleFunc("POST /api/v1/tasks", s.createTask)
	api.HandleFunc("GET /api/v1/tasks", s.listTasks)
	api.HandleFunc("GET /api/v1/tasks/{id}", s.getTask)
	api.HandleFunc("GET /api/v1/tasks/{id}/audit", s.taskAudit)
	api.HandleFunc("POST /api/v1/tasks/{id}/cancel", s.cancelTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/start", s.startTask)
	api.HandleFunc("POST /api/v1/tasks/{id}/result", s.reportResult)
	api.HandleFunc("POST /api/v1/tasks/{id}/events", s.pushEvent)
	api.HandleFunc("GET /api/v1/tasks/{id}/input", s.pollInput)
	api.HandleFunc("POST /api/v1/tasks/{id}/input", s.enqueueReply)

	api.HandleFunc("POST /api/v1/machines", s.registerMachine)
	api.HandleFunc("GET /api/v1/machines", s.listMachines)
	api.HandleFunc("POST /api/v1/machines/{id}/heartbeat", s.heartbeat)
	api.HandleFunc("POST /api/v1/machines/{id}/claim", s.claimNext)

	api.HandleFunc("POST /api/v1/runs", s.spawnRun)
	api.HandleFunc("GET /api/v1/runs", s.listRuns)
	api.HandleFunc("GET /api/v1/runs/{id}", s.getRun)
	api.HandleFunc("GET /api/v1/runs/{id}/descendants", s.runDescendants)
	api.HandleFunc("POST /api/v1/runs/{id}/cancel", s.cancelRun)
	api.HandleFunc("GET /api/v1/profiles", s.listProfiles)

	root := http.NewServeMux()
	root.HandleFunc("/health", s.handleHealth)
	root.Handle("/api/", s.requireToken(api))

	s.handler = s.logRequests(root)
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server. It blocks until the server stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting fleet daemon", "addr", s.addr, "auth", s.token != "")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			WriteError(w, ErrUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	})
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := HealthResponse{OK: true, DB: "ok", Version: Version, Time: time.Now().UTC().Format(time.RFC3339)}
	status := http.StatusOK
	if err := s.service.Health(ctx); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		return fmt.Errorf("read request body: %w", models.ErrInvalidInput)
	}
	if len(body) > maxRequestBodySize {
		return fmt.Errorf("request body too large (max %d bytes): %w", maxRequestBodySize, models.ErrInvalidInput)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid json: %w", models.ErrInvalidInput)
	}
	return nil
}

// --- Task Handlers ---

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	task, err := s.service.CreateTask(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.TaskFilter{
		Status:  models.TaskStatus(q.Get("status")),
		Project: q.Get("project"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteError(w, fmt.Errorf("limit %q: %w", v, models.ErrInvalidInput))
			return
		}
		f.Limit = n
	}

	tasks, err := s.service.ListTasks(r.Context(), f)
	if err != nil {
		WriteError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) taskAudit(w http.ResponseWriter, r *http.Request) {
	entries, err := s.service.TaskAudit(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if entries == nil {
		entries = []models.PDREntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.CancelTask(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type machineRequest struct {
	MachineID string `json:"machine_id"`
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	var req machineRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	task, err := s.service.StartTask(r.Context(), r.PathValue("id"), req.MachineID)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ReportResultResponse is the body of a result report reply.
type ReportResultResponse struct {
	Task      *models.Task `json:"task"`
	Duplicate bool         `json:"duplicate"`
}

func (s *Server) reportResult(w http.ResponseWriter, r *http.Request) {
	var req ReportResultRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	task, duplicate, err := s.service.ReportResult(r.Context(), r.PathValue("id"), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ReportResultResponse{Task: task, Duplicate: duplicate})
}

// PushEventRequest carries one stream event from a machine.
type PushEventRequest struct {
	MachineID string              `json:"machine_id"`
	Type      models.EventType    `json:"type"`
	Payload   models.EventPayload `json:"payload"`
}

func (s *Server) pushEvent(w http.ResponseWriter, r *http.Request) {
	var req PushEventRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	ev := models.StreamEvent{Type: req.Type, Payload: req.Payload}
	if err := s.service.PushEvent(r.Context(), r.PathValue("id"), req.MachineID, ev); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) pollInput(w http.ResponseWriter, r *http.Request) {
	entry, err := s.service.PollInput(r.Context(), r.PathValue("id"), r.URL.Query().Get("machine_id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if entry == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type replyRequest struct {
	Text string `json:"text"`
}

func (s *Server) enqueueReply(w http.ResponseWriter, r *http.Request) {
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	entry, err := s.service.EnqueueReply(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, entry)
}

// --- Machine Handlers ---

func (s *Server) registerMachine(w http.ResponseWriter, r *http.Request) {
	var req RegisterMachineRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	m, err := s.service.RegisterMachine(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listMachines(w http.ResponseWriter, r *http.Request) {
	machines, err := s.service.ListMachines(r.Context())
	if err != nil {
		WriteError(w, err)
		return
	}
	if machines == nil {
		machines = []models.Machine{}
	}
	writeJSON(w, http.StatusOK, machines)
}

// HeartbeatRequest reports a machine's load.
type HeartbeatRequest struct {
	ActiveCount int       `json:"active_count"`
	SentAt      time.Time `json:"sent_at"`
}

// HeartbeatResponse tells the machine whether its heartbeat was the newest.
type HeartbeatResponse struct {
	Applied bool `json:"applied"`
}

func (s *Server) heartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	applied, err := s.service.Heartbeat(r.Context(), r.PathValue("id"), req.ActiveCount, req.SentAt)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, HeartbeatResponse{Applied: applied})
}

func (s *Server) claimNext(w http.ResponseWriter, r *http.Request) {
	task, err := s.service.ClaimNext(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// --- Run Handlers ---

func (s *Server) spawnRun(w http.ResponseWriter, r *http.Request) {
	var req subagent.SpawnRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteError(w, err)
		return
	}
	run, err := s.service.SpawnRun(r.Context(), req)
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RunFilter{
		Status:    models.RunStatus(q.Get("status")),
		ProfileID: q.Get("profile"),
	}
	runs, err := s.service.ListRuns(r.Context(), f)
	if err != nil {
		WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []models.SubagentRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.service.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) runDescendants(w http.ResponseWriter, r *http.Request) {
	runs, err := s.service.RunDescendants(r.Context(), r.PathValue("id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	if runs == nil {
		runs = []models.SubagentRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// CancelRunResponse lists the runs a cancel request ended.
type CancelRunResponse struct {
	Cancelled []string `json:"cancelled"`
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	cascade := false
	if v := r.URL.Query().Get("cascade"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteError(w, fmt.Errorf("cascade %q: %w", v, models.ErrInvalidInput))
			return
		}
		cascade = b
	}

	ids, err := s.service.CancelRun(r.Context(), r.PathValue("id"), cascade)
	if err != nil {
		WriteError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, CancelRunResponse{Cancelled: ids})
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	profiles := s.service.Profiles()
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	writeJSON(w, http.StatusOK, profiles)
}
