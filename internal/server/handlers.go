package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kiseki/internal/model"
	"github.com/ashita-ai/kiseki/internal/orchestrator"
	"github.com/ashita-ai/kiseki/internal/security"
	"github.com/ashita-ai/kiseki/internal/service/trace"
	"github.com/ashita-ai/kiseki/internal/storage"
	"github.com/ashita-ai/kiseki/internal/streaming"
	"github.com/ashita-ai/kiseki/internal/toolcalls"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	orch                *orchestrator.Orchestrator
	recorder            *trace.Recorder
	tracker             *toolcalls.Tracker
	publisher           *streaming.Publisher
	store               storage.Store
	buffer              *trace.Buffer
	broker              *Broker
	commands            *security.CommandValidator
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Buffer, Broker, Commands.
type HandlersDeps struct {
	Orchestrator        *orchestrator.Orchestrator
	Recorder            *trace.Recorder
	Tracker             *toolcalls.Tracker
	Publisher           *streaming.Publisher
	Store               storage.Store
	Buffer              *trace.Buffer
	Broker              *Broker
	Commands            *security.CommandValidator
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	commands := d.Commands
	if commands == nil {
		commands = security.NewCommandValidator(logger)
	}
	return &Handlers{
		orch:                d.Orchestrator,
		recorder:            d.Recorder,
		tracker:             d.Tracker,
		publisher:           d.Publisher,
		store:               d.Store,
		buffer:              d.Buffer,
		broker:              d.Broker,
		commands:            commands,
		logger:              logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// writeServiceError maps orchestrator and storage errors onto the envelope.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, orchestrator.ErrRunNotFound), errors.Is(err, storage.ErrNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
	case errors.Is(err, orchestrator.ErrApprovalMismatch), errors.Is(err, storage.ErrConflict):
		writeError(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error())
	case errors.Is(err, orchestrator.ErrShutdown):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "server is shutting down")
	default:
		h.logger.Error("http: request failed", "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
	}
}

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := decodeJSON(w, r, target, h.maxRequestBodyBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, model.ErrCodeInvalidInput, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// HandleSubmitRun handles POST /v1/runs.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req model.RunRequest
	if !h.decode(w, r, &req) {
		return
	}
	handle, err := h.orch.Submit(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, handle)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	st, err := h.orch.Status(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, st)
}

// HandleStopRun handles POST /v1/runs/{run_id}/stop.
func (h *Handlers) HandleStopRun(w http.ResponseWriter, r *http.Request) {
	res, err := h.orch.Stop(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleApproval handles POST /v1/runs/{run_id}/approval.
func (h *Handlers) HandleApproval(w http.ResponseWriter, r *http.Request) {
	var req model.ApprovalRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.ToolCallIDs) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "tool_call_ids is required")
		return
	}
	d, err := h.orch.Approve(r.Context(), r.PathValue("run_id"), model.ApprovalDecision{
		ToolCallIDs: req.ToolCallIDs,
		Approved:    req.Approved,
		Reason:      req.Reason,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, d)
}

// HandleRunFeed handles GET /v1/runs/{run_id}/feed.
func (h *Handlers) HandleRunFeed(w http.ResponseWriter, r *http.Request) {
	feed, err := h.orch.Feed(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, feed)
}

// HandleRunMessages handles GET /v1/runs/{run_id}/messages.
func (h *Handlers) HandleRunMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := h.orch.Messages(r.Context(), r.PathValue("run_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, r, http.StatusOK, msgs)
}

const (
	defaultTraceLimit = 50
	maxTraceLimit     = 500
)

// HandleTaskTraces handles GET /v1/tasks/{task_id}/traces.
func (h *Handlers) HandleTaskTraces(w http.ResponseWriter, r *http.Request) {
	limit := defaultTraceLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = min(n, maxTraceLimit)
	}
	traces, err := h.recorder.TaskTraces(r.Context(), r.PathValue("task_id"), limit)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if traces == nil {
		traces = []model.WorkflowTrace{}
	}
	writeJSON(w, r, http.StatusOK, traces)
}

// HandleTaskMetrics handles GET /v1/tasks/{task_id}/metrics.
func (h *Handlers) HandleTaskMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.recorder.TaskMetrics(r.Context(), r.PathValue("task_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, m)
}

// HandleTaskToolCalls handles GET /v1/tasks/{task_id}/tool-calls.
func (h *Handlers) HandleTaskToolCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.tracker.ByTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if calls == nil {
		calls = []model.ToolCall{}
	}
	writeJSON(w, r, http.StatusOK, calls)
}

// HandleDeleteTaskToolCalls handles DELETE /v1/tasks/{task_id}/tool-calls.
func (h *Handlers) HandleDeleteTaskToolCalls(w http.ResponseWriter, r *http.Request) {
	n, err := h.tracker.DeleteByTask(r.Context(), r.PathValue("task_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, model.DeleteResult{Deleted: int64(n)})
}

// HandleMessageToolCalls handles GET /v1/messages/{message_id}/tool-calls.
func (h *Handlers) HandleMessageToolCalls(w http.ResponseWriter, r *http.Request) {
	calls, err := h.tracker.ByMessage(r.Context(), r.PathValue("message_id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if calls == nil {
		calls = []model.ToolCall{}
	}
	writeJSON(w, r, http.StatusOK, calls)
}

// HandleTraceSteps handles GET /v1/traces/{trace_id}/steps.
func (h *Handlers) HandleTraceSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("trace_id")
	if _, err := h.store.GetTrace(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	steps, err := h.recorder.TraceSteps(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if steps == nil {
		steps = []model.WorkflowStep{}
	}
	writeJSON(w, r, http.StatusOK, steps)
}

// HandleCheckCommand handles POST /v1/security/command.
func (h *Handlers) HandleCheckCommand(w http.ResponseWriter, r *http.Request) {
	var req model.CommandCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	v := h.commands.Validate(req.Command, req.Args, req.Cwd)
	writeJSON(w, r, http.StatusOK, model.CommandCheckResponse{
		Valid:   v.Valid,
		Command: v.Command,
		Level:   string(v.Level),
		Error:   v.Error,
	})
}

// HandleCheckURL handles POST /v1/security/url.
func (h *Handlers) HandleCheckURL(w http.ResponseWriter, r *http.Request) {
	var req model.URLCheckRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp := model.URLCheckResponse{Valid: true}
	if err := security.ValidateURL(req.URL); err != nil {
		resp = model.URLCheckResponse{Valid: false, Error: err.Error()}
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK
	storeStatus := "connected"
	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// Buffer health: >50% capacity = high, >75% capacity = critical.
	bufDepth := 0
	bufStatus := "ok"
	if h.buffer != nil {
		bufDepth = h.buffer.Len()
		capacity := h.buffer.Capacity()
		if bufDepth > capacity*3/4 {
			bufStatus = "critical"
			if status == "healthy" {
				status = "degraded"
			}
		} else if bufDepth > capacity/2 {
			bufStatus = "high"
		}
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Store:        h.store.Backend() + ":" + storeStatus,
		Lease:        h.orch.LeaseBackend(),
		BufferDepth:  bufDepth,
		BufferStatus: bufStatus,
		ActiveRuns:   h.orch.ActiveRuns(),
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp.SSEBroker = h.broker.Mode()
	}
	writeJSON(w, r, httpStatus, resp)
}
