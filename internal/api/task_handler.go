package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/cadence/internal/api/shared"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/intake"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/phrazzld/cadence/internal/task"
)

// Activity listing bounds.
const (
	defaultActivityLimit = 50
	maxActivityLimit     = 200
)

// TaskService is the operator surface of the engine.
type TaskService interface {
	Create(ctx context.Context, req task.CreateRequest) (intake.Result, error)
	Get(ctx context.Context, tenantID, id uuid.UUID) (*domain.Task, error)
	Approve(ctx context.Context, tenantID, id uuid.UUID, runAt time.Time) (*domain.Task, error)
	Defer(ctx context.Context, tenantID, id uuid.UUID, until time.Time) (*domain.Task, error)
	Resume(ctx context.Context, tenantID, id uuid.UUID, input string) (*domain.Task, error)
	ListActivity(ctx context.Context, tenantID uuid.UUID, f store.ActivityFilter) ([]domain.ActivityLogEntry, error)
}

// TaskHandler serves the task and activity endpoints.
type TaskHandler struct {
	service TaskService
	logger  *slog.Logger
}

// NewTaskHandler creates a TaskHandler.
func NewTaskHandler(service TaskService, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		service: service,
		logger:  logger.With(slog.String("component", "task_handler")),
	}
}

// CreateTask handles POST /api/tasks. A new task answers 201, a merge into
// an active task 200, and a task held back by guardrails 422.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Tenant not found in token")
		return
	}
	var req CreateTaskRequest
	if !parseAndValidateRequest(w, r, &req) {
		return
	}
	sreq, err := req.toServiceRequest(tenantID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	res, err := h.service.Create(r.Context(), sreq)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	status := http.StatusCreated
	switch res.Outcome {
	case intake.OutcomeMerged:
		status = http.StatusOK
	case intake.OutcomeBlocked, intake.OutcomeRejected, intake.OutcomeIneligible:
		status = http.StatusUnprocessableEntity
	}
	logger.FromContextOrDefault(r.Context(), h.logger).Info("operator task submitted",
		"outcome", res.Outcome,
		"reason", res.Reason)
	shared.RespondWithJSON(w, r, status, createResponse(res))
}

// GetTask handles GET /api/tasks/{id}.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := handleTenantAndPathUUID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.service.Get(r.Context(), tenantID, id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ApproveTask handles POST /api/tasks/{id}/approve. The body is optional.
func (h *TaskHandler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := handleTenantAndPathUUID(w, r, "id")
	if !ok {
		return
	}
	var req ApproveRequest
	if r.ContentLength != 0 && !parseAndValidateRequest(w, r, &req) {
		return
	}
	var runAt time.Time
	if req.RunAt != nil {
		runAt = req.RunAt.UTC()
	}
	h.respondWithTask(w, r, func(ctx context.Context) (*domain.Task, error) {
		return h.service.Approve(ctx, tenantID, id, runAt)
	})
}

// DeferTask handles POST /api/tasks/{id}/defer.
func (h *TaskHandler) DeferTask(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := handleTenantAndPathUUID(w, r, "id")
	if !ok {
		return
	}
	var req DeferRequest
	if !parseAndValidateRequest(w, r, &req) {
		return
	}
	h.respondWithTask(w, r, func(ctx context.Context) (*domain.Task, error) {
		return h.service.Defer(ctx, tenantID, id, req.Until.UTC())
	})
}

// ResumeTask handles POST /api/tasks/{id}/resume.
func (h *TaskHandler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	tenantID, id, ok := handleTenantAndPathUUID(w, r, "id")
	if !ok {
		return
	}
	var req ResumeRequest
	if !parseAndValidateRequest(w, r, &req) {
		return
	}
	h.respondWithTask(w, r, func(ctx context.Context) (*domain.Task, error) {
		return h.service.Resume(ctx, tenantID, id, req.Input)
	})
}

func (h *TaskHandler) respondWithTask(w http.ResponseWriter, r *http.Request, op func(context.Context) (*domain.Task, error)) {
	t, err := op(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(t))
}

// ListActivity handles GET /api/activity. Optional query parameters:
// task_id, contact_id, since (RFC 3339) and limit.
func (h *TaskHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := shared.TenantID(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Tenant not found in token")
		return
	}

	var f store.ActivityFilter
	var err error
	if f.TaskID, err = queryUUID(r, "task_id"); err != nil {
		HandleAPIError(w, r, err, "Invalid task_id")
		return
	}
	if f.ContactID, err = queryUUID(r, "contact_id"); err != nil {
		HandleAPIError(w, r, err, "Invalid contact_id")
		return
	}
	if f.Since, err = queryTime(r, "since"); err != nil {
		HandleAPIError(w, r, err, "Invalid since")
		return
	}
	if f.Limit, err = queryInt(r, "limit", defaultActivityLimit); err != nil {
		HandleAPIError(w, r, err, "Invalid limit")
		return
	}
	if f.Limit == 0 || f.Limit > maxActivityLimit {
		f.Limit = maxActivityLimit
	}

	entries, err := h.service.ListActivity(r.Context(), tenantID, f)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	out := make([]ActivityResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, activityToResponse(e))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, out)
}
