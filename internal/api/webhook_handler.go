package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/phrazzld/cadence/internal/audit"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/store"
)

// CallCompleter applies a finished call to its tracking row.
type CallCompleter interface {
	Complete(ctx context.Context, done domain.CompletedCall) (*domain.CallAttempt, error)
}

// TelephonyHandler receives the voice bridge's completion callbacks.
type TelephonyHandler struct {
	calls    CallCompleter
	activity store.ActivityStore
	journal  *audit.Journal
	logger   *slog.Logger
}

// NewTelephonyHandler creates a TelephonyHandler.
func NewTelephonyHandler(calls CallCompleter, activity store.ActivityStore, journal *audit.Journal, logger *slog.Logger) *TelephonyHandler {
	return &TelephonyHandler{
		calls:    calls,
		activity: activity,
		journal:  journal,
		logger:   logger.With(slog.String("component", "telephony_webhook")),
	}
}

// CallCompleted handles POST /api/webhooks/telephony.
func (h *TelephonyHandler) CallCompleted(w http.ResponseWriter, r *http.Request) {
	var req TelephonyCallbackRequest
	if !parseAndValidateRequest(w, r, &req) {
		return
	}

	call, err := h.calls.Complete(r.Context(), domain.CompletedCall{
		CallID:     req.CallID,
		Transcript: req.Transcript,
		Outcome:    req.Outcome,
		EndedAt:    req.EndedAt,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	typ, sev := domain.EventCallCompleted, domain.SeveritySuccess
	title := "Call completed"
	if call.Status == domain.CallStatusFailed {
		typ, sev = domain.EventCallFailed, domain.SeverityWarning
		title = "Call failed"
	}
	entry := audit.Entry(nil, typ, sev, title,
		fmt.Sprintf("Call %s ended with outcome %q", call.ID, req.Outcome),
		map[string]any{
			"call_id":           call.ID,
			"outcome":           req.Outcome,
			"transcript_length": len(req.Transcript),
		}, call.UpdatedAt)
	entry.TenantID = call.TenantID
	taskID := call.TaskID
	entry.TaskID = &taskID
	entry.ContactID = call.ContactID
	h.journal.LogQuietly(r.Context(), h.activity, entry)

	w.WriteHeader(http.StatusNoContent)
}
