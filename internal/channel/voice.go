package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/phrazzld/cadence/internal/config"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/platform/httpclient"
	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/phrazzld/cadence/internal/redact"
	"github.com/phrazzld/cadence/internal/store"
)

// Voice places calls through the telephony bridge. Each task owns one call
// tracking row whose id is the call id sent to the bridge; retries reuse the
// row and the id so the bridge never sees two calls for one task.
type Voice struct {
	client      *retryablehttp.Client
	baseURL     string
	apiKey      string
	calls       store.CallStore
	contacts    store.ContactStore
	maxAttempts int
	metrics     *metrics.Metrics
	logger      *slog.Logger

	// Now is the clock used for timestamps. Tests may replace it.
	Now func() time.Time
}

// NewVoice creates a voice dispatcher.
func NewVoice(cfg config.TelephonyConfig, client *retryablehttp.Client, s store.Stores, m *metrics.Metrics, logger *slog.Logger) *Voice {
	maxAttempts := cfg.MaxCallAttempts
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	return &Voice{
		client:      client,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		calls:       s.Calls,
		contacts:    s.Contacts,
		maxAttempts: maxAttempts,
		metrics:     m,
		logger:      logger.With("component", "voice"),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

type callRequest struct {
	CallID   uuid.UUID `json:"call_id"`
	TaskID   uuid.UUID `json:"task_id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Phone    string    `json:"phone"`
	Prompt   string    `json:"prompt"`
	Attempt  int       `json:"attempt"`
}

// Place starts a call to contact for task. A task that already has a call row
// reuses it: a completed call is returned without dialing again, any other
// state is re-dialed under the same call id.
func (v *Voice) Place(ctx context.Context, task *domain.Task, contact *domain.Contact, prompt string) (Receipt, error) {
	if contact == nil {
		return Receipt{}, fmt.Errorf("%w: task has no contact", ErrInvalidRecipient)
	}
	if v.baseURL == "" {
		return Receipt{}, fmt.Errorf("%w: voice", ErrUnavailable)
	}
	phone, err := NormalizePhone(contact.Phone)
	if err != nil {
		return Receipt{}, err
	}
	now := v.Now()
	log := v.logger.With("task_id", task.ID, "tenant_id", task.TenantID, "phone", redact.Phone(phone))

	call, err := v.calls.GetByTask(ctx, task.ID)
	switch {
	case errors.Is(err, store.ErrCallNotFound):
		call = &domain.CallAttempt{
			ID:          uuid.New(),
			TenantID:    task.TenantID,
			TaskID:      task.ID,
			ContactID:   task.ContactID,
			Phone:       phone,
			Prompt:      prompt,
			Status:      domain.CallStatusPlacing,
			Attempts:    1,
			MaxAttempts: v.maxAttempts,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := v.calls.Create(ctx, call); err != nil {
			return Receipt{}, fmt.Errorf("failed to create call record: %w", err)
		}
	case err != nil:
		return Receipt{}, fmt.Errorf("failed to load call record: %w", err)
	case call.Status == domain.CallStatusCompleted:
		log.InfoContext(ctx, "call already completed, not dialing again", "call_id", call.ID)
		return v.receipt(call, true), nil
	default:
		if call.Attempts >= call.MaxAttempts {
			return Receipt{}, fmt.Errorf("%w: call %s after %d attempts", ErrAttemptsExhausted, call.ID, call.Attempts)
		}
		call.Attempts++
		call.Phone = phone
		call.Prompt = prompt
		call.Status = domain.CallStatusPlacing
		call.Error = ""
		call.UpdatedAt = now
		if err := v.calls.Update(ctx, call); err != nil {
			return Receipt{}, fmt.Errorf("failed to update call record: %w", err)
		}
		log.InfoContext(ctx, "reusing call record for retry", "call_id", call.ID, "attempt", call.Attempts)
	}

	if err := v.dial(ctx, call); err != nil {
		return Receipt{}, err
	}
	if err := v.contacts.MarkContacted(ctx, contact.ID, now); err != nil {
		log.WarnContext(ctx, "failed to mark contact as contacted", "error", err)
	}
	log.InfoContext(ctx, "call placed", "call_id", call.ID, "attempt", call.Attempts)
	return v.receipt(call, call.Attempts > 1), nil
}

// dial posts the call to the bridge and records a rejection on the row.
func (v *Voice) dial(ctx context.Context, call *domain.CallAttempt) error {
	err := httpclient.PostJSON(ctx, v.client, v.baseURL+"/calls", bearer(v.apiKey), callRequest{
		CallID:   call.ID,
		TaskID:   call.TaskID,
		TenantID: call.TenantID,
		Phone:    call.Phone,
		Prompt:   call.Prompt,
		Attempt:  call.Attempts,
	}, nil)
	v.metrics.ChannelDispatch(string(domain.ChannelVoice), err == nil)
	if err == nil {
		return nil
	}
	call.Status = domain.CallStatusFailed
	call.Error = redact.Error(err)
	call.UpdatedAt = v.Now()
	if uerr := v.calls.Update(ctx, call); uerr != nil {
		v.logger.ErrorContext(ctx, "failed to record call failure", "call_id", call.ID, "error", uerr)
	}
	return providerError("telephony bridge", err)
}

func (v *Voice) receipt(call *domain.CallAttempt, reused bool) Receipt {
	return Receipt{
		Channel:    domain.ChannelVoice,
		ExternalID: call.ID.String(),
		Recipient:  redact.Phone(call.Phone),
		Status:     string(call.Status),
		Reused:     reused,
	}
}

// Outcomes the bridge reports for a finished call.
const (
	OutcomeAnswered  = "answered"
	OutcomeCompleted = "completed"
)

// Complete applies the bridge's completion callback to the call row.
func (v *Voice) Complete(ctx context.Context, done domain.CompletedCall) (*domain.CallAttempt, error) {
	call, err := v.calls.Get(ctx, done.CallID)
	if err != nil {
		return nil, err
	}
	if err := v.calls.RecordCompleted(ctx, done); err != nil {
		return nil, fmt.Errorf("failed to record completed call: %w", err)
	}
	applyCompletion(call, done, v.Now())
	if err := v.calls.Update(ctx, call); err != nil {
		return nil, fmt.Errorf("failed to update call record: %w", err)
	}
	v.logger.InfoContext(ctx, "call finished",
		"call_id", call.ID,
		"task_id", call.TaskID,
		"status", call.Status,
		"transcript_length", len(done.Transcript))
	return call, nil
}

func applyCompletion(call *domain.CallAttempt, done domain.CompletedCall, now time.Time) {
	call.Transcript = done.Transcript
	call.UpdatedAt = now
	switch strings.ToLower(done.Outcome) {
	case OutcomeAnswered, OutcomeCompleted, "":
		call.Status = domain.CallStatusCompleted
		call.Error = ""
	default:
		call.Status = domain.CallStatusFailed
		call.Error = "call ended: " + done.Outcome
	}
}

// SweepReport counts what a sweep did.
type SweepReport struct {
	Reconciled int
	Redialed   int
	Failed     int
}

// Sweep finds calls stuck in placing for longer than stuckAfter. A call with a
// completion record is reconciled, one with attempts left is dialed again
// under the same id, and the rest are failed.
func (v *Voice) Sweep(ctx context.Context, stuckAfter time.Duration) (SweepReport, error) {
	var rep SweepReport
	now := v.Now()
	stuck, err := v.calls.ListStuck(ctx, now.Add(-stuckAfter))
	if err != nil {
		return rep, fmt.Errorf("failed to list stuck calls: %w", err)
	}
	for _, call := range stuck {
		log := v.logger.With("call_id", call.ID, "task_id", call.TaskID)

		done, err := v.calls.GetCompleted(ctx, call.ID)
		switch {
		case err == nil:
			applyCompletion(call, *done, now)
			if err := v.calls.Update(ctx, call); err != nil {
				return rep, fmt.Errorf("failed to reconcile call %s: %w", call.ID, err)
			}
			log.InfoContext(ctx, "stuck call reconciled with completion record", "status", call.Status)
			rep.Reconciled++
			continue
		case !errors.Is(err, store.ErrCallNotFound):
			return rep, fmt.Errorf("failed to look up completion for call %s: %w", call.ID, err)
		}

		if call.Attempts < call.MaxAttempts {
			call.Attempts++
			call.UpdatedAt = now
			if err := v.calls.Update(ctx, call); err != nil {
				return rep, fmt.Errorf("failed to update call %s: %w", call.ID, err)
			}
			if err := v.dial(ctx, call); err != nil {
				log.WarnContext(ctx, "redial of stuck call failed", "attempt", call.Attempts, "error", err)
				rep.Failed++
				continue
			}
			log.InfoContext(ctx, "stuck call redialed", "attempt", call.Attempts)
			rep.Redialed++
			continue
		}

		call.Status = domain.CallStatusFailed
		call.Error = fmt.Sprintf("no completion after %d attempts", call.Attempts)
		call.UpdatedAt = now
		if err := v.calls.Update(ctx, call); err != nil {
			return rep, fmt.Errorf("failed to fail call %s: %w", call.ID, err)
		}
		log.WarnContext(ctx, "stuck call failed", "attempts", call.Attempts)
		rep.Failed++
	}
	return rep, nil
}
