package generation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/phrazzld/cadence/internal/platform/metrics"
	"github.com/sethvargo/go-retry"
)

// Speaker is the author of a conversation turn.
type Speaker string

// Speakers
const (
	SpeakerUser  Speaker = "user"
	SpeakerModel Speaker = "model"
)

// Message is one conversation turn.
type Message struct {
	Speaker Speaker
	Text    string
}

// Request is a single call to the model.
type Request struct {
	// Purpose labels the call for logs and metrics, e.g. "plan".
	Purpose string
	// System is the system instruction.
	System string
	// Messages is the conversation so far; the last one is the user turn
	// being answered.
	Messages []Message
	// JSON asks the model to answer with JSON only.
	JSON bool
	// Search attaches web-search grounding.
	Search bool
}

// Ask builds a single-turn request.
func Ask(purpose, system, prompt string) Request {
	return Request{
		Purpose:  purpose,
		System:   system,
		Messages: []Message{{Speaker: SpeakerUser, Text: prompt}},
	}
}

// Model is the generative-language capability: given a prompt, return text.
// Implementations wrap transient provider errors with ErrTransientFailure and
// safety refusals with ErrContentBlocked.
type Model interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// RetryPolicy bounds the local retry of transient model failures.
type RetryPolicy struct {
	MaxRetries    uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// DefaultRetryPolicy retries three times starting at one second, capped at
// thirty seconds with 20% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterPercent: 20}
}

func (p RetryPolicy) backoff() retry.Backoff {
	b := retry.NewExponential(p.BaseDelay)
	if p.JitterPercent > 0 {
		b = retry.WithJitterPercent(p.JitterPercent, b)
	}
	if p.MaxDelay > 0 {
		b = retry.WithCappedDuration(p.MaxDelay, b)
	}
	return retry.WithMaxRetries(p.MaxRetries, b)
}

// Retrying decorates a Model: transient failures are retried with capped
// exponential backoff, every other error is returned immediately. Callers
// never see a transient failure that eventually succeeded.
type Retrying struct {
	next    Model
	policy  RetryPolicy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewRetrying wraps next.
func NewRetrying(next Model, policy RetryPolicy, m *metrics.Metrics, logger *slog.Logger) *Retrying {
	return &Retrying{next: next, policy: policy, metrics: m, logger: logger.With("component", "model")}
}

// Generate implements Model.
func (r *Retrying) Generate(ctx context.Context, req Request) (string, error) {
	var (
		out     string
		attempt int
	)
	err := retry.Do(ctx, r.policy.backoff(), func(ctx context.Context) error {
		attempt++
		text, err := r.next.Generate(ctx, req)
		if err == nil {
			out = text
			return nil
		}
		if errors.Is(err, ErrTransientFailure) {
			r.logger.WarnContext(ctx, "transient model failure, retrying",
				"purpose", req.Purpose,
				"attempt", attempt,
				"error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	r.metrics.ModelCall(req.Purpose, err == nil)
	if err != nil {
		r.logger.ErrorContext(ctx, "model call failed",
			"purpose", req.Purpose,
			"attempts", attempt,
			"error", err)
		return "", err
	}
	return out, nil
}
