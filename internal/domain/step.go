package domain

import (
	"fmt"
	"strings"
)

// ActionKind is the closed set of actions a plan step can perform.
type ActionKind string

// Supported step actions
const (
	ActionFetchData       ActionKind = "fetch_data"
	ActionAnalyze         ActionKind = "analyze"
	ActionDraftReport     ActionKind = "draft_report"
	ActionPrepareOutreach ActionKind = "prepare_outreach"
	ActionPlaceCall       ActionKind = "place_call"
	ActionSendEmail       ActionKind = "send_email"
	ActionSendMessage     ActionKind = "send_message"
	ActionWebSearch       ActionKind = "web_search"
)

// ActionKinds lists every supported action in a stable order.
var ActionKinds = []ActionKind{
	ActionFetchData,
	ActionAnalyze,
	ActionDraftReport,
	ActionPrepareOutreach,
	ActionPlaceCall,
	ActionSendEmail,
	ActionSendMessage,
	ActionWebSearch,
}

// ParseActionKind normalises s and checks it against the closed action set.
// Hyphenated spellings such as "send-email" are accepted.
func ParseActionKind(s string) (ActionKind, error) {
	a := ActionKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !a.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
	return a, nil
}

// IsValid reports whether a belongs to the closed action set.
func (a ActionKind) IsValid() bool {
	for _, k := range ActionKinds {
		if k == a {
			return true
		}
	}
	return false
}

// Channel returns the outbound channel an action uses, or ChannelNone.
func (a ActionKind) Channel() Channel {
	switch a {
	case ActionPlaceCall:
		return ChannelVoice
	case ActionSendEmail:
		return ChannelEmail
	case ActionSendMessage:
		return ChannelMessaging
	default:
		return ChannelNone
	}
}

// IsOutreach reports whether the action contacts a person.
func (a ActionKind) IsOutreach() bool {
	return a.Channel() != ChannelNone
}

// StepStatus is the execution state of one plan step.
type StepStatus string

// Step statuses
const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in_progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// Step is one action inside a task's execution plan.
type Step struct {
	Index       int               `json:"index"`
	Action      ActionKind        `json:"action"`
	Description string            `json:"description"`
	Status      StepStatus        `json:"status"`
	Params      map[string]string `json:"params,omitempty"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms,omitempty"`
}

// Name is the key under which the step's output is stored in the task's
// result map.
func (s Step) Name() string {
	return fmt.Sprintf("%d_%s", s.Index, s.Action)
}

// Param returns a step parameter or the empty string.
func (s Step) Param(key string) string {
	if s.Params == nil {
		return ""
	}
	return s.Params[key]
}

// NextStepIndex returns the index of the first step that has not completed,
// or len(Plan) when every step is done.
func (t *Task) NextStepIndex() int {
	for i, s := range t.Plan {
		if s.Status != StepStatusCompleted {
			return i
		}
	}
	return len(t.Plan)
}

// ResetIncompleteSteps returns failed and skipped steps to pending so a retry
// resumes from the first step that did not complete.
func (t *Task) ResetIncompleteSteps() {
	for i := range t.Plan {
		switch t.Plan[i].Status {
		case StepStatusFailed, StepStatusSkipped, StepStatusInProgress:
			t.Plan[i].Status = StepStatusPending
			t.Plan[i].Error = ""
		}
	}
}

// FailStep marks step i failed and every later step skipped.
func (t *Task) FailStep(i int, msg string) {
	if i < 0 || i >= len(t.Plan) {
		return
	}
	t.Plan[i].Status = StepStatusFailed
	t.Plan[i].Error = msg
	for j := i + 1; j < len(t.Plan); j++ {
		t.Plan[j].Status = StepStatusSkipped
	}
}

// PlanActions returns the action of every step in order.
func (t *Task) PlanActions() []ActionKind {
	out := make([]ActionKind, 0, len(t.Plan))
	for _, s := range t.Plan {
		out = append(out, s.Action)
	}
	return out
}

// HasOutreach reports whether any step contacts a person.
func (t *Task) HasOutreach() bool {
	for _, s := range t.Plan {
		if s.Action.IsOutreach() {
			return true
		}
	}
	return false
}
