package generation

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/tidwall/gjson"
)

// MaxPlanSteps bounds the length of a generated plan.
const MaxPlanSteps = 12

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func schema() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("action_kind", func(fl validator.FieldLevel) bool {
			_, err := domain.ParseActionKind(fl.Field().String())
			return err == nil
		})
		_ = validate.RegisterValidation("channel", func(fl validator.FieldLevel) bool {
			_, err := domain.ParseChannel(fl.Field().String())
			return err == nil
		})
	})
	return validate
}

// ExtractJSON strips markdown fences and prose around the first JSON value
// in raw. The result may still be invalid or truncated JSON.
func ExtractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		body := s[i+3:]
		if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
			body = body[nl+1:]
		}
		if j := strings.Index(body, "```"); j >= 0 {
			body = body[:j]
		}
		s = strings.TrimSpace(body)
	}
	if i := strings.IndexAny(s, "{["); i > 0 {
		s = s[i:]
	}
	if !gjson.Valid(s) {
		if j := strings.LastIndexAny(s, "}]"); j >= 0 && gjson.Valid(s[:j+1]) {
			s = s[:j+1]
		}
	}
	return strings.TrimSpace(s)
}

// Snippet shortens raw model output for logs.
func Snippet(raw string, n int) string {
	if len(raw) <= n {
		return raw
	}
	return raw[:n] + "...(truncated)"
}

// Plan is a validated execution plan.
type Plan struct {
	ShouldExecute    bool
	Reasoning        string
	Confidence       float64
	EstimatedMinutes int
	Steps            []domain.Step
}

type planPayload struct {
	ShouldExecute    *bool         `json:"shouldExecute" validate:"required"`
	Reasoning        string        `json:"reasoning"`
	Confidence       *float64      `json:"confidence" validate:"omitempty,gte=0,lte=1"`
	EstimatedMinutes int           `json:"estimatedMinutes" validate:"gte=0"`
	Steps            []stepPayload `json:"steps" validate:"max=12,dive"`
}

type stepPayload struct {
	Action      string          `json:"action" validate:"required,action_kind"`
	Description string          `json:"description"`
	Params      json.RawMessage `json:"params"`
}

// ParsePlan validates a planning response against the plan schema. Any
// deviation, including truncation, is ErrInvalidResponse: plans are never
// repaired.
func ParsePlan(raw string) (*Plan, error) {
	text := ExtractJSON(raw)
	if !gjson.Valid(text) {
		return nil, fmt.Errorf("%w: plan is not valid JSON", ErrInvalidResponse)
	}
	var p planPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		return nil, fmt.Errorf("%w: plan does not match schema: %v", ErrInvalidResponse, err)
	}
	if err := schema().Struct(p); err != nil {
		return nil, fmt.Errorf("%w: plan failed validation: %v", ErrInvalidResponse, err)
	}

	plan := &Plan{
		ShouldExecute:    *p.ShouldExecute,
		Reasoning:        strings.TrimSpace(p.Reasoning),
		EstimatedMinutes: p.EstimatedMinutes,
		Steps:            make([]domain.Step, 0, len(p.Steps)),
	}
	if p.Confidence != nil {
		plan.Confidence = *p.Confidence
	}
	for i, sp := range p.Steps {
		action, _ := domain.ParseActionKind(sp.Action)
		plan.Steps = append(plan.Steps, domain.Step{
			Index:       i,
			Action:      action,
			Description: strings.TrimSpace(sp.Description),
			Status:      domain.StepStatusPending,
			Params:      stringParams(sp.Params),
		})
	}
	return plan, nil
}

// stringParams flattens a params object to strings. Models sometimes emit
// numbers or booleans where strings are expected.
func stringParams(raw json.RawMessage) map[string]string {
	if len(raw) == 0 {
		return nil
	}
	obj := gjson.ParseBytes(raw)
	if !obj.IsObject() {
		return nil
	}
	out := map[string]string{}
	obj.ForEach(func(k, v gjson.Result) bool {
		if v.Type != gjson.Null {
			out[k.String()] = v.String()
		}
		return true
	})
	if len(out) == 0 {
		return nil
	}
	return out
}

// Reasoning is the model's explanation of a generated task list.
type Reasoning struct {
	Analysis   string `json:"analysis,omitempty"`
	Priorities string `json:"priorities,omitempty"`
	Summary    string `json:"summary,omitempty"`
}

// TaskProposal is one validated task suggestion.
type TaskProposal struct {
	Instruction       string `json:"instruction" validate:"required,max=4000"`
	ContactID         string `json:"contactId" validate:"omitempty,uuid"`
	Category          string `json:"category" validate:"max=64"`
	Channel           string `json:"channel" validate:"omitempty,channel"`
	Priority          int    `json:"priority" validate:"omitempty,min=1,max=4"`
	Tone              string `json:"tone"`
	Urgency           string `json:"urgency"`
	FollowUpOf        string `json:"followUpOf" validate:"omitempty,uuid"`
	ScheduleInMinutes int    `json:"scheduleInMinutes" validate:"gte=0,lte=43200"`
	Reasoning         string `json:"reasoning"`
}

// TaskList is a parsed generation response.
type TaskList struct {
	Reasoning Reasoning
	Tasks     []TaskProposal
	// Repaired is set when the response was truncated and only its complete
	// task objects were kept.
	Repaired bool
	// Dropped counts task objects that failed schema validation.
	Dropped int
}

func (l *TaskList) add(raw string) {
	var p TaskProposal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		l.Dropped++
		return
	}
	p.Instruction = strings.TrimSpace(p.Instruction)
	if strings.EqualFold(p.ContactID, "null") || strings.EqualFold(p.ContactID, "none") {
		p.ContactID = ""
	}
	if err := schema().Struct(p); err != nil {
		l.Dropped++
		return
	}
	l.Tasks = append(l.Tasks, p)
}

var (
	tasksKey       = regexp.MustCompile(`"tasks"\s*:\s*\[`)
	reasoningField = regexp.MustCompile(`"(analysis|priorities|summary)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// ParseTaskList parses a generation response. Well-formed JSON is decoded
// object by object; a truncated response is repaired by keeping only the
// task objects that were closed before the cut and regex-recovering the
// reasoning fields. If nothing can be recovered the result is
// ErrUnparsableOutput and the response must be discarded.
func ParseTaskList(raw string) (*TaskList, error) {
	text := ExtractJSON(raw)
	if gjson.Valid(text) {
		tasks := gjson.Get(text, "tasks")
		if doc := gjson.Parse(text); doc.IsArray() {
			tasks = doc
		}
		if !tasks.IsArray() {
			return nil, fmt.Errorf("%w: response has no tasks array", ErrUnparsableOutput)
		}
		list := &TaskList{Reasoning: parseReasoning(gjson.Get(text, "reasoning"))}
		tasks.ForEach(func(_, v gjson.Result) bool {
			list.add(v.Raw)
			return true
		})
		return list, nil
	}
	return repairTaskList(text)
}

func parseReasoning(r gjson.Result) Reasoning {
	switch {
	case r.IsObject():
		return Reasoning{
			Analysis:   r.Get("analysis").String(),
			Priorities: r.Get("priorities").String(),
			Summary:    r.Get("summary").String(),
		}
	case r.Type == gjson.String:
		return Reasoning{Summary: r.String()}
	}
	return Reasoning{}
}

func repairTaskList(text string) (*TaskList, error) {
	loc := tasksKey.FindStringIndex(text)
	if loc == nil {
		return nil, fmt.Errorf("%w: truncated response without a tasks array", ErrUnparsableOutput)
	}
	list := &TaskList{Repaired: true, Reasoning: recoverReasoning(text)}
	for _, obj := range completeObjects(text[loc[1]:]) {
		list.add(obj)
	}
	if len(list.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no complete task objects in truncated response", ErrUnparsableOutput)
	}
	return list, nil
}

// completeObjects returns the top-level objects of a JSON array body that
// are fully closed. Scanning stops at the array's closing bracket or at the
// end of input; a trailing partial object is ignored.
func completeObjects(s string) []string {
	var (
		out    []string
		depth  int
		start  = -1
		inStr  bool
		escape bool
	)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case escape:
				escape = false
			case c == '\\':
				escape = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '[':
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		case ']':
			if depth == 0 {
				return out
			}
			depth--
		}
	}
	return out
}

func recoverReasoning(text string) Reasoning {
	var r Reasoning
	for _, m := range reasoningField.FindAllStringSubmatch(text, -1) {
		val, err := strconv.Unquote(`"` + m[2] + `"`)
		if err != nil {
			val = m[2]
		}
		switch m[1] {
		case "analysis":
			if r.Analysis == "" {
				r.Analysis = val
			}
		case "priorities":
			if r.Priorities == "" {
				r.Priorities = val
			}
		case "summary":
			if r.Summary == "" {
				r.Summary = val
			}
		}
	}
	return r
}
