package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/phrazzld/cadence/internal/channel"
	"github.com/phrazzld/cadence/internal/decision"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/store"
	"github.com/tidwall/gjson"
)

// fetchLimit bounds the history loaded by fetch_data.
const fetchLimit = 10

type fetchResult struct {
	Contact  *domain.Contact            `json:"contact,omitempty"`
	Tasks    []decision.TaskSummary     `json:"tasks"`
	Activity []decision.ActivitySummary `json:"activity"`
}

func (e *Executor) fetchData(ctx context.Context, in StepInput) (any, error) {
	out := fetchResult{Contact: in.Contact, Tasks: []decision.TaskSummary{}, Activity: []decision.ActivitySummary{}}
	filter := store.ActivityFilter{TaskID: &in.Task.ID, Limit: fetchLimit}
	if in.Task.ContactID != nil {
		related, err := e.stores.Tasks.ListForContact(ctx, in.Task.TenantID, *in.Task.ContactID, fetchLimit+1)
		if err != nil {
			return nil, fmt.Errorf("failed to load task history: %w", err)
		}
		for _, r := range related {
			if r.ID == in.Task.ID {
				continue
			}
			out.Tasks = append(out.Tasks, decision.TaskSummary{
				ID: r.ID, Instruction: r.Instruction, Status: r.Status, Result: r.ResultSummary, CompletedAt: r.CompletedAt,
			})
		}
		filter = store.ActivityFilter{ContactID: in.Task.ContactID, Limit: fetchLimit}
	}
	entries, err := e.stores.Activity.List(ctx, in.Task.TenantID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to load activity: %w", err)
	}
	for _, a := range entries {
		out.Activity = append(out.Activity, decision.ActivitySummary{Type: a.Type, Title: a.Title, At: a.CreatedAt})
	}
	return out, nil
}

// promptData is the template input shared by the step prompts.
func promptData(in StepInput) map[string]any {
	return map[string]any{
		"Instruction": in.Task.Instruction,
		"Description": in.Step.Description,
		"Tone":        in.Task.Tone,
		"Contact":     in.Contact,
		"Data":        in.Prior,
	}
}

func (e *Executor) ask(ctx context.Context, prompt string, data any, jsonOnly bool) (string, error) {
	system, user, err := e.prompts.Render(prompt, data)
	if err != nil {
		return "", fmt.Errorf("failed to render %s prompt: %w", prompt, err)
	}
	req := generation.Ask(prompt, system, user)
	req.JSON = jsonOnly
	text, err := e.model.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s request failed: %w", prompt, err)
	}
	return strings.TrimSpace(text), nil
}

type textResult struct {
	Text string `json:"text"`
}

func (e *Executor) analyze(ctx context.Context, in StepInput) (any, error) {
	text, err := e.ask(ctx, generation.PromptAnalysis, promptData(in), false)
	if err != nil {
		return nil, err
	}
	return textResult{Text: text}, nil
}

func (e *Executor) draftReport(ctx context.Context, in StepInput) (any, error) {
	raw, err := e.ask(ctx, generation.PromptReport, promptData(in), true)
	if err != nil {
		return nil, err
	}
	if doc := generation.ExtractJSON(raw); gjson.Valid(doc) && gjson.Get(doc, "summary").Exists() {
		return json.RawMessage(doc), nil
	}
	e.logger.WarnContext(ctx, "report was not structured, keeping it as text",
		"task_id", in.Task.ID,
		"raw", generation.Snippet(raw, 500))
	return map[string]string{"summary": raw}, nil
}

type talkingPoints struct {
	TalkingPoints string `json:"talking_points"`
}

func (e *Executor) prepareOutreach(ctx context.Context, in StepInput) (any, error) {
	text, err := e.ask(ctx, generation.PromptTalkingPoints, promptData(in), false)
	if err != nil {
		return nil, err
	}
	return talkingPoints{TalkingPoints: text}, nil
}

// dispatchResult is stored for the outreach steps.
type dispatchResult struct {
	Receipt channel.Receipt `json:"receipt"`
	Subject string          `json:"subject,omitempty"`
	Text    string          `json:"text,omitempty"`
}

func (e *Executor) placeCall(ctx context.Context, in StepInput) (any, error) {
	if e.caller == nil {
		return nil, fmt.Errorf("%w: voice", channel.ErrUnavailable)
	}
	prompt := in.Step.Param("prompt")
	if prompt == "" {
		prompt = latest(in.Prior, domain.ActionPrepareOutreach, "talking_points")
	}
	if prompt == "" {
		text, err := e.ask(ctx, generation.PromptTalkingPoints, promptData(in), false)
		if err != nil {
			return nil, err
		}
		prompt = text
	}
	rec, err := e.caller.Place(ctx, in.Task, in.Contact, prompt)
	if err != nil {
		return nil, err
	}
	return dispatchResult{Receipt: rec, Text: prompt}, nil
}

func (e *Executor) sendEmail(ctx context.Context, in StepInput) (any, error) {
	if e.mailer == nil {
		return nil, fmt.Errorf("%w: email", channel.ErrUnavailable)
	}
	if in.Contact == nil {
		return nil, fmt.Errorf("%w: task has no contact", channel.ErrInvalidRecipient)
	}
	// The recipient is checked before anything is drafted or sent.
	if err := e.mailer.ValidateRecipient(in.Contact.Email); err != nil {
		return nil, err
	}
	subject, body := in.Step.Param("subject"), in.Step.Param("body")
	if subject == "" || body == "" {
		raw, err := e.ask(ctx, generation.PromptEmail, promptData(in), true)
		if err != nil {
			return nil, err
		}
		doc := generation.ExtractJSON(raw)
		subject = gjson.Get(doc, "subject").String()
		body = gjson.Get(doc, "body").String()
		if strings.TrimSpace(subject) == "" || strings.TrimSpace(body) == "" {
			e.logger.ErrorContext(ctx, "model returned an unusable email draft",
				"task_id", in.Task.ID,
				"raw", generation.Snippet(raw, 1000))
			return nil, fmt.Errorf("%w: email draft without subject or body", generation.ErrInvalidResponse)
		}
	}
	rec, err := e.mailer.Send(ctx, in.Task, in.Contact, subject, body)
	if err != nil {
		return nil, err
	}
	return dispatchResult{Receipt: rec, Subject: subject, Text: body}, nil
}

func (e *Executor) sendMessage(ctx context.Context, in StepInput) (any, error) {
	if e.messenger == nil {
		return nil, fmt.Errorf("%w: messaging", channel.ErrUnavailable)
	}
	if _, err := channel.Recipient(in.Contact); err != nil {
		return nil, err
	}
	text := in.Step.Param("text")
	if text == "" {
		var err error
		if text, err = e.ask(ctx, generation.PromptMessage, promptData(in), false); err != nil {
			return nil, err
		}
	}
	rec, err := e.messenger.Send(ctx, in.Task, in.Contact, text)
	if err != nil {
		return nil, err
	}
	return dispatchResult{Receipt: rec, Text: text}, nil
}

type searchResult struct {
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

func (e *Executor) webSearch(ctx context.Context, in StepInput) (any, error) {
	query := in.Step.Param("query")
	if query == "" {
		query = in.Step.Description
	}
	if query == "" {
		query = in.Task.Instruction
	}
	system, user, err := e.prompts.Render(generation.PromptWebSearch, map[string]any{"Query": query})
	if err != nil {
		return nil, fmt.Errorf("failed to render web search prompt: %w", err)
	}
	req := generation.Ask(generation.PromptWebSearch, system, user)
	req.Search = true
	answer, err := e.model.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	return searchResult{Query: query, Answer: strings.TrimSpace(answer)}, nil
}

// latest returns field from the output of the last earlier step with the
// given action, or "".
func latest(prior map[string]json.RawMessage, action domain.ActionKind, field string) string {
	suffix := "_" + string(action)
	var names []string
	for name := range prior {
		if strings.HasSuffix(name, suffix) {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return stepIndex(names[i]) > stepIndex(names[j]) })
	for _, name := range names {
		if v := gjson.GetBytes(prior[name], field); v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func stepIndex(name string) int {
	idx, _, _ := strings.Cut(name, "_")
	n, err := strconv.Atoi(idx)
	if err != nil {
		return -1
	}
	return n
}
