package autogen

import (
	"context"
	"errors"
	"fmt"

	"github.com/phrazzld/cadence/internal/generation"
)

// structured asks for the reasoning and the task list in one call.
func (c *Cycle) structured(ctx context.Context, in *input) (*generation.TaskList, error) {
	system, user, err := c.prompts.Render(generation.PromptGenerate, in)
	if err != nil {
		return nil, err
	}
	req := generation.Ask(generation.PromptGenerate, system, user)
	req.JSON = true
	raw, err := c.model.Generate(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generation request failed: %w", err)
	}
	return c.parse(raw, in.Role)
}

// deepThink runs the four-stage conversation: analyse the data, rank the
// priorities, write the task list and review it. Every stage sees the
// whole conversation so far.
func (c *Cycle) deepThink(ctx context.Context, in *input) (*generation.TaskList, error) {
	system, opening, err := c.prompts.Render(generation.PromptDeepAnalyze, in)
	if err != nil {
		return nil, err
	}
	conv := &conversation{cycle: c, system: system}

	if _, err := conv.say(ctx, generation.PromptDeepAnalyze, opening, false); err != nil {
		return nil, err
	}
	if _, err := conv.ask(ctx, generation.PromptDeepPrioritize, in, false); err != nil {
		return nil, err
	}
	draft, err := conv.ask(ctx, generation.PromptDeepGenerate, in, true)
	if err != nil {
		return nil, err
	}
	final, err := conv.ask(ctx, generation.PromptDeepReview, in, true)
	if err != nil {
		return nil, err
	}

	list, err := c.parse(final, in.Role)
	if errors.Is(err, generation.ErrUnparsableOutput) {
		c.logger.Warn("review stage unparsable, using the generated list", "role", in.Role)
		return c.parse(draft, in.Role)
	}
	return list, err
}

// parse reads a task list and logs what it could not use.
func (c *Cycle) parse(raw, role string) (*generation.TaskList, error) {
	list, err := generation.ParseTaskList(raw)
	if err != nil {
		c.logger.Error("unparsable generation output",
			"role", role,
			"error", err,
			"raw", generation.Snippet(raw, 2000))
		return nil, err
	}
	if list.Repaired {
		c.logger.Warn("generation output was truncated, kept complete tasks only",
			"role", role,
			"tasks", len(list.Tasks))
	}
	if list.Dropped > 0 {
		c.logger.Warn("dropped invalid task proposals", "role", role, "dropped", list.Dropped)
	}
	return list, nil
}

// conversation is a multi-turn exchange with a fixed system instruction.
type conversation struct {
	cycle    *Cycle
	system   string
	messages []generation.Message
}

func (cv *conversation) ask(ctx context.Context, prompt string, data any, jsonOnly bool) (string, error) {
	_, user, err := cv.cycle.prompts.Render(prompt, data)
	if err != nil {
		return "", err
	}
	return cv.say(ctx, prompt, user, jsonOnly)
}

func (cv *conversation) say(ctx context.Context, purpose, text string, jsonOnly bool) (string, error) {
	cv.messages = append(cv.messages, generation.Message{Speaker: generation.SpeakerUser, Text: text})
	req := generation.Request{
		Purpose:  purpose,
		System:   cv.system,
		Messages: append([]generation.Message(nil), cv.messages...),
		JSON:     jsonOnly,
	}
	reply, err := cv.cycle.model.Generate(ctx, req)
	if err != nil {
		return "", fmt.Errorf("%s stage failed: %w", purpose, err)
	}
	cv.messages = append(cv.messages, generation.Message{Speaker: generation.SpeakerModel, Text: reply})
	return reply, nil
}
