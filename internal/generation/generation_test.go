package generation_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/generation"
	"github.com/phrazzld/cadence/internal/generation/gentest"
	"github.com/phrazzld/cadence/internal/platform/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() generation.RetryPolicy {
	return generation.RetryPolicy{MaxRetries: 2, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryingRecoversFromTransientFailures(t *testing.T) {
	t.Parallel()
	fake := gentest.New().Queue("plan",
		gentest.Reply{Err: fmt.Errorf("%w: 503 UNAVAILABLE", generation.ErrTransientFailure)},
		gentest.Reply{Err: fmt.Errorf("%w: temporarily unavailable", generation.ErrTransientFailure)},
		gentest.Reply{Text: `{"ok":true}`},
	)
	m := generation.NewRetrying(fake, fastPolicy(), nil, logger.Discard())

	out, err := m.Generate(context.Background(), generation.Ask("plan", "", "hi"))
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)
	assert.Equal(t, 3, fake.Calls("plan"))
}

func TestRetryingGivesUp(t *testing.T) {
	t.Parallel()
	transient := fmt.Errorf("%w: 429 RESOURCE_EXHAUSTED", generation.ErrTransientFailure)
	fake := gentest.New()
	fake.Queue("plan", gentest.Reply{Err: transient}, gentest.Reply{Err: transient}, gentest.Reply{Err: transient}, gentest.Reply{Text: "late"})
	m := generation.NewRetrying(fake, fastPolicy(), nil, logger.Discard())

	_, err := m.Generate(context.Background(), generation.Ask("plan", "", "hi"))
	assert.ErrorIs(t, err, generation.ErrTransientFailure)
	assert.Equal(t, 3, fake.Calls("plan"), "one call plus two retries")
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	t.Parallel()
	fake := gentest.New().Queue("plan", gentest.Reply{Err: generation.ErrContentBlocked}, gentest.Reply{Text: "never"})
	m := generation.NewRetrying(fake, fastPolicy(), nil, logger.Discard())

	_, err := m.Generate(context.Background(), generation.Ask("plan", "", "hi"))
	assert.True(t, errors.Is(err, generation.ErrContentBlocked))
	assert.Equal(t, 1, fake.Calls("plan"))
}

func TestDefaultCatalogRendersEveryPrompt(t *testing.T) {
	t.Parallel()
	c := generation.DefaultCatalog()
	contact := &domain.Contact{Name: "Dana Scully", Company: "FBI"}
	task := &domain.Task{Instruction: "Follow up on the audit", Role: "account_manager", Priority: 3, Channel: domain.ChannelEmail}

	data := map[string]any{
		"Task":            task,
		"Instruction":     task.Instruction,
		"Description":     "step",
		"Tone":            "warm",
		"Contact":         contact,
		"Data":            map[string]string{"fetch": "ok"},
		"Query":           "latest audit regulations",
		"EnabledChannels": []domain.Channel{domain.ChannelEmail},
		"Counts":          domain.DailyActionCounts{domain.QuotaEmails: 2},
		"Role":            "account_manager",
		"MaxTasks":        5,
		"Now":             "2026-03-02T10:00:00Z",
		"Contacts":        []*domain.Contact{contact},
	}
	for _, name := range []string{
		generation.PromptPlan, generation.PromptAnalysis, generation.PromptReport,
		generation.PromptTalkingPoints, generation.PromptEmail, generation.PromptMessage,
		generation.PromptWebSearch, generation.PromptGenerate, generation.PromptDeepAnalyze,
		generation.PromptDeepPrioritize, generation.PromptDeepGenerate, generation.PromptDeepReview,
	} {
		_, user, err := c.Render(name, data)
		require.NoError(t, err, name)
		assert.NotEmpty(t, user, name)
	}

	system, user, err := c.Render(generation.PromptPlan, data)
	require.NoError(t, err)
	assert.Contains(t, system, "shouldExecute")
	assert.Contains(t, user, "Follow up on the audit")
	assert.Contains(t, user, `["email"]`)
}

func TestCatalogErrors(t *testing.T) {
	t.Parallel()
	_, _, err := generation.DefaultCatalog().Render("nope", nil)
	assert.ErrorIs(t, err, generation.ErrUnknownPrompt)

	_, err = generation.ParseCatalog([]byte("x:\n  system: hi\n"))
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)

	_, err = generation.ParseCatalog([]byte("x:\n  user: '{{.Broken'\n"))
	assert.ErrorIs(t, err, generation.ErrInvalidConfig)
}
