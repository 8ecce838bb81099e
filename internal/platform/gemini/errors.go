package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/phrazzld/cadence/internal/generation"
)

// ErrEmptyConversation is returned when a request carries no messages.
var ErrEmptyConversation = errors.New("request has no messages")

var transientMarkers = []string{
	"503",
	"unavailable",
	"429",
	"resource_exhausted",
	"resource exhausted",
	"temporarily unavailable",
	"overloaded",
	"deadline exceeded",
	"connection reset",
}

var blockedMarkers = []string{
	"safety",
	"blocked",
}

// classify maps a provider error onto the generation error set.
func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", generation.ErrTransientFailure, err)
		}
	}
	for _, m := range blockedMarkers {
		if strings.Contains(msg, m) {
			return fmt.Errorf("%w: %v", generation.ErrContentBlocked, err)
		}
	}
	return fmt.Errorf("gemini request failed: %w", err)
}
