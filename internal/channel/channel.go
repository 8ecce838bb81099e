// Package channel implements the outbound dispatchers: voice calls through a
// telephony bridge, email through a mail API and chat messages through a
// messaging gateway. Every dispatcher returns a Receipt on success so callers
// handle all channels the same way.
package channel

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/cadence/internal/domain"
	"github.com/phrazzld/cadence/internal/platform/httpclient"
)

var (
	// ErrInvalidRecipient is returned before any send when the contact has
	// no usable address for the channel.
	ErrInvalidRecipient = errors.New("invalid recipient")

	// ErrUnavailable is returned when a channel is not configured.
	ErrUnavailable = errors.New("channel not configured")

	// ErrAttemptsExhausted is returned when a call ran out of attempts.
	ErrAttemptsExhausted = errors.New("call attempts exhausted")

	// ErrRejected is returned when the provider refused the request.
	ErrRejected = errors.New("provider rejected the request")
)

// Receipt confirms that a provider accepted a send or call.
type Receipt struct {
	Channel    domain.Channel `json:"channel"`
	ExternalID string         `json:"external_id"`
	Recipient  string         `json:"recipient"`
	Status     string         `json:"status"`
	// Reused is set when an earlier attempt's resource was reused.
	Reused bool `json:"reused,omitempty"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func schema() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// NormalizePhone strips formatting characters and checks the result is an
// E.164 number.
func NormalizePhone(phone string) (string, error) {
	p := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
	if err := schema().Var(p, "required,e164"); err != nil {
		return "", fmt.Errorf("%w: phone number is not in international format", ErrInvalidRecipient)
	}
	return p, nil
}

// providerError classifies an HTTP failure. Rejections (4xx other than 429)
// are wrapped with ErrRejected; everything else is returned as is.
func providerError(name string, err error) error {
	var se *httpclient.StatusError
	if errors.As(err, &se) && !se.Temporary() {
		return fmt.Errorf("%w: %s: %v", ErrRejected, name, err)
	}
	return fmt.Errorf("%s request failed: %w", name, err)
}

func bearer(key string) map[string]string {
	if key == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + key}
}
