package events

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/phrazzld/cadence/internal/platform/httpclient"
)

// WebhookNotifier posts each event as JSON to an operator-facing endpoint,
// e.g. a chat bot relay.
type WebhookNotifier struct {
	url    string
	client *retryablehttp.Client
}

// NewWebhookNotifier returns a notifier posting to url.
func NewWebhookNotifier(url string, client *retryablehttp.Client) *WebhookNotifier {
	return &WebhookNotifier{url: url, client: client}
}

// Notify implements Notifier.
func (w *WebhookNotifier) Notify(ctx context.Context, event *Event) error {
	if err := httpclient.PostJSON(ctx, w.client, w.url, nil, event, nil); err != nil {
		return fmt.Errorf("webhook notification failed: %w", err)
	}
	return nil
}
