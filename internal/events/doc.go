// Package events delivers task lifecycle notifications to operators.
//
// The engine depends only on the Notifier interface. Nop is the default,
// Emitter fans out to several notifiers, and WebhookNotifier posts events to
// an HTTP endpoint. Notifications are fire-and-forget: Send logs delivery
// failures and never returns them, so a broken sink cannot affect task state.
package events
