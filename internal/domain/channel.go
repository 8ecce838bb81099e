package domain

import (
	"fmt"
	"strings"
)

// Channel identifies an outbound contact channel.
type Channel string

// Supported channels. ChannelNone is used by tasks that never contact anyone.
const (
	ChannelNone      Channel = ""
	ChannelVoice     Channel = "voice"
	ChannelEmail     Channel = "email"
	ChannelMessaging Channel = "messaging"
)

// ParseChannel normalises s into a Channel.
func ParseChannel(s string) (Channel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return ChannelNone, nil
	case "voice", "call", "phone":
		return ChannelVoice, nil
	case "email", "mail":
		return ChannelEmail, nil
	case "messaging", "message", "chat", "sms":
		return ChannelMessaging, nil
	}
	return ChannelNone, fmt.Errorf("%w: %q", ErrInvalidChannel, s)
}

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelNone, ChannelVoice, ChannelEmail, ChannelMessaging:
		return true
	}
	return false
}

// Quota names a per-tenant daily action counter.
type Quota string

// Daily quotas
const (
	QuotaCalls    Quota = "calls"
	QuotaEmails   Quota = "emails"
	QuotaMessages Quota = "messages"
	QuotaAnalyses Quota = "analyses"
)

// Quotas lists every daily quota in a stable order.
var Quotas = []Quota{QuotaCalls, QuotaEmails, QuotaMessages, QuotaAnalyses}

// QuotaFor returns the quota consumed by an action, if any.
func QuotaFor(a ActionKind) (Quota, bool) {
	switch a {
	case ActionPlaceCall:
		return QuotaCalls, true
	case ActionSendEmail:
		return QuotaEmails, true
	case ActionSendMessage:
		return QuotaMessages, true
	case ActionAnalyze:
		return QuotaAnalyses, true
	}
	return "", false
}

// ChannelQuota returns the quota consumed by sending on c.
func ChannelQuota(c Channel) (Quota, bool) {
	switch c {
	case ChannelVoice:
		return QuotaCalls, true
	case ChannelEmail:
		return QuotaEmails, true
	case ChannelMessaging:
		return QuotaMessages, true
	}
	return "", false
}
