package relay

import (
	"net/url"
	"strings"
)

type WebhookEventType string

const (
	WebhookMessageAdded   WebhookEventType = "onMessageAdded"
	WebhookMessageUpdated WebhookEventType = "onMessageUpdated"
	WebhookMessageRemoved WebhookEventType = "onMessageRemoved"
)

// WebhookEvent is the subset of a Conversations webhook the relay needs.
type WebhookEvent struct {
	ConversationSID string           `json:"conversationSid,omitempty"`
	EventType       WebhookEventType `json:"eventType,omitempty"`
	MessageSID      string           `json:"messageSid,omitempty"`
	Source          string           `json:"source,omitempty"`
}

// ParseWebhookForm extracts the event from provider form fields. Every field
// is optional; a missing ConversationSid leaves the actor's binding alone.
func ParseWebhookForm(form url.Values) WebhookEvent {
	return WebhookEvent{
		ConversationSID: firstFormValue(form, "ConversationSid", "conversationSid"),
		EventType:       WebhookEventType(firstFormValue(form, "EventType", "eventType")),
		MessageSID:      firstFormValue(form, "MessageSid", "messageSid"),
		Source:          firstFormValue(form, "Source", "source"),
	}
}

func firstFormValue(form url.Values, names ...string) string {
	for _, name := range names {
		if value := strings.TrimSpace(form.Get(name)); value != "" {
			return value
		}
	}
	return ""
}
