package relay

import (
	"context"
	"errors"
)

type CreateMessageRequest struct {
	Author string
	Body   string
}

// Provider is the hosted messaging service. Implementations convert the
// provider's native message shape into Message on receipt.
//
// ListMessages returns the most recent page for the conversation, oldest
// first.
type Provider interface {
	ListMessages(ctx context.Context, conversationSID string, pageSize int) ([]Message, error)
	CreateMessage(ctx context.Context, conversationSID string, req CreateMessageRequest) (Message, error)
}

// unconfiguredProvider fails every call; used when no credentials are set so
// that snapshot and realtime features keep working.
type unconfiguredProvider struct{}

func (unconfiguredProvider) ListMessages(ctx context.Context, conversationSID string, pageSize int) ([]Message, error) {
	return nil, &ProviderError{Op: "list_messages", Message: "messaging provider is not configured"}
}

func (unconfiguredProvider) CreateMessage(ctx context.Context, conversationSID string, req CreateMessageRequest) (Message, error) {
	return Message{}, &ProviderError{Op: "create_message", Message: "messaging provider is not configured"}
}

func asProviderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var providerErr *ProviderError
	if errors.As(err, &providerErr) {
		return providerErr
	}
	return &ProviderError{Op: op, Err: err}
}
