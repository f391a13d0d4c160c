package relay

import (
	"errors"
	"fmt"
)

var (
	ErrUnboundConversation = errors.New("unbound conversation")
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotImplemented      = errors.New("not implemented")
	ErrActorStopped        = errors.New("actor stopped")
	ErrDirectoryClosed     = errors.New("directory closed")
	ErrProvider            = errors.New("provider error")
	ErrConversationClaimed = errors.New("conversation bound to another key")
)

// ProviderError carries the messaging provider's failure verbatim so callers
// can surface it unchanged.
type ProviderError struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != 0:
		return fmt.Sprintf("provider %s failed: status=%d code=%d message=%s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("provider %s failed: status=%d message=%s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("provider %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("provider %s failed: %s", e.Op, e.Message)
	}
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// Reason is the user-facing failure text.
func (e *ProviderError) Reason() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "provider request failed"
}
