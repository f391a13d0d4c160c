package relay

import (
	"fmt"
	"sort"
	"strings"
)

// History is the message history store for one conversation key. It is owned
// by a single actor and is not safe for concurrent use.
type History struct {
	key     string
	backend StateBackend
	limit   int
	state   *ConversationState
}

func NewHistory(key string, backend StateBackend) *History {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	return &History{
		key:     key,
		backend: backend,
		limit:   MaxStoredMessages,
	}
}

// Load returns the stored messages sorted ascending by DateCreated.
func (h *History) Load() ([]Message, error) {
	state, err := h.current()
	if err != nil {
		return nil, err
	}
	return cloneMessages(state.Messages), nil
}

// Bind records conversationSID unless a binding already exists. It reports
// whether this call created the binding.
func (h *History) Bind(conversationSID string) (bool, error) {
	conversationSID = strings.TrimSpace(conversationSID)
	if conversationSID == "" {
		return false, ErrInvalidInput
	}
	state, err := h.current()
	if err != nil {
		return false, err
	}
	if state.ConversationSID != "" {
		return false, nil
	}
	next := cloneState(state)
	next.ConversationSID = conversationSID
	if err := h.persist(next); err != nil {
		return false, err
	}
	return true, nil
}

// BoundID returns the bound conversation sid, or "" while unbound.
func (h *History) BoundID() (string, error) {
	state, err := h.current()
	if err != nil {
		return "", err
	}
	return state.ConversationSID, nil
}

func (h *History) LastIndex() (int, error) {
	state, err := h.current()
	if err != nil {
		return 0, err
	}
	return state.LastIndex, nil
}

// AddMessage inserts candidate unless a message with the same SID is already
// stored. It reports whether the message was new and survived the cap.
func (h *History) AddMessage(candidate Message) (bool, error) {
	if strings.TrimSpace(candidate.SID) == "" {
		return false, fmt.Errorf("%w: message sid is required", ErrInvalidInput)
	}
	state, err := h.current()
	if err != nil {
		return false, err
	}
	merged, added := mergeMessage(state.Messages, candidate, h.limit)
	if !added {
		return false, nil
	}
	next := cloneState(state)
	next.Messages = merged
	if err := h.persist(next); err != nil {
		return false, err
	}
	return true, nil
}

// RaiseLastIndex moves the sync watermark forward; lower values are ignored.
func (h *History) RaiseLastIndex(index int) error {
	state, err := h.current()
	if err != nil {
		return err
	}
	if index <= state.LastIndex {
		return nil
	}
	next := cloneState(state)
	next.LastIndex = index
	return h.persist(next)
}

func (h *History) knownSIDs() (map[string]struct{}, error) {
	state, err := h.current()
	if err != nil {
		return nil, err
	}
	known := make(map[string]struct{}, len(state.Messages))
	for _, message := range state.Messages {
		known[message.SID] = struct{}{}
	}
	return known, nil
}

// current rehydrates from the backend on first use. Later reads are served
// from memory since the owning actor is the only writer for the key.
func (h *History) current() (*ConversationState, error) {
	if h.state != nil {
		return h.state, nil
	}
	loaded, err := h.backend.Load(h.key)
	if err != nil {
		return nil, err
	}
	if loaded == nil {
		loaded = &ConversationState{}
	}
	loaded.Messages = normalizeMessages(loaded.Messages, h.limit)
	h.state = loaded
	return h.state, nil
}

func (h *History) persist(next *ConversationState) error {
	if err := h.backend.Save(h.key, next); err != nil {
		return err
	}
	h.state = next
	return nil
}

// mergeMessage is the dedup/sort/cap step. messages must already be sorted;
// it is never modified in place.
func mergeMessage(messages []Message, candidate Message, limit int) ([]Message, bool) {
	for _, existing := range messages {
		if existing.SID == candidate.SID {
			return messages, false
		}
	}
	merged := make([]Message, 0, len(messages)+1)
	merged = append(merged, messages...)
	merged = append(merged, candidate)
	sortMessages(merged)
	merged = trimOldest(merged, limit)
	// A candidate older than a full history is trimmed straight back out.
	for _, kept := range merged {
		if kept.SID == candidate.SID {
			return merged, true
		}
	}
	return messages, false
}

func normalizeMessages(messages []Message, limit int) []Message {
	seen := make(map[string]struct{}, len(messages))
	out := make([]Message, 0, len(messages))
	for _, message := range messages {
		if _, ok := seen[message.SID]; ok {
			continue
		}
		seen[message.SID] = struct{}{}
		out = append(out, message)
	}
	sortMessages(out)
	return trimOldest(out, limit)
}

func sortMessages(messages []Message) {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].DateCreated.Before(messages[j].DateCreated)
	})
}

func trimOldest(messages []Message, limit int) []Message {
	if limit <= 0 || len(messages) <= limit {
		return messages
	}
	return append([]Message(nil), messages[len(messages)-limit:]...)
}
