package relay

import (
	"strings"
	"sync"
)

// conversationClaimPrefix namespaces ownership records in the state backend.
// Conversation keys may not start with it.
const conversationClaimPrefix = "@conversation/"

// conversationIndex records which conversation key owns each provider
// conversation, so a conversation is bound under one key only. Claims are
// written through the state backend; a claim record is a ConversationState
// whose ConversationSID holds the owning key.
type conversationIndex struct {
	backend StateBackend

	mu     sync.Mutex
	owners map[string]string
}

func newConversationIndex(backend StateBackend) *conversationIndex {
	return &conversationIndex{backend: backend, owners: map[string]string{}}
}

func isReservedKey(key string) bool {
	return strings.HasPrefix(key, conversationClaimPrefix)
}

// owner returns the key owning conversationSID, or "" when unclaimed.
func (x *conversationIndex) owner(conversationSID string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ownerLocked(conversationSID)
}

// claim records key as the owner of conversationSID unless another key got
// there first. It returns the owner after the call.
func (x *conversationIndex) claim(conversationSID, key string) (string, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	owner, err := x.ownerLocked(conversationSID)
	if err != nil || owner != "" {
		return owner, err
	}
	if err := x.backend.Save(conversationClaimPrefix+conversationSID, &ConversationState{ConversationSID: key}); err != nil {
		return "", err
	}
	x.owners[conversationSID] = key
	return key, nil
}

func (x *conversationIndex) ownerLocked(conversationSID string) (string, error) {
	if owner, ok := x.owners[conversationSID]; ok {
		return owner, nil
	}
	record, err := x.backend.Load(conversationClaimPrefix + conversationSID)
	if err != nil {
		return "", err
	}
	if record == nil || record.ConversationSID == "" {
		return "", nil
	}
	x.owners[conversationSID] = record.ConversationSID
	return record.ConversationSID, nil
}
