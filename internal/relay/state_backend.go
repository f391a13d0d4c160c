package relay

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// stateOperationTimeout bounds each call to a networked or database backend.
const stateOperationTimeout = 5 * time.Second

// StateBackend persists ConversationState per conversation key. Load returns
// nil, nil when nothing has been stored for the key yet.
type StateBackend interface {
	Load(key string) (*ConversationState, error)
	Save(key string, state *ConversationState) error
}

type stateBackendCloser interface {
	Close() error
}

type InMemoryStateBackend struct {
	mu        sync.Mutex
	snapshots map[string][]byte
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{snapshots: map[string][]byte{}}
}

func (b *InMemoryStateBackend) Load(key string) (*ConversationState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	data, ok := b.snapshots[key]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	var state ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *InMemoryStateBackend) Save(key string, state *ConversationState) error {
	if b == nil || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[key] = data
	return nil
}

// JSONFileStateBackend keeps one JSON document per conversation key under Dir.
type JSONFileStateBackend struct {
	Dir string
}

func NewJSONFileStateBackend(dir string) *JSONFileStateBackend {
	return &JSONFileStateBackend{Dir: strings.TrimSpace(dir)}
}

func (b *JSONFileStateBackend) Load(key string) (*ConversationState, error) {
	if b == nil || b.Dir == "" {
		return nil, nil
	}
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var state ConversationState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (b *JSONFileStateBackend) Save(key string, state *ConversationState) error {
	if b == nil || b.Dir == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return err
	}
	path := b.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (b *JSONFileStateBackend) path(key string) string {
	return filepath.Join(b.Dir, url.PathEscape(key)+".json")
}
