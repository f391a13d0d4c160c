package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var testEpoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeProvider struct {
	mu          sync.Mutex
	created     int
	createCalls []CreateMessageRequest
	createSIDs  []string
	createErr   error
	listPage    []Message
	listErr     error
	listCalls   int
	listSIDs    []string
	delay       time.Duration
	inFlight    int32
	maxInFlight int32
}

func (p *fakeProvider) enter() func() {
	current := atomic.AddInt32(&p.inFlight, 1)
	for {
		seen := atomic.LoadInt32(&p.maxInFlight)
		if current <= seen || atomic.CompareAndSwapInt32(&p.maxInFlight, seen, current) {
			break
		}
	}
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	return func() { atomic.AddInt32(&p.inFlight, -1) }
}

func (p *fakeProvider) ListMessages(ctx context.Context, conversationSID string, pageSize int) ([]Message, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listCalls++
	p.listSIDs = append(p.listSIDs, conversationSID)
	if p.listErr != nil {
		return nil, p.listErr
	}
	return append([]Message(nil), p.listPage...), nil
}

func (p *fakeProvider) CreateMessage(ctx context.Context, conversationSID string, req CreateMessageRequest) (Message, error) {
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls = append(p.createCalls, req)
	p.createSIDs = append(p.createSIDs, conversationSID)
	if p.createErr != nil {
		return Message{}, p.createErr
	}
	p.created++
	return testMessage(fmt.Sprintf("SM%d", p.created), p.created, req.Author, req.Body), nil
}

func testMessage(sid string, seq int, author, body string) Message {
	index := seq
	return Message{
		SID:         sid,
		Index:       &index,
		Author:      &author,
		Body:        &body,
		DateCreated: testEpoch.Add(time.Duration(seq) * time.Second),
		DateUpdated: testEpoch.Add(time.Duration(seq) * time.Second),
		Attributes:  "{}",
	}
}

type fakeChannel struct {
	mu        sync.Mutex
	frames    [][]byte
	fail      bool
	closed    bool
	reason    string
	done      chan struct{}
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{})}
}

func (c *fakeChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("broken pipe")
	}
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeChannel) Done() <-chan struct{} {
	return c.done
}

func (c *fakeChannel) Close(reason string) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *fakeChannel) breakPipe() {
	c.mu.Lock()
	c.fail = true
	c.mu.Unlock()
}

func (c *fakeChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeChannel) decoded(t *testing.T) []Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, 0, len(c.frames))
	for _, raw := range c.frames {
		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			t.Fatalf("decode frame %s: %v", raw, err)
		}
		out = append(out, frame)
	}
	return out
}

type failingStateBackend struct {
	loadErr error
	saveErr error
}

func (b *failingStateBackend) Load(key string) (*ConversationState, error) {
	return nil, b.loadErr
}

func (b *failingStateBackend) Save(key string, state *ConversationState) error {
	return b.saveErr
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func messageSIDs(messages []Message) []string {
	out := make([]string, 0, len(messages))
	for _, message := range messages {
		out = append(out, message.SID)
	}
	return out
}
