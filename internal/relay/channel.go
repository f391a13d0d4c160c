package relay

import (
	"encoding/json"
	"errors"

	"github.com/oklog/ulid/v2"
)

var (
	errChannelClosed  = errors.New("channel closed")
	errChannelBacklog = errors.New("channel backlog full")
)

// Channel is one connected realtime client. Send must not block on network
// I/O; Done is closed once the channel is gone for any reason.
type Channel interface {
	Send(frame []byte) error
	Done() <-chan struct{}
	Close(reason string) error
}

// channelSet is the actor's active connection set. Only the owning actor
// goroutine touches it. Handles are opaque ULIDs; order tracks registration.
type channelSet struct {
	channels map[string]Channel
	order    []string
}

func newChannelSet() *channelSet {
	return &channelSet{channels: map[string]Channel{}}
}

func (s *channelSet) add(ch Channel) string {
	handle := ulid.Make().String()
	s.channels[handle] = ch
	s.order = append(s.order, handle)
	return handle
}

func (s *channelSet) remove(handle string) (Channel, bool) {
	ch, ok := s.channels[handle]
	if !ok {
		return nil, false
	}
	s.forget(handle)
	return ch, true
}

func (s *channelSet) forget(handle string) {
	delete(s.channels, handle)
	for i, h := range s.order {
		if h == handle {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *channelSet) len() int {
	return len(s.channels)
}

// handles returns a copy of the current handles in registration order.
func (s *channelSet) handles() []string {
	return append([]string(nil), s.order...)
}

// broadcast serializes frame once and sends it to every channel. Channels
// that fail are closed and dropped; the failure never reaches the caller.
func (s *channelSet) broadcast(frame Frame) (delivered int, dropped []string) {
	data, err := json.Marshal(frame)
	if err != nil {
		return 0, nil
	}
	for _, handle := range s.handles() {
		ch, ok := s.channels[handle]
		if !ok {
			continue
		}
		if err := ch.Send(data); err != nil {
			s.forget(handle)
			_ = ch.Close("send failed")
			dropped = append(dropped, handle)
			continue
		}
		delivered++
	}
	return delivered, dropped
}

func (s *channelSet) closeAll(reason string) {
	for _, handle := range s.handles() {
		ch := s.channels[handle]
		s.forget(handle)
		_ = ch.Close(reason)
	}
}

func sendFrame(ch Channel, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return ch.Send(data)
}
