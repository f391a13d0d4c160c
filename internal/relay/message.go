package relay

import (
	"encoding/json"
	"time"
)

const (
	MaxStoredMessages = 500
	SyncPageSize      = 100
)

// Message is a single chat message as known to the relay. SID is assigned by
// the provider and is the identity key.
type Message struct {
	SID         string    `json:"sid"`
	Index       *int      `json:"index,omitempty"`
	Author      *string   `json:"author,omitempty"`
	Body        *string   `json:"body,omitempty"`
	DateCreated time.Time `json:"dateCreated"`
	DateUpdated time.Time `json:"dateUpdated"`
	Attributes  string    `json:"attributes"`
}

// ConversationState is everything persisted for one conversation key.
type ConversationState struct {
	ConversationSID string    `json:"conversationSid"`
	Messages        []Message `json:"messages"`
	LastIndex       int       `json:"lastIndex"`
}

type FrameType string

const (
	FrameSnapshot     FrameType = "snapshot"
	FrameMessageAdded FrameType = "message_added"
	FrameError        FrameType = "error"
)

// Frame is what realtime channels receive. The first frame on every channel is
// a snapshot.
type Frame struct {
	Type     FrameType `json:"type"`
	Messages []Message `json:"messages,omitempty"`
	Message  *Message  `json:"message,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// MarshalJSON keeps "messages" present on snapshot frames even when the
// history is empty.
func (f Frame) MarshalJSON() ([]byte, error) {
	type plain Frame
	if f.Type != FrameSnapshot {
		return json.Marshal(plain(f))
	}
	messages := f.Messages
	if messages == nil {
		messages = []Message{}
	}
	return json.Marshal(struct {
		Type     FrameType `json:"type"`
		Messages []Message `json:"messages"`
	}{Type: f.Type, Messages: messages})
}

func snapshotFrame(messages []Message) Frame {
	return Frame{Type: FrameSnapshot, Messages: messages}
}

func messageAddedFrame(message Message) Frame {
	return Frame{Type: FrameMessageAdded, Message: &message}
}

func errorFrame(err error) Frame {
	return Frame{Type: FrameError, Error: err.Error()}
}

func cloneMessages(in []Message) []Message {
	if in == nil {
		return []Message{}
	}
	return append([]Message(nil), in...)
}

func cloneState(in *ConversationState) *ConversationState {
	if in == nil {
		return nil
	}
	out := *in
	out.Messages = cloneMessages(in.Messages)
	return &out
}
