package relay

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type Logger interface {
	Printf(format string, args ...any)
}

type ActorOptions struct {
	Backend         StateBackend
	Provider        Provider
	Logger          Logger
	ProviderTimeout time.Duration
	Now             func() time.Time
	// Claim records key as the owner of a provider conversation and returns
	// the owner after the call. Nil skips ownership checks.
	Claim func(conversationSID, key string) (string, error)
}

type ActorStats struct {
	Key             string    `json:"key"`
	ConversationSID string    `json:"conversationSid,omitempty"`
	Channels        int       `json:"channels"`
	Messages        int       `json:"messages"`
	LastIndex       int       `json:"lastIndex"`
	LastActiveAt    time.Time `json:"lastActiveAt"`
}

type actorRequest struct {
	run    func() error
	touch  bool
	result chan error
}

// Actor owns the relay state for one conversation key. Every operation is
// executed on the actor's own goroutine, one at a time, so history merges and
// broadcasts never interleave.
type Actor struct {
	key             string
	history         *History
	provider        Provider
	logger          Logger
	providerTimeout time.Duration
	now             func() time.Time
	claim           func(conversationSID, key string) (string, error)

	channels   *channelSet
	claimed    bool
	lastActive time.Time
	retired    bool

	mailbox chan actorRequest
	quit    chan struct{}
	stopped chan struct{}
}

func NewActor(key string, opts ActorOptions) *Actor {
	provider := opts.Provider
	if provider == nil {
		provider = unconfiguredProvider{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &Actor{
		key:             key,
		history:         NewHistory(key, opts.Backend),
		provider:        provider,
		logger:          opts.Logger,
		providerTimeout: opts.ProviderTimeout,
		now:             now,
		claim:           opts.Claim,
		channels:        newChannelSet(),
		lastActive:      now(),
		mailbox:         make(chan actorRequest),
		quit:            make(chan struct{}),
		stopped:         make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Actor) Key() string {
	return a.key
}

// Connect binds the actor to conversationSID if it is still unbound, sends the
// snapshot frame, and registers ch for live updates until ch is done.
func (a *Actor) Connect(ctx context.Context, conversationSID string, ch Channel) error {
	if ch == nil {
		return ErrInvalidInput
	}
	return a.call(ctx, true, func() error {
		if sid := strings.TrimSpace(conversationSID); sid != "" {
			if err := a.bindLocked(sid); err != nil {
				_ = sendFrame(ch, errorFrame(err))
				_ = ch.Close("history unavailable")
				return err
			}
		}
		messages, err := a.history.Load()
		if err != nil {
			a.logf("relay %s: snapshot load failed: %v", a.key, err)
			_ = sendFrame(ch, errorFrame(err))
			_ = ch.Close("history unavailable")
			return err
		}
		if err := sendFrame(ch, snapshotFrame(messages)); err != nil {
			_ = ch.Close("snapshot send failed")
			return err
		}
		handle := a.channels.add(ch)
		go a.watch(handle, ch)
		return nil
	})
}

// Send creates a message at the provider and, once the provider has accepted
// it, records and broadcasts it. fallbackSID is used only while unbound.
func (a *Actor) Send(ctx context.Context, author, body, fallbackSID string) (Message, error) {
	if strings.TrimSpace(body) == "" {
		return Message{}, fmt.Errorf("%w: message body is required", ErrInvalidInput)
	}
	var created Message
	err := a.call(ctx, true, func() error {
		sid, err := a.history.BoundID()
		if err != nil {
			return err
		}
		if sid == "" {
			sid = strings.TrimSpace(fallbackSID)
		}
		if sid == "" {
			return ErrUnboundConversation
		}
		pctx, cancel := a.providerContext(ctx)
		message, err := a.provider.CreateMessage(pctx, sid, CreateMessageRequest{Author: author, Body: body})
		cancel()
		if err != nil {
			a.logf("relay %s: create message failed: %v", a.key, err)
			return asProviderError("create_message", err)
		}
		added, err := a.history.AddMessage(message)
		if err != nil {
			return err
		}
		created = message
		if added {
			a.broadcastLocked(messageAddedFrame(message))
		}
		return nil
	})
	if err != nil {
		return Message{}, err
	}
	return created, nil
}

// NotifyExternalChange handles a provider webhook: it binds to the event's
// conversation if still unbound and then syncs.
func (a *Actor) NotifyExternalChange(ctx context.Context, event WebhookEvent) error {
	return a.call(ctx, true, func() error {
		if sid := strings.TrimSpace(event.ConversationSID); sid != "" {
			if err := a.bindLocked(sid); err != nil {
				return err
			}
		}
		return a.syncLocked(ctx)
	})
}

// Sync reconciles local history with the provider's most recent page.
func (a *Actor) Sync(ctx context.Context) error {
	return a.call(ctx, true, func() error {
		return a.syncLocked(ctx)
	})
}

// Snapshot returns the current history without registering a channel.
func (a *Actor) Snapshot(ctx context.Context) ([]Message, error) {
	var messages []Message
	err := a.call(ctx, false, func() error {
		loaded, err := a.history.Load()
		if err != nil {
			return err
		}
		messages = loaded
		return nil
	})
	return messages, err
}

func (a *Actor) Stats(ctx context.Context) (ActorStats, error) {
	var stats ActorStats
	err := a.call(ctx, false, func() error {
		state, err := a.history.current()
		if err != nil {
			return err
		}
		stats = ActorStats{
			Key:             a.key,
			ConversationSID: state.ConversationSID,
			Channels:        a.channels.len(),
			Messages:        len(state.Messages),
			LastIndex:       state.LastIndex,
			LastActiveAt:    a.lastActive,
		}
		return nil
	})
	return stats, err
}

// tryRetire marks the actor as retired when it has no channels and has been
// idle for at least idle. A retired actor rejects further requests with
// ErrActorStopped.
func (a *Actor) tryRetire(ctx context.Context, idle time.Duration) bool {
	retired := false
	err := a.call(ctx, false, func() error {
		if a.channels.len() > 0 || a.now().Sub(a.lastActive) < idle {
			return nil
		}
		a.retired = true
		retired = true
		return nil
	})
	return err == nil && retired
}

func (a *Actor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
	<-a.stopped
}

func (a *Actor) syncLocked(ctx context.Context) error {
	sid, err := a.history.BoundID()
	if err != nil {
		return err
	}
	if sid == "" {
		return ErrUnboundConversation
	}
	pctx, cancel := a.providerContext(ctx)
	page, err := a.provider.ListMessages(pctx, sid, SyncPageSize)
	cancel()
	if err != nil {
		a.logf("relay %s: list messages failed: %v", a.key, err)
		return asProviderError("list_messages", err)
	}
	known, err := a.history.knownSIDs()
	if err != nil {
		return err
	}

	added := make([]Message, 0)
	maxIndex, sawIndex := 0, false
	var addErr error
	for _, message := range page {
		if _, ok := known[message.SID]; ok {
			continue
		}
		ok, err := a.history.AddMessage(message)
		if err != nil {
			addErr = err
			break
		}
		if !ok {
			continue
		}
		known[message.SID] = struct{}{}
		added = append(added, message)
		if message.Index != nil && (!sawIndex || *message.Index > maxIndex) {
			maxIndex, sawIndex = *message.Index, true
		}
	}
	if sawIndex && addErr == nil {
		addErr = a.history.RaiseLastIndex(maxIndex)
	}
	for _, message := range added {
		a.broadcastLocked(messageAddedFrame(message))
	}
	if len(added) > 0 {
		a.logf("relay %s: synced %d new message(s)", a.key, len(added))
	}
	return addErr
}

func (a *Actor) bindLocked(sid string) error {
	existing, err := a.history.BoundID()
	if err != nil {
		return err
	}
	if existing != "" {
		if existing != sid {
			a.logf("relay %s: ignoring conversation %s, already bound to %s", a.key, sid, existing)
		}
		return nil
	}
	if err := a.claimLocked(sid); err != nil {
		return err
	}
	if _, err := a.history.Bind(sid); err != nil {
		return err
	}
	a.logf("relay %s: bound to conversation %s", a.key, sid)
	return nil
}

// claimLocked takes ownership of sid for this key. A conversation already
// owned by another key is never bound here.
func (a *Actor) claimLocked(sid string) error {
	if a.claim == nil {
		return nil
	}
	owner, err := a.claim(sid, a.key)
	if err != nil {
		return err
	}
	if owner != a.key {
		a.logf("relay %s: conversation %s is owned by %s", a.key, sid, owner)
		return fmt.Errorf("%w: %s is bound to %s", ErrConversationClaimed, sid, owner)
	}
	a.claimed = true
	return nil
}

// reclaimLocked registers the binding of rehydrated state that predates the
// ownership index.
func (a *Actor) reclaimLocked() {
	if a.claimed || a.claim == nil {
		return
	}
	sid, err := a.history.BoundID()
	if err != nil || sid == "" {
		return
	}
	if err := a.claimLocked(sid); err != nil {
		a.logf("relay %s: reclaim of %s failed: %v", a.key, sid, err)
	}
	a.claimed = true
}

func (a *Actor) broadcastLocked(frame Frame) {
	_, dropped := a.channels.broadcast(frame)
	for _, handle := range dropped {
		a.logf("relay %s: dropped channel %s after failed send", a.key, handle)
	}
}

func (a *Actor) watch(handle string, ch Channel) {
	select {
	case <-ch.Done():
	case <-a.quit:
		return
	}
	_ = a.call(context.Background(), true, func() error {
		a.channels.remove(handle)
		return nil
	})
}

func (a *Actor) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.providerTimeout > 0 {
		return context.WithTimeout(ctx, a.providerTimeout)
	}
	return context.WithCancel(ctx)
}

func (a *Actor) call(ctx context.Context, touch bool, run func() error) error {
	req := actorRequest{run: run, touch: touch, result: make(chan error, 1)}
	select {
	case a.mailbox <- req:
	case <-a.quit:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.result
}

func (a *Actor) loop() {
	defer close(a.stopped)
	for {
		select {
		case req := <-a.mailbox:
			if a.retired {
				req.result <- ErrActorStopped
				continue
			}
			if req.touch {
				a.lastActive = a.now()
			}
			a.reclaimLocked()
			req.result <- req.run()
		case <-a.quit:
			a.channels.closeAll("relay shutting down")
			return
		}
	}
}

func (a *Actor) logf(format string, args ...any) {
	if a.logger == nil {
		return
	}
	a.logger.Printf(format, args...)
}
