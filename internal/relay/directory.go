package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const actorStartAttempts = 3

type DirectoryOptions struct {
	Backend         StateBackend
	Provider        Provider
	Logger          Logger
	ProviderTimeout time.Duration
	// IdleTimeout retires actors with no channels after this much inactivity.
	// Zero keeps actors alive until Close.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

type DirectoryStats struct {
	StateBackend string       `json:"stateBackend"`
	Actors       int          `json:"actors"`
	Channels     int          `json:"channels"`
	Items        []ActorStats `json:"items"`
}

// Directory maps a conversation key to its single live Actor, starting one on
// demand. Actors retired for idleness are replaced transparently; the
// replacement rehydrates from the state backend.
type Directory struct {
	opts DirectoryOptions

	index *conversationIndex

	mu     sync.Mutex
	actors map[string]*Actor
	closed bool

	quit      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewDirectory(opts DirectoryOptions) *Directory {
	if opts.Backend == nil {
		opts.Backend = NewInMemoryStateBackend()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.IdleTimeout > 0 && opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.IdleTimeout / 2
		if opts.SweepInterval < time.Second {
			opts.SweepInterval = time.Second
		}
	}
	d := &Directory{
		opts:   opts,
		index:  newConversationIndex(opts.Backend),
		actors: map[string]*Actor{},
		quit:   make(chan struct{}),
	}
	if opts.IdleTimeout > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.sweepLoop()
		}()
	}
	return d
}

func (d *Directory) Connect(ctx context.Context, key, conversationSID string, ch Channel) error {
	return d.with(ctx, key, func(a *Actor) error {
		return a.Connect(ctx, conversationSID, ch)
	})
}

func (d *Directory) Send(ctx context.Context, key, author, body, fallbackSID string) (Message, error) {
	var created Message
	err := d.with(ctx, key, func(a *Actor) error {
		message, err := a.Send(ctx, author, body, fallbackSID)
		created = message
		return err
	})
	return created, err
}

func (d *Directory) NotifyExternalChange(ctx context.Context, key string, event WebhookEvent) error {
	return d.with(ctx, key, func(a *Actor) error {
		return a.NotifyExternalChange(ctx, event)
	})
}

// NotifyConversation routes a provider webhook to the key that owns the
// event's conversation. Unclaimed conversations are addressed by their SID.
func (d *Directory) NotifyConversation(ctx context.Context, event WebhookEvent) error {
	key, err := d.ConversationKey(event.ConversationSID)
	if err != nil {
		return err
	}
	return d.NotifyExternalChange(ctx, key, event)
}

// ConversationKey returns the key owning conversationSID, falling back to the
// SID itself when no key has bound it yet.
func (d *Directory) ConversationKey(conversationSID string) (string, error) {
	sid := strings.TrimSpace(conversationSID)
	if sid == "" {
		return "", fmt.Errorf("%w: conversation sid is required", ErrInvalidInput)
	}
	owner, err := d.index.owner(sid)
	if err != nil {
		return "", err
	}
	if owner == "" {
		return sid, nil
	}
	return owner, nil
}

func (d *Directory) Sync(ctx context.Context, key string) error {
	return d.with(ctx, key, func(a *Actor) error {
		return a.Sync(ctx)
	})
}

func (d *Directory) Snapshot(ctx context.Context, key string) ([]Message, error) {
	var messages []Message
	err := d.with(ctx, key, func(a *Actor) error {
		loaded, err := a.Snapshot(ctx)
		messages = loaded
		return err
	})
	return messages, err
}

// Stats reports live actors only; it never starts one.
func (d *Directory) Stats(ctx context.Context) DirectoryStats {
	d.mu.Lock()
	live := make([]*Actor, 0, len(d.actors))
	for _, a := range d.actors {
		live = append(live, a)
	}
	d.mu.Unlock()

	stats := DirectoryStats{
		StateBackend: StateBackendName(d.opts.Backend),
		Items:        make([]ActorStats, 0, len(live)),
	}
	for _, a := range live {
		item, err := a.Stats(ctx)
		if err != nil {
			continue
		}
		stats.Actors++
		stats.Channels += item.Channels
		stats.Items = append(stats.Items, item)
	}
	sort.Slice(stats.Items, func(i, j int) bool {
		return stats.Items[i].Key < stats.Items[j].Key
	})
	return stats
}

// Close stops every actor and closes their channels. The state backend is
// left open for the caller to close.
func (d *Directory) Close() {
	d.closeOnce.Do(func() {
		close(d.quit)
		d.mu.Lock()
		d.closed = true
		actors := d.actors
		d.actors = map[string]*Actor{}
		d.mu.Unlock()
		for _, a := range actors {
			a.stop()
		}
		d.wg.Wait()
	})
}

func (d *Directory) with(ctx context.Context, key string, fn func(a *Actor) error) error {
	key = strings.TrimSpace(key)
	if key == "" || isReservedKey(key) {
		return ErrInvalidInput
	}
	var err error
	for attempt := 0; attempt < actorStartAttempts; attempt++ {
		var a *Actor
		a, err = d.actor(key)
		if err != nil {
			return err
		}
		err = fn(a)
		if !errors.Is(err, ErrActorStopped) {
			return err
		}
		d.forget(key, a)
	}
	return err
}

func (d *Directory) actor(key string) (*Actor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrDirectoryClosed
	}
	if a, ok := d.actors[key]; ok {
		return a, nil
	}
	a := NewActor(key, ActorOptions{
		Backend:         d.opts.Backend,
		Provider:        d.opts.Provider,
		Logger:          d.opts.Logger,
		ProviderTimeout: d.opts.ProviderTimeout,
		Now:             d.opts.Now,
		Claim:           d.index.claim,
	})
	d.actors[key] = a
	return a, nil
}

func (d *Directory) forget(key string, a *Actor) {
	d.mu.Lock()
	if current, ok := d.actors[key]; ok && current == a {
		delete(d.actors, key)
	}
	d.mu.Unlock()
	go a.stop()
}

func (d *Directory) sweepLoop() {
	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return
		case <-ticker.C:
			d.sweepIdle()
		}
	}
}

// sweepIdle retires every actor that has been idle for IdleTimeout.
func (d *Directory) sweepIdle() int {
	d.mu.Lock()
	candidates := make(map[string]*Actor, len(d.actors))
	for key, a := range d.actors {
		candidates[key] = a
	}
	d.mu.Unlock()

	retired := 0
	for key, a := range candidates {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		ok := a.tryRetire(ctx, d.opts.IdleTimeout)
		cancel()
		if !ok {
			continue
		}
		d.forget(key, a)
		retired++
		d.logf("relay %s: evicted idle actor", key)
	}
	return retired
}

func (d *Directory) logf(format string, args ...any) {
	if d.opts.Logger == nil {
		return
	}
	d.opts.Logger.Printf(format, args...)
}
