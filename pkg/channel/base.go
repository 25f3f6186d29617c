package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/sagibrant/mimic/pkg/message"
)

const logPrefix = "channel:base"

// Hooks are the transport-specific parts of a channel. They run with the
// channel's state lock held and must not call back into the Base.
type Hooks struct {
	// Listen registers the underlying transport listeners.
	Listen func() error
	// Unlisten removes what Listen registered.
	Unlisten func()
	// Close tears the transport down during Disconnect.
	Close func() error
}

type messageSub struct {
	id int
	fn MessageFunc
}

type disconnectSub struct {
	id int
	fn DisconnectFunc
}

// Base implements the state machine shared by every transport: status,
// idempotent listening and disconnect, and listener bookkeeping. Concrete
// channels embed it and override the send methods they support.
type Base struct {
	id    string
	name  string
	async bool
	hooks Hooks

	mu        sync.Mutex
	status    Status
	listening bool
	lastErr   error
	nextSub   int
	msgSubs   []messageSub
	discSubs  []disconnectSub
}

// NewBase creates a channel base in the connecting state.
func NewBase(id, name string, async bool, hooks Hooks) *Base {
	return &Base{
		id:     id,
		name:   name,
		async:  async,
		hooks:  hooks,
		status: StatusConnecting,
	}
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Name() string { return b.name }
func (b *Base) Async() bool  { return b.async }

// Status returns the current state.
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// SetStatus moves the channel to s. Disconnect is the only way to reach
// StatusDisconnected with notifications.
func (b *Base) SetStatus(s Status) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// SetError records the last transport-level error. It becomes the
// disconnect reason when Disconnect is called without one.
func (b *Base) SetError(err error) {
	if err == nil {
		return
	}
	b.mu.Lock()
	b.lastErr = err
	b.mu.Unlock()
}

// CheckConnected returns ErrNotConnected unless the channel is connected.
func (b *Base) CheckConnected() error {
	if s := b.Status(); s != StatusConnected {
		return fmt.Errorf("%s - %s is %s: %w", logPrefix, b.name, s, ErrNotConnected)
	}
	return nil
}

// Listening reports whether transport listeners are registered.
func (b *Base) Listening() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listening
}

// StartListening registers transport listeners once; repeated calls are
// no-ops.
func (b *Base) StartListening() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listening {
		return nil
	}
	if b.hooks.Listen != nil {
		if err := b.hooks.Listen(); err != nil {
			b.lastErr = err
			return fmt.Errorf("%s - %s failed to listen: %w", logPrefix, b.name, err)
		}
	}
	b.listening = true
	return nil
}

// StopListening removes transport listeners once; repeated calls are no-ops.
func (b *Base) StopListening() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopListeningLocked()
}

func (b *Base) stopListeningLocked() {
	if !b.listening {
		return
	}
	if b.hooks.Unlisten != nil {
		b.hooks.Unlisten()
	}
	b.listening = false
}

// Disconnect closes the channel and notifies disconnect listeners exactly
// once. Calling it on a disconnected channel does nothing.
func (b *Base) Disconnect(reason string) {
	b.mu.Lock()
	if b.status == StatusDisconnected || b.status == StatusDisconnecting {
		b.mu.Unlock()
		return
	}
	b.status = StatusDisconnecting
	b.stopListeningLocked()
	if b.hooks.Close != nil {
		if err := b.hooks.Close(); err != nil && b.lastErr == nil {
			b.lastErr = err
		}
	}
	if reason == "" {
		if b.lastErr != nil {
			reason = b.lastErr.Error()
		} else {
			reason = "disconnected"
		}
	}
	b.status = StatusDisconnected
	subs := make([]disconnectSub, len(b.discSubs))
	copy(subs, b.discSubs)
	b.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - %s disconnected: %s", logPrefix, b.name, reason))
	for _, s := range subs {
		s.fn(reason)
	}
}

// OnMessage adds a message listener.
func (b *Base) OnMessage(fn MessageFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.msgSubs = append(b.msgSubs, messageSub{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.msgSubs {
			if s.id == id {
				b.msgSubs = append(b.msgSubs[:i:i], b.msgSubs[i+1:]...)
				return
			}
		}
	}
}

// OnDisconnect adds a disconnect listener.
func (b *Base) OnDisconnect(fn DisconnectFunc) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.discSubs = append(b.discSubs, disconnectSub{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.discSubs {
			if s.id == id {
				b.discSubs = append(b.discSubs[:i:i], b.discSubs[i+1:]...)
				return
			}
		}
	}
}

// MessageListeners returns the number of registered message listeners.
func (b *Base) MessageListeners() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgSubs)
}

// Emit delivers an inbound envelope to every message listener.
func (b *Base) Emit(msg *message.Message, sender ClientInfo, respond ResponseFunc) {
	b.mu.Lock()
	subs := make([]messageSub, len(b.msgSubs))
	copy(subs, b.msgSubs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(msg.Clone(), sender, respond)
	}
}

// PostMessage is not supported unless the transport overrides it.
func (b *Base) PostMessage(context.Context, *message.Message) error {
	return fmt.Errorf("%s - %s: PostMessage: %w", logPrefix, b.name, ErrNotSupported)
}

// SendEvent is not supported unless the transport overrides it.
func (b *Base) SendEvent(context.Context, *message.Message) error {
	return fmt.Errorf("%s - %s: SendEvent: %w", logPrefix, b.name, ErrNotSupported)
}

// SendRequest is not supported unless the transport overrides it.
func (b *Base) SendRequest(context.Context, *message.Message) (*message.Message, error) {
	return nil, fmt.Errorf("%s - %s: SendRequest: %w", logPrefix, b.name, ErrNotSupported)
}
