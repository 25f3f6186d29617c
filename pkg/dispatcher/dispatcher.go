package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/routing"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const logPrefix = "dispatcher:dispatch"

const (
	// DefaultTimeout bounds outbound requests when no timeout is given.
	DefaultTimeout = 5 * time.Second
	// Unbounded disables the timeout of a request.
	Unbounded time.Duration = -1

	maxSyncIDAttempts = 8
)

// Handler serves messages addressed to its Rtid. Handle returns false when
// the handler does not recognize the action; the dispatcher then tries the
// next handler or forwards the message.
type Handler interface {
	Rtid() rtid.Rtid
	Handle(ctx context.Context, data *message.Data) (*Future, bool)
}

// Options configures a Dispatcher.
type Options struct {
	// Name identifies the context in logs.
	Name string
	// Timeout bounds requests sent with a zero timeout. Defaults to
	// DefaultTimeout.
	Timeout time.Duration
	// ForwardTimeout bounds requests forwarded on behalf of a peer. Zero
	// leaves them unbounded.
	ForwardTimeout time.Duration
	Policy         RoutingPolicy
	// Table receives routes added with AddRoutingChannel. One is created
	// when nil.
	Table *routing.Table
}

type callResult struct {
	msg *message.Message
	err error
}

type pendingCall struct {
	channelID string
	result    chan callResult
}

// Dispatcher is the per-context message router.
type Dispatcher struct {
	name           string
	timeout        time.Duration
	forwardTimeout time.Duration
	policy         RoutingPolicy
	table          *routing.Table

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handlers  []Handler
	callbacks map[string]*pendingCall
	timers    map[string]*time.Timer
	wired     map[string]func()
	outboxes  map[string]*outbox
	closed    bool

	newSyncID func() string
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = Unbounded
	}
	if opts.Table == nil {
		opts.Table = routing.NewTable()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		name:           opts.Name,
		timeout:        opts.Timeout,
		forwardTimeout: opts.ForwardTimeout,
		policy:         opts.Policy,
		table:          opts.Table,
		ctx:            ctx,
		cancel:         cancel,
		callbacks:      make(map[string]*pendingCall),
		timers:         make(map[string]*time.Timer),
		wired:          make(map[string]func()),
		outboxes:       make(map[string]*outbox),
		newSyncID:      message.NewUID,
	}
}

// Name returns the context name.
func (d *Dispatcher) Name() string { return d.name }

// Table returns the routing table.
func (d *Dispatcher) Table() *routing.Table { return d.table }

// SetPolicy replaces the routing policy. Contexts whose channels are
// created after the dispatcher use it once wiring is complete.
func (d *Dispatcher) SetPolicy(p RoutingPolicy) {
	d.mu.Lock()
	d.policy = p
	d.mu.Unlock()
}

// Register adds a local handler.
func (d *Dispatcher) Register(h Handler) {
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// Unregister removes every handler bound to r and returns how many were
// removed.
func (d *Dispatcher) Unregister(r rtid.Rtid) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.handlers[:0]
	removed := 0
	for _, h := range d.handlers {
		if rtid.Same(h.Rtid(), r) {
			removed++
			continue
		}
		kept = append(kept, h)
	}
	for i := len(kept); i < len(d.handlers); i++ {
		d.handlers[i] = nil
	}
	d.handlers = kept
	return removed
}

// PendingCount returns the number of duplex requests awaiting a response.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.callbacks)
}

// IsPending reports whether syncID is still awaiting a response.
func (d *Dispatcher) IsPending(syncID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.callbacks[syncID]
	return ok
}

// SendRequest serves data locally when a handler accepts it, otherwise
// forwards it and waits for the response. timeout zero uses the default;
// Unbounded waits until ctx ends.
func (d *Dispatcher) SendRequest(ctx context.Context, data message.Data, timeout time.Duration) (*message.Data, error) {
	if fut, ok := d.handleLocal(ctx, &data); ok {
		v, err := fut.Wait(ctx)
		if err != nil {
			return nil, err
		}
		return okData(data, v), nil
	}

	msg := message.NewRequest(data, "")
	ch, err := d.resolveChannel(msg)
	if err != nil {
		return nil, err
	}
	resp, err := d.roundTrip(ctx, ch, msg, d.effectiveTimeout(timeout))
	if err != nil {
		return nil, err
	}
	return replyData(resp)
}

// SendEvent serves data locally when a handler accepts it, otherwise
// forwards it without waiting for any answer. Only addressing failures are
// returned; delivery failures are logged. The ctx deadline bounds delivery;
// there is no separate timeout.
func (d *Dispatcher) SendEvent(ctx context.Context, data message.Data) error {
	if fut, ok := d.handleLocal(ctx, &data); ok {
		go d.logEventOutcome(fut, data)
		return nil
	}
	msg := message.NewEvent(data)
	ch, err := d.resolveChannel(msg)
	if err != nil {
		return err
	}
	d.deliverEvent(ctx, ch, msg)
	return nil
}

// OnMessage is the inbound entry point for every channel wired to this
// dispatcher. It matches channel.MessageFunc.
func (d *Dispatcher) OnMessage(msg *message.Message, sender channel.ClientInfo, respond channel.ResponseFunc) {
	if err := message.Validate(msg); err != nil {
		slog.Error(fmt.Sprintf("%s - [%s] dropped invalid message from %s: %v", logPrefix, d.name, sender.ID, err))
		return
	}

	switch msg.Type {
	case message.TypeResponse:
		if !d.resolve(msg) {
			slog.Debug(fmt.Sprintf("%s - [%s] no pending request for syncId=%s", logPrefix, d.name, msg.SyncID))
		}
	case message.TypeEvent:
		d.handleInboundEvent(msg)
	case message.TypeRequest:
		d.handleInboundRequest(msg, sender, respond)
	}
}

func (d *Dispatcher) handleInboundEvent(msg *message.Message) {
	if fut, ok := d.handleLocal(d.ctx, &msg.Data); ok {
		go d.logEventOutcome(fut, msg.Data)
		return
	}
	fwd := message.Forward(msg)
	ch, err := d.resolveChannel(fwd)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - [%s] event %s not forwarded: %v", logPrefix, d.name, msg.UID, err))
		return
	}
	d.enqueue(ch, func() { d.deliverEvent(d.ctx, ch, fwd) })
}

func (d *Dispatcher) handleInboundRequest(msg *message.Message, sender channel.ClientInfo, respond channel.ResponseFunc) {
	if fut, ok := d.handleLocal(d.ctx, &msg.Data); ok {
		go func() {
			v, err := fut.Wait(d.ctx)
			d.reply(respond, message.NewResponse(msg, v, err))
		}()
		return
	}

	fwd := message.Forward(msg)
	ch, err := d.resolveChannel(fwd)
	if err != nil {
		go d.reply(respond, message.NewResponse(msg, nil, err))
		return
	}
	slog.Debug(fmt.Sprintf("%s - [%s] forwarding request %s from %s via %s", logPrefix, d.name, msg.UID, sender.ID, ch.Name()))

	if ch.Async() {
		go func() {
			resp, err := d.roundTrip(d.ctx, ch, fwd, d.forwardTimeout)
			d.reply(respond, relay(msg, resp, err))
		}()
		return
	}

	// Posts go through the destination's outbox so forwarded traffic keeps
	// its arrival order; the wait runs on its own goroutine.
	d.enqueue(ch, func() {
		wait, err := d.post(d.ctx, ch, fwd, d.forwardTimeout)
		if err != nil {
			d.reply(respond, message.NewResponse(msg, nil, err))
			return
		}
		go func() {
			resp, err := wait(d.ctx)
			d.reply(respond, relay(msg, resp, err))
		}()
	})
}

func relay(original, resp *message.Message, err error) *message.Message {
	if err != nil {
		return message.NewResponse(original, nil, err)
	}
	return message.RelayResponse(original, &resp.Data)
}

func (d *Dispatcher) reply(respond channel.ResponseFunc, resp *message.Message) {
	if respond == nil {
		slog.Debug(fmt.Sprintf("%s - [%s] no reply path for syncId=%s", logPrefix, d.name, resp.SyncID))
		return
	}
	if err := respond(resp); err != nil {
		slog.Warn(fmt.Sprintf("%s - [%s] failed to send response syncId=%s: %v", logPrefix, d.name, resp.SyncID, err))
	}
}

// handleLocal offers data to each handler bound to its destination, in
// registration order, until one accepts. Data without a destination is
// offered to every handler.
func (d *Dispatcher) handleLocal(ctx context.Context, data *message.Data) (*Future, bool) {
	d.mu.Lock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.Unlock()

	for _, h := range handlers {
		if data.Dest != nil && !rtid.Same(h.Rtid(), *data.Dest) {
			continue
		}
		in := data.Clone()
		if fut, ok := h.Handle(ctx, &in); ok {
			if fut == nil {
				fut = Resolved(nil)
			}
			return fut, true
		}
	}
	return nil, false
}

func (d *Dispatcher) logEventOutcome(fut *Future, data message.Data) {
	if _, err := fut.Wait(d.ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn(fmt.Sprintf("%s - [%s] event handler %s failed: %v", logPrefix, d.name, data.Action.Name, err))
	}
}

func (d *Dispatcher) resolveChannel(msg *message.Message) (channel.Channel, error) {
	d.mu.Lock()
	policy := d.policy
	d.mu.Unlock()
	if policy == nil {
		return nil, fmt.Errorf("%s - [%s] %w: no routing policy", logPrefix, d.name, ErrNoChannel)
	}
	ch, err := policy.Channel(msg)
	if err != nil {
		return nil, fmt.Errorf("%s - [%s] %w", logPrefix, d.name, err)
	}
	if ch == nil {
		return nil, fmt.Errorf("%s - [%s] %w", logPrefix, d.name, ErrNoChannel)
	}
	return ch, nil
}

func (d *Dispatcher) effectiveTimeout(t time.Duration) time.Duration {
	if t == Unbounded {
		return Unbounded
	}
	if t <= 0 {
		return d.timeout
	}
	return t
}

func (d *Dispatcher) deliverEvent(ctx context.Context, ch channel.Channel, msg *message.Message) {
	var err error
	if ch.Async() {
		err = ch.SendEvent(ctx, msg)
	} else {
		err = ch.PostMessage(ctx, msg)
	}
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - [%s] event %s via %s failed: %v", logPrefix, d.name, msg.UID, ch.Name(), err))
	}
}

// roundTrip sends a request and waits for its response.
func (d *Dispatcher) roundTrip(ctx context.Context, ch channel.Channel, msg *message.Message, timeout time.Duration) (*message.Message, error) {
	if !ch.Async() {
		wait, err := d.post(ctx, ch, msg, timeout)
		if err != nil {
			return nil, err
		}
		return wait(ctx)
	}

	if d.isClosed() {
		return nil, fmt.Errorf("%s - [%s] %w", logPrefix, d.name, ErrClosed)
	}
	msg.SyncID = d.newSyncID()
	sendCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	resp, err := ch.SendRequest(sendCtx, msg)
	if err != nil {
		if ctx.Err() == nil && errors.Is(sendCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s - [%s] %w after %v via %s", logPrefix, d.name, ErrTimeout, timeout, ch.Name())
		}
		return nil, fmt.Errorf("%s - [%s] %w via %s: %w", logPrefix, d.name, ErrDelivery, ch.Name(), err)
	}
	return resp, nil
}

// post registers a pending call, sends msg on a duplex channel and returns
// a function that waits for the matching response.
func (d *Dispatcher) post(ctx context.Context, ch channel.Channel, msg *message.Message, timeout time.Duration) (func(context.Context) (*message.Message, error), error) {
	result := make(chan callResult, 1)
	syncID, err := d.register(ch.ID(), result, timeout)
	if err != nil {
		return nil, err
	}
	msg.SyncID = syncID

	if err := ch.PostMessage(ctx, msg); err != nil {
		d.clear(syncID)
		return nil, fmt.Errorf("%s - [%s] %w via %s: %w", logPrefix, d.name, ErrDelivery, ch.Name(), err)
	}

	return func(ctx context.Context) (*message.Message, error) {
		select {
		case r := <-result:
			return r.msg, r.err
		case <-ctx.Done():
			d.clear(syncID)
			return nil, ctx.Err()
		}
	}, nil
}

func (d *Dispatcher) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Dispatcher) register(channelID string, result chan callResult, timeout time.Duration) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", fmt.Errorf("%s - [%s] %w", logPrefix, d.name, ErrClosed)
	}

	syncID := ""
	for attempt := 0; attempt < maxSyncIDAttempts; attempt++ {
		candidate := d.newSyncID()
		if _, taken := d.callbacks[candidate]; !taken {
			syncID = candidate
			break
		}
		slog.Warn(fmt.Sprintf("%s - [%s] syncId collision on %s, regenerating", logPrefix, d.name, candidate))
	}
	if syncID == "" {
		return "", fmt.Errorf("%s - [%s] %w", logPrefix, d.name, ErrSyncIDExhausted)
	}

	d.callbacks[syncID] = &pendingCall{channelID: channelID, result: result}
	if timeout > 0 {
		d.timers[syncID] = time.AfterFunc(timeout, func() {
			d.settle(syncID, callResult{
				err: fmt.Errorf("%s - [%s] %w after %v (syncId=%s)", logPrefix, d.name, ErrTimeout, timeout, syncID),
			})
		})
	}
	return syncID, nil
}

// settle removes the pending call and delivers r to it. Whichever of
// response, timeout, disconnect or close gets here first wins; the rest
// find nothing.
func (d *Dispatcher) settle(syncID string, r callResult) bool {
	d.mu.Lock()
	call, ok := d.callbacks[syncID]
	if ok {
		delete(d.callbacks, syncID)
		if t, has := d.timers[syncID]; has {
			t.Stop()
			delete(d.timers, syncID)
		}
	}
	d.mu.Unlock()

	if !ok {
		return false
	}
	call.result <- r
	return true
}

func (d *Dispatcher) resolve(msg *message.Message) bool {
	return d.settle(msg.SyncID, callResult{msg: msg})
}

func (d *Dispatcher) clear(syncID string) {
	d.mu.Lock()
	delete(d.callbacks, syncID)
	if t, ok := d.timers[syncID]; ok {
		t.Stop()
		delete(d.timers, syncID)
	}
	d.mu.Unlock()
}

// failChannel fails every call pending on channelID.
func (d *Dispatcher) failChannel(channelID, reason string) {
	d.mu.Lock()
	var ids []string
	for id, call := range d.callbacks {
		if call.channelID == channelID {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	for _, id := range ids {
		d.settle(id, callResult{
			err: fmt.Errorf("%s - [%s] %w: channel %s disconnected: %s", logPrefix, d.name, ErrDelivery, channelID, reason),
		})
	}
}

func wireKey(clientID, channelID string) string {
	return clientID + "|" + channelID
}

// AddRoutingChannel adds a route and wires the channel's inbound messages
// to this dispatcher. A disconnect removes the route and fails the calls
// pending on it. Re-adding the same pair replaces the previous wiring.
func (d *Dispatcher) AddRoutingChannel(key rtid.Context, client channel.ClientInfo, ch channel.Channel) {
	d.table.Add(key, client, ch)

	unMsg := ch.OnMessage(d.OnMessage)
	unDisc := ch.OnDisconnect(func(reason string) {
		slog.Info(fmt.Sprintf("%s - [%s] %s disconnected: %s", logPrefix, d.name, ch.Name(), reason))
		d.RemoveRoutingChannel(key, client, ch)
		d.failChannel(ch.ID(), reason)
	})

	k := wireKey(client.ID, ch.ID())
	d.mu.Lock()
	previous := d.wired[k]
	d.wired[k] = func() { unMsg(); unDisc() }
	d.mu.Unlock()
	if previous != nil {
		previous()
	}
}

// RemoveRoutingChannel removes the route and its wiring.
func (d *Dispatcher) RemoveRoutingChannel(key rtid.Context, client channel.ClientInfo, ch channel.Channel) bool {
	removed := d.table.Remove(key, client, ch)
	k := wireKey(client.ID, ch.ID())
	d.mu.Lock()
	unwire := d.wired[k]
	delete(d.wired, k)
	if removed {
		delete(d.outboxes, ch.ID())
	}
	d.mu.Unlock()
	if unwire != nil {
		unwire()
	}
	return removed
}

// Close fails all pending calls with ErrClosed, cancels in-flight handler
// waits and unwires every channel. Channels themselves are left open.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	ids := make([]string, 0, len(d.callbacks))
	for id := range d.callbacks {
		ids = append(ids, id)
	}
	wired := d.wired
	d.wired = make(map[string]func())
	d.outboxes = make(map[string]*outbox)
	d.mu.Unlock()

	for _, id := range ids {
		d.settle(id, callResult{err: fmt.Errorf("%s - [%s] %w", logPrefix, d.name, ErrClosed)})
	}
	for _, unwire := range wired {
		unwire()
	}
	d.cancel()
	slog.Info(fmt.Sprintf("%s - [%s] closed", logPrefix, d.name))
}
