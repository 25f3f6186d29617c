// Package framehost runs the content-script and MAIN-world contexts of one
// frame: two dispatchers joined by an in-page event bus, with the content
// side linked up to the background agent.
package framehost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/dispatcher"
	"github.com/sagibrant/mimic/pkg/eventbus"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/natschan"
	"github.com/sagibrant/mimic/pkg/pipe"
	"github.com/sagibrant/mimic/pkg/protocol"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const logPrefix = "framehost:host"

// ErrLinked is returned when the host already has an uplink.
var ErrLinked = errors.New("frame already linked")

// Options configures a Host.
type Options struct {
	Tab     int
	Frame   int
	Version string
	// Timeout bounds requests the frame sends itself.
	Timeout time.Duration
	// Sessions lets the MAIN world evaluate script in the tab. Optional.
	Sessions protocol.SessionManager
}

// Host owns the dispatchers of one frame.
type Host struct {
	opts        Options
	contentInfo channel.ClientInfo
	pageInfo    channel.ClientInfo

	bus            *eventbus.Bus
	pageEnd        *eventbus.Channel
	contentPageEnd *eventbus.Channel
	content        *dispatcher.Dispatcher
	page           *dispatcher.Dispatcher

	mu     sync.Mutex
	uplink channel.Channel
	done   chan struct{}
	once   sync.Once
}

// New creates the frame's dispatchers and links them. The host has no
// uplink until Connect or Embed is called.
func New(opts Options) *Host {
	h := &Host{
		opts:        opts,
		contentInfo: channel.NewFrameClient(rtid.ContextContent, opts.Tab, opts.Frame),
		pageInfo:    channel.NewFrameClient(rtid.ContextMain, opts.Tab, opts.Frame),
		bus:         eventbus.NewBus(),
		done:        make(chan struct{}),
	}
	h.contentInfo.Version = opts.Version
	h.pageEnd, h.contentPageEnd = eventbus.Pair(h.bus, h.pageInfo, h.contentInfo)

	h.page = dispatcher.New(dispatcher.Options{
		Name:    fmt.Sprintf("MAIN/%d/%d", opts.Tab, opts.Frame),
		Timeout: opts.Timeout,
	})
	h.content = dispatcher.New(dispatcher.Options{
		Name:    fmt.Sprintf("content/%d/%d", opts.Tab, opts.Frame),
		Timeout: opts.Timeout,
	})
	h.page.SetPolicy(h.guard(rtid.ContextMain, dispatcher.PagePolicy(h.pageEnd)))
	h.content.SetPolicy(h.guard(rtid.ContextContent, dispatcher.ContentPolicy(nil, h.contentPageEnd)))

	h.page.AddRoutingChannel(rtid.ContextContent, h.contentInfo, h.pageEnd)
	h.content.AddRoutingChannel(rtid.ContextMain, h.pageInfo, h.contentPageEnd)
	_ = h.pageEnd.StartListening()
	_ = h.contentPageEnd.StartListening()

	h.content.Register(newFrameHandler(rtid.ContextContent, opts.Tab, opts.Frame, nil))
	h.page.Register(newFrameHandler(rtid.ContextMain, opts.Tab, opts.Frame, opts.Sessions))
	return h
}

// Info returns the content identity the agent sees.
func (h *Host) Info() channel.ClientInfo { return h.contentInfo }

// Content returns the content-script dispatcher.
func (h *Host) Content() *dispatcher.Dispatcher { return h.content }

// Page returns the MAIN-world dispatcher.
func (h *Host) Page() *dispatcher.Dispatcher { return h.page }

// Done is closed when the uplink disconnects or the host is closed.
func (h *Host) Done() <-chan struct{} { return h.done }

// Connect links the frame to an agent over NATS by sending a content
// hello on subject. An empty subject uses the prefix's default.
func (h *Host) Connect(ctx context.Context, nc *comms.Conn, prefix, subject string) (natschan.ContentWelcome, error) {
	h.mu.Lock()
	linked := h.uplink != nil
	h.mu.Unlock()
	if linked {
		return natschan.ContentWelcome{}, ErrLinked
	}
	_, welcome, err := natschan.DialContent(ctx, nc, natschan.ContentDialOptions{
		Prefix:  prefix,
		Subject: subject,
		Tab:     h.opts.Tab,
		Frame:   h.opts.Frame,
		Version: h.opts.Version,
	}, func(p *natschan.Pipe) {
		h.link(p, p.Peer())
	})
	if err != nil {
		h.unlink()
		return welcome, err
	}
	slog.Info(fmt.Sprintf("%s - %s linked to %s", logPrefix, h.contentInfo.Label(), welcome.Agent.Label()))
	return welcome, nil
}

// Embed links the frame to an in-process agent and returns the agent's end
// of the pipe, which the caller adds as a content route.
func (h *Host) Embed(agent channel.ClientInfo) (*pipe.Channel, error) {
	h.mu.Lock()
	linked := h.uplink != nil
	h.mu.Unlock()
	if linked {
		return nil, ErrLinked
	}
	agentEnd, contentEnd := pipe.Pair(agent, h.contentInfo)
	h.link(contentEnd, agent)
	if err := contentEnd.StartListening(); err != nil {
		h.unlink()
		contentEnd.Disconnect("listen failed")
		return nil, fmt.Errorf("%s - listen: %w", logPrefix, err)
	}
	return agentEnd, nil
}

func (h *Host) link(uplink channel.Channel, agent channel.ClientInfo) {
	h.mu.Lock()
	h.uplink = uplink
	h.mu.Unlock()
	h.content.AddRoutingChannel(rtid.ContextBackground, agent, uplink)
	h.content.SetPolicy(h.guard(rtid.ContextContent, dispatcher.ContentPolicy(uplink, h.contentPageEnd)))
	uplink.OnDisconnect(func(reason string) {
		slog.Info(fmt.Sprintf("%s - %s uplink closed: %s", logPrefix, h.contentInfo.Label(), reason))
		h.finish()
	})
}

func (h *Host) unlink() {
	h.mu.Lock()
	h.uplink = nil
	h.mu.Unlock()
	h.content.SetPolicy(h.guard(rtid.ContextContent, dispatcher.ContentPolicy(nil, h.contentPageEnd)))
}

// guard stops next from routing away a message addressed to this frame in
// context c. Such a message has no handler here and would otherwise come
// straight back.
func (h *Host) guard(c rtid.Context, next dispatcher.RoutingPolicy) dispatcher.RoutingPolicy {
	return dispatcher.PolicyFunc(func(msg *message.Message) (channel.Channel, error) {
		if dest := msg.Data.Dest; dest != nil && rtid.ContextOf(*dest) == c && h.owns(*dest) {
			return nil, fmt.Errorf("%s - no %s handler for %s: %w", logPrefix, c, dest, dispatcher.ErrNoChannel)
		}
		return next.Channel(msg)
	})
}

// owns reports whether r addresses this frame. An unscoped frame means the
// top frame.
func (h *Host) owns(r rtid.Rtid) bool {
	if r.Tab != h.opts.Tab {
		return false
	}
	return r.Frame == h.opts.Frame || (r.Frame == rtid.Unscoped && h.opts.Frame == 0)
}

func (h *Host) finish() {
	h.once.Do(func() { close(h.done) })
}

// Close disconnects the uplink and the in-page link and closes both
// dispatchers.
func (h *Host) Close() {
	h.mu.Lock()
	uplink := h.uplink
	h.uplink = nil
	h.mu.Unlock()
	if uplink != nil {
		uplink.Disconnect("frame closed")
	}
	h.pageEnd.Disconnect("frame closed")
	h.contentPageEnd.Disconnect("frame closed")
	h.content.Close()
	h.page.Close()
	h.finish()
}
