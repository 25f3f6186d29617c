package dispatcher

import (
	"context"
	"sync"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/rtid"
)

// duplexEnd is one side of an in-memory duplex link. Posted messages are
// delivered to the peer in order by a single goroutine.
type duplexEnd struct {
	*channel.Base
	self  channel.ClientInfo
	peer  *duplexEnd
	queue chan *message.Message

	mu      sync.Mutex
	posted  []*message.Message
	swallow bool
}

func newDuplexEnd(id string, self channel.ClientInfo) *duplexEnd {
	e := &duplexEnd{
		Base:  channel.NewBase(id, "duplex-"+id, false, channel.Hooks{}),
		self:  self,
		queue: make(chan *message.Message, 64),
	}
	e.SetStatus(channel.StatusConnected)
	return e
}

// linkPair connects two ends. a's messages appear to b as sent by aInfo.
func linkPair(aID string, aInfo channel.ClientInfo, bID string, bInfo channel.ClientInfo) (*duplexEnd, *duplexEnd) {
	a, b := newDuplexEnd(aID, aInfo), newDuplexEnd(bID, bInfo)
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

// pump delivers messages posted by the peer to this end's listeners.
func (e *duplexEnd) pump() {
	for msg := range e.queue {
		e.Emit(msg, e.peer.self, func(resp *message.Message) error {
			return e.PostMessage(context.Background(), resp)
		})
	}
}

func (e *duplexEnd) PostMessage(ctx context.Context, msg *message.Message) error {
	if err := e.CheckConnected(); err != nil {
		return err
	}
	e.mu.Lock()
	e.posted = append(e.posted, msg.Clone())
	swallow := e.swallow || e.peer == nil
	e.mu.Unlock()
	if swallow {
		return nil
	}
	e.peer.queue <- msg.Clone()
	return nil
}

func (e *duplexEnd) setSwallow(v bool) {
	e.mu.Lock()
	e.swallow = v
	e.mu.Unlock()
}

func (e *duplexEnd) postedMessages() []*message.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*message.Message, len(e.posted))
	copy(out, e.posted)
	return out
}

// asyncChannel answers SendRequest through reply, or blocks until ctx ends
// when reply is nil.
type asyncChannel struct {
	*channel.Base
	reply func(*message.Message) *message.Message

	mu     sync.Mutex
	events []*message.Message
}

func newAsyncChannel(id string, reply func(*message.Message) *message.Message) *asyncChannel {
	c := &asyncChannel{
		Base:  channel.NewBase(id, "async-"+id, true, channel.Hooks{}),
		reply: reply,
	}
	c.SetStatus(channel.StatusConnected)
	return c
}

func (c *asyncChannel) SendEvent(ctx context.Context, msg *message.Message) error {
	c.mu.Lock()
	c.events = append(c.events, msg.Clone())
	c.mu.Unlock()
	return nil
}

func (c *asyncChannel) SendRequest(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if c.reply == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.reply(msg), nil
}

// funcHandler adapts a function to Handler.
type funcHandler struct {
	id rtid.Rtid
	fn func(ctx context.Context, data *message.Data) (*Future, bool)
}

func (h funcHandler) Rtid() rtid.Rtid { return h.id }

func (h funcHandler) Handle(ctx context.Context, data *message.Data) (*Future, bool) {
	return h.fn(ctx, data)
}

// configHandler answers config get/set like the agent does.
func configHandler(id rtid.Rtid, cfg map[string]any) funcHandler {
	var mu sync.Mutex
	return funcHandler{id: id, fn: func(ctx context.Context, data *message.Data) (*Future, bool) {
		if data.Type != message.DataConfig {
			return nil, false
		}
		mu.Lock()
		defer mu.Unlock()
		switch data.Action.Name {
		case message.ActionGet:
			out := make(map[string]any, len(cfg))
			for k, v := range cfg {
				out[k] = v
			}
			return Resolved(out), true
		case message.ActionSet:
			for k, v := range data.Action.Params {
				cfg[k] = v
			}
			return Resolved(nil), true
		}
		return nil, false
	}}
}

func configGet(dest rtid.Rtid) message.Data {
	return message.Data{
		Type:   message.DataConfig,
		Dest:   &dest,
		Action: message.Action{Name: message.ActionGet},
	}
}

// stalledChannel is a duplex channel whose PostMessage blocks until
// release is closed, like a peer that stopped answering probes.
type stalledChannel struct {
	*channel.Base
	release chan struct{}

	mu     sync.Mutex
	posted []*message.Message
}

func newStalledChannel(id string) *stalledChannel {
	c := &stalledChannel{
		Base:    channel.NewBase(id, "stalled-"+id, false, channel.Hooks{}),
		release: make(chan struct{}),
	}
	c.SetStatus(channel.StatusConnected)
	return c
}

func (c *stalledChannel) PostMessage(ctx context.Context, msg *message.Message) error {
	select {
	case <-c.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.posted = append(c.posted, msg.Clone())
	c.mu.Unlock()
	return nil
}

func (c *stalledChannel) postedMessages() []*message.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*message.Message, len(c.posted))
	copy(out, c.posted)
	return out
}
