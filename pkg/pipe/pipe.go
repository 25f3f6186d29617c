// Package pipe provides the persistent in-process duplex channel used
// between the background agent and each content script.
package pipe

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
)

const logPrefix = "pipe:pipe"

const bufferSize = 64

// Sentinel frames are bare JSON strings so they can never decode as an
// envelope.
var (
	pingFrame = []byte(`"__mimic_ping__"`)
	pongFrame = []byte(`"__mimic_pong__"`)
)

// Channel is one end of a pipe.
type Channel struct {
	*channel.Base
	peerInfo channel.ClientInfo
	peer     *Channel

	in      chan []byte
	deliver chan []byte
	pongs   chan struct{}
	started chan struct{}
	done    chan struct{}

	probeMu sync.Mutex
}

// Pair creates two connected ends. a is the identity of the first end's
// owner and is what the second end reports as sender, and vice versa.
func Pair(a, b channel.ClientInfo) (*Channel, *Channel) {
	ea := newEnd(a, b)
	eb := newEnd(b, a)
	ea.peer, eb.peer = eb, ea
	for _, c := range []*Channel{ea, eb} {
		go c.readLoop()
		go c.deliverLoop()
	}
	return ea, eb
}

func newEnd(self, peer channel.ClientInfo) *Channel {
	c := &Channel{
		peerInfo: peer,
		in:       make(chan []byte, bufferSize),
		deliver:  make(chan []byte, bufferSize),
		pongs:    make(chan struct{}, 1),
		started:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	var once, startOnce sync.Once
	c.Base = channel.NewBase(uuid.NewString(), fmt.Sprintf("pipe:%s->%s", self.Label(), peer.Label()), false, channel.Hooks{
		Listen: func() error {
			startOnce.Do(func() { close(c.started) })
			return nil
		},
		Close: func() error {
			once.Do(func() { close(c.done) })
			return nil
		},
	})
	c.SetStatus(channel.StatusConnected)
	return c
}

// Peer returns the identity of the other end.
func (c *Channel) Peer() channel.ClientInfo {
	return c.peerInfo
}

// PostMessage probes the peer, then sends msg. A failed probe is logged by
// channel.Ping and the send goes ahead anyway.
func (c *Channel) PostMessage(ctx context.Context, msg *message.Message) error {
	if err := c.CheckConnected(); err != nil {
		return err
	}
	channel.Ping(ctx, c.Name(), c.probe)

	raw, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("%s - %s: %w", logPrefix, c.Name(), err)
	}
	return c.send(ctx, raw)
}

func (c *Channel) send(ctx context.Context, raw []byte) error {
	select {
	case c.peer.in <- raw:
		return nil
	case <-c.done:
		return fmt.Errorf("%s - %s: %w", logPrefix, c.Name(), channel.ErrClosed)
	case <-c.peer.done:
		return fmt.Errorf("%s - %s peer gone: %w", logPrefix, c.Name(), channel.ErrClosed)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) probe(ctx context.Context) error {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	select {
	case <-c.pongs:
	default:
	}
	if err := c.send(ctx, pingFrame); err != nil {
		return err
	}
	select {
	case <-c.pongs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop answers sentinels itself and hands envelopes to deliverLoop, so
// a listener that posts back on this pipe never blocks its own pongs.
func (c *Channel) readLoop() {
	for {
		select {
		case raw := <-c.in:
			c.handleFrame(raw)
		case <-c.done:
			return
		case <-c.peer.done:
			c.Disconnect("peer disconnected")
			return
		}
	}
}

func (c *Channel) handleFrame(raw []byte) {
	switch {
	case bytes.Equal(raw, pingFrame):
		go func() {
			if err := c.send(context.Background(), pongFrame); err != nil {
				slog.Debug(fmt.Sprintf("%s - %s pong not sent: %v", logPrefix, c.Name(), err))
			}
		}()
		return
	case bytes.Equal(raw, pongFrame):
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return
	}
	select {
	case c.deliver <- raw:
	case <-c.done:
	}
}

// deliverLoop starts emitting at the first StartListening; envelopes
// posted earlier wait in the buffer.
func (c *Channel) deliverLoop() {
	select {
	case <-c.started:
	case <-c.done:
		return
	}
	for {
		select {
		case raw := <-c.deliver:
			c.emit(raw)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) emit(raw []byte) {
	msg, err := message.Decode(raw)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %s dropped frame: %v", logPrefix, c.Name(), err))
		return
	}
	if !c.Listening() {
		slog.Debug(fmt.Sprintf("%s - %s not listening, dropped %s %s", logPrefix, c.Name(), msg.Type, msg.UID))
		return
	}
	c.Emit(msg, c.peerInfo, c.respond)
}

func (c *Channel) respond(resp *message.Message) error {
	return c.PostMessage(context.Background(), resp)
}
