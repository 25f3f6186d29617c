// Package wschan connects external applications to the agent over
// WebSocket. Every connection is a duplex channel carrying one JSON
// envelope per text frame.
package wschan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
)

const logPrefix = "wschan:channel"

const (
	writeWait  = 5 * time.Second
	bufferSize = 64
)

// Channel is one WebSocket connection.
type Channel struct {
	*channel.Base
	conn *websocket.Conn
	self channel.ClientInfo
	peer channel.ClientInfo

	writeMu sync.Mutex
	probeMu sync.Mutex
	pongs   chan struct{}
	deliver chan *message.Message
	started chan struct{}
	done    chan struct{}
}

func newChannel(conn *websocket.Conn, self, peer channel.ClientInfo) *Channel {
	c := &Channel{
		conn:    conn,
		self:    self,
		peer:    peer,
		pongs:   make(chan struct{}, 1),
		deliver: make(chan *message.Message, bufferSize),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	var once, startOnce sync.Once
	c.Base = channel.NewBase(uuid.NewString(), fmt.Sprintf("ws:%s->%s", self.Label(), peer.Label()), false, channel.Hooks{
		Listen: func() error {
			startOnce.Do(func() { close(c.started) })
			return nil
		},
		Close: func() error {
			var err error
			once.Do(func() {
				close(c.done)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				err = conn.Close()
			})
			return err
		},
	})
	conn.SetPongHandler(func(string) error {
		select {
		case c.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	c.SetStatus(channel.StatusConnected)

	go c.readLoop()
	go c.deliverLoop()
	return c
}

// Self returns the identity this end presents.
func (c *Channel) Self() channel.ClientInfo {
	return c.self
}

// Peer returns the identity of the other end.
func (c *Channel) Peer() channel.ClientInfo {
	return c.peer
}

// Done is closed once the connection is torn down.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// PostMessage probes the peer with a ping control frame, then writes msg as
// a text frame.
func (c *Channel) PostMessage(ctx context.Context, msg *message.Message) error {
	if err := c.CheckConnected(); err != nil {
		return err
	}
	channel.Ping(ctx, c.Name(), c.probe)

	raw, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("%s - %s: %w", logPrefix, c.Name(), err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.SetError(err)
		return fmt.Errorf("%s - %s write: %w", logPrefix, c.Name(), err)
	}
	return nil
}

func (c *Channel) probe(ctx context.Context) error {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	select {
	case <-c.pongs:
	default:
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(writeWait)
	}
	if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return err
	}
	select {
	case <-c.pongs:
		return nil
	case <-c.done:
		return channel.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop owns the connection's reader. Control frames are handled inside
// ReadMessage, so envelopes go through deliverLoop to keep pongs flowing
// while a listener is busy.
func (c *Channel) readLoop() {
	for {
		kind, raw, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				reason := "peer disconnected"
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.SetError(err)
					reason = ""
				}
				c.Disconnect(reason)
			}
			return
		}
		if kind != websocket.TextMessage {
			slog.Debug(fmt.Sprintf("%s - %s ignored frame type %d", logPrefix, c.Name(), kind))
			continue
		}
		msg, err := message.Decode(raw)
		if err != nil {
			slog.Error(fmt.Sprintf("%s - %s dropped frame: %v", logPrefix, c.Name(), err))
			continue
		}
		select {
		case c.deliver <- msg:
		case <-c.done:
			return
		}
	}
}

// deliverLoop holds envelopes until the first StartListening, so frames
// the peer sends right after the handshake are not lost while OnConnect
// is still wiring the channel.
func (c *Channel) deliverLoop() {
	select {
	case <-c.started:
	case <-c.done:
		return
	}
	for {
		select {
		case msg := <-c.deliver:
			if !c.Listening() {
				slog.Debug(fmt.Sprintf("%s - %s not listening, dropped %s %s", logPrefix, c.Name(), msg.Type, msg.UID))
				continue
			}
			c.Emit(msg, c.peer, c.respond)
		case <-c.done:
			return
		}
	}
}

func (c *Channel) respond(resp *message.Message) error {
	return c.PostMessage(context.Background(), resp)
}
