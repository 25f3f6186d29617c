package wschan

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sagibrant/mimic/pkg/channel"
)

const clientLogPrefix = "wschan:client"

// Dial connects to an agent listener and performs the hello handshake.
func Dial(ctx context.Context, url string, hello Hello) (*Channel, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DefaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%s - dial %s: %w", clientLogPrefix, url, err)
	}

	deadline := time.Now().Add(DefaultHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)
	if err := conn.WriteJSON(hello); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s - send hello: %w", clientLogPrefix, err)
	}
	var welcome Welcome
	if err := conn.ReadJSON(&welcome); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s - read welcome: %w", clientLogPrefix, err)
	}
	if welcome.Error != "" {
		_ = conn.Close()
		return nil, fmt.Errorf("%s - %w: %s", clientLogPrefix, ErrRejected, welcome.Error)
	}
	_ = conn.SetWriteDeadline(time.Time{})
	_ = conn.SetReadDeadline(time.Time{})

	self := channel.NewExternalClient(hello.Name, hello.Version)
	self.Reconnected = hello.Reconnected
	agent := welcome.Agent
	if agent.ID == "" {
		agent = channel.NewBackgroundClient("agent")
	}
	return newChannel(conn, self, agent), nil
}

// ClientOptions configures a reconnecting Client.
type ClientOptions struct {
	Reconnect channel.ReconnectOptions
	// OnConnect is called with every new channel, including reconnects.
	OnConnect func(ch *Channel)
	// OnGiveUp is called when reconnection stops without a connection.
	OnGiveUp func(err error)
}

// Client keeps an external application connected to the agent, dialing
// again whenever the current channel drops. Reconnect hellos are marked so
// the agent can resume the known peer.
type Client struct {
	url   string
	hello Hello
	opts  ClientOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	current *Channel
	wg      sync.WaitGroup
}

// NewClient creates a Client; call Connect to dial.
func NewClient(url string, hello Hello, opts ClientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{url: url, hello: hello, opts: opts, ctx: ctx, cancel: cancel}
}

// Connect dials once and starts watching the connection.
func (c *Client) Connect(ctx context.Context) (*Channel, error) {
	ch, err := Dial(ctx, c.url, c.hello)
	if err != nil {
		return nil, err
	}
	c.adopt(ch)
	return ch, nil
}

// Channel returns the current channel, or nil.
func (c *Client) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Close stops reconnecting and disconnects the current channel.
func (c *Client) Close() {
	c.cancel()
	if ch := c.Channel(); ch != nil {
		ch.Disconnect("client closed")
	}
	c.wg.Wait()
}

func (c *Client) adopt(ch *Channel) {
	c.mu.Lock()
	c.current = ch
	c.mu.Unlock()
	if c.opts.OnConnect != nil {
		c.opts.OnConnect(ch)
	}
	c.wg.Add(1)
	go c.watch(ch)
}

func (c *Client) watch(ch *Channel) {
	defer c.wg.Done()
	select {
	case <-ch.Done():
	case <-c.ctx.Done():
		return
	}
	if c.ctx.Err() != nil {
		return
	}
	slog.Info(fmt.Sprintf("%s - %s dropped, reconnecting", clientLogPrefix, ch.Name()))

	hello := c.hello
	hello.Reconnected = true
	var next *Channel
	err := channel.Reconnect(c.ctx, c.opts.Reconnect, func(ctx context.Context) error {
		var err error
		next, err = Dial(ctx, c.url, hello)
		return err
	})
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - %v", clientLogPrefix, err))
		if c.opts.OnGiveUp != nil && c.ctx.Err() == nil {
			c.opts.OnGiveUp(err)
		}
		return
	}
	if c.ctx.Err() != nil {
		next.Disconnect("client closed")
		return
	}
	c.adopt(next)
}
