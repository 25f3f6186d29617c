package natschan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/commsutil"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const contentLogPrefix = "natschan:content"

// ErrContentRejected is returned by DialContent when the agent refuses the
// hello.
var ErrContentRejected = errors.New("content peer rejected")

// ContentHello is what a content peer sends to open a pipe.
type ContentHello struct {
	PipeID      string `json:"pipeId"`
	Tab         int    `json:"tab"`
	Frame       int    `json:"frame"`
	Version     string `json:"version,omitempty"`
	Reconnected bool   `json:"reconnected,omitempty"`
}

// ContentWelcome answers a hello.
type ContentWelcome struct {
	ClientID string             `json:"clientId,omitempty"`
	Agent    channel.ClientInfo `json:"agent"`
	Error    string             `json:"error,omitempty"`
}

// ContentAcceptorOptions configures a ContentAcceptor.
type ContentAcceptorOptions struct {
	Prefix string
	// Subject defaults to the prefix's hello subject.
	Subject string
	Self    channel.ClientInfo
	// OnConnect wires and starts the new pipe. The welcome is sent only
	// after it returns, so the peer never posts into an unwired pipe.
	OnConnect func(p *Pipe) error
}

// ContentAcceptor answers content hellos by opening the agent side of a
// pipe for each one.
type ContentAcceptor struct {
	nc   *comms.Conn
	opts ContentAcceptorOptions

	mu  sync.Mutex
	sub *comms.Subscription
}

// NewContentAcceptor creates an acceptor; call Start to subscribe.
func NewContentAcceptor(nc *comms.Conn, opts ContentAcceptorOptions) *ContentAcceptor {
	if opts.Prefix == "" {
		opts.Prefix = commsutil.DefaultPrefix
	}
	if opts.Subject == "" {
		opts.Subject = commsutil.BuildContentHelloSubject(opts.Prefix)
	}
	return &ContentAcceptor{nc: nc, opts: opts}
}

// Subject returns the hello subject.
func (a *ContentAcceptor) Subject() string { return a.opts.Subject }

// Start subscribes to the hello subject.
func (a *ContentAcceptor) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sub != nil {
		return nil
	}
	sub, err := a.nc.Subscribe(a.opts.Subject, a.onHello)
	if err != nil {
		return fmt.Errorf("%s - subscribe %s: %w", contentLogPrefix, a.opts.Subject, err)
	}
	a.sub = sub
	slog.Info(fmt.Sprintf("%s - accepting content peers on %s", contentLogPrefix, a.opts.Subject))
	return nil
}

// Stop unsubscribes. Pipes already opened stay up.
func (a *ContentAcceptor) Stop() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (a *ContentAcceptor) onHello(m *comms.Msg) {
	var hello ContentHello
	if err := commsutil.DecodePayload(m.Data, &hello); err != nil {
		a.reply(m, ContentWelcome{Error: fmt.Sprintf("malformed hello: %v", err)})
		return
	}
	if hello.PipeID == "" || hello.Tab < 0 || hello.Frame < 0 {
		a.reply(m, ContentWelcome{Error: fmt.Sprintf("hello needs a pipe id, tab and frame (got %q, %d, %d)", hello.PipeID, hello.Tab, hello.Frame)})
		return
	}

	peer := channel.NewFrameClient(rtid.ContextContent, hello.Tab, hello.Frame)
	peer.Version = hello.Version
	peer.Reconnected = hello.Reconnected

	p, err := NewPipe(a.nc, PipeOptions{
		Prefix:    a.opts.Prefix,
		ID:        hello.PipeID,
		Initiator: true,
		Self:      a.opts.Self,
		Peer:      peer,
	})
	if err != nil {
		a.reply(m, ContentWelcome{Error: err.Error()})
		return
	}
	if a.opts.OnConnect != nil {
		if err := a.opts.OnConnect(p); err != nil {
			p.Disconnect("rejected")
			a.reply(m, ContentWelcome{Error: err.Error()})
			return
		}
	}
	slog.Info(fmt.Sprintf("%s - content peer %s on pipe %s", contentLogPrefix, peer.Label(), hello.PipeID))
	a.reply(m, ContentWelcome{ClientID: peer.ID, Agent: a.opts.Self})
}

func (a *ContentAcceptor) reply(m *comms.Msg, w ContentWelcome) {
	if w.Error != "" {
		slog.Warn(fmt.Sprintf("%s - hello refused: %s", contentLogPrefix, w.Error))
	}
	data, err := commsutil.EncodePayload(w)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - encode welcome: %v", contentLogPrefix, err))
		return
	}
	if err := m.Respond(data); err != nil {
		slog.Error(fmt.Sprintf("%s - respond to hello: %v", contentLogPrefix, err))
	}
}

// ContentDialOptions configures DialContent.
type ContentDialOptions struct {
	Prefix string
	// Subject defaults to the prefix's hello subject.
	Subject     string
	Tab         int
	Frame       int
	Version     string
	Reconnected bool
	// AgentName names the agent identity reported as sender of inbound
	// messages. Defaults to "agent".
	AgentName string
}

// DialContent opens the content side of a pipe and announces it. wire is
// called before the hello goes out so the caller can attach its message
// callback; the pipe is already listening when the agent learns of it.
func DialContent(ctx context.Context, nc *comms.Conn, opts ContentDialOptions, wire func(p *Pipe)) (*Pipe, ContentWelcome, error) {
	if opts.Prefix == "" {
		opts.Prefix = commsutil.DefaultPrefix
	}
	if opts.Subject == "" {
		opts.Subject = commsutil.BuildContentHelloSubject(opts.Prefix)
	}
	if opts.AgentName == "" {
		opts.AgentName = "agent"
	}
	self := channel.NewFrameClient(rtid.ContextContent, opts.Tab, opts.Frame)
	self.Version = opts.Version

	hello := ContentHello{
		PipeID:      uuid.NewString(),
		Tab:         opts.Tab,
		Frame:       opts.Frame,
		Version:     opts.Version,
		Reconnected: opts.Reconnected,
	}
	p, err := NewPipe(nc, PipeOptions{
		Prefix: opts.Prefix,
		ID:     hello.PipeID,
		Self:   self,
		Peer:   channel.NewBackgroundClient(opts.AgentName),
	})
	if err != nil {
		return nil, ContentWelcome{}, err
	}
	if wire != nil {
		wire(p)
	}
	if err := p.StartListening(); err != nil {
		p.Disconnect("listen failed")
		return nil, ContentWelcome{}, fmt.Errorf("%s - listen: %w", contentLogPrefix, err)
	}

	data, err := commsutil.EncodePayload(hello)
	if err != nil {
		p.Disconnect("encode failed")
		return nil, ContentWelcome{}, fmt.Errorf("%s - encode hello: %w", contentLogPrefix, err)
	}
	reply, err := nc.RequestWithContext(ctx, opts.Subject, data)
	if err != nil {
		p.Disconnect("hello failed")
		return nil, ContentWelcome{}, fmt.Errorf("%s - hello on %s: %w", contentLogPrefix, opts.Subject, err)
	}
	var welcome ContentWelcome
	if err := commsutil.DecodePayload(reply.Data, &welcome); err != nil {
		p.Disconnect("bad welcome")
		return nil, ContentWelcome{}, fmt.Errorf("%s - decode welcome: %w", contentLogPrefix, err)
	}
	if welcome.Error != "" {
		p.Disconnect("rejected")
		return nil, welcome, fmt.Errorf("%s - %s: %w", contentLogPrefix, welcome.Error, ErrContentRejected)
	}
	return p, welcome, nil
}
