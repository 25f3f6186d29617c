package natschan

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/commsutil"
	"github.com/sagibrant/mimic/pkg/message"
)

const pipeLogPrefix = "natschan:pipe"

var (
	pongFrame = []byte(`"__mimic_pong__"`)
	byeFrame  = []byte(`"__mimic_bye__"`)
)

// PipeOptions configures one side of a NATS pipe.
type PipeOptions struct {
	Prefix string
	// ID names the pipe; both sides must use the same value.
	ID string
	// Initiator selects side "a"; the other end uses side "b".
	Initiator bool
	Self      channel.ClientInfo
	Peer      channel.ClientInfo
}

// Pipe is a duplex channel over two NATS subjects. Delivery order matches
// send order because each side reads through a single subscription.
type Pipe struct {
	*channel.Base
	nc   *comms.Conn
	opts PipeOptions

	inSubject   string
	outSubject  string
	pingSubject string
	peerPing    string

	mu      sync.Mutex
	inSub   *comms.Subscription
	pingSub *comms.Subscription
}

// NewPipe creates one side and starts answering liveness probes.
func NewPipe(nc *comms.Conn, opts PipeOptions) (*Pipe, error) {
	if opts.Prefix == "" {
		opts.Prefix = commsutil.DefaultPrefix
	}
	own, other := "b", "a"
	if opts.Initiator {
		own, other = "a", "b"
	}
	p := &Pipe{
		nc:          nc,
		opts:        opts,
		inSubject:   commsutil.BuildPipeSubject(opts.Prefix, opts.ID, own),
		outSubject:  commsutil.BuildPipeSubject(opts.Prefix, opts.ID, other),
		pingSubject: commsutil.BuildPingSubject(opts.Prefix, opts.ID, own),
		peerPing:    commsutil.BuildPingSubject(opts.Prefix, opts.ID, other),
	}
	p.Base = channel.NewBase(uuid.NewString(), fmt.Sprintf("nats-pipe:%s/%s", opts.ID, own), false, channel.Hooks{
		Listen: func() error {
			sub, err := nc.Subscribe(p.inSubject, p.onFrame)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.inSub = sub
			p.mu.Unlock()
			return nil
		},
		Unlisten: func() {
			p.mu.Lock()
			sub := p.inSub
			p.inSub = nil
			p.mu.Unlock()
			if sub != nil {
				_ = sub.Unsubscribe()
			}
		},
		Close: p.close,
	})

	pingSub, err := nc.Subscribe(p.pingSubject, func(m *comms.Msg) {
		if err := m.Respond(pongFrame); err != nil {
			slog.Debug(fmt.Sprintf("%s - %s pong: %v", pipeLogPrefix, p.Name(), err))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - subscribe %s: %w", pipeLogPrefix, p.pingSubject, err)
	}
	p.pingSub = pingSub
	p.SetStatus(channel.StatusConnected)
	return p, nil
}

// Peer returns the identity of the other side.
func (p *Pipe) Peer() channel.ClientInfo {
	return p.opts.Peer
}

func (p *Pipe) close() error {
	p.mu.Lock()
	ping := p.pingSub
	p.pingSub = nil
	p.mu.Unlock()
	if ping != nil {
		_ = ping.Unsubscribe()
	}
	if p.nc.IsConnected() {
		return p.nc.Publish(p.outSubject, byeFrame)
	}
	return nil
}

func (p *Pipe) probe(ctx context.Context) error {
	reply, err := p.nc.RequestWithContext(ctx, p.peerPing, nil)
	if err != nil {
		return err
	}
	if !bytes.Equal(reply.Data, pongFrame) {
		return fmt.Errorf("%s - unexpected probe reply %q", pipeLogPrefix, reply.Data)
	}
	return nil
}

// PostMessage probes the peer, then publishes msg.
func (p *Pipe) PostMessage(ctx context.Context, msg *message.Message) error {
	if err := p.CheckConnected(); err != nil {
		return err
	}
	channel.Ping(ctx, p.Name(), p.probe)

	out, err := commsutil.NewEnvelopeMsg(p.outSubject, msg, p.opts.Self)
	if err != nil {
		return err
	}
	if err := p.nc.PublishMsg(out); err != nil {
		p.SetError(err)
		return fmt.Errorf("%s - publish %s: %w", pipeLogPrefix, p.outSubject, err)
	}
	return nil
}

func (p *Pipe) onFrame(m *comms.Msg) {
	if bytes.Equal(m.Data, byeFrame) {
		go p.Disconnect("peer disconnected")
		return
	}
	msg, _, err := commsutil.DecodeEnvelopeMsg(m)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %s dropped frame: %v", pipeLogPrefix, p.Name(), err))
		return
	}
	p.Emit(msg, p.opts.Peer, func(resp *message.Message) error {
		return p.PostMessage(context.Background(), resp)
	})
}
