// Package natschan carries envelopes over NATS: a request/reply channel
// for external peers and the agent, a duplex pipe over a pair of subjects,
// and a pool of connections to peers hosted on other NATS servers.
package natschan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/commsutil"
	"github.com/sagibrant/mimic/pkg/message"
)

const logPrefix = "natschan:request"

// ErrNoSubject is returned when a message's destination maps to no subject.
var ErrNoSubject = errors.New("no subject for destination")

// RequestOptions configures a RequestChannel.
type RequestOptions struct {
	// Prefix for derived peer subjects. Defaults to commsutil.DefaultPrefix.
	Prefix string
	// Subject is listened on by StartListening. Empty means send-only.
	Subject string
	// Target, when set, receives every outbound message. Otherwise the
	// subject is derived from Dest.External.
	Target string
	// Self is stamped on outbound messages as the sender.
	Self channel.ClientInfo
}

// RequestChannel is an async channel over NATS request/reply.
type RequestChannel struct {
	*channel.Base
	nc   *comms.Conn
	opts RequestOptions
	sub  *comms.Subscription
}

// NewRequestChannel wraps nc. The connection is owned by the caller and is
// not closed by Disconnect.
func NewRequestChannel(nc *comms.Conn, opts RequestOptions) *RequestChannel {
	if opts.Prefix == "" {
		opts.Prefix = commsutil.DefaultPrefix
	}
	c := &RequestChannel{nc: nc, opts: opts}
	name := "nats:" + opts.Subject
	if opts.Subject == "" {
		name = "nats:->" + opts.Target
	}
	c.Base = channel.NewBase(uuid.NewString(), name, true, channel.Hooks{
		Listen: func() error {
			if opts.Subject == "" {
				return nil
			}
			sub, err := nc.Subscribe(opts.Subject, c.onMsg)
			if err != nil {
				return err
			}
			c.sub = sub
			return nil
		},
		Unlisten: func() {
			if c.sub != nil {
				if err := c.sub.Unsubscribe(); err != nil {
					slog.Debug(fmt.Sprintf("%s - unsubscribe %s: %v", logPrefix, opts.Subject, err))
				}
				c.sub = nil
			}
		},
	})
	if nc.IsConnected() {
		c.SetStatus(channel.StatusConnected)
	}
	return c
}

// Subject returns the listening subject.
func (c *RequestChannel) Subject() string {
	return c.opts.Subject
}

func (c *RequestChannel) target(msg *message.Message) (string, error) {
	if c.opts.Target != "" {
		return c.opts.Target, nil
	}
	if msg.Data.Dest != nil && msg.Data.Dest.External != "" {
		return commsutil.BuildPeerSubject(c.opts.Prefix, msg.Data.Dest.External), nil
	}
	return "", fmt.Errorf("%s - %s: %w", logPrefix, c.Name(), ErrNoSubject)
}

func (c *RequestChannel) checkConn() error {
	if !c.nc.IsConnected() {
		c.SetStatus(channel.StatusError)
		return fmt.Errorf("%s - %s: %w", logPrefix, c.Name(), channel.ErrNotConnected)
	}
	if c.Status() != channel.StatusConnected {
		c.SetStatus(channel.StatusConnected)
	}
	return nil
}

// SendEvent publishes msg to its destination subject.
func (c *RequestChannel) SendEvent(ctx context.Context, msg *message.Message) error {
	if err := c.checkConn(); err != nil {
		return err
	}
	subject, err := c.target(msg)
	if err != nil {
		return err
	}
	out, err := commsutil.NewEnvelopeMsg(subject, msg, c.opts.Self)
	if err != nil {
		return err
	}
	if err := c.nc.PublishMsg(out); err != nil {
		c.SetError(err)
		return fmt.Errorf("%s - publish %s: %w", logPrefix, subject, err)
	}
	return nil
}

// SendRequest sends msg and waits for the reply until ctx ends.
func (c *RequestChannel) SendRequest(ctx context.Context, msg *message.Message) (*message.Message, error) {
	if err := c.checkConn(); err != nil {
		return nil, err
	}
	subject, err := c.target(msg)
	if err != nil {
		return nil, err
	}
	out, err := commsutil.NewEnvelopeMsg(subject, msg, c.opts.Self)
	if err != nil {
		return nil, err
	}
	reply, err := c.nc.RequestMsgWithContext(ctx, out)
	if err != nil {
		if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			c.SetError(err)
		}
		return nil, fmt.Errorf("%s - request %s: %w", logPrefix, subject, err)
	}
	resp, _, err := commsutil.DecodeEnvelopeMsg(reply)
	if err != nil {
		return nil, fmt.Errorf("%s - reply from %s: %w", logPrefix, subject, err)
	}
	return resp, nil
}

func (c *RequestChannel) onMsg(m *comms.Msg) {
	msg, sender, err := commsutil.DecodeEnvelopeMsg(m)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %s dropped message: %v", logPrefix, c.Name(), err))
		return
	}
	var respond channel.ResponseFunc
	if m.Reply != "" {
		respond = func(resp *message.Message) error {
			out, err := commsutil.NewEnvelopeMsg(m.Reply, resp, c.opts.Self)
			if err != nil {
				return err
			}
			return c.nc.PublishMsg(out)
		}
	}
	c.Emit(msg, sender, respond)
}
