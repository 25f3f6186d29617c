// Package channel defines the transport contract every peer connection
// satisfies, plus the state machine shared by the concrete transports.
package channel

import (
	"context"
	"errors"

	"github.com/sagibrant/mimic/pkg/message"
)

// Status is the connection state of a channel.
type Status string

const (
	StatusDisconnected  Status = "disconnected"
	StatusConnecting    Status = "connecting"
	StatusConnected     Status = "connected"
	StatusDisconnecting Status = "disconnecting"
	StatusError         Status = "error"
)

var (
	ErrNotConnected = errors.New("channel not connected")
	ErrNotSupported = errors.New("operation not supported by this channel")
	ErrClosed       = errors.New("channel closed")
)

// ResponseFunc sends a response back on the reply path of an inbound
// message. It is nil when the transport has none.
type ResponseFunc func(resp *message.Message) error

// MessageFunc receives an inbound envelope, the peer it came from and the
// optional reply path.
type MessageFunc func(msg *message.Message, sender ClientInfo, respond ResponseFunc)

// DisconnectFunc is notified once when the channel disconnects.
type DisconnectFunc func(reason string)

// Channel is a named, stateful transport between two contexts.
//
// Async channels expose a send-and-await-reply primitive (SendEvent,
// SendRequest). Duplex channels expose a raw pipe (PostMessage) and leave
// correlation to the caller.
type Channel interface {
	ID() string
	Name() string
	Status() Status
	Async() bool

	PostMessage(ctx context.Context, msg *message.Message) error
	SendEvent(ctx context.Context, msg *message.Message) error
	SendRequest(ctx context.Context, msg *message.Message) (*message.Message, error)

	StartListening() error
	StopListening()
	Disconnect(reason string)

	OnMessage(fn MessageFunc) (unsubscribe func())
	OnDisconnect(fn DisconnectFunc) (unsubscribe func())
}
