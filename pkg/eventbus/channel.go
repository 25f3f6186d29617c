package eventbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
)

const logPrefix = "eventbus:channel"

// Default event names for the page/content link.
const (
	EventToContent = "mimic:to-content"
	EventToPage    = "mimic:to-page"
)

// Channel is a duplex channel that listens on one event name and
// dispatches on another.
type Channel struct {
	*channel.Base
	bus        *Bus
	listenOn   string
	dispatchOn string
	peer       channel.ClientInfo
	unlisten   func()
}

// NewChannel creates a connected channel on bus. peer is reported as the
// sender of every inbound message.
func NewChannel(bus *Bus, listenOn, dispatchOn string, peer channel.ClientInfo) *Channel {
	c := &Channel{
		bus:        bus,
		listenOn:   listenOn,
		dispatchOn: dispatchOn,
		peer:       peer,
	}
	c.Base = channel.NewBase(uuid.NewString(), fmt.Sprintf("event:%s", listenOn), false, channel.Hooks{
		Listen: func() error {
			c.unlisten = bus.AddListener(listenOn, c.onDetail)
			return nil
		},
		Unlisten: func() {
			if c.unlisten != nil {
				c.unlisten()
				c.unlisten = nil
			}
		},
	})
	c.SetStatus(channel.StatusConnected)
	return c
}

// Pair creates the page and content ends of an in-page link on bus.
func Pair(bus *Bus, page, content channel.ClientInfo) (pageEnd, contentEnd *Channel) {
	pageEnd = NewChannel(bus, EventToPage, EventToContent, content)
	contentEnd = NewChannel(bus, EventToContent, EventToPage, page)
	return pageEnd, contentEnd
}

// PostMessage dispatches msg as the detail of the outbound event. Nobody
// listening on the other side is reported as ErrNotConnected.
func (c *Channel) PostMessage(ctx context.Context, msg *message.Message) error {
	if err := c.CheckConnected(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := message.Encode(msg)
	if err != nil {
		return fmt.Errorf("%s - %s: %w", logPrefix, c.Name(), err)
	}
	if n := c.bus.Dispatch(c.dispatchOn, raw); n == 0 {
		return fmt.Errorf("%s - no listener for %s: %w", logPrefix, c.dispatchOn, channel.ErrNotConnected)
	}
	return nil
}

func (c *Channel) onDetail(detail []byte) {
	msg, err := message.Decode(detail)
	if err != nil {
		slog.Error(fmt.Sprintf("%s - %s dropped event: %v", logPrefix, c.Name(), err))
		return
	}
	c.Emit(msg, c.peer, func(resp *message.Message) error {
		return c.PostMessage(context.Background(), resp)
	})
}
