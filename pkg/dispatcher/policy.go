package dispatcher

import (
	"fmt"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/routing"
	"github.com/sagibrant/mimic/pkg/rtid"
)

// RoutingPolicy picks the channel that reaches the destination of msg from
// the context the dispatcher runs in. It is the only part that differs
// between a background, content, page or external dispatcher.
type RoutingPolicy interface {
	Channel(msg *message.Message) (channel.Channel, error)
}

// PolicyFunc adapts a function to RoutingPolicy.
type PolicyFunc func(msg *message.Message) (channel.Channel, error)

// Channel calls f.
func (f PolicyFunc) Channel(msg *message.Message) (channel.Channel, error) {
	return f(msg)
}

func noChannel(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNoChannel, fmt.Sprintf(format, args...))
}

// BackgroundPolicy routes from the background agent. MAIN and content
// destinations go to the content route registered for the destination's
// tab and frame (the top frame when unscoped); MAIN traffic is relayed on
// by that content script. External destinations go to the external route
// named by Dest.External, falling back to the listening channel.
// Background destinations have no remote owner: they are served by local
// handlers or not at all.
func BackgroundPolicy(table *routing.Table, listening channel.Channel) RoutingPolicy {
	return PolicyFunc(func(msg *message.Message) (channel.Channel, error) {
		dest := msg.Data.Dest
		if dest == nil {
			return nil, noChannel("message has no destination")
		}
		switch rtid.ContextOf(*dest) {
		case rtid.ContextMain, rtid.ContextContent:
			if dest.Tab == rtid.Unscoped {
				return nil, noChannel("%s has no tab", dest)
			}
			frame := dest.Frame
			if frame == rtid.Unscoped {
				frame = 0
			}
			r, ok := table.Find(rtid.ContextContent, func(r routing.Route) bool {
				return r.Client.Tab == dest.Tab && r.Client.Frame == frame
			})
			if !ok {
				return nil, noChannel("no content peer for tab %d frame %d", dest.Tab, frame)
			}
			return r.Channel, nil
		case rtid.ContextExternal:
			if dest.External != "" {
				r, ok := table.Find(rtid.ContextExternal, func(r routing.Route) bool {
					return r.Client.Name == dest.External
				})
				if ok {
					return r.Channel, nil
				}
			}
			if listening != nil {
				return listening, nil
			}
			return nil, noChannel("no external peer %q", dest.External)
		default:
			return nil, noChannel("no local handler for %s", dest)
		}
	})
}

// ContentPolicy routes from a content script: MAIN destinations cross the
// in-page event channel, everything else goes to the background.
func ContentPolicy(background, page channel.Channel) RoutingPolicy {
	return PolicyFunc(func(msg *message.Message) (channel.Channel, error) {
		dest := msg.Data.Dest
		if dest == nil {
			return nil, noChannel("message has no destination")
		}
		if rtid.ContextOf(*dest) == rtid.ContextMain {
			if page == nil {
				return nil, noChannel("no page channel for %s", dest)
			}
			return page, nil
		}
		if background == nil {
			return nil, noChannel("no background channel for %s", dest)
		}
		return background, nil
	})
}

// PagePolicy routes everything from a MAIN-world script to its content
// script.
func PagePolicy(content channel.Channel) RoutingPolicy {
	return StaticPolicy(content)
}

// UplinkPolicy routes everything from an external application to the agent.
func UplinkPolicy(agent channel.Channel) RoutingPolicy {
	return StaticPolicy(agent)
}

// StaticPolicy sends everything through one channel.
func StaticPolicy(ch channel.Channel) RoutingPolicy {
	return PolicyFunc(func(msg *message.Message) (channel.Channel, error) {
		if ch == nil {
			return nil, noChannel("no uplink channel")
		}
		return ch, nil
	})
}
