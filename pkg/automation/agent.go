// Package automation holds the automation-object handlers the background
// agent registers on its dispatcher.
package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sagibrant/mimic/pkg/dispatcher"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/peerstore"
	"github.com/sagibrant/mimic/pkg/protocol"
	"github.com/sagibrant/mimic/pkg/routing"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const handlerLogPrefix = "automation:agent"

// ErrNoSession is returned by tab commands when no browser session
// manager is configured.
var ErrNoSession = errors.New("no browser session")

// Registrar is the part of a dispatcher the agent handler registers tab
// handlers on.
type Registrar interface {
	Register(h dispatcher.Handler)
	Unregister(r rtid.Rtid) int
}

// FrameHoster brings up the frames of an attached tab and tears them down
// on detach.
type FrameHoster interface {
	HostFrame(tab int) error
	ReleaseFrame(tab int)
}

// AgentOptions wires an AgentHandler.
type AgentOptions struct {
	Name      string
	Settings  *Settings
	Sessions  protocol.SessionManager
	Registrar Registrar
	Routes    *routing.Table
	// Peers is optional; "query peers" fails without it.
	Peers peerstore.Store
	// Frames is optional.
	Frames FrameHoster
}

// AgentHandler serves messages addressed to the agent itself.
type AgentHandler struct {
	opts    AgentOptions
	started time.Time
}

// NewAgentHandler creates the agent handler.
func NewAgentHandler(opts AgentOptions) *AgentHandler {
	if opts.Settings == nil {
		opts.Settings = NewSettings(nil)
	}
	return &AgentHandler{opts: opts, started: time.Now()}
}

func (h *AgentHandler) Rtid() rtid.Rtid { return rtid.Agent() }

// Settings returns the live settings.
func (h *AgentHandler) Settings() *Settings { return h.opts.Settings }

func (h *AgentHandler) Handle(ctx context.Context, data *message.Data) (*dispatcher.Future, bool) {
	switch data.Type {
	case message.DataConfig:
		return h.handleConfig(data)
	case message.DataQuery:
		return h.handleQuery(ctx, data)
	case message.DataCommand:
		return h.handleCommand(ctx, data)
	}
	return nil, false
}

func (h *AgentHandler) handleConfig(data *message.Data) (*dispatcher.Future, bool) {
	switch data.Action.Name {
	case message.ActionGet:
		if name := data.StringParam("name"); name != "" {
			v, ok := h.opts.Settings.Get(name)
			if !ok {
				return dispatcher.Rejected(fmt.Errorf("%s - unknown setting %q", handlerLogPrefix, name)), true
			}
			return dispatcher.Resolved(map[string]any{name: v}), true
		}
		return dispatcher.Resolved(h.opts.Settings.Snapshot()), true
	case message.ActionSet:
		if err := h.opts.Settings.Set(data.Action.Params); err != nil {
			return dispatcher.Rejected(err), true
		}
		slog.Info(fmt.Sprintf("%s - settings updated: %v", handlerLogPrefix, keys(data.Action.Params)))
		return dispatcher.Resolved(h.opts.Settings.Snapshot()), true
	}
	return nil, false
}

func (h *AgentHandler) handleQuery(ctx context.Context, data *message.Data) (*dispatcher.Future, bool) {
	switch data.Action.Name {
	case message.ActionPing:
		return dispatcher.Resolved(map[string]any{
			"name":   h.opts.Name,
			"uptime": time.Since(h.started).Milliseconds(),
		}), true
	case message.ActionQuery:
		switch what := data.StringParam("name"); what {
		case "routes":
			if h.opts.Routes == nil {
				return dispatcher.Resolved([]routing.RouteInfo{}), true
			}
			return dispatcher.Resolved(h.opts.Routes.Snapshot()), true
		case "peers":
			if h.opts.Peers == nil {
				return dispatcher.Rejected(fmt.Errorf("%s - no peer store", handlerLogPrefix)), true
			}
			return dispatcher.Go(func() (any, error) {
				return h.opts.Peers.List(ctx)
			}), true
		default:
			return dispatcher.Rejected(fmt.Errorf("%s - unknown query %q", handlerLogPrefix, what)), true
		}
	}
	return nil, false
}

func (h *AgentHandler) handleCommand(ctx context.Context, data *message.Data) (*dispatcher.Future, bool) {
	if data.Action.Name != message.ActionAttach && data.Action.Name != message.ActionDetach {
		return nil, false
	}
	tab, ok := data.IntParam("tab")
	if !ok || tab < 0 {
		return dispatcher.Rejected(fmt.Errorf("%s - %s needs a tab", handlerLogPrefix, data.Action.Name)), true
	}
	if h.opts.Sessions == nil {
		return dispatcher.Rejected(fmt.Errorf("%s - %s tab %d: %w", handlerLogPrefix, data.Action.Name, tab, ErrNoSession)), true
	}

	if data.Action.Name == message.ActionAttach {
		return dispatcher.Go(func() (any, error) {
			if err := h.opts.Sessions.AttachTab(ctx, tab); err != nil {
				return nil, err
			}
			h.opts.Registrar.Unregister(rtid.ForTab(tab))
			h.opts.Registrar.Register(NewTabHandler(tab, h.opts.Sessions))
			if h.opts.Frames != nil {
				if err := h.opts.Frames.HostFrame(tab); err != nil {
					slog.Warn(fmt.Sprintf("%s - tab %d attached without a frame host: %v", handlerLogPrefix, tab, err))
				}
			}
			return map[string]any{"tab": tab, "attached": true}, nil
		}), true
	}
	return dispatcher.Go(func() (any, error) {
		h.opts.Registrar.Unregister(rtid.ForTab(tab))
		if h.opts.Frames != nil {
			h.opts.Frames.ReleaseFrame(tab)
		}
		if err := h.opts.Sessions.DetachTab(ctx, tab); err != nil {
			return nil, err
		}
		return map[string]any{"tab": tab, "attached": false}, nil
	}), true
}

func keys(m map[string]any) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
