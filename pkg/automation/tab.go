package automation

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sagibrant/mimic/pkg/dispatcher"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/protocol"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const tabLogPrefix = "automation:tab"

// TabHandler serves the automation object of one attached tab.
type TabHandler struct {
	tab      int
	sessions protocol.SessionManager
}

// NewTabHandler creates the handler for tab.
func NewTabHandler(tab int, sessions protocol.SessionManager) *TabHandler {
	return &TabHandler{tab: tab, sessions: sessions}
}

func (h *TabHandler) Rtid() rtid.Rtid { return rtid.ForTab(h.tab) }

func (h *TabHandler) Handle(ctx context.Context, data *message.Data) (*dispatcher.Future, bool) {
	if data.Type != message.DataCommand {
		return nil, false
	}
	switch data.Action.Name {
	case message.ActionSendCommand:
		method := data.StringParam("method")
		if method == "" {
			return dispatcher.Rejected(fmt.Errorf("%s - send_command needs a method", tabLogPrefix)), true
		}
		var params json.RawMessage
		if p, ok := data.Param("params"); ok && p != nil {
			raw, err := json.Marshal(p)
			if err != nil {
				return dispatcher.Rejected(fmt.Errorf("%s - encode params: %w", tabLogPrefix, err)), true
			}
			params = raw
		}
		return dispatcher.Go(func() (any, error) {
			raw, err := h.sessions.SendCommand(ctx, h.tab, method, params)
			if err != nil {
				return nil, err
			}
			if len(raw) == 0 {
				return map[string]any{}, nil
			}
			var out any
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("%s - decode %s result: %w", tabLogPrefix, method, err)
			}
			return out, nil
		}), true

	case message.ActionDispatchMouseEvent:
		var ev protocol.MouseEvent
		if err := protocol.DecodeParams(data.Action.Params, &ev); err != nil {
			return dispatcher.Rejected(err), true
		}
		if err := ev.Validate(); err != nil {
			return dispatcher.Rejected(err), true
		}
		return dispatcher.Go(func() (any, error) {
			return nil, h.sessions.DispatchMouseEvent(ctx, h.tab, ev)
		}), true

	case message.ActionDispatchKeyEvent:
		var ev protocol.KeyEvent
		if err := protocol.DecodeParams(data.Action.Params, &ev); err != nil {
			return dispatcher.Rejected(err), true
		}
		if err := ev.Validate(); err != nil {
			return dispatcher.Rejected(err), true
		}
		return dispatcher.Go(func() (any, error) {
			return nil, h.sessions.DispatchKeyEvent(ctx, h.tab, ev)
		}), true
	}
	return nil, false
}
