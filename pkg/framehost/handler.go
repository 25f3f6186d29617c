package framehost

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sagibrant/mimic/pkg/automation"
	"github.com/sagibrant/mimic/pkg/dispatcher"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/protocol"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const handlerLogPrefix = "framehost:handler"

// frameHandler serves the frame's own automation object in one context.
type frameHandler struct {
	id       rtid.Rtid
	context  rtid.Context
	tab      int
	frame    int
	sessions protocol.SessionManager
}

func newFrameHandler(c rtid.Context, tab, frame int, sessions protocol.SessionManager) *frameHandler {
	id := rtid.ForFrame(tab, frame)
	if c == rtid.ContextMain {
		id = id.WithContext(rtid.ContextMain)
	}
	return &frameHandler{id: id, context: c, tab: tab, frame: frame, sessions: sessions}
}

func (h *frameHandler) Rtid() rtid.Rtid { return h.id }

func (h *frameHandler) Handle(ctx context.Context, data *message.Data) (*dispatcher.Future, bool) {
	switch {
	case data.Type == message.DataQuery && data.Action.Name == message.ActionPing:
		return dispatcher.Resolved(map[string]any{
			"context": string(h.context),
			"tab":     h.tab,
			"frame":   h.frame,
		}), true
	case data.Type == message.DataCommand && data.Action.Name == message.ActionInvoke && h.context == rtid.ContextMain:
		return h.invoke(ctx, data), true
	}
	return nil, false
}

// invoke evaluates an expression in the page and returns its value.
func (h *frameHandler) invoke(ctx context.Context, data *message.Data) *dispatcher.Future {
	expr := data.StringParam("expression")
	if expr == "" {
		return dispatcher.Rejected(fmt.Errorf("%s - invoke needs an expression", handlerLogPrefix))
	}
	if h.sessions == nil {
		return dispatcher.Rejected(fmt.Errorf("%s - invoke in tab %d: %w", handlerLogPrefix, h.tab, automation.ErrNoSession))
	}
	params, err := json.Marshal(map[string]any{"expression": expr, "returnByValue": true})
	if err != nil {
		return dispatcher.Rejected(err)
	}
	return dispatcher.Go(func() (any, error) {
		raw, err := h.sessions.SendCommand(ctx, h.tab, "Runtime.evaluate", params)
		if err != nil {
			return nil, err
		}
		var out struct {
			Result struct {
				Value any `json:"value"`
			} `json:"result"`
			ExceptionDetails *struct {
				Text string `json:"text"`
			} `json:"exceptionDetails"`
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &out); err != nil {
				return nil, fmt.Errorf("%s - decode evaluate result: %w", handlerLogPrefix, err)
			}
		}
		if out.ExceptionDetails != nil {
			return nil, fmt.Errorf("%s - %s", handlerLogPrefix, out.ExceptionDetails.Text)
		}
		return out.Result.Value, nil
	})
}
