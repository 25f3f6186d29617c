package cdpsession

import (
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"

	"github.com/sagibrant/mimic/pkg/protocol"
)

// Translate maps a raw protocol event received on tab's session to a
// notification. Events the agent does not relay report false.
func Translate(tab int, ev any) (protocol.Notification, bool) {
	n := protocol.Notification{Tab: tab}
	switch e := ev.(type) {
	case *page.EventJavascriptDialogOpening:
		n.Kind = protocol.DialogOpened
		n.Params = map[string]any{
			"url":           e.URL,
			"message":       e.Message,
			"type":          string(e.Type),
			"defaultPrompt": e.DefaultPrompt,
		}
	case *page.EventJavascriptDialogClosed:
		n.Kind = protocol.DialogClosed
		n.Params = map[string]any{
			"result":    e.Result,
			"userInput": e.UserInput,
		}
	case *runtime.EventExecutionContextCreated:
		if e.Context == nil {
			return n, false
		}
		n.Kind = protocol.ContextCreated
		n.Params = map[string]any{
			"id":     int64(e.Context.ID),
			"origin": e.Context.Origin,
			"name":   e.Context.Name,
		}
	case *runtime.EventExecutionContextDestroyed:
		n.Kind = protocol.ContextDestroyed
		n.Params = map[string]any{
			"id": int64(e.ExecutionContextID),
		}
	case *target.EventAttachedToTarget:
		n.Kind = protocol.TargetAttached
		n.Params = map[string]any{"sessionId": string(e.SessionID)}
		if e.TargetInfo != nil {
			n.Params["targetId"] = string(e.TargetInfo.TargetID)
			n.Params["type"] = e.TargetInfo.Type
			n.Params["url"] = e.TargetInfo.URL
		}
	case *target.EventDetachedFromTarget:
		n.Kind = protocol.TargetDetached
		n.Params = map[string]any{"sessionId": string(e.SessionID)}
	default:
		return n, false
	}
	return n, true
}
