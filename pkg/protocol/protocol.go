// Package protocol defines the browser debugging-protocol session surface
// the agent drives: per-tab attach and detach, raw commands, input events
// and the notifications the browser pushes back.
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const logPrefix = "protocol:protocol"

var (
	ErrNotAttached = errors.New("tab not attached")
	ErrUnknownTab  = errors.New("unknown tab")
)

// NotificationKind names a browser notification.
type NotificationKind string

const (
	DialogOpened     NotificationKind = "dialog_opened"
	DialogClosed     NotificationKind = "dialog_closed"
	ContextCreated   NotificationKind = "context_created"
	ContextDestroyed NotificationKind = "context_destroyed"
	TargetAttached   NotificationKind = "target_attached"
	TargetDetached   NotificationKind = "target_detached"
)

// Notification is one browser-pushed event, scoped to a tab.
type Notification struct {
	Kind   NotificationKind `json:"kind"`
	Tab    int              `json:"tab"`
	Params map[string]any   `json:"params,omitempty"`
}

// MouseEvent mirrors Input.dispatchMouseEvent.
type MouseEvent struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button,omitempty"`
	ClickCount int     `json:"clickCount,omitempty"`
	Modifiers  int     `json:"modifiers,omitempty"`
}

// KeyEvent mirrors Input.dispatchKeyEvent.
type KeyEvent struct {
	Type      string `json:"type"`
	Key       string `json:"key,omitempty"`
	Code      string `json:"code,omitempty"`
	Text      string `json:"text,omitempty"`
	Modifiers int    `json:"modifiers,omitempty"`
}

// SessionManager owns the debugging sessions of the browser's tabs.
type SessionManager interface {
	AttachTab(ctx context.Context, tab int) error
	DetachTab(ctx context.Context, tab int) error
	// SendCommand runs a raw protocol method on an attached tab. params
	// and the result are JSON objects; nil params sends none.
	SendCommand(ctx context.Context, tab int, method string, params json.RawMessage) (json.RawMessage, error)
	DispatchMouseEvent(ctx context.Context, tab int, ev MouseEvent) error
	DispatchKeyEvent(ctx context.Context, tab int, ev KeyEvent) error
	Subscribe(fn func(Notification)) (unsubscribe func())
}

// DecodeParams converts action params into a typed event.
func DecodeParams(params map[string]any, v any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s - encode params: %w", logPrefix, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%s - decode params: %w", logPrefix, err)
	}
	return nil
}

// Validate checks the mouse event type.
func (e MouseEvent) Validate() error {
	switch e.Type {
	case "mousePressed", "mouseReleased", "mouseMoved", "mouseWheel":
		return nil
	}
	return fmt.Errorf("%s - invalid mouse event type %q", logPrefix, e.Type)
}

// Validate checks the key event type.
func (e KeyEvent) Validate() error {
	switch e.Type {
	case "keyDown", "keyUp", "rawKeyDown", "char":
		return nil
	}
	return fmt.Errorf("%s - invalid key event type %q", logPrefix, e.Type)
}
