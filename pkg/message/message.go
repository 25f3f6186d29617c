// Package message defines the envelope carried over every channel and the
// application payload inside it.
package message

import (
	"maps"
	"time"

	"github.com/google/uuid"

	"github.com/sagibrant/mimic/pkg/rtid"
)

// Type is the envelope kind.
type Type string

const (
	TypeEvent    Type = "event"
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
)

// DataType is the payload kind.
type DataType string

const (
	DataConfig  DataType = "config"
	DataQuery   DataType = "query"
	DataCommand DataType = "command"
	DataRecord  DataType = "record"
)

// Status is set on payloads that carry a result.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

// ActionName is the closed set of actions a payload may carry.
type ActionName string

const (
	ActionGet                ActionName = "get"
	ActionSet                ActionName = "set"
	ActionInvoke             ActionName = "invoke"
	ActionQuery              ActionName = "query"
	ActionCreate             ActionName = "create"
	ActionClose              ActionName = "close"
	ActionAttach             ActionName = "attach"
	ActionDetach             ActionName = "detach"
	ActionSendCommand        ActionName = "send_command"
	ActionDispatchMouseEvent ActionName = "dispatch_mouse_event"
	ActionDispatchKeyEvent   ActionName = "dispatch_key_event"
	ActionPing               ActionName = "ping"
	ActionNotify             ActionName = "notify"
)

var actionNames = map[ActionName]bool{
	ActionGet: true, ActionSet: true, ActionInvoke: true, ActionQuery: true,
	ActionCreate: true, ActionClose: true, ActionAttach: true, ActionDetach: true,
	ActionSendCommand: true, ActionDispatchMouseEvent: true, ActionDispatchKeyEvent: true,
	ActionPing: true, ActionNotify: true,
}

// Action names what the payload asks for, plus free-form parameters.
type Action struct {
	Name   ActionName     `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Data is the application-level payload.
type Data struct {
	Type   DataType   `json:"type"`
	Dest   *rtid.Rtid `json:"dest,omitempty"`
	Action Action     `json:"action"`
	Status Status     `json:"status,omitempty"`
	Result any        `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Message is the envelope. SyncID is present only on requests and
// responses; CorrelationID links a forwarded message to its original.
type Message struct {
	Type          Type   `json:"type"`
	UID           string `json:"uid"`
	Timestamp     int64  `json:"timestamp"`
	Data          Data   `json:"data"`
	CorrelationID string `json:"correlationId,omitempty"`
	SyncID        string `json:"syncId,omitempty"`
}

// NewUID returns a globally unique id.
func NewUID() string {
	return uuid.NewString()
}

func now() int64 {
	return time.Now().UnixMilli()
}

// NewEvent wraps data into an event envelope.
func NewEvent(data Data) *Message {
	return &Message{
		Type:      TypeEvent,
		UID:       NewUID(),
		Timestamp: now(),
		Data:      data.Clone(),
	}
}

// NewRequest wraps data into a request envelope with the given syncId.
func NewRequest(data Data, syncID string) *Message {
	return &Message{
		Type:      TypeRequest,
		UID:       NewUID(),
		Timestamp: now(),
		Data:      data.Clone(),
		SyncID:    syncID,
	}
}

// NewResponse answers req. A non-nil err produces an ERROR payload; raw
// errors never cross a channel, only their message does.
func NewResponse(req *Message, result any, err error) *Message {
	data := req.Data.Clone()
	if err != nil {
		data.Status = StatusError
		data.Result = nil
		data.Error = err.Error()
	} else {
		data.Status = StatusOK
		data.Result = result
		data.Error = ""
	}
	return &Message{
		Type:          TypeResponse,
		UID:           NewUID(),
		Timestamp:     now(),
		Data:          data,
		CorrelationID: req.UID,
		SyncID:        req.SyncID,
	}
}

// RelayResponse turns a reply obtained from a forwarded request into the
// response for the original request.
func RelayResponse(original *Message, reply *Data) *Message {
	resp := NewResponse(original, nil, nil)
	resp.Data.Status = reply.Status
	resp.Data.Result = reply.Result
	resp.Data.Error = reply.Error
	return resp
}

// Forward re-wraps msg as a new message of the same type that points back
// to the original through CorrelationID. The syncId is left for the
// forwarder to assign.
func Forward(msg *Message) *Message {
	return &Message{
		Type:          msg.Type,
		UID:           NewUID(),
		Timestamp:     now(),
		Data:          msg.Data.Clone(),
		CorrelationID: msg.UID,
	}
}

// Clone returns a copy whose params map can be modified independently.
func (d Data) Clone() Data {
	out := d
	if d.Dest != nil {
		dest := *d.Dest
		out.Dest = &dest
	}
	out.Action.Params = maps.Clone(d.Action.Params)
	return out
}

// Clone returns a deep-enough copy of the envelope.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.Data = m.Data.Clone()
	return &out
}

// Param returns an action parameter and whether it was present.
func (d *Data) Param(name string) (any, bool) {
	v, ok := d.Action.Params[name]
	return v, ok
}

// StringParam returns a string parameter or "".
func (d *Data) StringParam(name string) string {
	v, _ := d.Action.Params[name].(string)
	return v
}

// IntParam returns a numeric parameter as int. JSON numbers decode as
// float64, so both are accepted.
func (d *Data) IntParam(name string) (int, bool) {
	switch v := d.Action.Params[name].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
