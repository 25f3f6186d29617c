package message

import (
	"encoding/json"
	"fmt"
)

// InvalidError is the rejection variant of Decode/Validate.
type InvalidError struct {
	Reason string
}

func (e *InvalidError) Error() string {
	return "invalid message: " + e.Reason
}

func invalid(format string, args ...any) *InvalidError {
	return &InvalidError{Reason: fmt.Sprintf(format, args...)}
}

// Encode serializes an envelope to its wire form.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses and validates a wire envelope. Any failure is returned as
// an *InvalidError.
func Decode(raw []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, invalid("malformed JSON: %v", err)
	}
	if err := Validate(&m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the envelope shape and the closed enumerations.
func Validate(m *Message) error {
	if m == nil {
		return invalid("nil message")
	}
	switch m.Type {
	case TypeEvent:
		if m.SyncID != "" {
			return invalid("event carries syncId %q", m.SyncID)
		}
	case TypeRequest, TypeResponse:
		if m.SyncID == "" {
			return invalid("%s without syncId", m.Type)
		}
	default:
		return invalid("unknown message type %q", m.Type)
	}
	if m.UID == "" {
		return invalid("missing uid")
	}
	return ValidateData(&m.Data)
}

// ValidateData checks a payload.
func ValidateData(d *Data) error {
	switch d.Type {
	case DataConfig, DataQuery, DataCommand, DataRecord:
	default:
		return invalid("unknown data type %q", d.Type)
	}
	if d.Dest == nil {
		return invalid("missing dest")
	}
	if !d.Dest.Context.Valid() {
		return invalid("unknown dest context %q", d.Dest.Context)
	}
	if !actionNames[d.Action.Name] {
		return invalid("unknown action %q", d.Action.Name)
	}
	switch d.Status {
	case "", StatusOK, StatusError:
	default:
		return invalid("unknown status %q", d.Status)
	}
	return nil
}
