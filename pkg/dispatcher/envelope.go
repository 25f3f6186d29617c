// Package dispatcher decides, for every inbound or outbound message,
// whether to serve it with a local handler or forward it to the peer
// context that owns its destination, and correlates requests with their
// responses.
package dispatcher

import (
	"errors"
	"fmt"

	"github.com/sagibrant/mimic/pkg/message"
)

var (
	// ErrNoChannel is an addressing failure: no channel can reach the
	// destination. It fails the single call, not the dispatcher.
	ErrNoChannel = errors.New("no channel for destination")
	// ErrTimeout means the peer did not answer in time. It is distinct
	// from ErrDelivery so callers can tell slow from unreachable.
	ErrTimeout = errors.New("request timed out")
	// ErrDelivery wraps transport-level send failures.
	ErrDelivery = errors.New("delivery failed")
	// ErrClosed is returned for calls pending when the dispatcher closes.
	ErrClosed = errors.New("dispatcher closed")
	// ErrSyncIDExhausted is returned when no unused syncId could be
	// generated within maxSyncIDAttempts.
	ErrSyncIDExhausted = errors.New("could not allocate a unique syncId")
)

// RemoteError is a structured ERROR response from a peer.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "remote error: " + e.Message
}

// okData builds the payload of a successful locally handled call.
func okData(req message.Data, result any) *message.Data {
	out := req.Clone()
	out.Status = message.StatusOK
	out.Result = result
	out.Error = ""
	return &out
}

// replyData turns a response envelope into the caller's result.
func replyData(resp *message.Message) (*message.Data, error) {
	if resp == nil {
		return nil, fmt.Errorf("%s - %w: empty response", logPrefix, ErrDelivery)
	}
	if resp.Data.Status == message.StatusError {
		return nil, &RemoteError{Message: resp.Data.Error}
	}
	data := resp.Data
	return &data, nil
}
