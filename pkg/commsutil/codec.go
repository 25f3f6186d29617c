package commsutil

import (
	"encoding/json"
	"fmt"

	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
)

const codecLogPrefix = "commsutil:codec"

// HeaderClient carries the sender's ClientInfo as JSON.
const HeaderClient = "Mimic-Client"

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewEnvelopeMsg builds a NATS message carrying m, stamped with the
// sender identity.
func NewEnvelopeMsg(subject string, m *message.Message, from channel.ClientInfo) (*comms.Msg, error) {
	raw, err := message.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("%s - encode envelope: %w", codecLogPrefix, err)
	}
	client, err := EncodePayload(from)
	if err != nil {
		return nil, fmt.Errorf("%s - encode sender: %w", codecLogPrefix, err)
	}
	msg := comms.NewMsg(subject)
	msg.Data = raw
	msg.Header.Set(HeaderClient, string(client))
	return msg, nil
}

// DecodeEnvelopeMsg validates the envelope in msg and recovers the sender.
// A missing or unreadable sender header yields an anonymous external peer.
func DecodeEnvelopeMsg(msg *comms.Msg) (*message.Message, channel.ClientInfo, error) {
	m, err := message.Decode(msg.Data)
	if err != nil {
		return nil, channel.ClientInfo{}, err
	}
	sender := channel.NewExternalClient("anonymous", "")
	if h := msg.Header.Get(HeaderClient); h != "" {
		var info channel.ClientInfo
		if err := DecodePayload([]byte(h), &info); err == nil && info.ID != "" {
			sender = info
		}
	}
	return m, sender, nil
}
