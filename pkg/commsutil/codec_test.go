package commsutil

import (
	"testing"

	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/rtid"
)

func TestEncodePayload(t *testing.T) {
	tests := []struct {
		name    string
		input   any
		want    string
		wantErr bool
	}{
		{name: "map", input: map[string]string{"key": "value"}, want: `{"key":"value"}`},
		{name: "nil", input: nil, want: "null"},
		{name: "channel is not serializable", input: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodePayload(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if got := string(data); got != tt.want {
				t.Errorf("commsutil:codec_test - EncodePayload() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnvelopeMsg_CarriesSender(t *testing.T) {
	dest := rtid.ForTab(4)
	req := message.NewRequest(message.Data{
		Type:   message.DataCommand,
		Dest:   &dest,
		Action: message.Action{Name: message.ActionAttach},
	}, "sync-9")
	from := channel.NewExternalClient("recorder", "2.1.0")

	msg, err := NewEnvelopeMsg("mimic.agent", req, from)
	if err != nil {
		t.Fatalf("commsutil:codec_test - NewEnvelopeMsg: %v", err)
	}
	if msg.Subject != "mimic.agent" {
		t.Errorf("commsutil:codec_test - subject = %q", msg.Subject)
	}

	got, sender, err := DecodeEnvelopeMsg(msg)
	if err != nil {
		t.Fatalf("commsutil:codec_test - DecodeEnvelopeMsg: %v", err)
	}
	if got.SyncID != "sync-9" || got.Data.Dest.Tab != 4 {
		t.Errorf("commsutil:codec_test - envelope = %+v", got)
	}
	if sender.ID != from.ID || sender.Version != "2.1.0" {
		t.Errorf("commsutil:codec_test - sender = %+v", sender)
	}
}

func TestDecodeEnvelopeMsg_Anonymous(t *testing.T) {
	dest := rtid.Agent()
	raw, _ := message.Encode(message.NewEvent(message.Data{Type: message.DataRecord, Dest: &dest, Action: message.Action{Name: message.ActionNotify}}))
	msg := &comms.Msg{Subject: "x", Data: raw}

	_, sender, err := DecodeEnvelopeMsg(msg)
	if err != nil {
		t.Fatalf("commsutil:codec_test - DecodeEnvelopeMsg: %v", err)
	}
	if sender.Name != "anonymous" || sender.Type != rtid.ContextExternal {
		t.Errorf("commsutil:codec_test - sender = %+v", sender)
	}
}

func TestDecodeEnvelopeMsg_Invalid(t *testing.T) {
	if _, _, err := DecodeEnvelopeMsg(&comms.Msg{Data: []byte(`{"type":"event"}`)}); err == nil {
		t.Error("commsutil:codec_test - expected validation error")
	}
}
