package main

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/rtid"
)

func TestParseContentArgs(t *testing.T) {
	a, err := parseContentArgs([]string{"--tab", "4", "--version", "1.0.0"})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	if a.Tab != 4 || a.Frame != 0 || a.Version != "1.0.0" {
		t.Errorf("%s - content args = %+v", mainTestPrefix, a)
	}
	a, err = parseContentArgs([]string{"--tab=2", "--frame=3"})
	if err != nil || a.Frame != 3 {
		t.Errorf("%s - frame args = %+v, %v", mainTestPrefix, a, err)
	}

	for name, args := range map[string][]string{
		"no tab":         {"--frame", "1"},
		"negative frame": {"--tab", "1", "--frame", "-2"},
		"unknown flag":   {"--tab", "1", "--bogus"},
	} {
		if _, err := parseContentArgs(args); err == nil {
			t.Errorf("%s - %s: expected error", mainTestPrefix, name)
		}
	}
}

func TestParseWatchArgs(t *testing.T) {
	a, err := parseWatchArgs([]string{"--name", "recorder"})
	if err != nil {
		t.Fatalf("%s - unexpected error: %v", mainTestPrefix, err)
	}
	if a.Name != "recorder" || a.URL != "ws://127.0.0.1:8080/ws" {
		t.Errorf("%s - watch args = %+v", mainTestPrefix, a)
	}
	if _, err := parseWatchArgs(nil); err == nil {
		t.Errorf("%s - expected error without --name", mainTestPrefix)
	}
}

func TestEventPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := &eventPrinter{id: rtid.ForExternal("recorder"), out: &buf}

	fut, ok := p.Handle(context.Background(), &message.Data{
		Type:   message.DataRecord,
		Action: message.Action{Name: message.ActionCreate, Params: map[string]any{"step": "click"}},
	})
	if !ok {
		t.Fatalf("%s - record event not handled", mainTestPrefix)
	}
	if _, err := fut.Wait(context.Background()); err != nil {
		t.Errorf("%s - record event: %v", mainTestPrefix, err)
	}
	if got := strings.TrimSpace(buf.String()); got != `{"action":"create","params":{"step":"click"},"type":"record"}` {
		t.Errorf("%s - printed %q", mainTestPrefix, got)
	}

	if _, ok := p.Handle(context.Background(), &message.Data{Type: message.DataConfig, Action: message.Action{Name: message.ActionGet}}); ok {
		t.Errorf("%s - config get should not be handled", mainTestPrefix)
	}
}
