package channel

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/rtid"
)

func TestDisconnect_Idempotent(t *testing.T) {
	closes := 0
	b := NewBase("c1", "test", false, Hooks{Close: func() error { closes++; return nil }})
	b.SetStatus(StatusConnected)

	notified := 0
	b.OnDisconnect(func(string) { notified++ })

	b.Disconnect("bye")
	b.Disconnect("bye again")

	if notified != 1 {
		t.Errorf("channel:base_test - disconnect notifications = %d, want 1", notified)
	}
	if closes != 1 {
		t.Errorf("channel:base_test - transport closes = %d, want 1", closes)
	}
	if b.Status() != StatusDisconnected {
		t.Errorf("channel:base_test - Status = %q, want disconnected", b.Status())
	}
}

func TestDisconnect_ReasonFromLastError(t *testing.T) {
	b := NewBase("c1", "test", false, Hooks{})
	b.SetStatus(StatusConnected)
	b.SetError(errors.New("port closed by peer"))

	var got string
	b.OnDisconnect(func(reason string) { got = reason })
	b.Disconnect("")

	if got != "port closed by peer" {
		t.Errorf("channel:base_test - reason = %q, want last transport error", got)
	}
}

func TestStartListening_RegistersOnce(t *testing.T) {
	listens, unlistens := 0, 0
	b := NewBase("c1", "test", false, Hooks{
		Listen:   func() error { listens++; return nil },
		Unlisten: func() { unlistens++ },
	})

	for i := 0; i < 3; i++ {
		if err := b.StartListening(); err != nil {
			t.Fatalf("channel:base_test - StartListening failed: %v", err)
		}
	}
	if listens != 1 {
		t.Errorf("channel:base_test - Listen hook calls = %d, want 1", listens)
	}

	b.StopListening()
	b.StopListening()
	if unlistens != 1 {
		t.Errorf("channel:base_test - Unlisten hook calls = %d, want 1", unlistens)
	}

	if err := b.StartListening(); err != nil {
		t.Fatalf("channel:base_test - StartListening after stop failed: %v", err)
	}
	if listens != 2 {
		t.Errorf("channel:base_test - Listen hook calls after restart = %d, want 2", listens)
	}
}

func TestStartListening_Error(t *testing.T) {
	b := NewBase("c1", "test", false, Hooks{Listen: func() error { return errors.New("no transport") }})

	if err := b.StartListening(); err == nil {
		t.Fatal("channel:base_test - expected error")
	}
	if b.Listening() {
		t.Error("channel:base_test - failed listen should not mark the channel listening")
	}
}

func TestOnMessage_Unsubscribe(t *testing.T) {
	b := NewBase("c1", "test", false, Hooks{})
	var calls int32
	unsub := b.OnMessage(func(*message.Message, ClientInfo, ResponseFunc) { atomic.AddInt32(&calls, 1) })
	b.OnMessage(func(*message.Message, ClientInfo, ResponseFunc) { atomic.AddInt32(&calls, 1) })

	dest := rtid.Agent()
	msg := message.NewEvent(message.Data{Type: message.DataRecord, Dest: &dest, Action: message.Action{Name: message.ActionNotify}})

	b.Emit(msg, ClientInfo{}, nil)
	unsub()
	b.Emit(msg, ClientInfo{}, nil)

	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("channel:base_test - listener calls = %d, want 3", got)
	}
	if b.MessageListeners() != 1 {
		t.Errorf("channel:base_test - MessageListeners = %d, want 1", b.MessageListeners())
	}
}

func TestBase_UnsupportedSends(t *testing.T) {
	b := NewBase("c1", "test", true, Hooks{})
	ctx := context.Background()

	if err := b.PostMessage(ctx, nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("channel:base_test - PostMessage err = %v, want ErrNotSupported", err)
	}
	if err := b.SendEvent(ctx, nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("channel:base_test - SendEvent err = %v, want ErrNotSupported", err)
	}
	if _, err := b.SendRequest(ctx, nil); !errors.Is(err, ErrNotSupported) {
		t.Errorf("channel:base_test - SendRequest err = %v, want ErrNotSupported", err)
	}
	if err := b.CheckConnected(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("channel:base_test - CheckConnected err = %v, want ErrNotConnected", err)
	}
}

func TestPing(t *testing.T) {
	attempts := 0
	ok := Ping(context.Background(), "flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("dropped")
		}
		return nil
	})
	if !ok || attempts != 2 {
		t.Errorf("channel:base_test - Ping = %v after %d attempts, want true after 2", ok, attempts)
	}

	attempts = 0
	ok = Ping(context.Background(), "dead", func(ctx context.Context) error {
		attempts++
		<-ctx.Done()
		return ctx.Err()
	})
	if ok || attempts != PingAttempts {
		t.Errorf("channel:base_test - Ping = %v after %d attempts, want false after %d", ok, attempts, PingAttempts)
	}
}

func TestReconnect(t *testing.T) {
	attempts := 0
	start := time.Now()
	err := Reconnect(context.Background(), ReconnectOptions{MinDelay: 20 * time.Millisecond}, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("refused")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("channel:base_test - Reconnect failed: %v", err)
	}
	if attempts != 3 {
		t.Errorf("channel:base_test - attempts = %d, want 3", attempts)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("channel:base_test - elapsed %v, want at least two MinDelay waits", elapsed)
	}
}

func TestReconnect_Deadline(t *testing.T) {
	err := Reconnect(context.Background(), ReconnectOptions{MinDelay: 10 * time.Millisecond, Deadline: 50 * time.Millisecond}, func(context.Context) error {
		return errors.New("refused")
	})
	if !errors.Is(err, ErrReconnectGaveUp) {
		t.Errorf("channel:base_test - err = %v, want ErrReconnectGaveUp", err)
	}
}

func TestClientID_Deterministic(t *testing.T) {
	a := NewFrameClient(rtid.ContextContent, 3, 0)
	b := NewFrameClient(rtid.ContextContent, 3, 0)
	c := NewFrameClient(rtid.ContextContent, 3, 1)

	if a.ID != b.ID {
		t.Error("channel:base_test - same identity should give the same id")
	}
	if a.ID == c.ID {
		t.Error("channel:base_test - different frames should give different ids")
	}
	if NewExternalClient("app", "1.0.0").ID != ClientID(ExternalIdentity("app")) {
		t.Error("channel:base_test - external id should derive from its name")
	}
}
