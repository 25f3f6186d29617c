package automation

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/dispatcher"
	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/peerstore"
	"github.com/sagibrant/mimic/pkg/protocol"
	"github.com/sagibrant/mimic/pkg/rtid"
)

type fakeSessions struct {
	mu       sync.Mutex
	attached map[int]bool
	commands []string
	mouse    []protocol.MouseEvent
	keys     []protocol.KeyEvent
	subs     []func(protocol.Notification)
	reply    json.RawMessage
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{attached: make(map[int]bool)}
}

func (f *fakeSessions) AttachTab(_ context.Context, tab int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if tab == 99 {
		return protocol.ErrUnknownTab
	}
	f.attached[tab] = true
	return nil
}

func (f *fakeSessions) DetachTab(_ context.Context, tab int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.attached[tab] {
		return protocol.ErrNotAttached
	}
	delete(f.attached, tab)
	return nil
}

func (f *fakeSessions) SendCommand(_ context.Context, tab int, method string, params json.RawMessage) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.attached[tab] {
		return nil, protocol.ErrNotAttached
	}
	f.commands = append(f.commands, method+" "+string(params))
	return f.reply, nil
}

func (f *fakeSessions) DispatchMouseEvent(_ context.Context, _ int, ev protocol.MouseEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mouse = append(f.mouse, ev)
	return nil
}

func (f *fakeSessions) DispatchKeyEvent(_ context.Context, _ int, ev protocol.KeyEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, ev)
	return nil
}

func (f *fakeSessions) Subscribe(fn func(protocol.Notification)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	idx := len(f.subs) - 1
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.subs[idx] = nil
	}
}

func (f *fakeSessions) emit(n protocol.Notification) {
	f.mu.Lock()
	subs := append([]func(protocol.Notification){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(n)
		}
	}
}

func newAgent(t *testing.T, sessions protocol.SessionManager) (*dispatcher.Dispatcher, *AgentHandler) {
	t.Helper()
	d := dispatcher.New(dispatcher.Options{Name: "background", Timeout: time.Second})
	d.SetPolicy(dispatcher.BackgroundPolicy(d.Table(), nil))
	t.Cleanup(d.Close)

	h := NewAgentHandler(AgentOptions{
		Name:      "agent",
		Settings:  NewSettings(map[string]any{SettingSender: "recorder", SettingTimeout: float64(5000)}),
		Sessions:  sessions,
		Registrar: d,
		Routes:    d.Table(),
		Peers:     peerstore.NewMemoryStore(),
	})
	d.Register(h)
	return d, h
}

func request(typ message.DataType, dest rtid.Rtid, action message.ActionName, params map[string]any) message.Data {
	return message.Data{Type: typ, Dest: &dest, Action: message.Action{Name: action, Params: params}}
}

func TestAgentHandler_ConfigGet(t *testing.T) {
	d, _ := newAgent(t, nil)
	ctx := context.Background()

	got, err := d.SendRequest(ctx, request(message.DataConfig, rtid.Agent(), message.ActionGet, map[string]any{"name": "sender"}), 0)
	require.NoError(t, err)
	assert.Equal(t, message.StatusOK, got.Status)
	assert.Equal(t, map[string]any{"sender": "recorder"}, got.Result)

	all, err := d.SendRequest(ctx, request(message.DataConfig, rtid.Agent(), message.ActionGet, nil), 0)
	require.NoError(t, err)
	assert.Len(t, all.Result, 2)

	_, err = d.SendRequest(ctx, request(message.DataConfig, rtid.Agent(), message.ActionGet, map[string]any{"name": "nope"}), 0)
	assert.Error(t, err)
}

func TestAgentHandler_ConfigSet(t *testing.T) {
	d, h := newAgent(t, nil)
	ctx := context.Background()

	_, err := d.SendRequest(ctx, request(message.DataConfig, rtid.Agent(), message.ActionSet, map[string]any{"sender": "ide", "timeout": float64(250)}), 0)
	require.NoError(t, err)
	assert.Equal(t, "ide", h.Settings().Sender())
	assert.Equal(t, 250*time.Millisecond, h.Settings().Timeout())

	_, err = d.SendRequest(ctx, request(message.DataConfig, rtid.Agent(), message.ActionSet, map[string]any{"sender": "x", "timeout": "soon"}), 0)
	require.Error(t, err)
	assert.Equal(t, "ide", h.Settings().Sender(), "a rejected update changes nothing")
}

func TestAgentHandler_Query(t *testing.T) {
	d, _ := newAgent(t, nil)
	ctx := context.Background()

	pong, err := d.SendRequest(ctx, request(message.DataQuery, rtid.Agent(), message.ActionPing, nil), 0)
	require.NoError(t, err)
	assert.Equal(t, "agent", pong.Result.(map[string]any)["name"])

	routes, err := d.SendRequest(ctx, request(message.DataQuery, rtid.Agent(), message.ActionQuery, map[string]any{"name": "routes"}), 0)
	require.NoError(t, err)
	assert.Empty(t, routes.Result)

	peers, err := d.SendRequest(ctx, request(message.DataQuery, rtid.Agent(), message.ActionQuery, map[string]any{"name": "peers"}), 0)
	require.NoError(t, err)
	assert.Empty(t, peers.Result)

	_, err = d.SendRequest(ctx, request(message.DataQuery, rtid.Agent(), message.ActionQuery, map[string]any{"name": "weather"}), 0)
	assert.Error(t, err)
}

func TestAgentHandler_AttachRegistersTab(t *testing.T) {
	sessions := newFakeSessions()
	sessions.reply = json.RawMessage(`{"frameId":"F1"}`)
	d, _ := newAgent(t, sessions)
	ctx := context.Background()

	_, err := d.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionAttach, map[string]any{"tab": float64(3)}), 0)
	require.NoError(t, err)

	got, err := d.SendRequest(ctx, request(message.DataCommand, rtid.ForTab(3), message.ActionSendCommand, map[string]any{
		"method": "Page.navigate",
		"params": map[string]any{"url": "https://example.com"},
	}), 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"frameId": "F1"}, got.Result)
	assert.Equal(t, []string{`Page.navigate {"url":"https://example.com"}`}, sessions.commands)

	_, err = d.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionDetach, map[string]any{"tab": float64(3)}), 0)
	require.NoError(t, err)

	_, err = d.SendRequest(ctx, request(message.DataCommand, rtid.ForTab(3), message.ActionSendCommand, map[string]any{"method": "Page.reload"}), 0)
	assert.ErrorIs(t, err, dispatcher.ErrNoChannel, "the tab handler is gone after detach")
}

type recordingFrames struct {
	mu     sync.Mutex
	calls  []string
	failOn int
}

func (f *recordingFrames) HostFrame(tab int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "host "+strconv.Itoa(tab))
	if tab == f.failOn {
		return errors.New("no frame for tab")
	}
	return nil
}

func (f *recordingFrames) ReleaseFrame(tab int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "release "+strconv.Itoa(tab))
}

func TestAgentHandler_AttachHostsFrame(t *testing.T) {
	frames := &recordingFrames{failOn: 7}
	d := dispatcher.New(dispatcher.Options{Name: "background", Timeout: time.Second})
	d.SetPolicy(dispatcher.BackgroundPolicy(d.Table(), nil))
	t.Cleanup(d.Close)
	d.Register(NewAgentHandler(AgentOptions{
		Name:      "agent",
		Sessions:  newFakeSessions(),
		Registrar: d,
		Routes:    d.Table(),
		Frames:    frames,
	}))
	ctx := context.Background()

	_, err := d.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionAttach, map[string]any{"tab": float64(3)}), 0)
	require.NoError(t, err)
	_, err = d.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionAttach, map[string]any{"tab": float64(7)}), 0)
	require.NoError(t, err, "a frame host failure does not fail the attach")
	_, err = d.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionDetach, map[string]any{"tab": float64(3)}), 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"host 3", "host 7", "release 3"}, frames.calls)
}

func TestAgentHandler_AttachErrors(t *testing.T) {
	d, _ := newAgent(t, newFakeSessions())
	ctx := context.Background()

	_, err := d.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionAttach, nil), 0)
	assert.Error(t, err, "attach without a tab")

	_, err = d.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionAttach, map[string]any{"tab": float64(99)}), 0)
	var remote *dispatcher.RemoteError
	assert.False(t, errors.As(err, &remote), "local failures are returned directly")
	assert.ErrorIs(t, err, protocol.ErrUnknownTab)

	noBrowser, _ := newAgent(t, nil)
	_, err = noBrowser.SendRequest(ctx, request(message.DataCommand, rtid.Agent(), message.ActionAttach, map[string]any{"tab": float64(1)}), 0)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestTabHandler_InputEvents(t *testing.T) {
	sessions := newFakeSessions()
	h := NewTabHandler(5, sessions)
	ctx := context.Background()
	assert.Equal(t, rtid.ForTab(5), h.Rtid())

	data := request(message.DataCommand, rtid.ForTab(5), message.ActionDispatchMouseEvent, map[string]any{
		"type": "mousePressed", "x": float64(10), "y": float64(20), "button": "left", "clickCount": float64(1),
	})
	fut, ok := h.Handle(ctx, &data)
	require.True(t, ok)
	_, err := fut.Wait(ctx)
	require.NoError(t, err)
	require.Len(t, sessions.mouse, 1)
	assert.Equal(t, protocol.MouseEvent{Type: "mousePressed", X: 10, Y: 20, Button: "left", ClickCount: 1}, sessions.mouse[0])

	data = request(message.DataCommand, rtid.ForTab(5), message.ActionDispatchKeyEvent, map[string]any{"type": "keyDown", "key": "Enter"})
	fut, ok = h.Handle(ctx, &data)
	require.True(t, ok)
	_, err = fut.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Enter", sessions.keys[0].Key)

	data = request(message.DataCommand, rtid.ForTab(5), message.ActionDispatchKeyEvent, map[string]any{"type": "press"})
	fut, ok = h.Handle(ctx, &data)
	require.True(t, ok)
	_, err = fut.Wait(ctx)
	assert.Error(t, err)

	data = request(message.DataConfig, rtid.ForTab(5), message.ActionGet, nil)
	_, ok = h.Handle(ctx, &data)
	assert.False(t, ok, "tab handler declines non-command messages")
}

type recordingSender struct {
	mu     sync.Mutex
	events []message.Data
	err    error
}

func (s *recordingSender) SendEvent(_ context.Context, data message.Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, data)
	return s.err
}

func TestNotificationRelay(t *testing.T) {
	sessions := newFakeSessions()
	sender := &recordingSender{}
	settings := NewSettings(map[string]any{SettingSender: "recorder"})
	relay := NewNotificationRelay(sessions, sender, settings)
	relay.Start()
	relay.Start()

	sessions.emit(protocol.Notification{Kind: protocol.DialogOpened, Tab: 2, Params: map[string]any{"message": "hi"}})
	require.Len(t, sender.events, 1, "double Start subscribes once")
	ev := sender.events[0]
	assert.Equal(t, message.DataRecord, ev.Type)
	assert.Equal(t, message.ActionNotify, ev.Action.Name)
	assert.Equal(t, rtid.ForExternal("recorder"), *ev.Dest)
	assert.Equal(t, "dialog_opened", ev.Action.Params["kind"])

	require.NoError(t, settings.Set(map[string]any{SettingSender: ""}))
	sessions.emit(protocol.Notification{Kind: protocol.DialogClosed, Tab: 2})
	assert.Len(t, sender.events, 1, "no sender configured drops notifications")

	require.NoError(t, settings.Set(map[string]any{SettingSender: "recorder"}))
	sender.err = errors.New("no route")
	sessions.emit(protocol.Notification{Kind: protocol.DialogClosed, Tab: 2})
	assert.Len(t, sender.events, 2, "delivery errors are swallowed")

	relay.Stop()
	sessions.emit(protocol.Notification{Kind: protocol.DialogClosed, Tab: 2})
	assert.Len(t, sender.events, 2)
}

func TestNotificationRelay_ThroughDispatcher(t *testing.T) {
	d, h := newAgent(t, nil)
	sessions := newFakeSessions()
	NewNotificationRelay(sessions, d, h.Settings()).Start()

	got := make(chan *message.Message, 1)
	peer := &eventSink{Base: channel.NewBase("sink", "sink", true, channel.Hooks{}), got: got}
	peer.SetStatus(channel.StatusConnected)
	d.AddRoutingChannel(rtid.ContextExternal, channel.NewExternalClient("recorder", "1.0.0"), peer)

	sessions.emit(protocol.Notification{Kind: protocol.ContextCreated, Tab: 1})
	select {
	case msg := <-got:
		assert.Equal(t, message.TypeEvent, msg.Type)
		assert.Equal(t, "context_created", msg.Data.Action.Params["kind"])
	case <-time.After(time.Second):
		t.Fatal("automation:automation_test - notification not delivered")
	}
}

type eventSink struct {
	*channel.Base
	got chan *message.Message
}

func (s *eventSink) SendEvent(_ context.Context, msg *message.Message) error {
	s.got <- msg
	return nil
}
