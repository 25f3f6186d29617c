package cdpsession

import (
	"context"
	"testing"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagibrant/mimic/pkg/protocol"
)

func TestTranslate(t *testing.T) {
	tests := []struct {
		name   string
		ev     any
		kind   protocol.NotificationKind
		params map[string]any
	}{
		{
			name: "dialog opening",
			ev:   &page.EventJavascriptDialogOpening{URL: "https://example.com", Message: "leave?", Type: page.DialogTypeConfirm},
			kind: protocol.DialogOpened,
			params: map[string]any{
				"url": "https://example.com", "message": "leave?", "type": "confirm", "defaultPrompt": "",
			},
		},
		{
			name:   "dialog closed",
			ev:     &page.EventJavascriptDialogClosed{Result: true, UserInput: "yes"},
			kind:   protocol.DialogClosed,
			params: map[string]any{"result": true, "userInput": "yes"},
		},
		{
			name: "context created",
			ev: &runtime.EventExecutionContextCreated{Context: &runtime.ExecutionContextDescription{
				ID: 7, Origin: "https://example.com", Name: "",
			}},
			kind:   protocol.ContextCreated,
			params: map[string]any{"id": int64(7), "origin": "https://example.com", "name": ""},
		},
		{
			name:   "context destroyed",
			ev:     &runtime.EventExecutionContextDestroyed{ExecutionContextID: 7},
			kind:   protocol.ContextDestroyed,
			params: map[string]any{"id": int64(7)},
		},
		{
			name: "target attached",
			ev: &target.EventAttachedToTarget{SessionID: "s1", TargetInfo: &target.Info{
				TargetID: "t1", Type: "iframe", URL: "https://ads.example.com",
			}},
			kind: protocol.TargetAttached,
			params: map[string]any{
				"sessionId": "s1", "targetId": "t1", "type": "iframe", "url": "https://ads.example.com",
			},
		},
		{
			name:   "target detached",
			ev:     &target.EventDetachedFromTarget{SessionID: "s1"},
			kind:   protocol.TargetDetached,
			params: map[string]any{"sessionId": "s1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := Translate(3, tt.ev)
			require.True(t, ok)
			assert.Equal(t, tt.kind, n.Kind)
			assert.Equal(t, 3, n.Tab)
			assert.Equal(t, tt.params, n.Params)
		})
	}
}

func TestTranslate_Ignored(t *testing.T) {
	_, ok := Translate(1, &page.EventLoadEventFired{})
	assert.False(t, ok)

	_, ok = Translate(1, &runtime.EventExecutionContextCreated{})
	assert.False(t, ok, "context event without a description")
}

func TestTabTable_Sync(t *testing.T) {
	tabs := newTabTable()
	tabs.sync([]*target.Info{
		{TargetID: "A", Type: "page"},
		{TargetID: "W", Type: "service_worker"},
		{TargetID: "B", Type: "page"},
	})
	require.Equal(t, 2, tabs.len())

	id, ok := tabs.target(1)
	require.True(t, ok)
	assert.Equal(t, target.ID("A"), id)
	tab, ok := tabs.tab("B")
	require.True(t, ok)
	assert.Equal(t, 2, tab)

	// A closes, C opens: B keeps its id and C gets a fresh one.
	tabs.sync([]*target.Info{
		{TargetID: "B", Type: "page"},
		{TargetID: "C", Type: "page"},
	})
	_, ok = tabs.target(1)
	assert.False(t, ok)
	tab, _ = tabs.tab("B")
	assert.Equal(t, 2, tab)
	tab, _ = tabs.tab("C")
	assert.Equal(t, 3, tab)
}

func TestManager_SessionErrorsWithoutBrowser(t *testing.T) {
	m := &Manager{
		tabs:     newTabTable(),
		sessions: make(map[int]*tabSession),
		subs:     make(map[int]func(protocol.Notification)),
	}
	ctx := context.Background()

	_, err := m.SendCommand(ctx, 4, "Page.reload", nil)
	assert.ErrorIs(t, err, protocol.ErrNotAttached)
	assert.ErrorIs(t, m.DetachTab(ctx, 4), protocol.ErrNotAttached)
	assert.ErrorIs(t, m.DispatchKeyEvent(ctx, 4, protocol.KeyEvent{Type: "keyDown", Key: "a"}), protocol.ErrNotAttached)
	assert.Error(t, m.DispatchMouseEvent(ctx, 4, protocol.MouseEvent{Type: "hover"}))
	assert.Empty(t, m.Tabs())
}

func TestManager_Subscribe(t *testing.T) {
	m := &Manager{subs: make(map[int]func(protocol.Notification))}
	var got []protocol.Notification
	unsubscribe := m.Subscribe(func(n protocol.Notification) { got = append(got, n) })

	m.publish(protocol.Notification{Kind: protocol.DialogOpened, Tab: 1})
	unsubscribe()
	m.publish(protocol.Notification{Kind: protocol.DialogClosed, Tab: 1})

	require.Len(t, got, 1)
	assert.Equal(t, protocol.DialogOpened, got[0].Kind)
}
