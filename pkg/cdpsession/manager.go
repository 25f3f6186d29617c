// Package cdpsession implements the protocol session manager over a
// remote Chrome DevTools endpoint with chromedp.
package cdpsession

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/mailru/easyjson"

	"github.com/sagibrant/mimic/pkg/protocol"
)

const logPrefix = "cdpsession:manager"

type tabSession struct {
	targetID target.ID
	ctx      context.Context
	cancel   context.CancelFunc
}

// Manager attaches to tabs of a browser reachable at a DevTools URL.
type Manager struct {
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	tabs *tabTable

	mu       sync.Mutex
	sessions map[int]*tabSession

	subMu   sync.RWMutex
	subs    map[int]func(protocol.Notification)
	nextSub int
}

var _ protocol.SessionManager = (*Manager)(nil)

// New connects to the browser at cdpURL (ws:// or http:// DevTools
// endpoint).
func New(ctx context.Context, cdpURL string) (*Manager, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), cdpURL)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	m := &Manager{
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          newTabTable(),
		sessions:      make(map[int]*tabSession),
		subs:          make(map[int]func(protocol.Notification)),
	}

	if err := chromedp.Run(browserCtx); err != nil {
		m.Close()
		return nil, fmt.Errorf("%s - connect %s: %w", logPrefix, cdpURL, err)
	}
	if err := m.refresh(ctx); err != nil {
		m.Close()
		return nil, err
	}
	slog.Info(fmt.Sprintf("%s - Connected to %s (%d tabs)", logPrefix, cdpURL, m.tabs.len()))
	return m, nil
}

// Close detaches every tab and drops the browser connection.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[int]*tabSession)
	m.mu.Unlock()
	for _, s := range sessions {
		s.cancel()
	}
	m.browserCancel()
	m.allocCancel()
}

func (m *Manager) refresh(ctx context.Context) error {
	infos, err := chromedp.Targets(m.browserCtx)
	if err != nil {
		return fmt.Errorf("%s - list targets: %w", logPrefix, err)
	}
	m.tabs.sync(infos)
	return nil
}

// Tabs lists the attached tab ids in ascending order.
func (m *Manager) Tabs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.sessions))
	for tab := range m.sessions {
		out = append(out, tab)
	}
	sort.Ints(out)
	return out
}

// AttachTab opens a session on tab's page target and starts relaying its
// notifications. Attaching an attached tab is a no-op.
func (m *Manager) AttachTab(ctx context.Context, tab int) error {
	m.mu.Lock()
	_, attached := m.sessions[tab]
	m.mu.Unlock()
	if attached {
		return nil
	}

	id, ok := m.tabs.target(tab)
	if !ok {
		if err := m.refresh(ctx); err != nil {
			return err
		}
		if id, ok = m.tabs.target(tab); !ok {
			return fmt.Errorf("%s - tab %d: %w", logPrefix, tab, protocol.ErrUnknownTab)
		}
	}

	tabCtx, cancel := chromedp.NewContext(m.browserCtx, chromedp.WithTargetID(id))
	chromedp.ListenTarget(tabCtx, func(ev any) {
		n, ok := Translate(tab, ev)
		if !ok {
			return
		}
		m.mu.Lock()
		s, live := m.sessions[tab]
		m.mu.Unlock()
		if live && s.targetID == id {
			m.publish(n)
		}
	})
	if err := chromedp.Run(tabCtx); err != nil {
		cancel()
		return fmt.Errorf("%s - attach tab %d: %w", logPrefix, tab, err)
	}

	m.mu.Lock()
	if _, raced := m.sessions[tab]; raced {
		m.mu.Unlock()
		cancel()
		return nil
	}
	m.sessions[tab] = &tabSession{targetID: id, ctx: tabCtx, cancel: cancel}
	m.mu.Unlock()

	slog.Info(fmt.Sprintf("%s - Attached tab %d target=%s", logPrefix, tab, id))
	m.publish(protocol.Notification{Kind: protocol.TargetAttached, Tab: tab, Params: map[string]any{"targetId": string(id)}})
	return nil
}

// DetachTab ends the session on tab. The page itself stays open.
func (m *Manager) DetachTab(ctx context.Context, tab int) error {
	m.mu.Lock()
	s, ok := m.sessions[tab]
	delete(m.sessions, tab)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s - tab %d: %w", logPrefix, tab, protocol.ErrNotAttached)
	}

	c := chromedp.FromContext(s.ctx)
	if c != nil && c.Target != nil && c.Browser != nil {
		err := target.DetachFromTarget().WithSessionID(c.Target.SessionID).Do(cdp.WithExecutor(ctx, c.Browser))
		if err != nil {
			slog.Warn(fmt.Sprintf("%s - detach tab %d: %v", logPrefix, tab, err))
		}
	}

	slog.Info(fmt.Sprintf("%s - Detached tab %d", logPrefix, tab))
	m.publish(protocol.Notification{Kind: protocol.TargetDetached, Tab: tab, Params: map[string]any{"targetId": string(s.targetID)}})
	return nil
}

func (m *Manager) session(tab int) (*tabSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[tab]
	if !ok {
		return nil, fmt.Errorf("%s - tab %d: %w", logPrefix, tab, protocol.ErrNotAttached)
	}
	return s, nil
}

// run executes action on tab's session, bounded by ctx.
func (m *Manager) run(ctx context.Context, tab int, action chromedp.ActionFunc) error {
	s, err := m.session(tab)
	if err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, action)
}

// SendCommand executes a raw protocol method on tab.
func (m *Manager) SendCommand(ctx context.Context, tab int, method string, params json.RawMessage) (json.RawMessage, error) {
	var in easyjson.Marshaler
	if len(params) > 0 {
		raw := easyjson.RawMessage(params)
		in = &raw
	}
	var out easyjson.RawMessage
	err := m.run(ctx, tab, func(ctx context.Context) error {
		return cdp.Execute(ctx, method, in, &out)
	})
	if err != nil {
		return nil, fmt.Errorf("%s - %s on tab %d: %w", logPrefix, method, tab, err)
	}
	return json.RawMessage(out), nil
}

// DispatchMouseEvent sends a mouse event to tab.
func (m *Manager) DispatchMouseEvent(ctx context.Context, tab int, ev protocol.MouseEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	p := input.DispatchMouseEvent(input.MouseType(ev.Type), ev.X, ev.Y).
		WithModifiers(input.Modifier(ev.Modifiers))
	if ev.Button != "" {
		p = p.WithButton(input.MouseButton(ev.Button))
	}
	if ev.ClickCount > 0 {
		p = p.WithClickCount(int64(ev.ClickCount))
	}
	return m.run(ctx, tab, p.Do)
}

// DispatchKeyEvent sends a key event to tab.
func (m *Manager) DispatchKeyEvent(ctx context.Context, tab int, ev protocol.KeyEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	p := input.DispatchKeyEvent(input.KeyType(ev.Type)).
		WithModifiers(input.Modifier(ev.Modifiers))
	if ev.Key != "" {
		p = p.WithKey(ev.Key)
	}
	if ev.Code != "" {
		p = p.WithCode(ev.Code)
	}
	if ev.Text != "" {
		p = p.WithText(ev.Text)
	}
	return m.run(ctx, tab, p.Do)
}

// Subscribe registers fn for every notification.
func (m *Manager) Subscribe(fn func(protocol.Notification)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) publish(n protocol.Notification) {
	m.subMu.RLock()
	fns := make([]func(protocol.Notification), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.RUnlock()
	for _, fn := range fns {
		fn(n)
	}
}
