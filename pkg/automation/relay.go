package automation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sagibrant/mimic/pkg/message"
	"github.com/sagibrant/mimic/pkg/protocol"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const relayLogPrefix = "automation:relay"

// relaySendTimeout bounds a relayed event when the timeout setting is unset.
const relaySendTimeout = 2 * time.Second

// EventSender sends one event through the dispatcher.
type EventSender interface {
	SendEvent(ctx context.Context, data message.Data) error
}

// NotificationRelay forwards browser notifications to the external peer
// named by the sender setting. Delivery is best effort.
type NotificationRelay struct {
	sessions protocol.SessionManager
	sender   EventSender
	settings *Settings

	mu          sync.Mutex
	unsubscribe func()
}

// NewNotificationRelay creates a relay; call Start to subscribe.
func NewNotificationRelay(sessions protocol.SessionManager, sender EventSender, settings *Settings) *NotificationRelay {
	return &NotificationRelay{sessions: sessions, sender: sender, settings: settings}
}

// Start subscribes to session notifications. Calling it twice is a no-op.
func (r *NotificationRelay) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		return
	}
	r.unsubscribe = r.sessions.Subscribe(r.relay)
}

// Stop unsubscribes.
func (r *NotificationRelay) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *NotificationRelay) relay(n protocol.Notification) {
	peer := r.settings.Sender()
	if peer == "" {
		slog.Debug(fmt.Sprintf("%s - no sender configured, dropped %s", relayLogPrefix, n.Kind))
		return
	}
	dest := rtid.ForExternal(peer)
	data := message.Data{
		Type: message.DataRecord,
		Dest: &dest,
		Action: message.Action{
			Name: message.ActionNotify,
			Params: map[string]any{
				"kind":   string(n.Kind),
				"tab":    n.Tab,
				"params": n.Params,
			},
		},
	}
	timeout := r.settings.Timeout()
	if timeout <= 0 {
		timeout = relaySendTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := r.sender.SendEvent(ctx, data); err != nil {
		slog.Warn(fmt.Sprintf("%s - %s to %s: %v", relayLogPrefix, n.Kind, peer, err))
	}
}
