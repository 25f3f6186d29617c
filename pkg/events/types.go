// Package events defines event types and publisher interfaces for routing change events.
package events

import (
	"time"

	"github.com/sagibrant/mimic/pkg/routing"
	"github.com/sagibrant/mimic/pkg/rtid"
)

// RoutingChangedEvent is emitted when a peer's route is added, replaced or
// removed.
type RoutingChangedEvent struct {
	Agent      string             `json:"agent"`
	Kind       routing.ChangeKind `json:"kind"`
	Context    rtid.Context       `json:"context"`
	ClientID   string             `json:"clientId"`
	ClientName string             `json:"clientName,omitempty"`
	Version    string             `json:"version,omitempty"`
	Tab        int                `json:"tab"`
	Frame      int                `json:"frame"`
	ChannelID  string             `json:"channelId"`
	// Known is set on additions when the peer store has seen the client before.
	Known     bool   `json:"known,omitempty"`
	Timestamp string `json:"timestamp"`
}

// FromChange builds the event for a routing table change.
func FromChange(agent string, c routing.Change) *RoutingChangedEvent {
	return &RoutingChangedEvent{
		Agent:      agent,
		Kind:       c.Kind,
		Context:    c.Context,
		ClientID:   c.Client.ID,
		ClientName: c.Client.Name,
		Version:    c.Client.Version,
		Tab:        c.Client.Tab,
		Frame:      c.Client.Frame,
		ChannelID:  c.ChannelID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
}
