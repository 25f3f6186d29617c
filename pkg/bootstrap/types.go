// Package bootstrap loads the agent topology: the external peers the agent
// knows about and the default agent settings.
package bootstrap

import (
	"sort"

	"github.com/sagibrant/mimic/pkg/semver"
)

// Peer transports.
const (
	TransportNATS = "nats"
	TransportWS   = "ws"
)

// PeerConfig describes one external peer.
type PeerConfig struct {
	Transport string `json:"transport"`
	// NatsUrl is set for peers behind another NATS server; empty means the
	// agent's own connection.
	NatsUrl     string `json:"natsUrl,omitempty"`
	Subject     string `json:"subject,omitempty"`
	MinVersion  string `json:"minVersion,omitempty"`
	Description string `json:"description,omitempty"`
}

// TopologyConfig is the root topology configuration.
type TopologyConfig struct {
	Name        string                `json:"name"`
	Version     string                `json:"version"`
	Description string                `json:"description,omitempty"`
	Peers       map[string]PeerConfig `json:"peers"`
	// Settings seeds the agent settings served by config get/set.
	Settings     map[string]any      `json:"settings,omitempty"`
	ChangeEvents ChangeEventSubjects `json:"changeEventSubjects"`
}

// ChangeEventSubjects defines routing change event subjects.
type ChangeEventSubjects struct {
	Global  string `json:"global"`
	Pattern string `json:"pattern"`
}

// ResolvedTopology provides fast lookup of configured peers.
type ResolvedTopology struct {
	name         string
	version      string
	peers        map[string]*PeerConfig
	settings     map[string]any
	changeEvents ChangeEventSubjects
}

// Peer returns the configured peer, or nil.
func (rt *ResolvedTopology) Peer(name string) *PeerConfig {
	return rt.peers[name]
}

// PeerNames lists configured peers in name order.
func (rt *ResolvedTopology) PeerNames() []string {
	names := make([]string, 0, len(rt.peers))
	for name := range rt.peers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Constraint returns the version constraint for a peer: its own minimum
// version when configured, otherwise fallback.
func (rt *ResolvedTopology) Constraint(name, fallback string) string {
	if p := rt.peers[name]; p != nil && p.MinVersion != "" {
		return semver.MinVersionConstraint(p.MinVersion)
	}
	return fallback
}

// Settings returns a copy of the default agent settings.
func (rt *ResolvedTopology) Settings() map[string]any {
	out := make(map[string]any, len(rt.settings))
	for k, v := range rt.settings {
		out[k] = v
	}
	return out
}

// GlobalChangeSubject returns the global routing change subject.
func (rt *ResolvedTopology) GlobalChangeSubject() string {
	return rt.changeEvents.Global
}

// Name returns the topology name.
func (rt *ResolvedTopology) Name() string {
	return rt.name
}

// Version returns the topology version.
func (rt *ResolvedTopology) Version() string {
	return rt.version
}
