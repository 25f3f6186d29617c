package bootstrap

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/sagibrant/mimic/pkg/semver"
)

const logPrefix = "bootstrap:loader"

// LoadTopology loads the topology from file paths or environment.
// It tries paths in order: first any paths passed in, then TOPOLOGY_FILE env, then defaults.
// A file that is missing, unparsable or invalid is skipped.
func LoadTopology(paths ...string) (*TopologyConfig, error) {
	all := make([]string, 0, len(paths)+3)
	for _, p := range paths {
		if p != "" {
			all = append(all, p)
		}
	}
	if envPath := os.Getenv("TOPOLOGY_FILE"); envPath != "" {
		all = append(all, envPath)
	}
	all = append(all, "config/topology.json", "topology.json")

	for _, p := range all {
		data, err := os.ReadFile(p)
		if err != nil {
			continue
		}

		var cfg TopologyConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Failed to parse topology file %s: %v", logPrefix, p, err))
			continue
		}
		if err := Validate(&cfg); err != nil {
			slog.Warn(fmt.Sprintf("%s - Invalid topology file %s: %v", logPrefix, p, err))
			continue
		}

		slog.Info(fmt.Sprintf("%s - Loaded topology from %s (%d peers)", logPrefix, p, len(cfg.Peers)))
		return MergeTopologies(GetDefaultTopology(), &cfg), nil
	}

	slog.Info(fmt.Sprintf("%s - Using default topology", logPrefix))
	return GetDefaultTopology(), nil
}

// GetDefaultTopology returns the embedded fallback topology.
func GetDefaultTopology() *TopologyConfig {
	return &TopologyConfig{
		Name:        "mimic-default",
		Version:     "1.0.0",
		Description: "Default agent topology",
		Peers:       map[string]PeerConfig{},
		Settings: map[string]any{
			"sender":  "",
			"timeout": float64(5000),
		},
		ChangeEvents: ChangeEventSubjects{
			Global:  "mimic.routing.changed",
			Pattern: "mimic.routing.changed.{context}.{client}",
		},
	}
}

// Validate checks peer names, transports and minimum versions.
func Validate(cfg *TopologyConfig) error {
	for name, p := range cfg.Peers {
		if !semver.ValidatePeerName(name) {
			return fmt.Errorf("%s - invalid peer name %q", logPrefix, name)
		}
		switch p.Transport {
		case TransportNATS, TransportWS:
		default:
			return fmt.Errorf("%s - peer %s: unknown transport %q", logPrefix, name, p.Transport)
		}
		if p.MinVersion != "" && !semver.IsExactVersion(p.MinVersion) && !semver.IsMajorOnly(p.MinVersion) {
			return fmt.Errorf("%s - peer %s: invalid minVersion %q", logPrefix, name, p.MinVersion)
		}
	}
	return nil
}

// CreateResolvedTopology builds a ResolvedTopology for fast lookups.
func CreateResolvedTopology(cfg *TopologyConfig) *ResolvedTopology {
	peers := make(map[string]*PeerConfig, len(cfg.Peers))
	for name, p := range cfg.Peers {
		pc := p
		peers[name] = &pc
	}
	settings := make(map[string]any, len(cfg.Settings))
	for k, v := range cfg.Settings {
		settings[k] = v
	}
	return &ResolvedTopology{
		name:         cfg.Name,
		version:      cfg.Version,
		peers:        peers,
		settings:     settings,
		changeEvents: cfg.ChangeEvents,
	}
}

// MergeTopologies merges an override topology into a base topology.
func MergeTopologies(base, override *TopologyConfig) *TopologyConfig {
	merged := *base
	if override.Name != "" {
		merged.Name = override.Name
	}
	if override.Version != "" {
		merged.Version = override.Version
	}
	if override.Description != "" {
		merged.Description = override.Description
	}

	merged.Peers = make(map[string]PeerConfig, len(base.Peers)+len(override.Peers))
	for name, p := range base.Peers {
		merged.Peers[name] = p
	}
	for name, p := range override.Peers {
		merged.Peers[name] = p
	}

	merged.Settings = make(map[string]any, len(base.Settings)+len(override.Settings))
	for k, v := range base.Settings {
		merged.Settings[k] = v
	}
	for k, v := range override.Settings {
		merged.Settings[k] = v
	}

	if override.ChangeEvents.Global != "" {
		merged.ChangeEvents.Global = override.ChangeEvents.Global
	}
	if override.ChangeEvents.Pattern != "" {
		merged.ChangeEvents.Pattern = override.ChangeEvents.Pattern
	}
	return &merged
}
