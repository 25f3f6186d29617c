package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTopology(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "topology.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("bootstrap:loader_test - write: %v", err)
	}
	return path
}

func TestGetDefaultTopology(t *testing.T) {
	cfg := GetDefaultTopology()
	if cfg.Version != "1.0.0" {
		t.Errorf("bootstrap:loader_test - expected version 1.0.0, got %s", cfg.Version)
	}
	if cfg.Settings["timeout"] != float64(5000) {
		t.Errorf("bootstrap:loader_test - default timeout = %v", cfg.Settings["timeout"])
	}
	if cfg.ChangeEvents.Global != "mimic.routing.changed" {
		t.Errorf("bootstrap:loader_test - global subject = %q", cfg.ChangeEvents.Global)
	}
}

func TestLoadTopology_ExplicitPath(t *testing.T) {
	path := writeTopology(t, `{
		"name": "lab",
		"peers": {
			"recorder": {"transport": "ws", "minVersion": "1.2.0"},
			"ide": {"transport": "nats", "natsUrl": "nats://10.0.0.5:4222", "subject": "ide.inbox"}
		},
		"settings": {"sender": "recorder"}
	}`)
	t.Setenv("TOPOLOGY_FILE", "")

	cfg, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("bootstrap:loader_test - unexpected error: %v", err)
	}
	if cfg.Name != "lab" || cfg.Version != "1.0.0" {
		t.Errorf("bootstrap:loader_test - name/version = %s/%s", cfg.Name, cfg.Version)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("bootstrap:loader_test - peers = %d, want 2", len(cfg.Peers))
	}
	if cfg.Settings["sender"] != "recorder" || cfg.Settings["timeout"] != float64(5000) {
		t.Errorf("bootstrap:loader_test - settings not merged over defaults: %v", cfg.Settings)
	}
}

func TestLoadTopology_EnvAndFallback(t *testing.T) {
	path := writeTopology(t, `{"name": "from-env", "peers": {}}`)
	t.Setenv("TOPOLOGY_FILE", path)

	cfg, _ := LoadTopology(filepath.Join(t.TempDir(), "missing.json"))
	if cfg.Name != "from-env" {
		t.Errorf("bootstrap:loader_test - name = %q, want from-env", cfg.Name)
	}

	t.Setenv("TOPOLOGY_FILE", "")
	cfg, _ = LoadTopology(writeTopology(t, `{not json`))
	if cfg.Name != "mimic-default" {
		t.Errorf("bootstrap:loader_test - broken file should fall back, got %q", cfg.Name)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		peers   map[string]PeerConfig
		wantErr bool
	}{
		{name: "ok", peers: map[string]PeerConfig{"recorder": {Transport: "ws", MinVersion: "2"}}},
		{name: "bad name", peers: map[string]PeerConfig{"1rec": {Transport: "ws"}}, wantErr: true},
		{name: "bad transport", peers: map[string]PeerConfig{"rec": {Transport: "carrier-pigeon"}}, wantErr: true},
		{name: "bad version", peers: map[string]PeerConfig{"rec": {Transport: "nats", MinVersion: "^1"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&TopologyConfig{Peers: tt.peers})
			if (err != nil) != tt.wantErr {
				t.Errorf("bootstrap:loader_test - err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreateResolvedTopology(t *testing.T) {
	cfg := GetDefaultTopology()
	cfg.Peers["recorder"] = PeerConfig{Transport: TransportWS, MinVersion: "1.4.0"}
	cfg.Peers["ide"] = PeerConfig{Transport: TransportNATS}
	rt := CreateResolvedTopology(cfg)

	if names := rt.PeerNames(); len(names) != 2 || names[0] != "ide" {
		t.Errorf("bootstrap:loader_test - names = %v", names)
	}
	if c := rt.Constraint("recorder", "^1.0.0"); c != ">= 1.4.0" {
		t.Errorf("bootstrap:loader_test - recorder constraint = %q", c)
	}
	if c := rt.Constraint("ide", "^1.0.0"); c != "^1.0.0" {
		t.Errorf("bootstrap:loader_test - ide constraint = %q", c)
	}
	if rt.Peer("ghost") != nil {
		t.Error("bootstrap:loader_test - unknown peer should be nil")
	}

	s := rt.Settings()
	s["sender"] = "mutated"
	if rt.Settings()["sender"] != "" {
		t.Error("bootstrap:loader_test - Settings must return a copy")
	}
}
