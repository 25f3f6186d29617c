package automation

import (
	"fmt"
	"maps"
	"sync"
	"time"
)

// Well-known agent settings.
const (
	SettingSender  = "sender"
	SettingTimeout = "timeout"
)

// Settings is the agent's mutable configuration, read and written through
// config get/set.
type Settings struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewSettings copies defaults into a new Settings.
func NewSettings(defaults map[string]any) *Settings {
	s := &Settings{values: make(map[string]any, len(defaults))}
	for k, v := range defaults {
		s.values[k] = v
	}
	return s
}

// Get returns one setting.
func (s *Settings) Get(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Snapshot returns a copy of every setting.
func (s *Settings) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.values)
}

// Set applies updates atomically. Known settings are type-checked; a bad
// value rejects the whole update.
func (s *Settings) Set(updates map[string]any) error {
	for k, v := range updates {
		if err := checkSetting(k, v); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.values[k] = v
	}
	return nil
}

func checkSetting(name string, v any) error {
	switch name {
	case SettingSender:
		if _, ok := v.(string); !ok {
			return fmt.Errorf("%s - setting %q must be a string", handlerLogPrefix, name)
		}
	case SettingTimeout:
		if _, ok := toMillis(v); !ok {
			return fmt.Errorf("%s - setting %q must be a non-negative number of milliseconds", handlerLogPrefix, name)
		}
	}
	return nil
}

// Sender is the external peer that receives notifications.
func (s *Settings) Sender() string {
	v, _ := s.Get(SettingSender)
	name, _ := v.(string)
	return name
}

// Timeout is the request timeout setting, or 0 when unset.
func (s *Settings) Timeout() time.Duration {
	v, _ := s.Get(SettingTimeout)
	ms, _ := toMillis(v)
	return time.Duration(ms) * time.Millisecond
}

func toMillis(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), n >= 0
	case int:
		return int64(n), n >= 0
	case int64:
		return n, n >= 0
	}
	return 0, false
}
