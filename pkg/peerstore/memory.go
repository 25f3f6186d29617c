package peerstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sagibrant/mimic/pkg/channel"
)

const memoryLogPrefix = "peerstore:memory"

// MemoryStore keeps peers for the life of the process.
type MemoryStore struct {
	mu    sync.RWMutex
	peers map[string]*Peer
	now   func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{peers: make(map[string]*Peer), now: time.Now}
}

func (s *MemoryStore) Touch(_ context.Context, client channel.ClientInfo) (bool, error) {
	if client.ID == "" {
		return false, fmt.Errorf("%s - peer without id", memoryLogPrefix)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if p, ok := s.peers[client.ID]; ok {
		p.Name = client.Name
		p.Version = client.Version
		p.LastSeen = now
		p.Connects++
		return true, nil
	}
	s.peers[client.ID] = &Peer{
		ID:        client.ID,
		Name:      client.Name,
		Type:      client.Type,
		Version:   client.Version,
		FirstSeen: now,
		LastSeen:  now,
		Connects:  1,
	}
	return false, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.peers[id]
	if !ok {
		return nil, fmt.Errorf("%s - %s: %w", memoryLogPrefix, id, ErrNotFound)
	}
	out := *p
	return &out, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Peer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastSeen.Equal(out[j].LastSeen) {
			return out[i].LastSeen.After(out[j].LastSeen)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) Forget(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.peers[id]
	delete(s.peers, id)
	return ok, nil
}
