// Package peerstore remembers the peers that have connected to the agent,
// so a restarting peer can be recognized and resumed.
package peerstore

import (
	"context"
	"errors"
	"time"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/rtid"
)

// ErrNotFound is returned when a peer id is unknown.
var ErrNotFound = errors.New("peer not found")

// Peer is a remembered peer.
type Peer struct {
	ID        string       `json:"id"`
	Name      string       `json:"name,omitempty"`
	Type      rtid.Context `json:"type"`
	Version   string       `json:"version,omitempty"`
	FirstSeen time.Time    `json:"firstSeen"`
	LastSeen  time.Time    `json:"lastSeen"`
	Connects  int          `json:"connects"`
}

// Store persists known peers.
type Store interface {
	// Touch records a connection from client and reports whether the peer
	// was known before.
	Touch(ctx context.Context, client channel.ClientInfo) (known bool, err error)
	Get(ctx context.Context, id string) (*Peer, error)
	// List returns every peer, most recently seen first.
	List(ctx context.Context) ([]Peer, error)
	// Forget deletes a peer and reports whether it existed.
	Forget(ctx context.Context, id string) (bool, error)
}
