package natschan

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"
)

const poolLogPrefix = "natschan:pool"

// Pool manages persistent connections to peers hosted on other NATS
// servers, keyed by alias.
type Pool struct {
	mu          sync.RWMutex
	connections map[string]*pooledConnection
	name        string
}

type pooledConnection struct {
	nc          *comms.Conn
	alias       string
	url         string
	connectedAt time.Time
}

// PoolEntry describes a pooled connection.
type PoolEntry struct {
	Alias       string    `json:"alias"`
	URL         string    `json:"url"`
	Connected   bool      `json:"connected"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// NewPool creates an empty pool. name prefixes client connection names.
func NewPool(name string) *Pool {
	return &Pool{
		connections: make(map[string]*pooledConnection),
		name:        name,
	}
}

// Get returns the live connection for alias, connecting to url when there
// is none or the previous one dropped.
func (p *Pool) Get(alias, url string) (*comms.Conn, error) {
	p.mu.RLock()
	if pc, ok := p.connections[alias]; ok && pc.url == url && pc.nc.IsConnected() {
		p.mu.RUnlock()
		return pc.nc, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if pc, ok := p.connections[alias]; ok && pc.url == url && pc.nc.IsConnected() {
		return pc.nc, nil
	}

	if pc, ok := p.connections[alias]; ok {
		pc.nc.Close()
		delete(p.connections, alias)
	}

	slog.Info(fmt.Sprintf("%s - Connecting to remote NATS alias=%s url=%s", poolLogPrefix, alias, url))
	nc, err := comms.Connect(url,
		comms.Name(fmt.Sprintf("%s-peer-%s", p.name, alias)),
		comms.MaxReconnects(5),
		comms.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("%s - connect %s: %w", poolLogPrefix, alias, err)
	}

	p.connections[alias] = &pooledConnection{
		nc:          nc,
		alias:       alias,
		url:         url,
		connectedAt: time.Now(),
	}
	return nc, nil
}

// Entries lists the pooled connections sorted by alias.
func (p *Pool) Entries() []PoolEntry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PoolEntry, 0, len(p.connections))
	for _, pc := range p.connections {
		out = append(out, PoolEntry{
			Alias:       pc.alias,
			URL:         pc.url,
			Connected:   pc.nc.IsConnected(),
			ConnectedAt: pc.connectedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out
}

// CloseAll closes all pooled connections.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for alias, pc := range p.connections {
		slog.Info(fmt.Sprintf("%s - Closing pooled connection alias=%s", poolLogPrefix, alias))
		pc.nc.Close()
	}
	p.connections = make(map[string]*pooledConnection)
}
