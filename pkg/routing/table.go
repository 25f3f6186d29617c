// Package routing keeps the per-dispatcher mapping from context category
// to the peers currently reachable in it.
package routing

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/sagibrant/mimic/pkg/channel"
	"github.com/sagibrant/mimic/pkg/rtid"
)

const logPrefix = "routing:table"

// Route is one reachable peer and the channel that reaches it.
type Route struct {
	Client  channel.ClientInfo
	Channel channel.Channel
}

func (r Route) samePair(clientID, channelID string) bool {
	return r.Client.ID == clientID && r.Channel.ID() == channelID
}

// ChangeKind describes a table mutation.
type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeReplaced ChangeKind = "replaced"
	ChangeRemoved  ChangeKind = "removed"
)

// Change is reported to the OnChange hook after every mutation.
type Change struct {
	Kind      ChangeKind
	Context   rtid.Context
	Client    channel.ClientInfo
	ChannelID string
}

// Table maps a context category to an ordered list of routes. A
// (client.ID, channel.ID) pair appears at most once.
type Table struct {
	mu     sync.RWMutex
	routes map[rtid.Context][]Route
	// OnChange, when set, is called after each mutation outside the lock.
	OnChange func(Change)
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{routes: make(map[rtid.Context][]Route)}
}

// Add inserts a route. A duplicate pair is a stale reconnect: the old
// entry is replaced in place, a warning is logged, and the replaced route
// is returned.
func (t *Table) Add(key rtid.Context, client channel.ClientInfo, ch channel.Channel) (replaced *Route) {
	route := Route{Client: client, Channel: ch}

	t.mu.Lock()
	list := t.routes[key]
	for i, r := range list {
		if r.samePair(client.ID, ch.ID()) {
			old := r
			list[i] = route
			replaced = &old
			break
		}
	}
	if replaced == nil {
		t.routes[key] = append(list, route)
	}
	hook := t.OnChange
	t.mu.Unlock()

	kind := ChangeAdded
	if replaced != nil {
		kind = ChangeReplaced
		slog.Warn(fmt.Sprintf("%s - duplicate route %s client=%s channel=%s replaced", logPrefix, key, client.ID, ch.ID()))
	} else {
		slog.Debug(fmt.Sprintf("%s - added route %s client=%s channel=%s", logPrefix, key, client.ID, ch.ID()))
	}
	if hook != nil {
		hook(Change{Kind: kind, Context: key, Client: client, ChannelID: ch.ID()})
	}
	return replaced
}

// Remove deletes exactly the (client, channel) pair under key and reports
// whether it was present.
func (t *Table) Remove(key rtid.Context, client channel.ClientInfo, ch channel.Channel) bool {
	t.mu.Lock()
	list := t.routes[key]
	kept := make([]Route, 0, len(list))
	removed := false
	for _, r := range list {
		if r.samePair(client.ID, ch.ID()) {
			removed = true
			continue
		}
		kept = append(kept, r)
	}
	if len(kept) == 0 {
		delete(t.routes, key)
	} else {
		t.routes[key] = kept
	}
	hook := t.OnChange
	t.mu.Unlock()

	if removed {
		slog.Debug(fmt.Sprintf("%s - removed route %s client=%s channel=%s", logPrefix, key, client.ID, ch.ID()))
		if hook != nil {
			hook(Change{Kind: ChangeRemoved, Context: key, Client: client, ChannelID: ch.ID()})
		}
	}
	return removed
}

// Routes returns a copy of the routes under key.
func (t *Table) Routes(key rtid.Context) []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Route, len(t.routes[key]))
	copy(out, t.routes[key])
	return out
}

// Find returns the first route under key matching pred.
func (t *Table) Find(key rtid.Context, pred func(Route) bool) (Route, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.routes[key] {
		if pred(r) {
			return r, true
		}
	}
	return Route{}, false
}

// Len returns the number of routes under key.
func (t *Table) Len(key rtid.Context) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.routes[key])
}

// RouteInfo is the serializable view of a route.
type RouteInfo struct {
	Context rtid.Context       `json:"context"`
	Client  channel.ClientInfo `json:"client"`
	Channel string             `json:"channel"`
	Status  channel.Status     `json:"status"`
}

// Snapshot lists every route for status reporting.
func (t *Table) Snapshot() []RouteInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []RouteInfo
	for _, key := range []rtid.Context{rtid.ContextMain, rtid.ContextContent, rtid.ContextBackground, rtid.ContextExternal} {
		for _, r := range t.routes[key] {
			out = append(out, RouteInfo{
				Context: key,
				Client:  r.Client,
				Channel: r.Channel.Name(),
				Status:  r.Channel.Status(),
			})
		}
	}
	return out
}
