package cdpsession

import (
	"sync"

	"github.com/chromedp/cdproto/target"
)

// tabTable assigns stable integer tab ids to page targets in first-seen
// order.
type tabTable struct {
	mu       sync.RWMutex
	byTab    map[int]target.ID
	byTarget map[target.ID]int
	next     int
}

func newTabTable() *tabTable {
	return &tabTable{
		byTab:    make(map[int]target.ID),
		byTarget: make(map[target.ID]int),
		next:     1,
	}
}

// sync records every page target in infos and forgets ids whose target
// is gone.
func (t *tabTable) sync(infos []*target.Info) {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if info.Type != "page" {
			continue
		}
		live[info.TargetID] = true
		if _, ok := t.byTarget[info.TargetID]; ok {
			continue
		}
		t.byTab[t.next] = info.TargetID
		t.byTarget[info.TargetID] = t.next
		t.next++
	}
	for id, tab := range t.byTarget {
		if !live[id] {
			delete(t.byTarget, id)
			delete(t.byTab, tab)
		}
	}
}

func (t *tabTable) target(tab int) (target.ID, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byTab[tab]
	return id, ok
}

func (t *tabTable) tab(id target.ID) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tab, ok := t.byTarget[id]
	return tab, ok
}

func (t *tabTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byTab)
}
