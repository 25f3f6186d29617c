package dispatcher

import (
	"sync"

	"github.com/sagibrant/mimic/pkg/channel"
)

// outbox runs the sends queued for one channel in order, on a goroutine
// that exists only while the queue is non-empty.
type outbox struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (o *outbox) push(fn func()) {
	o.mu.Lock()
	o.queue = append(o.queue, fn)
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()
	go o.drain()
}

func (o *outbox) drain() {
	for {
		o.mu.Lock()
		if len(o.queue) == 0 {
			o.running = false
			o.mu.Unlock()
			return
		}
		fn := o.queue[0]
		o.queue[0] = nil
		o.queue = o.queue[1:]
		o.mu.Unlock()
		fn()
	}
}

// enqueue hands a forward to ch's outbox so a slow or stale destination
// never blocks the reader that delivered the message.
func (d *Dispatcher) enqueue(ch channel.Channel, fn func()) {
	d.mu.Lock()
	o, ok := d.outboxes[ch.ID()]
	if !ok {
		o = &outbox{}
		d.outboxes[ch.ID()] = o
	}
	d.mu.Unlock()
	o.push(fn)
}
