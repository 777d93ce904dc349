package broker

import (
	"container/list"
	"sync"
)

// dedupSet is a bounded, insertion-ordered set of recently-seen message ids,
// used to drop envelopes already delivered once (e.g. on reconnect replay).
// Capacity is typically 1000 per the bus's dispatcher rules.
type dedupSet struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedupSet(capacity int) *dedupSet {
	return &dedupSet{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element),
	}
}

// seen reports whether id was already recorded, and records it if not.
func (d *dedupSet) seen(id string) bool {
	if id == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[id]; ok {
		return true
	}

	el := d.order.PushBack(id)
	d.index[id] = el

	if d.order.Len() > d.capacity {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}

	return false
}
