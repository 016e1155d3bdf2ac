package bus

import (
	"sync"
	"time"
)

// Dedupe is a TTL keyed-seen cache. Push delivery is at-least-once, so
// listeners run every notification's stable key through one of these before
// acting on it.
//
// Entries expire after the TTL and are pruned lazily on each check; a max
// size bounds memory when a backend floods.
type Dedupe struct {
	mu      sync.Mutex
	seen    map[string]int64 // key -> unix millis
	ttl     time.Duration
	maxSize int
}

func NewDedupe(ttl time.Duration, maxSize int) *Dedupe {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Dedupe{
		seen:    make(map[string]int64, 64),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether key was already recorded within the TTL window, and
// records it if not.
func (d *Dedupe) Seen(key string) bool {
	now := time.Now().UnixMilli()
	cutoff := now - d.ttl.Milliseconds()

	d.mu.Lock()
	defer d.mu.Unlock()

	if ts, ok := d.seen[key]; ok && ts >= cutoff {
		return true
	}

	d.prune(cutoff)
	d.seen[key] = now
	return false
}

// Forget drops key so the next delivery of it is treated as fresh. Used when
// the action behind a key is undone and a deliberate redo must get through.
func (d *Dedupe) Forget(key string) {
	d.mu.Lock()
	delete(d.seen, key)
	d.mu.Unlock()
}

// prune drops expired entries, then evicts arbitrarily if still over the
// size cap. Caller holds d.mu.
func (d *Dedupe) prune(cutoff int64) {
	for k, ts := range d.seen {
		if ts < cutoff {
			delete(d.seen, k)
		}
	}
	if d.maxSize > 0 && len(d.seen) >= d.maxSize {
		excess := len(d.seen) - d.maxSize + 1
		for k := range d.seen {
			if excess <= 0 {
				break
			}
			delete(d.seen, k)
			excess--
		}
	}
}
