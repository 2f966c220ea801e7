// Package cache provides the bounded in-memory set used to suppress
// duplicate events. Nothing here is persisted; after a restart the set is
// rebuilt from whatever the device reports.
package cache

import "sync"

// Default bounds for a Dedup set.
const (
	DefaultMax  = 2000
	DefaultKeep = 1000
)

// Config for creating a Dedup set.
type Config struct {
	// Max is the upper bound on remembered ids.
	Max int
	// Keep is how many of the most recent ids survive a trim.
	Keep int
}

// Dedup is an insertion-ordered set of ids. When it grows past Max it is
// trimmed to the Keep most recently added ids. Safe for concurrent use.
type Dedup struct {
	mu    sync.Mutex
	max   int
	keep  int
	order []string
	seen  map[string]struct{}
}

// New creates a Dedup set. Zero values fall back to the defaults.
func New(cfg Config) *Dedup {
	if cfg.Max <= 0 {
		cfg.Max = DefaultMax
	}
	if cfg.Keep <= 0 || cfg.Keep > cfg.Max {
		cfg.Keep = cfg.Max / 2
		if cfg.Max == DefaultMax {
			cfg.Keep = DefaultKeep
		}
	}
	return &Dedup{
		max:  cfg.Max,
		keep: cfg.Keep,
		seen: make(map[string]struct{}),
	}
}

// Contains reports whether id has been recorded.
func (d *Dedup) Contains(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[id]
	return ok
}

// Add records id. It returns false when id was already present.
func (d *Dedup) Add(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; ok {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	if len(d.order) > d.max {
		d.trimLocked()
	}
	return true
}

// Remove forgets id so a later Add succeeds again. It reports whether id
// was present.
func (d *Dedup) Remove(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.seen[id]; !ok {
		return false
	}
	delete(d.seen, id)
	for i, v := range d.order {
		if v == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Seen records id and reports whether it had been recorded before.
func (d *Dedup) Seen(id string) bool {
	return !d.Add(id)
}

// Len returns the number of remembered ids.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.order)
}

// Trim enforces the upper bound and returns the number of ids dropped.
func (d *Dedup) Trim() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.order) <= d.max {
		return 0
	}
	return d.trimLocked()
}

func (d *Dedup) trimLocked() int {
	drop := len(d.order) - d.keep
	if drop <= 0 {
		return 0
	}
	for _, id := range d.order[:drop] {
		delete(d.seen, id)
	}
	kept := make([]string, d.keep)
	copy(kept, d.order[drop:])
	d.order = kept
	return drop
}
