package notify

import (
	"sort"
	"sync"
	"time"
)

const (
	defaultDebounceWindow = 30 * time.Minute
	defaultDebounceCap    = 4096
)

// Debouncer suppresses repeats of a key within a window while bounding the
// number of tracked keys. It is safe for concurrent use.
type Debouncer struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	cap    int
}

// DebouncerOption configures a Debouncer.
type DebouncerOption func(*Debouncer)

// WithDebounceCap sets the maximum number of tracked keys.
func WithDebounceCap(cap int) DebouncerOption {
	return func(d *Debouncer) {
		d.cap = cap
	}
}

// NewDebouncer constructs a debouncer. A non-positive window disables suppression.
func NewDebouncer(window time.Duration, opts ...DebouncerOption) *Debouncer {
	d := &Debouncer{
		seen:   make(map[string]time.Time),
		window: window,
		cap:    defaultDebounceCap,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.cap < 0 {
		d.cap = 0
	}
	return d
}

// Allow reports whether key may fire at now and, if so, starts a new window.
func (d *Debouncer) Allow(key string, now time.Time) bool {
	if d.window <= 0 {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked(now)
	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.seen[key] = now
	if d.cap > 0 && len(d.seen) > d.cap {
		d.enforceCapLocked()
	}
	return true
}

// Len returns the number of tracked keys.
func (d *Debouncer) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Debouncer) pruneLocked(now time.Time) {
	for key, last := range d.seen {
		if now.Sub(last) >= d.window {
			delete(d.seen, key)
		}
	}
}

func (d *Debouncer) enforceCapLocked() {
	type entry struct {
		key  string
		last time.Time
	}
	entries := make([]entry, 0, len(d.seen))
	for key, last := range d.seen {
		entries = append(entries, entry{key: key, last: last})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].last.Before(entries[j].last)
	})
	excess := len(d.seen) - d.cap
	for i := 0; i < excess && i < len(entries); i++ {
		delete(d.seen, entries[i].key)
	}
}
