// Package dedup suppresses duplicate ingress events.
//
// The MT5 side fires its webhook from more than one hook point, so the
// same lifecycle event can arrive twice within a few hundred
// milliseconds. Any event whose (kind, ticket, symbol) key was seen less
// than the window ago is dropped; the ingress still answers 200 so the
// EA does not retry. Events older than the window are never dropped.
package dedup

import (
	"sync"
	"time"

	"copybridge/pkg/types"
)

// DefaultWindow is the suppression window when none is configured.
const DefaultWindow = 1500 * time.Millisecond

type key struct {
	kind   types.EventKind
	ticket int64
	symbol string
}

// Filter is the process-wide duplicate suppressor.
type Filter struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[key]time.Time
	now    func() time.Time // injectable for tests
}

// NewFilter creates a filter with the given window; zero or negative
// falls back to DefaultWindow.
func NewFilter(window time.Duration) *Filter {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Filter{
		window: window,
		seen:   make(map[key]time.Time),
		now:    time.Now,
	}
}

// ShouldProcess reports whether the event is the first of its key inside
// the window and records the sighting when it is.
func (f *Filter) ShouldProcess(kind types.EventKind, ticket int64, symbol string) bool {
	k := key{kind: kind, ticket: ticket, symbol: symbol}
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	if last, ok := f.seen[k]; ok && now.Sub(last) < f.window {
		return false
	}
	f.seen[k] = now
	return true
}

// Prune drops entries older than 4× the window so the map doesn't grow
// with ticket churn.
func (f *Filter) Prune() {
	cutoff := f.now().Add(-4 * f.window)

	f.mu.Lock()
	defer f.mu.Unlock()
	for k, t := range f.seen {
		if t.Before(cutoff) {
			delete(f.seen, k)
		}
	}
}

// Run prunes periodically until ctx is done.
func (f *Filter) Run(done <-chan struct{}) {
	ticker := time.NewTicker(4 * f.window)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			f.Prune()
		}
	}
}
