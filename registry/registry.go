// Package registry holds the set of subscriptions a Client has declared,
// independent of whatever Connection happens to be live. It is consulted
// once per (re)connect to replay the full desired state, and diffed on
// every mutation so only the delta is sent to an already-live connection.
package registry

import "sync"

// Category names one of the three feed categories a Registry tracks.
type Category int

const (
	Markets Category = iota
	Tickers
	Summary
)

func (c Category) String() string {
	switch c {
	case Markets:
		return "markets"
	case Tickers:
		return "tickers"
	case Summary:
		return "summary"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of a Registry at one point in time.
type Snapshot struct {
	Markets map[string]struct{}
	Tickers map[string]struct{}
	Summary bool
}

func newSnapshot() Snapshot {
	return Snapshot{
		Markets: make(map[string]struct{}),
		Tickers: make(map[string]struct{}),
	}
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

// Diff describes what must be subscribed and unsubscribed to move a
// connection from a previous Snapshot to the current one.
type Diff struct {
	ToSubscribeMarkets   []string
	ToUnsubscribeMarkets []string
	ToSubscribeTickers   []string
	ToUnsubscribeTickers []string
	SummaryChanged       bool
	SummaryOn            bool
}

// Registry is safe for concurrent use: subscribe calls may arrive from a
// caller goroutine while the Facade's dispatch loop reads a Snapshot from a
// different goroutine.
type Registry struct {
	mu      sync.RWMutex
	markets map[string]struct{}
	tickers map[string]struct{}
	summary bool
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		markets: make(map[string]struct{}),
		tickers: make(map[string]struct{}),
	}
}

func (r *Registry) setFor(c Category) *map[string]struct{} {
	switch c {
	case Markets:
		return &r.markets
	case Tickers:
		return &r.tickers
	default:
		return nil
	}
}

// Add unions items into category c's set. Idempotent: adding an item
// already present is a no-op for that item.
func (r *Registry) Add(c Category, items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.setFor(c)
	if set == nil {
		return
	}
	for _, item := range items {
		(*set)[item] = struct{}{}
	}
}

// Remove deletes items from category c's set. Removing an absent item is a
// no-op.
func (r *Registry) Remove(c Category, items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.setFor(c)
	if set == nil {
		return
	}
	for _, item := range items {
		delete(*set, item)
	}
}

// Replace atomically assigns category c's set to exactly items, discarding
// whatever was there before.
func (r *Registry) Replace(c Category, items []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.setFor(c)
	if set == nil {
		return
	}
	fresh := make(map[string]struct{}, len(items))
	for _, item := range items {
		fresh[item] = struct{}{}
	}
	*set = fresh
}

// SetSummary turns the summary feed on or off.
func (r *Registry) SetSummary(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summary = on
}

// Snapshot returns a deep copy of the current registry state.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Snapshot{
		Markets: cloneSet(r.markets),
		Tickers: cloneSet(r.tickers),
		Summary: r.summary,
	}
}

// Diff computes the additions and removals needed to move from prev to the
// current Registry state.
func (r *Registry) Diff(prev Snapshot) Diff {
	cur := r.Snapshot()

	d := Diff{}
	for m := range cur.Markets {
		if _, ok := prev.Markets[m]; !ok {
			d.ToSubscribeMarkets = append(d.ToSubscribeMarkets, m)
		}
	}
	for m := range prev.Markets {
		if _, ok := cur.Markets[m]; !ok {
			d.ToUnsubscribeMarkets = append(d.ToUnsubscribeMarkets, m)
		}
	}
	for t := range cur.Tickers {
		if _, ok := prev.Tickers[t]; !ok {
			d.ToSubscribeTickers = append(d.ToSubscribeTickers, t)
		}
	}
	for t := range prev.Tickers {
		if _, ok := cur.Tickers[t]; !ok {
			d.ToUnsubscribeTickers = append(d.ToUnsubscribeTickers, t)
		}
	}
	if cur.Summary != prev.Summary {
		d.SummaryChanged = true
		d.SummaryOn = cur.Summary
	}

	return d
}

// EmptySnapshot returns a zero-value Snapshot, suitable as the "prev" value
// when computing the diff for a full initial subscribe.
func EmptySnapshot() Snapshot {
	return newSnapshot()
}
