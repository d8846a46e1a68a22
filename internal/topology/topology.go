// Package topology holds the client's view of cluster membership.
//
// A Topology value is immutable once published. Reference swaps whole
// snapshots and only ever moves forward: an update whose id is not newer than
// the current one is dropped.
package topology

import (
	"slices"
	"sync/atomic"
)

// Topology is one published cluster view.
type Topology struct {
	ID      int32
	Servers []string
}

// Clone returns a copy that does not share the server slice.
func (t Topology) Clone() Topology {
	return Topology{ID: t.ID, Servers: slices.Clone(t.Servers)}
}

// Reference is the single current topology shared by every operation.
type Reference struct {
	current atomic.Pointer[Topology]
	subs    atomic.Pointer[[]func(Topology)]
}

// NewReference seeds a reference with initial.
func NewReference(initial Topology) *Reference {
	r := &Reference{}
	snap := initial.Clone()
	r.current.Store(&snap)
	return r
}

// Current returns the current snapshot. Callers must not mutate Servers.
func (r *Reference) Current() Topology {
	if p := r.current.Load(); p != nil {
		return *p
	}
	return Topology{}
}

// ID returns the current topology id.
func (r *Reference) ID() int32 { return r.Current().ID }

// Publish installs next if its id is newer than the current one. It reports
// whether next was installed.
func (r *Reference) Publish(next Topology) bool {
	snap := next.Clone()
	for {
		cur := r.current.Load()
		if cur != nil && snap.ID <= cur.ID {
			return false
		}
		if r.current.CompareAndSwap(cur, &snap) {
			r.notify(snap)
			return true
		}
	}
}

// OnChange registers fn to run after every successful Publish.
func (r *Reference) OnChange(fn func(Topology)) {
	for {
		cur := r.subs.Load()
		var next []func(Topology)
		if cur != nil {
			next = slices.Clone(*cur)
		}
		next = append(next, fn)
		if r.subs.CompareAndSwap(cur, &next) {
			return
		}
	}
}

func (r *Reference) notify(t Topology) {
	subs := r.subs.Load()
	if subs == nil {
		return
	}
	for _, fn := range *subs {
		fn(t)
	}
}
