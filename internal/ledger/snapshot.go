// Package ledger tracks what changed in the working collections since the
// last download.
//
// A Snapshot holds the server-delivered baseline of one collection. The
// Ledger accumulates added, removed and modified records per collection
// kind, diffing against the snapshots, and is drained on every successful
// upload or reset.
package ledger

import "github.com/roach88/rfusync/internal/rfu"

// Snapshot is the baseline of one collection keyed by local id.
// It is immutable once captured; a new download replaces it wholesale.
type Snapshot struct {
	kind  rfu.Kind
	items map[rfu.LocalID]rfu.Feature
}

// Capture copies every feature currently in c.
func Capture(c *rfu.Collection) *Snapshot {
	s := &Snapshot{
		kind:  c.Kind(),
		items: make(map[rfu.LocalID]rfu.Feature, c.Len()),
	}
	for _, f := range c.All() {
		s.items[f.ID()] = f.Clone()
	}
	return s
}

// EmptySnapshot returns a baseline with no features.
func EmptySnapshot(kind rfu.Kind) *Snapshot {
	return &Snapshot{kind: kind, items: map[rfu.LocalID]rfu.Feature{}}
}

// Kind returns the kind of the captured collection.
func (s *Snapshot) Kind() rfu.Kind { return s.kind }

// Has reports whether id was present at capture time.
func (s *Snapshot) Has(id rfu.LocalID) bool {
	_, ok := s.items[id]
	return ok
}

// Get returns a copy of the baseline record for id.
func (s *Snapshot) Get(id rfu.LocalID) (rfu.Feature, bool) {
	f, ok := s.items[id]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// Len returns the number of captured features.
func (s *Snapshot) Len() int { return len(s.items) }
