package ledger

import (
	"sort"

	"github.com/roach88/rfusync/internal/rfu"
)

// Action is the wire action of a ledger entry.
type Action string

const (
	ActionCreate Action = "create"
	ActionDelete Action = "delete"
	ActionUpdate Action = "update"
)

// Actions lists the ledger buckets in upload order.
var Actions = []Action{ActionCreate, ActionDelete, ActionUpdate}

type buckets struct {
	added    map[rfu.LocalID]rfu.Feature
	removed  map[rfu.LocalID]rfu.Feature
	modified map[rfu.LocalID]rfu.Feature
}

func newBuckets() *buckets {
	return &buckets{
		added:    map[rfu.LocalID]rfu.Feature{},
		removed:  map[rfu.LocalID]rfu.Feature{},
		modified: map[rfu.LocalID]rfu.Feature{},
	}
}

func (b *buckets) get(a Action) map[rfu.LocalID]rfu.Feature {
	switch a {
	case ActionDelete:
		return b.removed
	case ActionUpdate:
		return b.modified
	default:
		return b.added
	}
}

// Ledger accumulates the edits made since the snapshots were captured.
// It implements surface.Listener.
//
// Invariant: a local id appears in at most one bucket of its kind.
type Ledger struct {
	snapshots map[rfu.Kind]*Snapshot
	kinds     map[rfu.Kind]*buckets
}

// New creates a ledger that diffs against the given snapshots.
// Kinds without a snapshot get an empty baseline.
func New(snapshots ...*Snapshot) *Ledger {
	l := &Ledger{
		snapshots: map[rfu.Kind]*Snapshot{},
		kinds:     map[rfu.Kind]*buckets{},
	}
	for _, s := range snapshots {
		l.snapshots[s.Kind()] = s
	}
	for _, k := range rfu.Kinds {
		if l.snapshots[k] == nil {
			l.snapshots[k] = EmptySnapshot(k)
		}
		l.kinds[k] = newBuckets()
	}
	return l
}

// Snapshot returns the baseline for kind.
func (l *Ledger) Snapshot(kind rfu.Kind) *Snapshot { return l.snapshots[kind] }

// RecordAdded stores f in the added bucket, last write wins.
// A feature whose id is part of the baseline cannot be re-added; the
// call is treated as a modification.
func (l *Ledger) RecordAdded(kind rfu.Kind, f rfu.Feature) {
	if l.snapshots[kind].Has(f.ID()) {
		l.RecordModified(kind, f)
		return
	}
	l.kinds[kind].added[f.ID()] = f.Clone()
}

// RecordRemoved forgets any pending add or update of id. If id belongs to
// the baseline, the baseline record is queued for deletion; otherwise the
// feature never existed from the server's point of view.
func (l *Ledger) RecordRemoved(kind rfu.Kind, id rfu.LocalID) {
	b := l.kinds[kind]
	delete(b.added, id)
	delete(b.modified, id)
	if base, ok := l.snapshots[kind].Get(id); ok {
		b.removed[id] = base
	}
}

// RecordModified stores f in the modified bucket. Ids outside the baseline
// are ignored. A record equal to its baseline cancels the pending update.
func (l *Ledger) RecordModified(kind rfu.Kind, f rfu.Feature) {
	base, ok := l.snapshots[kind].Get(f.ID())
	if !ok {
		return
	}
	b := l.kinds[kind]
	if _, removed := b.removed[f.ID()]; removed {
		return
	}
	if f.Equal(base) {
		delete(b.modified, f.ID())
		return
	}
	b.modified[f.ID()] = f.Clone()
}

// OnFeatureAdded implements surface.Listener.
func (l *Ledger) OnFeatureAdded(kind rfu.Kind, f rfu.Feature) { l.RecordAdded(kind, f) }

// OnFeatureRemoved implements surface.Listener.
func (l *Ledger) OnFeatureRemoved(kind rfu.Kind, id rfu.LocalID) { l.RecordRemoved(kind, id) }

// OnFeatureModified implements surface.Listener.
func (l *Ledger) OnFeatureModified(kind rfu.Kind, f rfu.Feature) { l.RecordModified(kind, f) }

// Entries returns the records of one bucket sorted by local id.
func (l *Ledger) Entries(kind rfu.Kind, action Action) []rfu.Feature {
	m := l.kinds[kind].get(action)
	ids := make([]rfu.LocalID, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]rfu.Feature, 0, len(ids))
	for _, id := range ids {
		out = append(out, m[id].Clone())
	}
	return out
}

// Contains reports whether id has a record in the given bucket.
func (l *Ledger) Contains(kind rfu.Kind, action Action, id rfu.LocalID) bool {
	_, ok := l.kinds[kind].get(action)[id]
	return ok
}

// Counts summarizes the ledger content.
type Counts struct {
	VerticesAdded    int `json:"vertices_added"`
	VerticesRemoved  int `json:"vertices_removed"`
	VerticesModified int `json:"vertices_modified"`
	EdgesAdded       int `json:"edges_added"`
	EdgesRemoved     int `json:"edges_removed"`
	EdgesModified    int `json:"edges_modified"`
}

// Total returns the number of records.
func (c Counts) Total() int {
	return c.VerticesAdded + c.VerticesRemoved + c.VerticesModified +
		c.EdgesAdded + c.EdgesRemoved + c.EdgesModified
}

// Counts returns the size of every bucket.
func (l *Ledger) Counts() Counts {
	v, e := l.kinds[rfu.KindVertex], l.kinds[rfu.KindEdge]
	return Counts{
		VerticesAdded:    len(v.added),
		VerticesRemoved:  len(v.removed),
		VerticesModified: len(v.modified),
		EdgesAdded:       len(e.added),
		EdgesRemoved:     len(e.removed),
		EdgesModified:    len(e.modified),
	}
}

// Empty reports whether there is nothing to upload.
func (l *Ledger) Empty() bool { return l.Counts().Total() == 0 }

// Reset drains every bucket. Snapshots are kept.
func (l *Ledger) Reset() {
	for _, k := range rfu.Kinds {
		l.kinds[k] = newBuckets()
	}
}
