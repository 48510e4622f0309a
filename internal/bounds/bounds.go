// Package bounds decides which locally created features may be uploaded.
//
// Features created outside the downloaded working area, and edges that
// straddle its boundary, are never sent. They are copied into a quarantine
// for the surveyor to fix by hand.
package bounds

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/roach88/rfusync/internal/ledger"
	"github.com/roach88/rfusync/internal/rfu"
)

// Class is the outcome of a bounds check.
type Class int

const (
	Exportable Class = iota
	OutOfBounds
)

func (c Class) String() string {
	if c == OutOfBounds {
		return "out_of_bounds"
	}
	return "exportable"
}

// Quarantine collection names shown to the surveyor.
const (
	QuarantineVertices = "Sommets hors zone"
	QuarantineEdges    = "Limites hors zone"
)

// WorkingArea is the rectangle downloaded for a session. It is immutable.
type WorkingArea struct {
	// Planar is the rectangle in Web Mercator (EPSG:3857).
	Planar orb.Bound
	// WGS84 is Planar reprojected to lon/lat.
	WGS84 orb.Bound
}

// NewWorkingArea builds the square of half-side radius centered on the
// Web Mercator point center.
func NewWorkingArea(center orb.Point, radius float64) WorkingArea {
	planar := orb.Bound{
		Min: orb.Point{center[0] - radius, center[1] - radius},
		Max: orb.Point{center[0] + radius, center[1] + radius},
	}
	return WorkingArea{
		Planar: planar,
		WGS84: orb.Bound{
			Min: project.Mercator.ToWGS84(planar.Min),
			Max: project.Mercator.ToWGS84(planar.Max),
		},
	}
}

// BBox renders the WGS84 rectangle as xmin,ymin,xmax,ymax.
func (w WorkingArea) BBox() [4]float64 {
	return [4]float64{w.WGS84.Min[0], w.WGS84.Min[1], w.WGS84.Max[0], w.WGS84.Max[1]}
}

// ClassifyVertex is OutOfBounds iff the point is disjoint from the area.
// Points on the boundary are inside.
func ClassifyVertex(v *rfu.Vertex, area WorkingArea) Class {
	if area.WGS84.Contains(v.Point) {
		return Exportable
	}
	return OutOfBounds
}

// ClassifyEdge is OutOfBounds iff the segment is disjoint from the area or
// crosses its boundary. A segment that only touches the boundary from the
// inside or runs along it is exportable.
func ClassifyEdge(e *rfu.Edge, area WorkingArea) Class {
	b := area.WGS84
	a, z := e.Start(), e.End()
	if b.Contains(a) && b.Contains(z) {
		return Exportable
	}
	p, q, ok := clip(a, z, b)
	if !ok {
		return OutOfBounds
	}
	if strictlyInside(midpoint(p, q), b) {
		// Part of the segment is interior while an endpoint is outside.
		return OutOfBounds
	}
	// Only the boundary is touched from outside.
	return Exportable
}

// Partition is the bounds verdict over the added buckets of a ledger.
type Partition struct {
	excluded   map[rfu.Kind]map[rfu.LocalID]bool
	Quarantine *Quarantine
}

// Exportable reports whether an added feature may be uploaded.
func (p *Partition) Exportable(kind rfu.Kind, id rfu.LocalID) bool {
	if p == nil {
		return true
	}
	return !p.excluded[kind][id]
}

// Excluded returns the number of quarantined features.
func (p *Partition) Excluded() int {
	if p == nil || p.Quarantine == nil {
		return 0
	}
	return p.Quarantine.Len()
}

// PartitionLedger classifies every added feature of l against area.
// Removed and modified records are never checked.
func PartitionLedger(l *ledger.Ledger, area WorkingArea) *Partition {
	p := &Partition{excluded: map[rfu.Kind]map[rfu.LocalID]bool{
		rfu.KindVertex: {},
		rfu.KindEdge:   {},
	}}
	for _, kind := range rfu.Kinds {
		for _, f := range l.Entries(kind, ledger.ActionCreate) {
			if classify(f, area) == Exportable {
				continue
			}
			p.excluded[kind][f.ID()] = true
			if p.Quarantine == nil {
				p.Quarantine = newQuarantine()
			}
			p.Quarantine.add(f)
		}
	}
	return p
}

func classify(f rfu.Feature, area WorkingArea) Class {
	switch x := f.(type) {
	case *rfu.Vertex:
		return ClassifyVertex(x, area)
	case *rfu.Edge:
		return ClassifyEdge(x, area)
	}
	return OutOfBounds
}

// Quarantine holds copies of the features left out of an upload.
// Each collection is created on its first exclusion.
type Quarantine struct {
	Vertices *rfu.Collection
	Edges    *rfu.Collection
}

func newQuarantine() *Quarantine { return &Quarantine{} }

func (q *Quarantine) add(f rfu.Feature) {
	var c **rfu.Collection
	if f.Kind() == rfu.KindVertex {
		c = &q.Vertices
	} else {
		c = &q.Edges
	}
	if *c == nil {
		*c = rfu.NewCollection(f.Kind())
	}
	// Local ids are unique per kind, so Insert cannot collide.
	_ = (*c).Insert(f.Clone())
}

// Len returns the number of quarantined features.
func (q *Quarantine) Len() int {
	n := 0
	if q.Vertices != nil {
		n += q.Vertices.Len()
	}
	if q.Edges != nil {
		n += q.Edges.Len()
	}
	return n
}

// clip returns the part of segment a-z inside the closed bound
// (Liang-Barsky). ok is false when they do not intersect.
func clip(a, z orb.Point, b orb.Bound) (orb.Point, orb.Point, bool) {
	dx, dy := z[0]-a[0], z[1]-a[1]
	t0, t1 := 0.0, 1.0
	edges := [4][2]float64{
		{-dx, a[0] - b.Min[0]},
		{dx, b.Max[0] - a[0]},
		{-dy, a[1] - b.Min[1]},
		{dy, b.Max[1] - a[1]},
	}
	for _, pq := range edges {
		p, q := pq[0], pq[1]
		if p == 0 {
			if q < 0 {
				return orb.Point{}, orb.Point{}, false
			}
			continue
		}
		r := q / p
		if p < 0 {
			if r > t1 {
				return orb.Point{}, orb.Point{}, false
			}
			if r > t0 {
				t0 = r
			}
		} else {
			if r < t0 {
				return orb.Point{}, orb.Point{}, false
			}
			if r < t1 {
				t1 = r
			}
		}
	}
	return orb.Point{a[0] + t0*dx, a[1] + t0*dy},
		orb.Point{a[0] + t1*dx, a[1] + t1*dy},
		true
}

func midpoint(p, q orb.Point) orb.Point {
	return orb.Point{(p[0] + q[0]) / 2, (p[1] + q[1]) / 2}
}

func strictlyInside(p orb.Point, b orb.Bound) bool {
	return p[0] > b.Min[0] && p[0] < b.Max[0] && p[1] > b.Min[1] && p[1] < b.Max[1]
}
