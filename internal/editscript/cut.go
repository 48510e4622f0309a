package editscript

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/roach88/rfusync/internal/rfu"
)

// cutLimit replaces an RFU limit by the chain of segments running from its
// start through new vertices to its end. Vertices are ordered by the
// distance of their projection on the limit from its start; a vertex
// projecting onto either end is left out. The segments keep the limit's
// public boundary flag and nature.
func (a *applier) cutLimit(st Step) error {
	_, f, err := a.lookup(rfu.KindEdge.String(), st.ID)
	if err != nil {
		return err
	}
	old := f.(*rfu.Edge)
	start, end := old.Start(), old.End()
	ps, pe := a.proj.Forward(start), a.proj.Forward(end)

	type cut struct {
		fromStart float64
		vertex    *rfu.Vertex
	}
	cuts := []cut{}
	listed := map[string]bool{}
	var last *rfu.Vertex
	for _, ref := range st.At {
		if listed[ref] {
			return fmt.Errorf("ref %q listed twice", ref)
		}
		listed[ref] = true
		v, ok := a.refs[ref]
		if !ok {
			if strings.HasPrefix(ref, "#") {
				return fmt.Errorf("%q: only new vertices cut a limit: %w", ref, ErrNotAllowed)
			}
			return fmt.Errorf("%q: %w", ref, ErrUnknownRef)
		}
		last = v

		onLimit := nearestOnSegment(ps, pe, a.proj.Forward(v.Point))
		fromStart, fromEnd := millimeters(planar.Distance(ps, onLimit)), millimeters(planar.Distance(pe, onLimit))
		if fromStart == 0 || fromEnd == 0 {
			a.logger.Warn("vertex projects onto an end of the limit, not used",
				"ref", ref,
				"id_arc", old.RemoteID)
			continue
		}
		cuts = append(cuts, cut{fromStart: fromStart, vertex: v})
	}
	if len(cuts) == 0 {
		return fmt.Errorf("limit %d: no vertex falls inside it", old.RemoteID)
	}
	sort.SliceStable(cuts, func(i, j int) bool { return cuts[i].fromStart < cuts[j].fromStart })

	creator := st.Creator
	if creator == "" {
		creator = last.Creator
	}
	if err := a.checkCreator(creator); err != nil {
		return err
	}

	chain := make([]orb.Point, 0, len(cuts)+2)
	chain = append(chain, start)
	for _, c := range cuts {
		chain = append(chain, c.vertex.Point)
	}
	chain = append(chain, end)
	for i := 1; i < len(chain); i++ {
		_, err := a.env.Surface.AddEdge(&rfu.Edge{
			Creator:        creator,
			PublicBoundary: old.PublicBoundary,
			NatureType:     old.NatureType,
			Line:           orb.LineString{chain[i-1], chain[i]},
		})
		if err != nil {
			return err
		}
		a.report.Edges++
	}
	if err := a.env.Surface.Remove(rfu.KindEdge, old.LocalID); err != nil {
		return err
	}
	a.report.Removed++
	a.report.Cut++
	return nil
}

// nearestOnSegment returns the point of segment ab closest to p.
func nearestOnSegment(a, b, p orb.Point) orb.Point {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l2 := dx*dx + dy*dy
	if l2 == 0 {
		return a
	}
	t := ((p[0]-a[0])*dx + (p[1]-a[1])*dy) / l2
	t = math.Max(0, math.Min(1, t))
	return orb.Point{a[0] + t*dx, a[1] + t*dy}
}

func millimeters(d float64) float64 {
	return math.Round(d*1000) / 1000
}
