package rfu

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkt"
)

// GeometryWKT renders the feature geometry for the geometrie attribute.
// Coordinates use the shortest round-trip form so documents are stable.
func GeometryWKT(f Feature) string {
	switch g := f.Geometry().(type) {
	case orb.Point:
		return "POINT(" + coordWKT(g) + ")"
	case orb.LineString:
		parts := make([]string, len(g))
		for i, p := range g {
			parts[i] = coordWKT(p)
		}
		return "LINESTRING(" + strings.Join(parts, ",") + ")"
	default:
		return wkt.MarshalString(g)
	}
}

func coordWKT(p orb.Point) string {
	return FormatFloat(p[0]) + " " + FormatFloat(p[1])
}

// ParsePoint decodes a vertex geometrie attribute.
func ParsePoint(s string) (orb.Point, error) {
	p, err := wkt.UnmarshalPoint(s)
	if err != nil {
		return orb.Point{}, fmt.Errorf("parse point %q: %w", s, err)
	}
	return p, nil
}

// ParseLine decodes an edge geometrie attribute. Only 2-point lines are accepted.
func ParseLine(s string) (orb.LineString, error) {
	ls, err := wkt.UnmarshalLineString(s)
	if err != nil {
		return nil, fmt.Errorf("parse line %q: %w", s, err)
	}
	if len(ls) != 2 {
		return nil, fmt.Errorf("parse line %q: expected 2 points, got %d", s, len(ls))
	}
	return ls, nil
}
