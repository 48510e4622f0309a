// Package surface is the editing surface over the two working collections.
//
// Every mutation is reported synchronously to a Listener, which is how the
// ledger learns about edits.
package surface

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"

	"github.com/roach88/rfusync/internal/rfu"
)

// ErrDuplicateVertex is returned when a new vertex would coincide with an
// existing one.
var ErrDuplicateVertex = errors.New("duplicate vertex")

// DuplicateError reports the vertex a rejected new vertex coincides with.
type DuplicateError struct {
	Existing *rfu.Vertex
}

func (e *DuplicateError) Error() string {
	if e.Existing.RemoteID.Known() {
		return fmt.Sprintf("same position as RFU vertex %d: %s", e.Existing.RemoteID, ErrDuplicateVertex)
	}
	return fmt.Sprintf("same position as new vertex %d: %s", e.Existing.LocalID, ErrDuplicateVertex)
}

func (e *DuplicateError) Unwrap() error { return ErrDuplicateVertex }

// ErrInvalidEdge is returned for edges that are not 2-point lines.
var ErrInvalidEdge = errors.New("edge must have exactly 2 distinct points")

// Listener receives every edit made through a Surface.
type Listener interface {
	OnFeatureAdded(kind rfu.Kind, f rfu.Feature)
	OnFeatureRemoved(kind rfu.Kind, id rfu.LocalID)
	OnFeatureModified(kind rfu.Kind, f rfu.Feature)
}

// Surface applies edits to the working collections.
type Surface struct {
	collections map[rfu.Kind]*rfu.Collection
	listener    Listener
	logger      *slog.Logger
}

// Option configures a Surface.
type Option func(*Surface)

// WithLogger sets the logger used for near-point notices.
func WithLogger(l *slog.Logger) Option {
	return func(s *Surface) { s.logger = l }
}

// New creates a surface over vertices and edges reporting to listener.
func New(vertices, edges *rfu.Collection, listener Listener, opts ...Option) *Surface {
	s := &Surface{
		collections: map[rfu.Kind]*rfu.Collection{
			rfu.KindVertex: vertices,
			rfu.KindEdge:   edges,
		},
		listener: listener,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Collection returns the working collection of kind.
func (s *Surface) Collection(kind rfu.Kind) *rfu.Collection { return s.collections[kind] }

// AddVertex stores a new vertex after the near-point check:
//   - within the tolerance of a known vertex: created, point_rfu_proche set
//   - same position as a known vertex: rejected
//   - same position as another new vertex: rejected
func (s *Surface) AddVertex(v *rfu.Vertex) (rfu.LocalID, error) {
	v.RemoteID = 0
	v.Version = 0
	v.NearbyPoint = 0

	for _, existing := range s.collections[rfu.KindVertex].Vertices() {
		dist := distanceMM(existing.Point, v.Point)
		if dist > existing.Tolerance {
			continue
		}
		if !existing.RemoteID.Known() || dist == 0 {
			return 0, fmt.Errorf("add vertex: %w", &DuplicateError{Existing: existing})
		}
		v.NearbyPoint = existing.RemoteID
		s.logger.Info("new vertex within tolerance of RFU vertex",
			"id_noeud", existing.RemoteID,
			"tolerance", existing.Tolerance,
			"distance", dist)
	}

	id, err := s.collections[rfu.KindVertex].AddNew(v)
	if err != nil {
		return 0, fmt.Errorf("add vertex: %w", err)
	}
	s.listener.OnFeatureAdded(rfu.KindVertex, v)
	return id, nil
}

// AddEdge stores a new edge.
func (s *Surface) AddEdge(e *rfu.Edge) (rfu.LocalID, error) {
	if len(e.Line) != 2 || e.Line[0].Equal(e.Line[1]) {
		return 0, fmt.Errorf("add edge: %w", ErrInvalidEdge)
	}
	e.RemoteID = 0
	e.Version = 0

	id, err := s.collections[rfu.KindEdge].AddNew(e)
	if err != nil {
		return 0, fmt.Errorf("add edge: %w", err)
	}
	s.listener.OnFeatureAdded(rfu.KindEdge, e)
	return id, nil
}

// Update applies fn to a copy of the feature and stores the result.
// A locally new feature is re-reported as added so the pending create
// carries the latest attributes.
func (s *Surface) Update(kind rfu.Kind, id rfu.LocalID, fn func(rfu.Feature) error) error {
	c := s.collections[kind]
	current, ok := c.Get(id)
	if !ok {
		return fmt.Errorf("update %s %d: %w", kind, id, rfu.ErrNotFound)
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return fmt.Errorf("update %s %d: %w", kind, id, err)
	}
	if err := c.Replace(next); err != nil {
		return err
	}
	if next.Remote().Known() {
		s.listener.OnFeatureModified(kind, next)
	} else {
		s.listener.OnFeatureAdded(kind, next)
	}
	return nil
}

// Remove deletes a feature.
func (s *Surface) Remove(kind rfu.Kind, id rfu.LocalID) error {
	if _, err := s.collections[kind].Remove(id); err != nil {
		return err
	}
	s.listener.OnFeatureRemoved(kind, id)
	return nil
}

// Find returns the feature carrying a server id.
func (s *Surface) Find(kind rfu.Kind, remote rfu.RemoteID) (rfu.Feature, bool) {
	return s.collections[kind].FindRemote(remote)
}

// distanceMM is the geodesic distance in meters rounded to the millimeter.
func distanceMM(a, b orb.Point) float64 {
	return math.Round(geo.Distance(a, b)*1000) / 1000
}
