// Package dxfimport turns a surveyor's DXF plan into new vertices and edges
// on an editing surface.
//
// Every segment of a LINE, POLYLINE or LWPOLYLINE on the edge layer becomes
// an edge and every distinct node a vertex. Block references (INSERT) on the
// vertex layer become vertices, their nature chosen from the block name.
// Polylines on the vertex layer contribute their nodes. Planar coordinates
// are rounded to the centimeter.
package dxfimport

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"sort"
	"unicode/utf8"

	"github.com/paulmach/orb"
	"github.com/rpaloschi/dxf-go/document"
	"github.com/rpaloschi/dxf-go/entities"
	"golang.org/x/text/encoding/charmap"

	"github.com/roach88/rfusync/internal/proj"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/surface"
)

// ErrNoLayer is returned when no edge or vertex layer is configured.
var ErrNoLayer = errors.New("no DXF layer selected")

// AllBlocks as a nature correspondence matches every block of the vertex layer.
const AllBlocks = "Tous les blocs du calque"

// Polyline is a line-like DXF entity in planar coordinates.
type Polyline struct {
	Layer  string
	Points []orb.Point
	Closed bool
}

// Insert is a block reference.
type Insert struct {
	Layer string
	Block string
	Point orb.Point
}

// Drawing holds the model space entities an import can use.
type Drawing struct {
	Lines   []Polyline
	Inserts []Insert
	// Blocks are the names of the block definitions.
	Blocks []string
}

// Read parses a DXF document.
func Read(r io.Reader) (*Drawing, error) {
	doc, err := document.DxfDocumentFromStream(r)
	if err != nil {
		return nil, fmt.Errorf("read dxf: %w", err)
	}

	d := &Drawing{Lines: []Polyline{}, Inserts: []Insert{}, Blocks: []string{}}
	if doc.Entities != nil {
		for _, entity := range doc.Entities.Entities {
			d.add(entity)
		}
	}
	for name := range doc.Blocks {
		d.Blocks = append(d.Blocks, decodeName(name))
	}
	sort.Strings(d.Blocks)
	return d, nil
}

func (d *Drawing) add(entity entities.Entity) {
	switch e := entity.(type) {
	case *entities.Line:
		d.Lines = append(d.Lines, Polyline{
			Layer:  decodeName(e.LayerName),
			Points: []orb.Point{{e.Start.X, e.Start.Y}, {e.End.X, e.End.Y}},
		})
	case *entities.Polyline:
		pl := Polyline{Layer: decodeName(e.LayerName), Closed: e.Closed}
		for _, v := range e.Vertices {
			pl.Points = append(pl.Points, orb.Point{v.Location.X, v.Location.Y})
		}
		d.Lines = append(d.Lines, pl)
	case *entities.LWPolyline:
		pl := Polyline{Layer: decodeName(e.LayerName), Closed: e.Closed}
		for _, v := range e.Points {
			pl.Points = append(pl.Points, orb.Point{v.Point.X, v.Point.Y})
		}
		d.Lines = append(d.Lines, pl)
	case *entities.Insert:
		d.Inserts = append(d.Inserts, Insert{
			Layer: decodeName(e.LayerName),
			Block: decodeName(e.BlockName),
			Point: orb.Point{e.InsertionPoint.X, e.InsertionPoint.Y},
		})
	}
}

// decodeName returns s unchanged when it is valid UTF-8 and otherwise
// decodes it as Windows-1252, the code page of most French CAD files.
func decodeName(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	out, err := charmap.Windows1252.NewDecoder().String(s)
	if err != nil {
		return s
	}
	return out
}

// Layers returns the sorted distinct layer names of the drawing.
func (d *Drawing) Layers() []string {
	seen := map[string]bool{}
	names := []string{}
	note := func(layer string) {
		if !seen[layer] {
			seen[layer] = true
			names = append(names, layer)
		}
	}
	for _, l := range d.Lines {
		note(l.Layer)
	}
	for _, in := range d.Inserts {
		note(in.Layer)
	}
	sort.Strings(names)
	return names
}

// Options control how entities become features.
type Options struct {
	EdgeLayer   string
	VertexLayer string
	// Natures maps a vertex nature type to the block standing for it, or
	// to AllBlocks. Without natures every block reference on the vertex
	// layer becomes a vertex of NatureType.
	Natures map[string]string
	// Projection is the planar system of the drawing.
	Projection     proj.Projection
	Representation string
	Creator        string
	PrecisionClass int
	NatureType     string
	Logger         *slog.Logger
}

// Result counts what an import did.
type Result struct {
	Vertices int `json:"vertices"`
	Edges    int `json:"edges"`
	// Duplicates are nodes already present as vertices.
	Duplicates int `json:"duplicates"`
	// Skipped are zero-length or repeated segments.
	Skipped int `json:"skipped"`
}

// Import adds the features of d to s. Vertices are created before edges.
func Import(s *surface.Surface, d *Drawing, opts Options) (Result, error) {
	if opts.EdgeLayer == "" && opts.VertexLayer == "" {
		return Result{}, ErrNoLayer
	}
	if opts.Projection == nil {
		return Result{}, fmt.Errorf("import dxf: %w", proj.ErrUnsupportedCRS)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	imp := &importer{
		surface:  s,
		opts:     opts,
		logger:   logger,
		nodes:    map[orb.Point]orb.Point{},
		segments: map[[2]orb.Point]bool{},
	}
	if opts.VertexLayer != "" {
		if err := imp.inserts(d.Inserts); err != nil {
			return imp.res, err
		}
	}
	for _, l := range d.Lines {
		isEdge := opts.EdgeLayer != "" && l.Layer == opts.EdgeLayer
		isVertex := opts.VertexLayer != "" && l.Layer == opts.VertexLayer
		if !isEdge && !isVertex {
			continue
		}
		if err := imp.polyline(l, isEdge); err != nil {
			return imp.res, err
		}
	}
	logger.Info("dxf imported",
		"vertices", imp.res.Vertices,
		"edges", imp.res.Edges,
		"duplicates", imp.res.Duplicates)
	return imp.res, nil
}

// ImportFile reads path and imports it into s.
func ImportFile(s *surface.Surface, path string, opts Options) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, fmt.Errorf("import dxf: %w", err)
	}
	defer f.Close()

	d, err := Read(f)
	if err != nil {
		return Result{}, err
	}
	return Import(s, d, opts)
}

type importer struct {
	surface *surface.Surface
	opts    Options
	logger  *slog.Logger
	res     Result
	// nodes maps a rounded planar node to the geographic point edges use.
	nodes    map[orb.Point]orb.Point
	segments map[[2]orb.Point]bool
}

func (imp *importer) inserts(inserts []Insert) error {
	onLayer := []Insert{}
	for _, in := range inserts {
		if in.Layer == imp.opts.VertexLayer {
			onLayer = append(onLayer, in)
		}
	}
	if len(imp.opts.Natures) == 0 {
		for _, in := range onLayer {
			if _, err := imp.node(round(in.Point), imp.opts.NatureType); err != nil {
				return err
			}
		}
		return nil
	}

	natures := make([]string, 0, len(imp.opts.Natures))
	for n := range imp.opts.Natures {
		natures = append(natures, n)
	}
	sort.Strings(natures)
	for _, nature := range natures {
		block := imp.opts.Natures[nature]
		for _, in := range onLayer {
			if block != AllBlocks && in.Block != block {
				continue
			}
			if _, err := imp.node(round(in.Point), nature); err != nil {
				return err
			}
		}
	}
	return nil
}

func (imp *importer) polyline(l Polyline, edges bool) error {
	pts := make([]orb.Point, 0, len(l.Points)+1)
	for _, p := range l.Points {
		pts = append(pts, round(p))
	}
	if l.Closed && len(pts) > 2 && !pts[0].Equal(pts[len(pts)-1]) {
		pts = append(pts, pts[0])
	}

	attach := make([]orb.Point, len(pts))
	for i, p := range pts {
		g, err := imp.node(p, imp.opts.NatureType)
		if err != nil {
			return err
		}
		attach[i] = g
	}
	if !edges {
		return nil
	}
	for i := 0; i+1 < len(pts); i++ {
		if err := imp.segment(pts[i], pts[i+1], attach[i], attach[i+1]); err != nil {
			return err
		}
	}
	return nil
}

// node creates the vertex at planar p unless the drawing or the surface
// already has one there, and returns the geographic point edges attach to.
func (imp *importer) node(p orb.Point, nature string) (orb.Point, error) {
	if g, ok := imp.nodes[p]; ok {
		return g, nil
	}

	v := &rfu.Vertex{
		Creator:        imp.opts.Creator,
		NatureType:     nature,
		PrecisionClass: imp.opts.PrecisionClass,
		Est:            p[0],
		Nord:           p[1],
		Representation: imp.opts.Representation,
		Point:          imp.opts.Projection.Inverse(p),
	}
	_, err := imp.surface.AddVertex(v)
	var dup *surface.DuplicateError
	if errors.As(err, &dup) {
		imp.res.Duplicates++
		imp.nodes[p] = dup.Existing.Point
		imp.logger.Debug("dxf node already a vertex", "est", p[0], "nord", p[1])
		return dup.Existing.Point, nil
	}
	if err != nil {
		return orb.Point{}, fmt.Errorf("import dxf: %w", err)
	}
	imp.nodes[p] = v.Point
	imp.res.Vertices++
	return v.Point, nil
}

func (imp *importer) segment(a, b, ga, gb orb.Point) error {
	if a.Equal(b) || ga.Equal(gb) {
		imp.res.Skipped++
		return nil
	}
	key := [2]orb.Point{a, b}
	if b[0] < a[0] || (b[0] == a[0] && b[1] < a[1]) {
		key = [2]orb.Point{b, a}
	}
	if imp.segments[key] {
		imp.res.Skipped++
		return nil
	}
	imp.segments[key] = true

	_, err := imp.surface.AddEdge(&rfu.Edge{
		Creator: imp.opts.Creator,
		Line:    orb.LineString{ga, gb},
	})
	if err != nil {
		return fmt.Errorf("import dxf: %w", err)
	}
	imp.res.Edges++
	return nil
}

func round(p orb.Point) orb.Point {
	return orb.Point{math.Round(p[0]*100) / 100, math.Round(p[1]*100) / 100}
}
