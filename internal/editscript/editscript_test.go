package editscript

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/csvimport"
	"github.com/roach88/rfusync/internal/dxfimport"
	"github.com/roach88/rfusync/internal/ledger"
	"github.com/roach88/rfusync/internal/proj"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/surface"
	"github.com/roach88/rfusync/internal/testutil"
)

type fixture struct {
	env    Env
	ledger *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	caps, err := api.ParseCapabilities("metropole", []byte(testutil.DefaultCapabilitiesXML))
	require.NoError(t, err)

	vertices, edges := rfu.NewCollection(rfu.KindVertex), rfu.NewCollection(rfu.KindEdge)
	require.NoError(t, vertices.Insert(&rfu.Vertex{
		LocalID: 1, RemoteID: 1001, Version: 3, Creator: "GE-1", NatureType: "Borne",
		PrecisionClass: 1, Est: 1870000.12, Nord: 9210000.34, Representation: "RGF93CC50",
		Tolerance: 0.05, Point: orb.Point{4.4914, 50.8793},
	}))
	require.NoError(t, vertices.Insert(&rfu.Vertex{
		LocalID: 2, RemoteID: 1002, Version: 1, Creator: "GE-1", NatureType: "Borne",
		PrecisionClass: 2, Est: 1870028.5, Nord: 9210033.25, Representation: "RGF93CC50",
		Tolerance: 0.1, Point: orb.Point{4.4918, 50.8796},
	}))
	require.NoError(t, edges.Insert(&rfu.Edge{
		LocalID: 3, RemoteID: 2001, Version: 2, Creator: "GE-1", NatureType: "Limite privative",
		Line: orb.LineString{{4.4914, 50.8793}, {4.4918, 50.8796}},
	}))

	l := ledger.New(ledger.Capture(vertices), ledger.Capture(edges))
	def, _ := caps.Representation("RGF93CC50")
	return &fixture{
		env: Env{
			Surface:      surface.New(vertices, edges, l),
			Capabilities: caps,
			Projection:   def,
			Creator:      "GE-1",
		},
		ledger: l,
	}
}

func script(t *testing.T, yaml string) *Script {
	t.Helper()
	s, err := Parse([]byte(yaml))
	require.NoError(t, err)
	return s
}

func TestLoad(t *testing.T) {
	s, err := Load(filepath.Join("testdata", "lot12.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "bornage lot 12", s.Name)
	assert.Equal(t, "D-2024-001", s.Dossier)
	assert.Equal(t, "RGF93CC50", s.Projection)
	assert.Equal(t, "testdata", s.Dir)
	require.Len(t, s.Edits, 7)
	assert.Equal(t, OpAddVertex, s.Edits[0].Op)
	require.NotNil(t, s.Edits[0].Est)
	assert.Equal(t, 1870010.25, *s.Edits[0].Est)
	assert.Equal(t, "#1001", s.Edits[3].To)
	assert.Equal(t, "borne retrouvée", s.Edits[4].Set["som_nature"])
}

func TestParse_SchemaRejections(t *testing.T) {
	head := "name: x\npermalink: p\n"
	tests := []struct {
		name string
		doc  string
	}{
		{"no edits", head + "edits: []\n"},
		{"missing name", "permalink: p\nedits:\n  - {op: attest, id: 1}\n"},
		{"unknown op", head + "edits:\n  - {op: explode, id: 1}\n"},
		{"missing nord", head + "edits:\n  - {op: add_vertex, est: 1}\n"},
		{"typo in step", head + "edits:\n  - {op: add_vertex, est: 1, nrod: 2}\n"},
		{"unknown top-level field", head + "colour: red\nedits:\n  - {op: attest, id: 1}\n"},
		{"bad kind", head + "edits:\n  - {op: remove, kind: parcel, id: 1}\n"},
		{"non-positive id", head + "edits:\n  - {op: attest, id: 0}\n"},
		{"cut without vertices", head + "edits:\n  - {op: cut_limit, id: 1, at: []}\n"},
		{"csv without file", head + "edits:\n  - {op: import_csv, precision: 1}\n"},
		{"empty document", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidScript)
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("name: [unclosed"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidScript)
}

func TestApply_FullScript(t *testing.T) {
	f := newFixture(t)
	s, err := Load(filepath.Join("testdata", "lot12.yaml"))
	require.NoError(t, err)

	rep, err := Apply(s, f.env)
	require.NoError(t, err)
	assert.Equal(t, &Report{Steps: 7, Vertices: 2, Edges: 2, Modified: 1, Removed: 1, Attested: 1}, rep)

	assert.Equal(t, ledger.Counts{
		VerticesAdded:    2,
		VerticesModified: 2,
		EdgesAdded:       2,
		EdgesRemoved:     1,
	}, f.ledger.Counts())

	v, ok := f.env.Surface.Find(rfu.KindVertex, 1001)
	require.True(t, ok)
	assert.Equal(t, "borne retrouvée", v.(*rfu.Vertex).NatureComment)
	assert.Equal(t, 2, v.(*rfu.Vertex).PrecisionClass)

	attested, ok := f.env.Surface.Find(rfu.KindVertex, 1002)
	require.True(t, ok)
	assert.True(t, attested.(*rfu.Vertex).Attested)

	var added []*rfu.Vertex
	for _, v := range f.env.Surface.Collection(rfu.KindVertex).Vertices() {
		if !v.RemoteID.Known() {
			added = append(added, v)
		}
	}
	require.Len(t, added, 2)
	assert.Equal(t, "RGF93CC50", added[0].Representation)
	assert.Equal(t, "GE-1", added[0].Creator)
	cc50, err := proj.Lookup(3950)
	require.NoError(t, err)
	back := cc50.Forward(added[0].Point)
	assert.InDelta(t, 1870010.25, back[0], 1e-4)
	assert.InDelta(t, 9210004.5, back[1], 1e-4)
}

func TestApply_StepErrors(t *testing.T) {
	head := "name: x\npermalink: p\nedits:\n"
	tests := []struct {
		name  string
		edits string
		want  error
		index int
	}{
		{"unknown ref", "  - {op: add_edge, from: a, to: b}\n", ErrUnknownRef, 0},
		{"unknown remote vertex", "  - {op: add_vertex, ref: a, est: 1870100, nord: 9210100}\n  - {op: add_edge, from: a, to: \"#9999\"}\n", ErrUnknownRef, 1},
		{"precision not allowed", "  - {op: add_vertex, est: 1870100, nord: 9210100, precision: 3}\n", ErrNotAllowed, 0},
		{"creator not allowed", "  - {op: add_vertex, est: 1870100, nord: 9210100, creator: GE-9}\n", ErrNotAllowed, 0},
		{"nature not allowed", "  - {op: add_edge, from: \"#1001\", to: \"#1002\", nature_type: Mur}\n", ErrNotAllowed, 0},
		{"remove unknown", "  - {op: remove, kind: vertex, id: 4242}\n", rfu.ErrNotFound, 0},
		{"duplicate vertex", "  - {op: add_vertex, ref: a, est: 1870100, nord: 9210100}\n  - {op: add_vertex, est: 1870100, nord: 9210100}\n", surface.ErrDuplicateVertex, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := Apply(script(t, head+tt.edits), f.env)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)

			var stepErr *StepError
			require.ErrorAs(t, err, &stepErr)
			assert.Equal(t, tt.index, stepErr.Index)
		})
	}
}

func TestApply_ModifyUnknownAttribute(t *testing.T) {
	f := newFixture(t)
	s := script(t, "name: x\npermalink: p\nedits:\n  - {op: modify, kind: edge, id: 2001, set: {som_nature: x}}\n")
	_, err := Apply(s, f.env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `edge has no editable attribute "som_nature"`)
	assert.True(t, f.ledger.Empty(), "failed update leaves no record")
}

func TestApply_ModifyCoordinatesReprojects(t *testing.T) {
	f := newFixture(t)
	s := script(t, "name: x\npermalink: p\nedits:\n  - {op: modify, kind: vertex, id: 1001, set: {som_coord_est: 1870001.5}}\n")
	_, err := Apply(s, f.env)
	require.NoError(t, err)

	v, _ := f.env.Surface.Find(rfu.KindVertex, 1001)
	cc50, err := proj.Lookup(3950)
	require.NoError(t, err)
	back := cc50.Forward(v.(*rfu.Vertex).Point)
	assert.InDelta(t, 1870001.5, back[0], 1e-4)
	assert.InDelta(t, 9210000.34, back[1], 1e-4)
}

func TestApply_Projection(t *testing.T) {
	f := newFixture(t)

	byEPSG := script(t, "name: x\npermalink: p\nprojection: EPSG:2154\nedits:\n  - {op: add_vertex, est: 700000, nord: 6600000}\n")
	_, err := Apply(byEPSG, f.env)
	require.NoError(t, err)
	vs := f.env.Surface.Collection(rfu.KindVertex).Vertices()
	assert.Equal(t, "RGF93L93", vs[len(vs)-1].Representation)
	assert.InDelta(t, 3.0, vs[len(vs)-1].Point[0], 1e-6)

	notAllowed := script(t, "name: x\npermalink: p\nprojection: EPSG:32631\nedits:\n  - {op: attest, id: 1001}\n")
	_, err = Apply(notAllowed, f.env)
	assert.ErrorIs(t, err, ErrNotAllowed)
}

func TestApply_ImportDXFRecordsLayers(t *testing.T) {
	f := newFixture(t)
	f.env.DXF = &config.DXFParams{Natures: map[string]string{}}
	s := script(t, "name: x\npermalink: p\nedits:\n  - {op: import_dxf, file: missing.dxf, edge_layer: LIMITES}\n")
	s.Dir = t.TempDir()

	_, err := Apply(s, f.env)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, "LIMITES", f.env.DXF.EdgeLayer)
	assert.Equal(t, "Classe 2 (50 cm)", f.env.DXF.PrecisionClass, "default precision class recorded")
}

func TestApply_ModifyToBaselineLeavesLedgerEmpty(t *testing.T) {
	f := newFixture(t)
	before, _ := f.env.Surface.Find(rfu.KindVertex, 1001)
	point := before.(*rfu.Vertex).Point

	s := script(t, "name: x\npermalink: p\nedits:\n"+
		"  - {op: modify, kind: vertex, id: 1001, set: {som_typologie_nature: Borne}}\n"+
		"  - {op: modify, kind: vertex, id: 1001, set: {som_nature: repeinte}}\n"+
		"  - {op: modify, kind: vertex, id: 1001, set: {som_nature: \"\"}}\n")
	rep, err := Apply(s, f.env)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Modified)
	assert.True(t, f.ledger.Empty(), "attribute edits back to the server values record nothing")

	after, _ := f.env.Surface.Find(rfu.KindVertex, 1001)
	assert.Equal(t, point, after.(*rfu.Vertex).Point, "geometry kept without a coordinate edit")
}

func TestApply_ModifyEdgeCreatorNotAllowed(t *testing.T) {
	f := newFixture(t)
	s := script(t, "name: x\npermalink: p\nedits:\n  - {op: modify, kind: edge, id: 2001, set: {lim_ge_createur: GE-9}}\n")
	_, err := Apply(s, f.env)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.True(t, f.ledger.Empty())

	e, _ := f.env.Surface.Find(rfu.KindEdge, 2001)
	assert.Equal(t, "GE-1", e.(*rfu.Edge).Creator)
}

// along returns the CC50 coordinates at fraction t of edge 2001.
func along(t *testing.T, frac float64) (float64, float64) {
	t.Helper()
	cc50, err := proj.Lookup(3950)
	require.NoError(t, err)
	ps, pe := cc50.Forward(orb.Point{4.4914, 50.8793}), cc50.Forward(orb.Point{4.4918, 50.8796})
	return ps[0] + frac*(pe[0]-ps[0]), ps[1] + frac*(pe[1]-ps[1])
}

func vertexStep(t *testing.T, ref string, frac float64) string {
	est, nord := along(t, frac)
	return fmt.Sprintf("  - {op: add_vertex, ref: %s, est: %.3f, nord: %.3f}\n", ref, est, nord)
}

func TestApply_CutLimit(t *testing.T) {
	f := newFixture(t)
	s := script(t, "name: x\npermalink: p\nedits:\n"+
		vertexStep(t, "mid", 0.5)+
		"  - {op: cut_limit, id: 2001, at: [mid]}\n")

	rep, err := Apply(s, f.env)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cut)
	assert.Equal(t, 1, rep.Removed)
	assert.Equal(t, 2, rep.Edges)
	assert.Equal(t, 1, rep.Vertices)
	assert.Equal(t, ledger.Counts{VerticesAdded: 1, EdgesAdded: 2, EdgesRemoved: 1}, f.ledger.Counts())

	_, ok := f.env.Surface.Find(rfu.KindEdge, 2001)
	assert.False(t, ok, "cut limit removed")
	es := f.env.Surface.Collection(rfu.KindEdge).Edges()
	require.Len(t, es, 2)
	for _, e := range es {
		assert.Equal(t, "Limite privative", e.NatureType)
		assert.Equal(t, "GE-1", e.Creator)
	}
	assert.Equal(t, orb.Point{4.4914, 50.8793}, es[0].Start())
	assert.Equal(t, es[0].End(), es[1].Start())
	assert.Equal(t, orb.Point{4.4918, 50.8796}, es[1].End())
}

func TestApply_CutLimitOrdersFromStart(t *testing.T) {
	f := newFixture(t)
	s := script(t, "name: x\npermalink: p\nedits:\n"+
		vertexStep(t, "far", 0.75)+
		vertexStep(t, "near", 0.25)+
		"  - {op: cut_limit, id: 2001, at: [far, near]}\n")

	_, err := Apply(s, f.env)
	require.NoError(t, err)

	cc50, err := proj.Lookup(3950)
	require.NoError(t, err)
	es := f.env.Surface.Collection(rfu.KindEdge).Edges()
	require.Len(t, es, 3)
	nearEst, _ := along(t, 0.25)
	farEst, _ := along(t, 0.75)
	assert.InDelta(t, nearEst, cc50.Forward(es[0].End())[0], 1e-3)
	assert.InDelta(t, farEst, cc50.Forward(es[1].End())[0], 1e-3)
	assert.Equal(t, orb.Point{4.4918, 50.8796}, es[2].End())
}

func TestApply_CutLimitErrors(t *testing.T) {
	head := "name: x\npermalink: p\nedits:\n"
	tests := []struct {
		name  string
		edits func(t *testing.T) string
		want  string
		is    error
	}{
		{"beyond the end", func(t *testing.T) string {
			return vertexStep(t, "out", 1.5) + "  - {op: cut_limit, id: 2001, at: [out]}\n"
		}, "limit 2001: no vertex falls inside it", nil},
		{"server vertex", func(*testing.T) string {
			return "  - {op: cut_limit, id: 2001, at: [\"#1001\"]}\n"
		}, "only new vertices cut a limit", ErrNotAllowed},
		{"unknown ref", func(*testing.T) string {
			return "  - {op: cut_limit, id: 2001, at: [nope]}\n"
		}, "", ErrUnknownRef},
		{"listed twice", func(t *testing.T) string {
			return vertexStep(t, "mid", 0.5) + "  - {op: cut_limit, id: 2001, at: [mid, mid]}\n"
		}, `ref "mid" listed twice`, nil},
		{"unknown limit", func(t *testing.T) string {
			return vertexStep(t, "mid", 0.5) + "  - {op: cut_limit, id: 4242, at: [mid]}\n"
		}, "", rfu.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := Apply(script(t, head+tt.edits(t)), f.env)
			require.Error(t, err)
			if tt.want != "" {
				assert.Contains(t, err.Error(), tt.want)
			}
			if tt.is != nil {
				assert.ErrorIs(t, err, tt.is)
			}
			_, ok := f.env.Surface.Find(rfu.KindEdge, 2001)
			assert.True(t, ok, "limit kept")
		})
	}
}

func writeCSV(t *testing.T, dir string, rows ...string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lot.csv"), []byte(strings.Join(rows, "\n")+"\n"), 0o644))
}

func TestApply_ImportCSV(t *testing.T) {
	f := newFixture(t)
	cc50, err := proj.Lookup(3950)
	require.NoError(t, err)
	a, b := cc50.Forward(orb.Point{4.4930, 50.8800}), cc50.Forward(orb.Point{4.4932, 50.8800})

	s := script(t, "name: x\npermalink: p\nedits:\n  - {op: import_csv, file: lot.csv, nature_type: Borne}\n")
	s.Dir = t.TempDir()
	writeCSV(t, s.Dir,
		fmt.Sprintf("Sommet;1;%.2f;%.2f;1;", a[0], a[1]),
		fmt.Sprintf("Sommet;2;%.2f;%.2f;;Repère", b[0], b[1]),
		"Limite;1;2")

	rep, err := Apply(s, f.env)
	require.NoError(t, err)
	assert.Equal(t, csvimport.Result{Vertices: 2, Edges: 1}, rep.CSV)
	assert.Equal(t, 2, rep.Vertices)
	assert.Equal(t, 1, rep.Edges)

	var added []*rfu.Vertex
	for _, v := range f.env.Surface.Collection(rfu.KindVertex).Vertices() {
		if !v.RemoteID.Known() {
			added = append(added, v)
		}
	}
	require.Len(t, added, 2)
	assert.Equal(t, "Borne", added[0].NatureType, "step nature for rows without one")
	assert.Equal(t, 1, added[0].PrecisionClass)
	assert.Equal(t, "Repère", added[1].NatureType)
	assert.Equal(t, 2, added[1].PrecisionClass, "zone default precision")
	assert.Equal(t, "RGF93CC50", added[1].Representation)
	assert.Equal(t, "GE-1", added[1].Creator)
}

func TestApply_ImportCSVRowNotAllowed(t *testing.T) {
	tests := []struct {
		name string
		row  string
	}{
		{"precision", "Sommet;1;1870100;9210100;3;"},
		{"nature", "Sommet;1;1870100;9210100;;Mur"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := script(t, "name: x\npermalink: p\nedits:\n  - {op: import_csv, file: lot.csv}\n")
			s.Dir = t.TempDir()
			writeCSV(t, s.Dir, tt.row)

			_, err := Apply(s, f.env)
			assert.ErrorIs(t, err, ErrNotAllowed)
			assert.True(t, f.ledger.Empty(), "nothing imported")
		})
	}
}

func TestApply_ImportDXFNatures(t *testing.T) {
	f := newFixture(t)
	f.env.DXF = &config.DXFParams{Natures: map[string]string{"Borne": "BORNE_OGE"}}
	plan, err := filepath.Abs(filepath.Join("..", "dxfimport", "testdata", "plan.dxf"))
	require.NoError(t, err)
	s := script(t, fmt.Sprintf("name: x\npermalink: p\nprojection: RGF93L93\nedits:\n"+
		"  - {op: import_dxf, file: %q, edge_layer: LIMITES, vertex_layer: SOMMETS}\n", plan))

	rep, err := Apply(s, f.env)
	require.NoError(t, err)
	assert.Equal(t, dxfimport.Result{Vertices: 4, Edges: 3}, rep.Imported)

	var borne []*rfu.Vertex
	for _, v := range f.env.Surface.Collection(rfu.KindVertex).Vertices() {
		if !v.RemoteID.Known() && v.NatureType == "Borne" {
			borne = append(borne, v)
		}
	}
	require.Len(t, borne, 1, "only BORNE_OGE references become Borne")
	assert.Equal(t, 700000.0, borne[0].Est)
	assert.Equal(t, 6600000.0, borne[0].Nord)
}
