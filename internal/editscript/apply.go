package editscript

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/roach88/rfusync/internal/api"
	"github.com/roach88/rfusync/internal/config"
	"github.com/roach88/rfusync/internal/csvimport"
	"github.com/roach88/rfusync/internal/dxfimport"
	"github.com/roach88/rfusync/internal/proj"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/surface"
)

// ErrNotAllowed is returned for values the zone capabilities do not allow.
var ErrNotAllowed = errors.New("not allowed in zone")

// ErrUnknownRef is returned when add_edge names a vertex that neither the
// script nor the working area defines.
var ErrUnknownRef = errors.New("unknown vertex reference")

// StepError locates a failed edit.
type StepError struct {
	Index int
	Op    string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("edit %d (%s): %v", e.Index+1, e.Op, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Env is what a script is applied against.
type Env struct {
	Surface      *surface.Surface
	Capabilities *api.Capabilities
	// Projection is used when the script names none.
	Projection api.Representation
	// Creator is used when neither the step nor the script names one.
	Creator string
	// DXF supplies layer defaults for import_dxf and records the layers
	// actually used.
	DXF    *config.DXFParams
	Logger *slog.Logger
}

// Report counts what Apply did.
type Report struct {
	Steps    int              `json:"steps"`
	Vertices int              `json:"vertices_added"`
	Edges    int              `json:"edges_added"`
	Modified int              `json:"modified"`
	Removed  int              `json:"removed"`
	Attested int              `json:"attested"`
	Cut      int              `json:"limits_cut"`
	Imported dxfimport.Result `json:"dxf"`
	CSV      csvimport.Result `json:"csv"`
}

type applier struct {
	script *Script
	env    Env
	logger *slog.Logger
	rep    api.Representation
	proj   proj.Projection
	refs   map[string]*rfu.Vertex
	report *Report
}

// Apply runs the edits of s in order. It stops at the first failing edit;
// edits before it stay applied.
func Apply(s *Script, env Env) (*Report, error) {
	logger := env.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rep, p, err := resolveProjection(s.Projection, env.Capabilities, env.Projection)
	if err != nil {
		return nil, err
	}

	a := &applier{
		script: s,
		env:    env,
		logger: logger,
		rep:    rep,
		proj:   p,
		refs:   map[string]*rfu.Vertex{},
		report: &Report{},
	}
	for i, step := range s.Edits {
		if err := a.step(step); err != nil {
			return a.report, &StepError{Index: i, Op: step.Op, Err: err}
		}
		a.report.Steps++
	}
	logger.Info("edit script applied",
		"name", s.Name,
		"steps", a.report.Steps,
		"vertices", a.report.Vertices,
		"edges", a.report.Edges)
	return a.report, nil
}

func resolveProjection(code string, caps *api.Capabilities, def api.Representation) (api.Representation, proj.Projection, error) {
	rep := def
	if code != "" {
		r, ok := caps.Representation(code)
		if !ok {
			epsg, err := proj.ParseEPSG(code)
			if err != nil {
				return rep, nil, fmt.Errorf("projection %q: %w", code, ErrNotAllowed)
			}
			found := false
			for _, cand := range caps.Representations {
				if cand.EPSG == epsg {
					r, found = cand, true
					break
				}
			}
			if !found {
				return rep, nil, fmt.Errorf("projection %q: %w", code, ErrNotAllowed)
			}
		}
		rep = r
	}
	if rep.EPSG == 0 {
		return rep, nil, fmt.Errorf("no planar representation available: %w", proj.ErrUnsupportedCRS)
	}
	p, err := proj.Lookup(rep.EPSG)
	if err != nil {
		return rep, nil, err
	}
	return rep, p, nil
}

func (a *applier) step(st Step) error {
	switch st.Op {
	case OpAddVertex:
		return a.addVertex(st)
	case OpAddEdge:
		return a.addEdge(st)
	case OpModify:
		return a.modify(st)
	case OpRemove:
		return a.remove(st)
	case OpAttest:
		return a.attest(st)
	case OpImportDXF:
		return a.importDXF(st)
	case OpImportCSV:
		return a.importCSV(st)
	case OpCutLimit:
		return a.cutLimit(st)
	}
	return fmt.Errorf("unknown op %q", st.Op)
}

func (a *applier) creator(step string) string {
	switch {
	case step != "":
		return step
	case a.script.Creator != "":
		return a.script.Creator
	}
	return a.env.Creator
}

func (a *applier) checkCreator(id string) error {
	caps := a.env.Capabilities
	if len(caps.Creators) > 0 && !caps.HasCreator(id) {
		return fmt.Errorf("creator %q: %w", id, ErrNotAllowed)
	}
	return nil
}

func (a *applier) addVertex(st Step) error {
	if st.Est == nil || st.Nord == nil {
		return errors.New("est and nord are required")
	}
	if st.Ref != "" {
		if _, dup := a.refs[st.Ref]; dup {
			return fmt.Errorf("ref %q defined twice", st.Ref)
		}
	}
	caps := a.env.Capabilities
	if st.Precision != 0 && !caps.HasPrecision(st.Precision) {
		return fmt.Errorf("precision class %d: %w", st.Precision, ErrNotAllowed)
	}
	if st.NatureType != "" && len(caps.VertexNatureTypes) > 0 && !slices.Contains(caps.VertexNatureTypes, st.NatureType) {
		return fmt.Errorf("vertex nature %q: %w", st.NatureType, ErrNotAllowed)
	}
	creator := a.creator(st.Creator)
	if err := a.checkCreator(creator); err != nil {
		return err
	}

	planar := orb.Point{*st.Est, *st.Nord}
	v := &rfu.Vertex{
		Creator:        creator,
		PublicBoundary: st.Public,
		NatureType:     st.NatureType,
		NatureComment:  st.Nature,
		PrecisionClass: st.Precision,
		Est:            *st.Est,
		Nord:           *st.Nord,
		Representation: a.rep.Code,
		Point:          a.proj.Inverse(planar),
	}
	if _, err := a.env.Surface.AddVertex(v); err != nil {
		return err
	}
	if st.Ref != "" {
		a.refs[st.Ref] = v
	}
	a.report.Vertices++
	return nil
}

// endpoint resolves a script ref or "#<id_noeud>".
func (a *applier) endpoint(ref string) (orb.Point, error) {
	if id, ok := strings.CutPrefix(ref, "#"); ok {
		n, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return orb.Point{}, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
		}
		f, ok := a.env.Surface.Find(rfu.KindVertex, rfu.RemoteID(n))
		if !ok {
			return orb.Point{}, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
		}
		return f.(*rfu.Vertex).Point, nil
	}
	v, ok := a.refs[ref]
	if !ok {
		return orb.Point{}, fmt.Errorf("%q: %w", ref, ErrUnknownRef)
	}
	return v.Point, nil
}

func (a *applier) addEdge(st Step) error {
	from, err := a.endpoint(st.From)
	if err != nil {
		return err
	}
	to, err := a.endpoint(st.To)
	if err != nil {
		return err
	}
	caps := a.env.Capabilities
	if st.NatureType != "" && len(caps.EdgeNatureTypes) > 0 && !slices.Contains(caps.EdgeNatureTypes, st.NatureType) {
		return fmt.Errorf("edge nature %q: %w", st.NatureType, ErrNotAllowed)
	}
	creator := a.creator(st.Creator)
	if err := a.checkCreator(creator); err != nil {
		return err
	}

	_, err = a.env.Surface.AddEdge(&rfu.Edge{
		Creator:        creator,
		PublicBoundary: st.Public,
		NatureType:     st.NatureType,
		Line:           orb.LineString{from, to},
	})
	if err != nil {
		return err
	}
	a.report.Edges++
	return nil
}

func (a *applier) lookup(kind string, id int64) (rfu.Kind, rfu.Feature, error) {
	k, ok := rfu.ParseKind(kind)
	if !ok {
		return 0, nil, fmt.Errorf("unknown kind %q", kind)
	}
	f, ok := a.env.Surface.Find(k, rfu.RemoteID(id))
	if !ok {
		return k, nil, fmt.Errorf("%s %d: %w", k, id, rfu.ErrNotFound)
	}
	return k, f, nil
}

func (a *applier) modify(st Step) error {
	kind, f, err := a.lookup(st.Kind, st.ID)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(st.Set))
	for k := range st.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	err = a.env.Surface.Update(kind, f.ID(), func(next rfu.Feature) error {
		moved := false
		for _, k := range keys {
			val := fmt.Sprint(st.Set[k])
			var err error
			switch x := next.(type) {
			case *rfu.Vertex:
				err = a.setVertex(x, k, val)
				moved = moved || placement[k]
			case *rfu.Edge:
				err = a.setEdge(x, k, val)
			}
			if err != nil {
				return err
			}
		}
		if v, ok := next.(*rfu.Vertex); ok && moved {
			return a.reproject(v)
		}
		return nil
	})
	if err != nil {
		return err
	}
	a.report.Modified++
	return nil
}

func (a *applier) setVertex(v *rfu.Vertex, key, val string) error {
	switch key {
	case "som_ge_createur":
		if err := a.checkCreator(val); err != nil {
			return err
		}
		v.Creator = val
	case "som_delimitation_publique":
		v.PublicBoundary = rfu.ParseBool(val)
	case "som_typologie_nature":
		v.NatureType = val
	case "som_nature":
		v.NatureComment = val
	case "som_precision_rattachement":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if !a.env.Capabilities.HasPrecision(n) {
			return fmt.Errorf("precision class %d: %w", n, ErrNotAllowed)
		}
		v.PrecisionClass = n
	case "som_coord_est", "som_coord_nord":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if key == "som_coord_est" {
			v.Est = f
		} else {
			v.Nord = f
		}
	case "som_representation_plane":
		if _, ok := a.env.Capabilities.Representation(val); !ok {
			return fmt.Errorf("representation %q: %w", val, ErrNotAllowed)
		}
		v.Representation = val
	case "attestation_qualite":
		v.Attested = rfu.ParseBool(val)
	default:
		return fmt.Errorf("vertex has no editable attribute %q", key)
	}
	return nil
}

// placement lists the vertex attributes the geometry derives from.
var placement = map[string]bool{
	"som_coord_est":            true,
	"som_coord_nord":           true,
	"som_representation_plane": true,
}

// reproject keeps the geometry of v in line with its planar coordinates.
func (a *applier) reproject(v *rfu.Vertex) error {
	r, ok := a.env.Capabilities.Representation(v.Representation)
	if !ok {
		return nil
	}
	p, err := proj.Lookup(r.EPSG)
	if err != nil {
		return err
	}
	v.Point = p.Inverse(orb.Point{v.Est, v.Nord})
	return nil
}

func (a *applier) setEdge(e *rfu.Edge, key, val string) error {
	switch key {
	case "lim_ge_createur":
		if err := a.checkCreator(val); err != nil {
			return err
		}
		e.Creator = val
	case "lim_delimitation_publique":
		e.PublicBoundary = rfu.ParseBool(val)
	case "lim_typologie_nature":
		e.NatureType = val
	default:
		return fmt.Errorf("edge has no editable attribute %q", key)
	}
	return nil
}

func (a *applier) remove(st Step) error {
	kind, f, err := a.lookup(st.Kind, st.ID)
	if err != nil {
		return err
	}
	if err := a.env.Surface.Remove(kind, f.ID()); err != nil {
		return err
	}
	a.report.Removed++
	return nil
}

func (a *applier) attest(st Step) error {
	_, f, err := a.lookup(rfu.KindVertex.String(), st.ID)
	if err != nil {
		return err
	}
	err = a.env.Surface.Update(rfu.KindVertex, f.ID(), func(next rfu.Feature) error {
		next.(*rfu.Vertex).Attested = true
		return nil
	})
	if err != nil {
		return err
	}
	a.report.Attested++
	return nil
}

func (a *applier) importDXF(st Step) error {
	params := a.env.DXF
	if params == nil {
		params = &config.DXFParams{Natures: map[string]string{}}
	}
	if st.EdgeLayer != "" {
		params.EdgeLayer = st.EdgeLayer
	}
	if st.VertexLayer != "" {
		params.VertexLayer = st.VertexLayer
	}

	precision := st.Precision
	if precision == 0 {
		precision = a.env.Capabilities.PrecisionByLabel(params.PrecisionClass)
	} else if !a.env.Capabilities.HasPrecision(precision) {
		return fmt.Errorf("precision class %d: %w", precision, ErrNotAllowed)
	}
	for _, pc := range a.env.Capabilities.PrecisionClasses {
		if pc.Code == precision {
			params.PrecisionClass = pc.Label
		}
	}
	creator := a.creator(st.Creator)
	if err := a.checkCreator(creator); err != nil {
		return err
	}

	res, err := dxfimport.ImportFile(a.env.Surface, a.resolve(st.File), dxfimport.Options{
		EdgeLayer:      params.EdgeLayer,
		VertexLayer:    params.VertexLayer,
		Projection:     a.proj,
		Representation: a.rep.Code,
		Creator:        creator,
		PrecisionClass: precision,
		NatureType:     st.NatureType,
		Natures:        params.Natures,
		Logger:         a.logger,
	})
	a.report.Imported.Vertices += res.Vertices
	a.report.Imported.Edges += res.Edges
	a.report.Imported.Duplicates += res.Duplicates
	a.report.Imported.Skipped += res.Skipped
	a.report.Vertices += res.Vertices
	a.report.Edges += res.Edges
	return err
}

// resolve makes a relative data file path relative to the script.
func (a *applier) resolve(path string) string {
	if !filepath.IsAbs(path) && a.script.Dir != "" {
		return filepath.Join(a.script.Dir, path)
	}
	return path
}

func (a *applier) vertexNatureAllowed(nature string) bool {
	types := a.env.Capabilities.VertexNatureTypes
	return nature == "" || len(types) == 0 || slices.Contains(types, nature)
}

func (a *applier) importCSV(st Step) error {
	caps := a.env.Capabilities
	precision := st.Precision
	if precision == 0 {
		precision = caps.PrecisionByLabel("")
	} else if !caps.HasPrecision(precision) {
		return fmt.Errorf("precision class %d: %w", precision, ErrNotAllowed)
	}
	if !a.vertexNatureAllowed(st.NatureType) {
		return fmt.Errorf("vertex nature %q: %w", st.NatureType, ErrNotAllowed)
	}
	creator := a.creator(st.Creator)
	if err := a.checkCreator(creator); err != nil {
		return err
	}

	plan, err := csvimport.ReadFile(a.resolve(st.File))
	if err != nil {
		return err
	}
	for _, p := range plan.Points {
		if p.Precision != 0 && !caps.HasPrecision(p.Precision) {
			return fmt.Errorf("point %q: precision class %d: %w", p.Num, p.Precision, ErrNotAllowed)
		}
		if !a.vertexNatureAllowed(p.NatureType) {
			return fmt.Errorf("point %q: vertex nature %q: %w", p.Num, p.NatureType, ErrNotAllowed)
		}
	}

	res, err := csvimport.Import(a.env.Surface, plan, csvimport.Options{
		Projection:     a.proj,
		Representation: a.rep.Code,
		Creator:        creator,
		PrecisionClass: precision,
		NatureType:     st.NatureType,
		Logger:         a.logger,
	})
	a.report.CSV.Vertices += res.Vertices
	a.report.CSV.Edges += res.Edges
	a.report.CSV.Duplicates += res.Duplicates
	a.report.CSV.Skipped += res.Skipped
	a.report.Vertices += res.Vertices
	a.report.Edges += res.Edges
	return err
}
