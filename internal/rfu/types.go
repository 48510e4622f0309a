package rfu

import (
	"strconv"

	"github.com/paulmach/orb"
)

// Kind identifies one of the two feature collections.
type Kind int

const (
	KindVertex Kind = iota
	KindEdge
)

// Kinds lists the collection kinds in serialization order.
var Kinds = []Kind{KindVertex, KindEdge}

func (k Kind) String() string {
	switch k {
	case KindVertex:
		return "vertex"
	case KindEdge:
		return "edge"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Tag returns the XML element name used on the wire.
func (k Kind) Tag() string {
	if k == KindEdge {
		return "limite"
	}
	return "sommet"
}

// ParseKind accepts "vertex"/"edge" and the wire tags "sommet"/"limite".
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "vertex", "sommet":
		return KindVertex, true
	case "edge", "limite":
		return KindEdge, true
	}
	return 0, false
}

// LocalID is the ephemeral id assigned by the editing surface.
type LocalID int64

// RemoteID is the server id (id_noeud / id_arc). Zero means absent.
type RemoteID int64

// Known reports whether the server knows this feature.
func (r RemoteID) Known() bool { return r != 0 }

// Field is one serializable key/value of a feature record.
// Attr fields are rendered as XML attributes, the rest as child elements.
type Field struct {
	Name  string
	Value string
	Attr  bool
}

// Feature is the variant implemented by *Vertex and *Edge.
type Feature interface {
	Kind() Kind
	ID() LocalID
	Remote() RemoteID
	Geometry() orb.Geometry
	// Fields returns the wire fields in the order the server expects,
	// geometry excluded.
	Fields() []Field
	Clone() Feature
	Equal(other Feature) bool
	setID(id LocalID)
}

// Vertex is a boundary marker (sommet).
type Vertex struct {
	LocalID        LocalID
	RemoteID       RemoteID
	Version        int
	Creator        string  // som_ge_createur
	PublicBoundary bool    // som_delimitation_publique
	NatureType     string  // som_typologie_nature
	NatureComment  string  // som_nature
	PrecisionClass int     // som_precision_rattachement, 0 when unset
	Est            float64 // som_coord_est
	Nord           float64 // som_coord_nord
	Representation string  // som_representation_plane
	Tolerance      float64 // som_tolerance, meters
	Attested       bool    // attestation_qualite
	NearbyPoint    RemoteID
	Point          orb.Point
}

func (v *Vertex) Kind() Kind             { return KindVertex }
func (v *Vertex) ID() LocalID            { return v.LocalID }
func (v *Vertex) Remote() RemoteID       { return v.RemoteID }
func (v *Vertex) Geometry() orb.Geometry { return v.Point }
func (v *Vertex) setID(id LocalID)       { v.LocalID = id }

func (v *Vertex) Clone() Feature {
	c := *v
	return &c
}

func (v *Vertex) Fields() []Field {
	return []Field{
		{Name: "id_noeud", Value: formatRemote(v.RemoteID), Attr: true},
		{Name: "version", Value: formatInt(v.Version), Attr: true},
		{Name: "som_ge_createur", Value: v.Creator},
		{Name: "som_delimitation_publique", Value: FormatPublic(v.PublicBoundary)},
		{Name: "som_typologie_nature", Value: v.NatureType},
		{Name: "som_nature", Value: v.NatureComment},
		{Name: "som_precision_rattachement", Value: formatInt(v.PrecisionClass)},
		{Name: "som_coord_est", Value: FormatFloat(v.Est)},
		{Name: "som_coord_nord", Value: FormatFloat(v.Nord)},
		{Name: "som_representation_plane", Value: v.Representation},
		{Name: "som_tolerance", Value: FormatFloat(v.Tolerance)},
		{Name: "attestation_qualite", Value: strconv.FormatBool(v.Attested)},
		{Name: "point_rfu_proche", Value: formatRemote(v.NearbyPoint)},
	}
}

// Equal compares every attribute and the geometry. Local ids are ignored.
func (v *Vertex) Equal(other Feature) bool {
	o, ok := other.(*Vertex)
	if !ok {
		return false
	}
	a, b := *v, *o
	a.LocalID, b.LocalID = 0, 0
	return a == b
}

// Edge is a limit-line segment (limite).
type Edge struct {
	LocalID        LocalID
	RemoteID       RemoteID
	Version        int
	Creator        string // lim_ge_createur
	PublicBoundary bool   // lim_delimitation_publique
	NatureType     string // lim_typologie_nature
	Line           orb.LineString
}

func (e *Edge) Kind() Kind             { return KindEdge }
func (e *Edge) ID() LocalID            { return e.LocalID }
func (e *Edge) Remote() RemoteID       { return e.RemoteID }
func (e *Edge) Geometry() orb.Geometry { return e.Line }
func (e *Edge) setID(id LocalID)       { e.LocalID = id }

func (e *Edge) Clone() Feature {
	c := *e
	c.Line = append(orb.LineString(nil), e.Line...)
	return &c
}

func (e *Edge) Fields() []Field {
	return []Field{
		{Name: "id_arc", Value: formatRemote(e.RemoteID), Attr: true},
		{Name: "version", Value: formatInt(e.Version), Attr: true},
		{Name: "lim_ge_createur", Value: e.Creator},
		{Name: "lim_delimitation_publique", Value: FormatPublic(e.PublicBoundary)},
		{Name: "lim_typologie_nature", Value: e.NatureType},
	}
}

// Equal compares every attribute and the geometry. Local ids are ignored.
func (e *Edge) Equal(other Feature) bool {
	o, ok := other.(*Edge)
	if !ok {
		return false
	}
	if e.RemoteID != o.RemoteID || e.Version != o.Version || e.Creator != o.Creator ||
		e.PublicBoundary != o.PublicBoundary || e.NatureType != o.NatureType {
		return false
	}
	return e.Line.Equal(o.Line)
}

// Start and End return the edge endpoints. A malformed edge returns zero points.
func (e *Edge) Start() orb.Point {
	if len(e.Line) == 0 {
		return orb.Point{}
	}
	return e.Line[0]
}

func (e *Edge) End() orb.Point {
	if len(e.Line) == 0 {
		return orb.Point{}
	}
	return e.Line[len(e.Line)-1]
}

// FormatFloat renders a float in its shortest round-trip form.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FormatPublic renders the public-boundary flag the way the server stores it.
func FormatPublic(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

// ParseBool accepts the spellings found in extraction documents and
// user-facing lists ("True", "true", "Oui", "Valide").
func ParseBool(s string) bool {
	switch s {
	case "True", "true", "TRUE", "Oui", "oui", "Valide", "1":
		return true
	}
	return false
}

func formatInt(i int) string {
	if i == 0 {
		return ""
	}
	return strconv.Itoa(i)
}

func formatRemote(r RemoteID) string {
	if r == 0 {
		return ""
	}
	return strconv.FormatInt(int64(r), 10)
}
