package api

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/roach88/rfusync/internal/rfu"
)

// Extraction is the content of a downloaded working area. Local ids are
// 1..n per kind in document order.
type Extraction struct {
	Vertices []*rfu.Vertex
	Edges    []*rfu.Edge
}

type extractionDoc struct {
	Erreur  *string      `xml:"erreur"`
	Sommets []sommetElem `xml:"sommet"`
	Limites []limiteElem `xml:"limite"`
}

type sommetElem struct {
	IDNoeud        int64  `xml:"id_noeud,attr"`
	Version        int    `xml:"version,attr"`
	Geometrie      string `xml:"geometrie,attr"`
	Createur       string `xml:"som_ge_createur"`
	DelimPublique  string `xml:"som_delimitation_publique"`
	TypoNature     string `xml:"som_typologie_nature"`
	Nature         string `xml:"som_nature"`
	Precision      string `xml:"som_precision_rattachement"`
	CoordEst       string `xml:"som_coord_est"`
	CoordNord      string `xml:"som_coord_nord"`
	Representation string `xml:"som_representation_plane"`
	Tolerance      string `xml:"som_tolerance"`
}

type limiteElem struct {
	IDArc         int64  `xml:"id_arc,attr"`
	Version       int    `xml:"version,attr"`
	Geometrie     string `xml:"geometrie,attr"`
	Createur      string `xml:"lim_ge_createur"`
	DelimPublique string `xml:"lim_delimitation_publique"`
	TypoNature    string `xml:"lim_typologie_nature"`
}

// ParseExtraction decodes an extraction document.
func ParseExtraction(body []byte) (*Extraction, error) {
	var doc extractionDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse extraction: %w", err)
	}
	if doc.Erreur != nil {
		return nil, &RemoteRejected{Op: "extraction", Status: http.StatusOK,
			Messages: []LogMessage{{Type: "erreur", Text: strings.TrimSpace(*doc.Erreur)}}}
	}

	out := &Extraction{
		Vertices: make([]*rfu.Vertex, 0, len(doc.Sommets)),
		Edges:    make([]*rfu.Edge, 0, len(doc.Limites)),
	}
	for i, s := range doc.Sommets {
		pt, err := rfu.ParsePoint(s.Geometrie)
		if err != nil {
			return nil, fmt.Errorf("parse extraction: sommet %d: %w", s.IDNoeud, err)
		}
		v := &rfu.Vertex{
			LocalID:        rfu.LocalID(i + 1),
			RemoteID:       rfu.RemoteID(s.IDNoeud),
			Version:        s.Version,
			Creator:        strings.TrimSpace(s.Createur),
			PublicBoundary: rfu.ParseBool(strings.TrimSpace(s.DelimPublique)),
			NatureType:     strings.TrimSpace(s.TypoNature),
			NatureComment:  strings.TrimSpace(s.Nature),
			Representation: strings.TrimSpace(s.Representation),
			Point:          pt,
		}
		if v.PrecisionClass, err = parseInt(s.Precision); err != nil {
			return nil, fmt.Errorf("parse extraction: sommet %d precision: %w", s.IDNoeud, err)
		}
		if v.Est, err = parseFloat(s.CoordEst); err != nil {
			return nil, fmt.Errorf("parse extraction: sommet %d est: %w", s.IDNoeud, err)
		}
		if v.Nord, err = parseFloat(s.CoordNord); err != nil {
			return nil, fmt.Errorf("parse extraction: sommet %d nord: %w", s.IDNoeud, err)
		}
		if v.Tolerance, err = parseFloat(s.Tolerance); err != nil {
			return nil, fmt.Errorf("parse extraction: sommet %d tolerance: %w", s.IDNoeud, err)
		}
		out.Vertices = append(out.Vertices, v)
	}
	for i, l := range doc.Limites {
		line, err := rfu.ParseLine(l.Geometrie)
		if err != nil {
			return nil, fmt.Errorf("parse extraction: limite %d: %w", l.IDArc, err)
		}
		out.Edges = append(out.Edges, &rfu.Edge{
			LocalID:        rfu.LocalID(i + 1),
			RemoteID:       rfu.RemoteID(l.IDArc),
			Version:        l.Version,
			Creator:        strings.TrimSpace(l.Createur),
			PublicBoundary: rfu.ParseBool(strings.TrimSpace(l.DelimPublique)),
			NatureType:     strings.TrimSpace(l.TypoNature),
			Line:           line,
		})
	}
	return out, nil
}

// Extraction downloads the RFU features inside a WGS84 bbox
// (xmin, ymin, xmax, ymax).
func (c *Client) Extraction(ctx context.Context, bbox [4]float64) (*Extraction, error) {
	parts := make([]string, len(bbox))
	for i, f := range bbox {
		parts[i] = rfu.FormatFloat(f)
	}
	resp, err := c.call(ctx, http.MethodGet, onRFU, "rfuoge/extraction",
		url.Values{"bbox": {strings.Join(parts, ",")}}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, Rejection("extraction", resp)
	}
	return ParseExtraction(resp.Body)
}

func parseInt(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func parseFloat(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
