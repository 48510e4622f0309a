package api

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Capabilities are the rules of a zone.
type Capabilities struct {
	Zone string `json:"zone"`
	// Tolerance is the distance under which two points are the same, meters.
	Tolerance            float64          `json:"tolerance"`
	PrecisionClasses     []PrecisionClass `json:"precision_classes"`
	Representations      []Representation `json:"representations"`
	VertexNatureTypes    []string         `json:"vertex_nature_types"`
	AdvisedVertexNatures []string         `json:"advised_vertex_natures"`
	EdgeNatureTypes      []string         `json:"edge_nature_types"`
	Creators             []Creator        `json:"creators"`
}

// PrecisionClass is an allowed som_precision_rattachement value.
type PrecisionClass struct {
	Code  int    `json:"code"`
	Label string `json:"label"`
}

// Representation is an allowed planar system for vertex coordinates.
type Representation struct {
	Code  string `json:"code"`
	EPSG  int    `json:"epsg"`
	Label string `json:"label"`
}

// Creator is a surveyor allowed to author features in the zone.
type Creator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Representation returns the allowed planar system with the given code.
func (c *Capabilities) Representation(code string) (Representation, bool) {
	for _, r := range c.Representations {
		if r.Code == code {
			return r, true
		}
	}
	return Representation{}, false
}

// HasPrecision reports whether code is an allowed precision class.
func (c *Capabilities) HasPrecision(code int) bool {
	for _, p := range c.PrecisionClasses {
		if p.Code == code {
			return true
		}
	}
	return false
}

// PrecisionByLabel returns the code of the precision class labelled label.
// An unknown label falls back to the second class, the usual default.
func (c *Capabilities) PrecisionByLabel(label string) int {
	for _, p := range c.PrecisionClasses {
		if p.Label == label {
			return p.Code
		}
	}
	if len(c.PrecisionClasses) > 1 {
		return c.PrecisionClasses[1].Code
	}
	if len(c.PrecisionClasses) == 1 {
		return c.PrecisionClasses[0].Code
	}
	return 0
}

// HasCreator reports whether id is an allowed creator.
func (c *Capabilities) HasCreator(id string) bool {
	for _, cr := range c.Creators {
		if cr.ID == id {
			return true
		}
	}
	return false
}

type capabilitiesDoc struct {
	Erreur     *string `xml:"erreur"`
	Tolerance  string  `xml:"tolerance"`
	Precisions []struct {
		Code  string `xml:"som_precision_rattachement,attr"`
		Label string `xml:",chardata"`
	} `xml:"classe_rattachement>classe"`
	Representations []struct {
		Code  string `xml:"som_representation_plane,attr"`
		EPSG  string `xml:"epsg_crs_id,attr"`
		Label string `xml:",chardata"`
	} `xml:"representation_plane_sommet_autorise>representation_plane_sommet"`
	VertexNatureTypes    []string `xml:"typologie_nature_sommet>nature"`
	AdvisedVertexNatures []string `xml:"nature_sommet_conseille>nature"`
	EdgeNatureTypes      []string `xml:"typologie_nature_limite>nature"`
	Creators             []struct {
		ID   string `xml:"num_ge,attr"`
		Name string `xml:",chardata"`
	} `xml:"som_ge_createur_autorise>som_ge_createur"`
}

// ParseCapabilities decodes a getcapabilities document.
func ParseCapabilities(zone string, body []byte) (*Capabilities, error) {
	var doc capabilitiesDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse capabilities: %w", err)
	}
	if doc.Erreur != nil {
		return nil, &RemoteRejected{Op: "getcapabilities", Status: http.StatusOK,
			Messages: []LogMessage{{Type: "erreur", Text: strings.TrimSpace(*doc.Erreur)}}}
	}

	tol, err := parseFloat(doc.Tolerance)
	if err != nil {
		return nil, fmt.Errorf("parse capabilities: tolerance: %w", err)
	}
	caps := &Capabilities{
		Zone:                 zone,
		Tolerance:            tol,
		PrecisionClasses:     []PrecisionClass{},
		Representations:      []Representation{},
		VertexNatureTypes:    trimAll(doc.VertexNatureTypes),
		AdvisedVertexNatures: trimAll(doc.AdvisedVertexNatures),
		EdgeNatureTypes:      trimAll(doc.EdgeNatureTypes),
		Creators:             []Creator{},
	}
	for _, p := range doc.Precisions {
		code, err := strconv.Atoi(strings.TrimSpace(p.Code))
		if err != nil {
			return nil, fmt.Errorf("parse capabilities: precision class %q: %w", p.Code, err)
		}
		caps.PrecisionClasses = append(caps.PrecisionClasses, PrecisionClass{Code: code, Label: strings.TrimSpace(p.Label)})
	}
	for _, r := range doc.Representations {
		epsg, err := strconv.Atoi(strings.TrimSpace(r.EPSG))
		if err != nil {
			return nil, fmt.Errorf("parse capabilities: representation %q epsg: %w", r.Code, err)
		}
		caps.Representations = append(caps.Representations, Representation{
			Code:  strings.TrimSpace(r.Code),
			EPSG:  epsg,
			Label: strings.TrimSpace(r.Label),
		})
	}
	for _, cr := range doc.Creators {
		caps.Creators = append(caps.Creators, Creator{ID: strings.TrimSpace(cr.ID), Name: strings.TrimSpace(cr.Name)})
	}
	return caps, nil
}

// Capabilities fetches the rules of zone.
func (c *Client) Capabilities(ctx context.Context, zone string) (*Capabilities, error) {
	resp, err := c.call(ctx, http.MethodGet, onRFU, "rfuoge/getcapabilities", url.Values{"zone": {zone}}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, Rejection("getcapabilities", resp)
	}
	return ParseCapabilities(zone, resp.Body)
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}
