package config

import (
	"encoding/json"
	"sort"
)

// Reserved keys of the dxfparams object. Every other key maps a vertex
// nature to a block name.
const (
	keyVertexLayer    = "vtxLyr"
	keyEdgeLayer      = "edgesLyr"
	keyPrecisionClass = "precClass"
)

// DXFParams are the layer and nature correspondences of the last DXF import.
type DXFParams struct {
	VertexLayer    string
	EdgeLayer      string
	PrecisionClass string
	// Natures maps a vertex nature type to the DXF block standing for it.
	Natures map[string]string
}

// MarshalJSON writes the flat object stored on disk.
func (p DXFParams) MarshalJSON() ([]byte, error) {
	flat := map[string]string{}
	for k, v := range p.Natures {
		flat[k] = v
	}
	flat[keyVertexLayer] = p.VertexLayer
	flat[keyEdgeLayer] = p.EdgeLayer
	flat[keyPrecisionClass] = p.PrecisionClass
	return json.Marshal(flat)
}

// UnmarshalJSON reads the flat object stored on disk.
func (p *DXFParams) UnmarshalJSON(data []byte) error {
	var flat map[string]string
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	*p = DXFParams{Natures: map[string]string{}}
	for k, v := range flat {
		switch k {
		case keyVertexLayer:
			p.VertexLayer = v
		case keyEdgeLayer:
			p.EdgeLayer = v
		case keyPrecisionClass:
			p.PrecisionClass = v
		default:
			p.Natures[k] = v
		}
	}
	return nil
}

// NatureNames returns the configured natures in sorted order.
func (p DXFParams) NatureNames() []string {
	names := make([]string, 0, len(p.Natures))
	for k := range p.Natures {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type dxfParamsFile struct {
	Params DXFParams `json:"dxfparams"`
}

// LoadDXFParams reads path. A missing file yields empty parameters.
func LoadDXFParams(path string) (*DXFParams, error) {
	f := dxfParamsFile{Params: DXFParams{Natures: map[string]string{}}}
	if _, err := readJSON(path, &f); err != nil {
		return nil, err
	}
	return &f.Params, nil
}

// SaveDXFParams writes p to path.
func SaveDXFParams(path string, p *DXFParams) error {
	return writeJSON(path, dxfParamsFile{Params: *p}, 0o644)
}
