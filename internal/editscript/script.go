// Package editscript reads YAML edit scripts and applies them to a
// session's editing surface.
//
// A script names the working area (permalink), the dossier the upload is
// filed under and an ordered list of edits:
//
//	name: bornage lot 12
//	permalink: https://api.geofoncier.fr/...?context=metropole&centre=[500000,6600000]&echelle=200
//	dossier: D-2024-001
//	projection: RGF93CC50
//	edits:
//	  - op: add_vertex
//	    ref: a
//	    est: 1870010.25
//	    nord: 9210004.5
//	    nature_type: Borne
//	  - op: add_edge
//	    from: a
//	    to: "#1001"
//	  - op: attest
//	    id: 1002
//	  - op: cut_limit
//	    id: 2001
//	    at: [a]
//	  - op: import_csv
//	    file: lot12.csv
//
// Scripts are checked against an embedded CUE schema before they are
// decoded, so typos and misplaced fields are rejected up front.
package editscript

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Step operations.
const (
	OpAddVertex = "add_vertex"
	OpAddEdge   = "add_edge"
	OpModify    = "modify"
	OpRemove    = "remove"
	OpAttest    = "attest"
	OpImportDXF = "import_dxf"
	OpImportCSV = "import_csv"
	OpCutLimit  = "cut_limit"
)

// ErrInvalidScript is wrapped by every schema violation.
var ErrInvalidScript = errors.New("invalid edit script")

// ValidationError reports why a script does not match the schema.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidScript, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidScript }

// Script is a parsed edit script.
type Script struct {
	Name       string `yaml:"name"`
	Permalink  string `yaml:"permalink"`
	Dossier    string `yaml:"dossier,omitempty"`
	Comment    string `yaml:"comment,omitempty"`
	Projection string `yaml:"projection,omitempty"`
	Creator    string `yaml:"creator,omitempty"`
	Edits      []Step `yaml:"edits"`

	// Dir resolves relative import file paths. Set by Load.
	Dir string `yaml:"-"`
}

// Step is one edit. Which fields apply depends on Op.
type Step struct {
	Op string `yaml:"op"`

	// add_vertex
	Ref  string   `yaml:"ref,omitempty"`
	Est  *float64 `yaml:"est,omitempty"`
	Nord *float64 `yaml:"nord,omitempty"`

	// add_edge
	From string `yaml:"from,omitempty"`
	To   string `yaml:"to,omitempty"`

	// shared by the add operations
	NatureType string `yaml:"nature_type,omitempty"`
	Nature     string `yaml:"nature,omitempty"`
	Precision  int    `yaml:"precision,omitempty"`
	Public     bool   `yaml:"public,omitempty"`
	Creator    string `yaml:"creator,omitempty"`

	// modify, remove, attest, cut_limit
	Kind string         `yaml:"kind,omitempty"`
	ID   int64          `yaml:"id,omitempty"`
	Set  map[string]any `yaml:"set,omitempty"`

	// cut_limit: refs of the new vertices cutting the limit
	At []string `yaml:"at,omitempty"`

	// import_dxf, import_csv
	File        string `yaml:"file,omitempty"`
	EdgeLayer   string `yaml:"edge_layer,omitempty"`
	VertexLayer string `yaml:"vertex_layer,omitempty"`
}

// Load reads and parses the script at path.
func Load(path string) (*Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read edit script: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Dir = filepath.Dir(path)
	return s, nil
}

// Parse validates data against the schema and decodes it.
func Parse(data []byte) (*Script, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validate(doc); err != nil {
		return nil, err
	}

	var s Script
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &s, nil
}

func validate(doc any) error {
	if doc == nil {
		return &ValidationError{Message: "empty document"}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile edit script schema: %w", err)
	}

	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return &ValidationError{Message: cueerrors.Details(err, nil)}
	}

	res := schema.LookupPath(cue.ParsePath("#Script")).Unify(v)
	if err := res.Validate(cue.Concrete(true)); err != nil {
		return &ValidationError{Message: cueerrors.Details(err, nil)}
	}
	return nil
}
