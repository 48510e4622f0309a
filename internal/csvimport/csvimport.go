// Package csvimport reads the semicolon separated point and limit lists
// exported by field survey software and adds them to an editing surface.
//
// A file mixes two kinds of rows:
//
//	Sommet;12;1870010.25;9210004.50;1;Borne
//	Limite;12;13;14
//
// A Sommet row gives a point number, its planar coordinates, an optional
// precision class and an optional nature. A Limite row chains point
// numbers; each consecutive pair becomes an edge. Files are UTF-8 or
// ISO-8859-1.
package csvimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/paulmach/orb"
	"golang.org/x/text/encoding/charmap"

	"github.com/roach88/rfusync/internal/proj"
	"github.com/roach88/rfusync/internal/rfu"
	"github.com/roach88/rfusync/internal/surface"
)

// ErrUnknownPoint is returned when a Limite row names a point no Sommet
// row defines.
var ErrUnknownPoint = errors.New("unknown point number")

// Row kinds.
const (
	rowVertex = "Sommet"
	rowLimit  = "Limite"
)

// Point is a Sommet row.
type Point struct {
	Num        string
	Planar     orb.Point
	Precision  int
	NatureType string
}

// Plan is the content of a file.
type Plan struct {
	Points []Point
	// Limits are chains of point numbers.
	Limits [][]string
}

// Read parses a point and limit list.
func Read(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		if data, err = charmap.ISO8859_1.NewDecoder().Bytes(data); err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
	}

	cr := csv.NewReader(bytes.NewReader(data))
	cr.Comma = ';'
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	plan := &Plan{Points: []Point{}, Limits: [][]string{}}
	seen := map[string]bool{}
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		switch strings.TrimSpace(row[0]) {
		case rowVertex:
			p, ok, err := parsePoint(row)
			if err != nil {
				return nil, fmt.Errorf("read csv: line %d: %w", line, err)
			}
			if !ok {
				continue
			}
			if seen[p.Num] {
				return nil, fmt.Errorf("read csv: line %d: point %q defined twice", line, p.Num)
			}
			seen[p.Num] = true
			plan.Points = append(plan.Points, p)
		case rowLimit:
			chain := []string{}
			for _, num := range row[1:] {
				if num = strings.TrimSpace(num); num != "" {
					chain = append(chain, num)
				}
			}
			if len(chain) > 0 {
				plan.Limits = append(plan.Limits, chain)
			}
		}
	}

	for _, chain := range plan.Limits {
		for _, num := range chain {
			if !seen[num] {
				return nil, fmt.Errorf("read csv: limit %s: %q: %w", strings.Join(chain, "-"), num, ErrUnknownPoint)
			}
		}
	}
	return plan, nil
}

// parsePoint reads a Sommet row. Rows without coordinates are skipped.
func parsePoint(row []string) (Point, bool, error) {
	field := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	p := Point{Num: field(1), NatureType: field(5)}
	if field(2) == "" || field(3) == "" {
		return p, false, nil
	}
	x, err := strconv.ParseFloat(field(2), 64)
	if err != nil {
		return p, false, fmt.Errorf("point %q: x: %w", p.Num, err)
	}
	y, err := strconv.ParseFloat(field(3), 64)
	if err != nil {
		return p, false, fmt.Errorf("point %q: y: %w", p.Num, err)
	}
	p.Planar = orb.Point{x, y}
	if prec := field(4); prec != "" {
		if p.Precision, err = strconv.Atoi(prec); err != nil {
			return p, false, fmt.Errorf("point %q: precision: %w", p.Num, err)
		}
	}
	return p, true, nil
}

// Options control how rows become features.
type Options struct {
	// Projection is the planar system of the coordinates.
	Projection     proj.Projection
	Representation string
	Creator        string
	// PrecisionClass and NatureType apply to points that give none.
	PrecisionClass int
	NatureType     string
	Logger         *slog.Logger
}

// Result counts what an import did.
type Result struct {
	Vertices   int `json:"vertices"`
	Edges      int `json:"edges"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

// Import adds the points then the limits of plan to s. A point falling on
// an existing vertex is not created; limits through it use that vertex.
func Import(s *surface.Surface, plan *Plan, opts Options) (Result, error) {
	if opts.Projection == nil {
		return Result{}, fmt.Errorf("import csv: %w", proj.ErrUnsupportedCRS)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var res Result
	attach := map[string]orb.Point{}
	for _, p := range plan.Points {
		planar := round(p.Planar)
		v := &rfu.Vertex{
			Creator:        opts.Creator,
			NatureType:     p.NatureType,
			PrecisionClass: p.Precision,
			Est:            planar[0],
			Nord:           planar[1],
			Representation: opts.Representation,
			Point:          opts.Projection.Inverse(planar),
		}
		if v.NatureType == "" {
			v.NatureType = opts.NatureType
		}
		if v.PrecisionClass == 0 {
			v.PrecisionClass = opts.PrecisionClass
		}

		_, err := s.AddVertex(v)
		var dup *surface.DuplicateError
		if errors.As(err, &dup) {
			res.Duplicates++
			attach[p.Num] = dup.Existing.Point
			logger.Debug("csv point already a vertex", "num", p.Num, "id_noeud", dup.Existing.RemoteID)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("import csv: point %q: %w", p.Num, err)
		}
		attach[p.Num] = v.Point
		res.Vertices++
	}

	done := map[[2]orb.Point]bool{}
	for _, chain := range plan.Limits {
		for i := 1; i < len(chain); i++ {
			a, b := attach[chain[i-1]], attach[chain[i]]
			if a.Equal(b) || done[[2]orb.Point{a, b}] || done[[2]orb.Point{b, a}] {
				res.Skipped++
				continue
			}
			done[[2]orb.Point{a, b}] = true
			if _, err := s.AddEdge(&rfu.Edge{Creator: opts.Creator, Line: orb.LineString{a, b}}); err != nil {
				return res, fmt.Errorf("import csv: limit %s-%s: %w", chain[i-1], chain[i], err)
			}
			res.Edges++
		}
	}
	logger.Info("csv imported",
		"vertices", res.Vertices,
		"edges", res.Edges,
		"duplicates", res.Duplicates)
	return res, nil
}

// ReadFile reads the plan at path.
func ReadFile(path string) (*Plan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("import csv: %w", err)
	}
	defer f.Close()
	return Read(f)
}

func round(p orb.Point) orb.Point {
	return orb.Point{math.Round(p[0]*100) / 100, math.Round(p[1]*100) / 100}
}
