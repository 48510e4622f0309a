package api

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/roach88/rfusync/internal/rfu"
)

// Determination is one surveyed measurement of a vertex position.
type Determination struct {
	ID           string  `json:"det_id"`
	Creator      string  `json:"det_ge_createur"`
	X            float64 `json:"det_x"`
	Y            float64 `json:"det_y"`
	Class        string  `json:"det_classe"`
	SRS          string  `json:"det_srs"`
	Date         string  `json:"det_date"`
	NodeDistance float64 `json:"det_distance_node"`
	Tolerance    float64 `json:"det_tolerance"`
	Attested     bool    `json:"det_attest_qualite"`
	Changeset    string  `json:"det_cs"`
	Active       bool    `json:"det_statut_actif"`
	StatusDate   string  `json:"det_statut_date_change,omitempty"`
}

// Determinations of one vertex.
type Determinations struct {
	Node    rfu.RemoteID    `json:"id_noeud"`
	Entries []Determination `json:"determinations"`
	// Message is set when the server answered with a notice instead of
	// determinations.
	Message string `json:"message,omitempty"`
}

// ErrCannotCancel is returned when a determination may not be cancelled.
var ErrCannotCancel = errors.New("determination cannot be cancelled")

// Active returns the number of valid determinations.
func (d *Determinations) Active() int {
	n := 0
	for _, e := range d.Entries {
		if e.Active {
			n++
		}
	}
	return n
}

// CheckCancel applies the cancellation rules: the determination must exist,
// still be valid, and not be the only valid one.
func (d *Determinations) CheckCancel(id string) error {
	for _, e := range d.Entries {
		if e.ID != id {
			continue
		}
		if !e.Active {
			return fmt.Errorf("determination %s is already cancelled: %w", id, ErrCannotCancel)
		}
		if d.Active() == 1 {
			return fmt.Errorf("determination %s is the only valid one of vertex %d: %w", id, d.Node, ErrCannotCancel)
		}
		return nil
	}
	return fmt.Errorf("determination %s not found on vertex %d: %w", id, d.Node, ErrCannotCancel)
}

type determinationsDoc struct {
	Erreur *string `xml:"erreur"`
	Sommet struct {
		IDNoeud int64 `xml:"id_noeud,attr"`
		Entries []struct {
			ID           string `xml:"det_id,attr"`
			Message      string `xml:"Message,attr"`
			Creator      string `xml:"det_ge_createur"`
			X            string `xml:"det_x"`
			Y            string `xml:"det_y"`
			Class        string `xml:"det_classe"`
			SRS          string `xml:"det_srs"`
			Date         string `xml:"det_date"`
			NodeDistance string `xml:"det_distance_node"`
			Tolerance    string `xml:"det_tolerance"`
			Attested     string `xml:"det_attest_qualite"`
			Changeset    string `xml:"det_cs"`
			Active       string `xml:"det_statut_actif"`
			StatusDate   string `xml:"det_statut_date_change"`
		} `xml:"determination"`
	} `xml:"sommet"`
}

// ParseDeterminations decodes a sommet determination document.
func ParseDeterminations(body []byte) (*Determinations, error) {
	var doc determinationsDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse determinations: %w", err)
	}
	if doc.Erreur != nil {
		return nil, &RemoteRejected{Op: "determinations", Status: http.StatusOK,
			Messages: []LogMessage{{Type: "erreur", Text: strings.TrimSpace(*doc.Erreur)}}}
	}

	out := &Determinations{Node: rfu.RemoteID(doc.Sommet.IDNoeud), Entries: []Determination{}}
	for _, e := range doc.Sommet.Entries {
		if e.ID == "" && e.Message != "" {
			out.Message = strings.TrimSpace(e.Message)
			continue
		}
		d := Determination{
			ID:         strings.TrimSpace(e.ID),
			Creator:    strings.TrimSpace(e.Creator),
			Class:      strings.TrimSpace(e.Class),
			SRS:        strings.TrimSpace(e.SRS),
			Date:       strings.TrimSpace(e.Date),
			Attested:   rfu.ParseBool(strings.TrimSpace(e.Attested)),
			Changeset:  strings.TrimSpace(e.Changeset),
			Active:     rfu.ParseBool(strings.TrimSpace(e.Active)),
			StatusDate: strings.TrimSpace(e.StatusDate),
		}
		var err error
		for _, f := range []struct {
			dst *float64
			src string
		}{{&d.X, e.X}, {&d.Y, e.Y}, {&d.NodeDistance, e.NodeDistance}, {&d.Tolerance, e.Tolerance}} {
			if *f.dst, err = parseFloat(f.src); err != nil {
				return nil, fmt.Errorf("parse determinations: %s: %w", d.ID, err)
			}
		}
		out.Entries = append(out.Entries, d)
	}
	return out, nil
}

// Determinations fetches the determinations of a vertex.
func (c *Client) Determinations(ctx context.Context, node rfu.RemoteID, zone string) (*Determinations, error) {
	id := FormatID(int64(node))
	resp, err := c.call(ctx, http.MethodGet, onRFU, "rfuoge/sommet/"+id,
		url.Values{"id_sommet": {id}, "r": {"determination"}, "zone": {zone}}, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, Rejection("determinations", resp)
	}
	return ParseDeterminations(resp.Body)
}

// CancelDetermination cancels determination det of a vertex.
func (c *Client) CancelDetermination(ctx context.Context, node rfu.RemoteID, det, zone string) error {
	id := FormatID(int64(node))
	resp, err := c.call(ctx, http.MethodPut, onRFU, "rfuoge/sommet/"+id,
		url.Values{"r": {"determination"}, "id": {det}, "statut": {"cancel"}, "zone": {zone}}, nil)
	if err != nil {
		return err
	}
	if !resp.OK() {
		return Rejection("cancel determination", resp)
	}
	return nil
}
