// Package changeset renders a ledger into the XML document accepted by the
// RFU edit endpoint.
//
// The document looks like:
//
//	<rfu changeset="123">
//	  <sommet id_noeud="" version="" geometrie="POINT(..)" action="create">
//	    <som_ge_createur>..</som_ge_createur>
//	    ...
//	  </sommet>
//	  <limite id_arc="42" version="3" action="delete">...</limite>
//	</rfu>
//
// Elements are emitted by kind and action (vertices created, edges created,
// vertices deleted, edges deleted, vertices updated, edges updated) and by
// ascending local id inside a bucket, so the same ledger always yields the
// same bytes.
package changeset

import (
	"bytes"
	"encoding/xml"
	"fmt"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/rfusync/internal/bounds"
	"github.com/roach88/rfusync/internal/ledger"
	"github.com/roach88/rfusync/internal/rfu"
)

// RootTag is the document root element.
const RootTag = "rfu"

// Element is one feature operation in a document.
type Element struct {
	Kind    rfu.Kind
	LocalID rfu.LocalID
	Action  ledger.Action
	Attrs   []rfu.Field
	Fields  []rfu.Field
}

// Document is a serialized ledger. The changeset id is assigned after
// serialization, once the server has opened the changeset.
type Document struct {
	changeset string
	Elements  []Element
}

// Serialize renders every ledger entry, skipping added features the
// partition excludes. A nil partition exports everything.
func Serialize(l *ledger.Ledger, p *bounds.Partition) *Document {
	doc := &Document{}
	for _, action := range ledger.Actions {
		for _, kind := range rfu.Kinds {
			for _, f := range l.Entries(kind, action) {
				if action == ledger.ActionCreate && !p.Exportable(kind, f.ID()) {
					continue
				}
				doc.Elements = append(doc.Elements, newElement(f, action))
			}
		}
	}
	return doc
}

func newElement(f rfu.Feature, action ledger.Action) Element {
	el := Element{Kind: f.Kind(), LocalID: f.ID(), Action: action}
	for _, field := range f.Fields() {
		field.Value = norm.NFC.String(field.Value)
		if field.Attr {
			el.Attrs = append(el.Attrs, field)
		} else {
			el.Fields = append(el.Fields, field)
		}
	}
	if action == ledger.ActionCreate {
		el.Attrs = append(el.Attrs, rfu.Field{Name: "geometrie", Value: rfu.GeometryWKT(f), Attr: true})
	}
	return el
}

// SetChangeset sets the root changeset attribute.
func (d *Document) SetChangeset(id string) { d.changeset = id }

// Changeset returns the root changeset attribute.
func (d *Document) Changeset() string { return d.changeset }

// Len returns the number of feature elements.
func (d *Document) Len() int { return len(d.Elements) }

// Count returns the number of elements of kind with action.
func (d *Document) Count(kind rfu.Kind, action ledger.Action) int {
	n := 0
	for _, el := range d.Elements {
		if el.Kind == kind && el.Action == action {
			n++
		}
	}
	return n
}

// Marshal renders the compact document without an XML declaration.
func (d *Document) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)

	root := xml.StartElement{Name: xml.Name{Local: RootTag}}
	if d.changeset != "" {
		root.Attr = []xml.Attr{{Name: xml.Name{Local: "changeset"}, Value: d.changeset}}
	}
	if err := enc.EncodeToken(root); err != nil {
		return nil, fmt.Errorf("marshal changeset: %w", err)
	}
	for _, el := range d.Elements {
		if err := encodeElement(enc, el); err != nil {
			return nil, fmt.Errorf("marshal %s %d: %w", el.Kind, el.LocalID, err)
		}
	}
	if err := enc.EncodeToken(root.End()); err != nil {
		return nil, fmt.Errorf("marshal changeset: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return nil, fmt.Errorf("marshal changeset: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeElement(enc *xml.Encoder, el Element) error {
	start := xml.StartElement{Name: xml.Name{Local: el.Kind.Tag()}}
	for _, a := range el.Attrs {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: a.Name}, Value: a.Value})
	}
	start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "action"}, Value: string(el.Action)})

	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, f := range el.Fields {
		child := xml.StartElement{Name: xml.Name{Local: f.Name}}
		if err := enc.EncodeToken(child); err != nil {
			return err
		}
		if f.Value != "" {
			if err := enc.EncodeToken(xml.CharData(f.Value)); err != nil {
				return err
			}
		}
		if err := enc.EncodeToken(child.End()); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
