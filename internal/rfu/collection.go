package rfu

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a local id is not part of a collection.
var ErrNotFound = errors.New("feature not found")

// Collection is an insertion-ordered set of features of one kind, keyed by
// local id. It stands in for the map layer the surveyor edits.
type Collection struct {
	kind  Kind
	order []LocalID
	items map[LocalID]Feature
	next  LocalID
}

// NewCollection returns an empty collection for kind.
func NewCollection(kind Kind) *Collection {
	return &Collection{
		kind:  kind,
		items: make(map[LocalID]Feature),
		next:  -1,
	}
}

// Kind returns the collection kind.
func (c *Collection) Kind() Kind { return c.kind }

// Len returns the number of features.
func (c *Collection) Len() int { return len(c.items) }

// Insert stores f under its own local id.
func (c *Collection) Insert(f Feature) error {
	if f.Kind() != c.kind {
		return fmt.Errorf("insert %s into %s collection", f.Kind(), c.kind)
	}
	if _, exists := c.items[f.ID()]; exists {
		return fmt.Errorf("insert %s %d: duplicate local id", c.kind, f.ID())
	}
	c.items[f.ID()] = f
	c.order = append(c.order, f.ID())
	return nil
}

// AddNew assigns the next negative local id to f and stores it.
func (c *Collection) AddNew(f Feature) (LocalID, error) {
	id := c.next
	for c.items[id] != nil {
		id--
	}
	c.next = id - 1
	f.setID(id)
	if err := c.Insert(f); err != nil {
		return 0, err
	}
	return id, nil
}

// Get returns the feature with the given local id.
func (c *Collection) Get(id LocalID) (Feature, bool) {
	f, ok := c.items[id]
	return f, ok
}

// Replace swaps the stored feature that has f's local id.
func (c *Collection) Replace(f Feature) error {
	if _, ok := c.items[f.ID()]; !ok {
		return fmt.Errorf("replace %s %d: %w", c.kind, f.ID(), ErrNotFound)
	}
	c.items[f.ID()] = f
	return nil
}

// Remove deletes and returns the feature with the given local id.
func (c *Collection) Remove(id LocalID) (Feature, error) {
	f, ok := c.items[id]
	if !ok {
		return nil, fmt.Errorf("remove %s %d: %w", c.kind, id, ErrNotFound)
	}
	delete(c.items, id)
	for i, oid := range c.order {
		if oid == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return f, nil
}

// FindRemote returns the feature carrying the given server id.
func (c *Collection) FindRemote(r RemoteID) (Feature, bool) {
	if !r.Known() {
		return nil, false
	}
	for _, id := range c.order {
		if f := c.items[id]; f.Remote() == r {
			return f, true
		}
	}
	return nil, false
}

// All returns the features in insertion order.
func (c *Collection) All() []Feature {
	out := make([]Feature, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

// Vertices returns the vertex features in insertion order.
// It returns an empty slice for an edge collection.
func (c *Collection) Vertices() []*Vertex {
	out := []*Vertex{}
	for _, f := range c.All() {
		if v, ok := f.(*Vertex); ok {
			out = append(out, v)
		}
	}
	return out
}

// Edges returns the edge features in insertion order.
func (c *Collection) Edges() []*Edge {
	out := []*Edge{}
	for _, f := range c.All() {
		if e, ok := f.(*Edge); ok {
			out = append(out, e)
		}
	}
	return out
}
