package state

import (
	"sort"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// Collection holds the records of one content kind together with the delta
// of the last applied request.
type Collection struct {
	Kind   change.Kind
	Loaded bool

	records map[string]change.Document
	// markers keeps the marker of the last request that touched each id,
	// including ids that have since been deleted.
	markers map[string]change.Marker

	created map[string]struct{}
	updated map[string]struct{}
	deleted map[string]struct{}
}

func newCollection(kind change.Kind) *Collection {
	return &Collection{
		Kind:    kind,
		records: make(map[string]change.Document),
		markers: make(map[string]change.Marker),
		created: make(map[string]struct{}),
		updated: make(map[string]struct{}),
		deleted: make(map[string]struct{}),
	}
}

func (c *Collection) Len() int {
	return len(c.records)
}

func (c *Collection) Has(id string) bool {
	_, ok := c.records[id]
	return ok
}

// Get returns a copy of the record.
func (c *Collection) Get(id string) (change.Document, bool) {
	doc, ok := c.records[id]
	if !ok {
		return nil, false
	}
	return change.Clone(doc), true
}

// IDs returns the ids of every live record, sorted.
func (c *Collection) IDs() []string {
	ids := make([]string, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Marker returns the marker of the last request that touched id.
func (c *Collection) Marker(id string) (change.Marker, bool) {
	marker, ok := c.markers[id]
	return marker, ok
}

func (c *Collection) Created() []string { return sortedSet(c.created) }
func (c *Collection) Updated() []string { return sortedSet(c.updated) }
func (c *Collection) Deleted() []string { return sortedSet(c.deleted) }

// Changed reports whether the last applied request touched this collection.
func (c *Collection) Changed() bool {
	return len(c.created)+len(c.updated)+len(c.deleted) > 0
}

func (c *Collection) resetDelta() {
	clear(c.created)
	clear(c.updated)
	clear(c.deleted)
}

func (c *Collection) apply(payload change.Payload, marker change.Marker, before map[string]bool) {
	remember := func(id string) {
		if _, seen := before[id]; !seen {
			before[id] = c.Has(id)
		}
		c.markers[id] = marker
	}
	for id, doc := range payload.Sets {
		remember(id)
		c.records[id] = change.Clone(doc)
	}
	for id, patch := range payload.Updates {
		current, ok := c.records[id]
		if !ok {
			continue
		}
		remember(id)
		c.records[id] = change.Merge(current, patch)
	}
	for _, id := range payload.Deletes {
		if !c.Has(id) {
			continue
		}
		remember(id)
		delete(c.records, id)
	}
}

func (c *Collection) recordDelta(before map[string]bool) {
	for id, existed := range before {
		exists := c.Has(id)
		switch {
		case !existed && exists:
			c.created[id] = struct{}{}
		case existed && !exists:
			c.deleted[id] = struct{}{}
		case existed && exists:
			c.updated[id] = struct{}{}
		}
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
