// Package change defines the change request: the wire and storage
// representation of one atomic edit to a project.
package change

import (
	"fmt"
	"sort"
	"strings"
)

// Kind tags a payload with the entity collection it targets.
type Kind string

const (
	KindProject       Kind = "project"
	KindElement       Kind = "element"
	KindDesignSystem  Kind = "designSystem"
	KindAsset         Kind = "asset"
	KindCodeComponent Kind = "codeComponent"
	KindDataset       Kind = "dataset"
)

// ContentKinds lists every kind backed by a content collection, in a stable
// order. The project singleton is not a collection.
var ContentKinds = []Kind{
	KindElement,
	KindDesignSystem,
	KindAsset,
	KindCodeComponent,
	KindDataset,
}

func (k Kind) Valid() bool {
	if k == KindProject {
		return true
	}
	for _, kind := range ContentKinds {
		if k == kind {
			return true
		}
	}
	return false
}

func ParseKind(value string) (Kind, error) {
	kind := Kind(strings.TrimSpace(value))
	if !kind.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, value)
	}
	return kind, nil
}

// Document is a JSON-shaped record: string keys, values limited to nil,
// bool, float64, string, []any and nested map[string]any.
type Document = map[string]any

// Payload carries the set/update/delete instructions for one entity kind.
type Payload struct {
	Kind    Kind                `json:"kind"`
	Sets    map[string]Document `json:"sets,omitempty"`
	Updates map[string]Document `json:"updates,omitempty"`
	Deletes []string            `json:"deletes,omitempty"`
}

// Set builds a payload that creates or replaces one document.
func Set(kind Kind, id string, doc Document) Payload {
	return Payload{Kind: kind, Sets: map[string]Document{id: doc}}
}

// Update builds a payload that patches one document.
func Update(kind Kind, id string, patch Document) Payload {
	return Payload{Kind: kind, Updates: map[string]Document{id: patch}}
}

// Delete builds a payload that removes documents.
func Delete(kind Kind, ids ...string) Payload {
	return Payload{Kind: kind, Deletes: append([]string(nil), ids...)}
}

func (p Payload) Empty() bool {
	return len(p.Sets) == 0 && len(p.Updates) == 0 && len(p.Deletes) == 0
}

// IDs returns every id touched by the payload, sorted.
func (p Payload) IDs() []string {
	ids := make([]string, 0, len(p.Sets)+len(p.Updates)+len(p.Deletes))
	for id := range p.Sets {
		ids = append(ids, id)
	}
	for id := range p.Updates {
		ids = append(ids, id)
	}
	ids = append(ids, p.Deletes...)
	sort.Strings(ids)
	return ids
}

func (p Payload) Validate() error {
	if !p.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, p.Kind)
	}
	seen := make(map[string]struct{}, len(p.Sets)+len(p.Updates)+len(p.Deletes))
	check := func(id string) error {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w in %s payload", ErrEmptyID, p.Kind)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: %s %q", ErrDuplicateID, p.Kind, id)
		}
		seen[id] = struct{}{}
		return nil
	}
	for id := range p.Sets {
		if err := check(id); err != nil {
			return err
		}
	}
	for id := range p.Updates {
		if err := check(id); err != nil {
			return err
		}
	}
	for _, id := range p.Deletes {
		if err := check(id); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a normalized deep copy of the payload.
func (p Payload) Clone() Payload {
	out := Payload{Kind: p.Kind}
	if len(p.Sets) > 0 {
		out.Sets = make(map[string]Document, len(p.Sets))
		for id, doc := range p.Sets {
			out.Sets[id], _ = Normalize(doc)
		}
	}
	if len(p.Updates) > 0 {
		out.Updates = make(map[string]Document, len(p.Updates))
		for id, doc := range p.Updates {
			out.Updates[id], _ = Normalize(doc)
		}
	}
	if len(p.Deletes) > 0 {
		out.Deletes = append([]string(nil), p.Deletes...)
	}
	return out
}

// Request is one atomic edit. It is immutable once built.
type Request struct {
	Marker    Marker    `json:"changeMarker"`
	ProjectID string    `json:"projectId"`
	AuthorID  string    `json:"authorId"`
	Payload   []Payload `json:"payload"`
}

// NewRequest validates the payload and copies every document so later
// mutation by the caller cannot reach the request.
func NewRequest(projectID, authorID string, marker Marker, payload []Payload) (Request, error) {
	req := Request{
		Marker:    marker,
		ProjectID: projectID,
		AuthorID:  authorID,
		Payload:   make([]Payload, 0, len(payload)),
	}
	for _, item := range payload {
		if item.Empty() {
			continue
		}
		req.Payload = append(req.Payload, item.Clone())
	}
	if err := req.Validate(); err != nil {
		return Request{}, err
	}
	return req, nil
}

func (r Request) Validate() error {
	if strings.TrimSpace(r.ProjectID) == "" {
		return ErrMissingProject
	}
	if r.Marker.IsZero() {
		return ErrMissingMarker
	}
	for _, item := range r.Payload {
		if err := item.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Touches groups the ids touched by the request by kind.
func (r Request) Touches() map[Kind][]string {
	out := make(map[Kind][]string)
	for _, item := range r.Payload {
		out[item.Kind] = append(out[item.Kind], item.IDs()...)
	}
	return out
}

// Empty reports whether the request carries no instructions.
func (r Request) Empty() bool {
	for _, item := range r.Payload {
		if !item.Empty() {
			return false
		}
	}
	return true
}
