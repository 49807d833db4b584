// Package state holds the in-memory model of one open project.
//
// A Project is owned by a single coordinator and is not safe for concurrent
// use; callers serialize access.
package state

import (
	"sort"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// Classifier decides which element records are boards.
type Classifier interface {
	IsBoard(doc change.Document) bool
}

type ClassifierFunc func(doc change.Document) bool

func (f ClassifierFunc) IsBoard(doc change.Document) bool { return f(doc) }

// DefaultClassifier treats elements whose "type" is "board" as boards.
var DefaultClassifier = ClassifierFunc(func(doc change.Document) bool {
	kind, _ := doc["type"].(string)
	return kind == "board"
})

type Project struct {
	ID string

	doc          change.Document
	marker       change.Marker
	projectDirty bool

	collections map[change.Kind]*Collection

	classifier  Classifier
	boards      []string
	boardsValid bool
}

func New(projectID string, classifier Classifier) *Project {
	if classifier == nil {
		classifier = DefaultClassifier
	}
	p := &Project{
		ID:          projectID,
		collections: make(map[change.Kind]*Collection, len(change.ContentKinds)),
		classifier:  classifier,
	}
	for _, kind := range change.ContentKinds {
		p.collections[kind] = newCollection(kind)
	}
	return p
}

// Collection returns the collection for a content kind, or nil for the
// project kind and unknown kinds.
func (p *Project) Collection(kind change.Kind) *Collection {
	return p.collections[kind]
}

// Document returns a copy of the project singleton, nil before it exists.
func (p *Project) Document() change.Document {
	return change.Clone(p.doc)
}

// Marker returns the marker of the last change applied to the project
// singleton.
func (p *Project) Marker() change.Marker {
	return p.marker
}

// ProjectChanged reports whether the last applied request touched the
// project singleton.
func (p *Project) ProjectChanged() bool {
	return p.projectDirty
}

// Lookup returns the stored record without copying. Callers must not
// modify it. The project kind ignores id.
func (p *Project) Lookup(kind change.Kind, id string) (change.Document, bool) {
	if kind == change.KindProject {
		return p.doc, p.doc != nil
	}
	coll := p.collections[kind]
	if coll == nil {
		return nil, false
	}
	doc, ok := coll.records[id]
	return doc, ok
}

// Apply applies every payload of req in order and replaces the delta sets
// with this request's net effect. Updates and deletes of unknown ids are
// ignored.
func (p *Project) Apply(req change.Request) {
	p.resetDelta()
	before := make(map[change.Kind]map[string]bool, len(p.collections))
	for _, payload := range req.Payload {
		if payload.Kind == change.KindProject {
			p.applyProject(payload, req.Marker)
			continue
		}
		coll := p.collections[payload.Kind]
		if coll == nil {
			continue
		}
		if before[payload.Kind] == nil {
			before[payload.Kind] = make(map[string]bool)
		}
		coll.apply(payload, req.Marker, before[payload.Kind])
	}
	for kind, ids := range before {
		p.collections[kind].recordDelta(ids)
	}
	p.invalidateBoards()
}

func (p *Project) applyProject(payload change.Payload, marker change.Marker) {
	for _, doc := range payload.Sets {
		p.doc = change.Clone(doc)
		p.marker = marker
		p.projectDirty = true
	}
	for _, patch := range payload.Updates {
		if p.doc == nil {
			continue
		}
		p.doc = change.Merge(p.doc, patch)
		p.marker = marker
		p.projectDirty = true
	}
	if len(payload.Deletes) > 0 && p.doc != nil {
		p.doc = nil
		p.marker = marker
		p.projectDirty = true
	}
}

// Entry is one record as delivered by a full remote load.
type Entry struct {
	Data    change.Document `json:"data,omitempty"`
	Marker  change.Marker   `json:"changeMarker"`
	Deleted bool            `json:"deleted,omitempty"`
}

// LoadProject replaces the project singleton with a remote copy.
func (p *Project) LoadProject(doc change.Document, marker change.Marker) {
	p.resetDelta()
	p.doc = change.Clone(doc)
	p.marker = marker
	p.projectDirty = true
}

// Load replaces the records of one collection with a full remote load and
// marks it loaded. Local records absent from entries are removed.
func (p *Project) Load(kind change.Kind, entries map[string]Entry) {
	coll := p.collections[kind]
	if coll == nil {
		return
	}
	p.resetDelta()
	before := make(map[string]bool, len(coll.records)+len(entries))
	for id := range coll.records {
		before[id] = true
	}
	clear(coll.records)
	for id, entry := range entries {
		if _, ok := before[id]; !ok {
			before[id] = false
		}
		if !entry.Marker.IsZero() {
			coll.markers[id] = entry.Marker
		}
		if entry.Deleted {
			continue
		}
		coll.records[id] = change.Clone(entry.Data)
	}
	coll.recordDelta(before)
	coll.Loaded = true
	p.invalidateBoards()
}

// NewerThan reports whether any entity touched by req was last changed by a
// request more recent than req.
func (p *Project) NewerThan(req change.Request) bool {
	for kind, ids := range req.Touches() {
		if kind == change.KindProject {
			if p.marker.After(req.Marker) {
				return true
			}
			continue
		}
		coll := p.collections[kind]
		if coll == nil {
			continue
		}
		for _, id := range ids {
			if marker, ok := coll.markers[id]; ok && marker.After(req.Marker) {
				return true
			}
		}
	}
	return false
}

// Loaded reports whether every collection received its full remote load.
func (p *Project) Loaded() bool {
	for _, coll := range p.collections {
		if !coll.Loaded {
			return false
		}
	}
	return true
}

// Boards returns the ids of board elements, sorted. The list is recomputed
// only when the last change could have altered it.
func (p *Project) Boards() []string {
	if !p.boardsValid {
		elements := p.collections[change.KindElement]
		boards := make([]string, 0)
		for id, doc := range elements.records {
			if p.classifier.IsBoard(doc) {
				boards = append(boards, id)
			}
		}
		sort.Strings(boards)
		p.boards = boards
		p.boardsValid = true
	}
	return append([]string(nil), p.boards...)
}

func (p *Project) invalidateBoards() {
	if !p.boardsValid {
		return
	}
	elements := p.collections[change.KindElement]
	if len(elements.created) > 0 || len(elements.deleted) > 0 {
		p.boardsValid = false
		return
	}
	for id := range elements.updated {
		i := sort.SearchStrings(p.boards, id)
		wasBoard := i < len(p.boards) && p.boards[i] == id
		if wasBoard || p.classifier.IsBoard(elements.records[id]) {
			p.boardsValid = false
			return
		}
	}
}

func (p *Project) resetDelta() {
	p.projectDirty = false
	for _, coll := range p.collections {
		coll.resetDelta()
	}
}
