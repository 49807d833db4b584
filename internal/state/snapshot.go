package state

import (
	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// Snapshot is the full serializable form of a Project, written to the local
// cache. Deleted entries keep their marker so recency checks survive a
// restore.
type Snapshot struct {
	ProjectID     string                           `json:"projectId"`
	Project       change.Document                  `json:"project,omitempty"`
	ProjectMarker change.Marker                    `json:"projectMarker"`
	Contents      map[change.Kind]map[string]Entry `json:"contents"`
}

func (p *Project) Snapshot() Snapshot {
	snap := Snapshot{
		ProjectID:     p.ID,
		Project:       change.Clone(p.doc),
		ProjectMarker: p.marker,
		Contents:      make(map[change.Kind]map[string]Entry, len(p.collections)),
	}
	for kind, coll := range p.collections {
		entries := make(map[string]Entry, len(coll.markers))
		for id, marker := range coll.markers {
			doc, ok := coll.records[id]
			entries[id] = Entry{Data: change.Clone(doc), Marker: marker, Deleted: !ok}
		}
		for id, doc := range coll.records {
			if _, ok := entries[id]; !ok {
				entries[id] = Entry{Data: change.Clone(doc)}
			}
		}
		snap.Contents[kind] = entries
	}
	return snap
}

// Restore replaces the project contents with a snapshot, normalizing
// decoded documents. Collections are not marked loaded; only a remote load
// does that.
func (p *Project) Restore(snap Snapshot) {
	p.resetDelta()
	p.doc = nil
	if snap.Project != nil {
		p.doc, _ = change.Normalize(snap.Project)
	}
	p.marker = snap.ProjectMarker
	for kind, coll := range p.collections {
		clear(coll.records)
		clear(coll.markers)
		for id, entry := range snap.Contents[kind] {
			if !entry.Marker.IsZero() {
				coll.markers[id] = entry.Marker
			}
			if !entry.Deleted {
				coll.records[id], _ = change.Normalize(entry.Data)
			}
		}
	}
	p.boardsValid = false
}
