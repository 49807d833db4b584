package coordinator

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
	"github.com/google/web-prototyping-tool-sub004/internal/store"
)

// PartSize is the most entities one change queue part document carries.
const PartSize = 100

// Envelope and change queue field names.
const (
	fieldProjectID = "projectId"
	fieldAuthorID  = "authorId"
	fieldKind      = "kind"
	fieldMarker    = "changeMarker"
	fieldData      = "data"
	fieldParts     = "parts"
	fieldPayload   = "payload"
	fieldSets      = "sets"
	fieldUpdates   = "updates"
	fieldDeletes   = "deletes"
)

func encodeMarker(m change.Marker) map[string]any {
	return map[string]any{"id": m.ID, "timestamp": float64(m.Timestamp)}
}

func decodeMarker(value any) (change.Marker, error) {
	raw, ok := value.(map[string]any)
	if !ok {
		return change.Marker{}, fmt.Errorf("change marker: unexpected %T", value)
	}
	id, _ := raw["id"].(string)
	ts, _ := raw["timestamp"].(float64)
	marker := change.Marker{ID: id, Timestamp: int64(ts)}
	if marker.ID == "" {
		return change.Marker{}, change.ErrMissingMarker
	}
	return marker, nil
}

// projectEnvelope is the document stored at projects/{projectId}.
func projectEnvelope(projectID string, marker change.Marker, data change.Document) change.Document {
	return change.Document{
		fieldProjectID: projectID,
		fieldMarker:    encodeMarker(marker),
		fieldData:      change.Clone(data),
	}
}

// contentEnvelope is the document stored at contents/{entityId}.
func contentEnvelope(projectID string, kind change.Kind, marker change.Marker, data change.Document) change.Document {
	return change.Document{
		fieldProjectID: projectID,
		fieldKind:      string(kind),
		fieldMarker:    encodeMarker(marker),
		fieldData:      change.Clone(data),
	}
}

type envelope struct {
	projectID string
	kind      change.Kind
	marker    change.Marker
	data      change.Document
}

func decodeEnvelope(doc change.Document) (envelope, error) {
	var env envelope
	env.projectID, _ = doc[fieldProjectID].(string)
	if kind, ok := doc[fieldKind].(string); ok {
		parsed, err := change.ParseKind(kind)
		if err != nil {
			return envelope{}, err
		}
		env.kind = parsed
	}
	marker, err := decodeMarker(doc[fieldMarker])
	if err != nil {
		return envelope{}, err
	}
	env.marker = marker
	data, _ := doc[fieldData].(map[string]any)
	env.data, _ = change.Normalize(data)
	return env, nil
}

// loadEntries groups content envelopes by kind for state.Project.Load.
func loadEntries(projectID string, snaps []store.Snapshot) (map[change.Kind]map[string]state.Entry, []error) {
	out := make(map[change.Kind]map[string]state.Entry, len(change.ContentKinds))
	for _, kind := range change.ContentKinds {
		out[kind] = make(map[string]state.Entry)
	}
	var errs []error
	for _, snap := range snaps {
		env, err := decodeEnvelope(snap.Data)
		if err == nil && env.projectID != projectID {
			err = fmt.Errorf("belongs to project %q", env.projectID)
		}
		if err == nil && out[env.kind] == nil {
			err = fmt.Errorf("unexpected kind %q", env.kind)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", snap.Path, err))
			continue
		}
		id := snap.Path[len(store.Collection(snap.Path))+1:]
		out[env.kind][id] = state.Entry{Data: env.data, Marker: env.marker}
	}
	return out, errs
}

// encodeChange splits req into part documents of at most PartSize entities
// followed by the header. Parts must be written before the header.
func encodeChange(req change.Request) []store.Write {
	var writes []store.Write
	part := 0
	addPart := func(index int, kind change.Kind, field string, value any) {
		writes = append(writes, store.Write{
			Path: store.ChangePartPath(req.Marker.ID, part),
			Data: change.Document{
				fieldProjectID: req.ProjectID,
				fieldPayload:   float64(index),
				fieldKind:      string(kind),
				field:          value,
			},
		})
		part++
	}
	for i, item := range req.Payload {
		for _, shard := range shardDocs(item.Sets) {
			addPart(i, item.Kind, fieldSets, shard)
		}
		for _, shard := range shardDocs(item.Updates) {
			addPart(i, item.Kind, fieldUpdates, shard)
		}
		for start := 0; start < len(item.Deletes); start += PartSize {
			ids := item.Deletes[start:min(start+PartSize, len(item.Deletes))]
			values := make([]any, len(ids))
			for j, id := range ids {
				values[j] = id
			}
			addPart(i, item.Kind, fieldDeletes, values)
		}
	}
	writes = append(writes, store.Write{
		Path: store.ChangePath(req.Marker.ID),
		Data: change.Document{
			fieldProjectID: req.ProjectID,
			fieldAuthorID:  req.AuthorID,
			fieldMarker:    encodeMarker(req.Marker),
			fieldParts:     float64(part),
			fieldPayload:   float64(len(req.Payload)),
		},
	})
	return writes
}

func shardDocs(docs map[string]change.Document) []map[string]any {
	if len(docs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(docs))
	for id := range docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var shards []map[string]any
	for start := 0; start < len(ids); start += PartSize {
		shard := make(map[string]any, PartSize)
		for _, id := range ids[start:min(start+PartSize, len(ids))] {
			shard[id] = change.Clone(docs[id])
		}
		shards = append(shards, shard)
	}
	return shards
}

type changeHeader struct {
	projectID string
	authorID  string
	marker    change.Marker
	parts     int
	payloads  int
}

func decodeHeader(doc change.Document) (changeHeader, error) {
	var h changeHeader
	h.projectID, _ = doc[fieldProjectID].(string)
	h.authorID, _ = doc[fieldAuthorID].(string)
	marker, err := decodeMarker(doc[fieldMarker])
	if err != nil {
		return changeHeader{}, err
	}
	h.marker = marker
	parts, _ := doc[fieldParts].(float64)
	payloads, _ := doc[fieldPayload].(float64)
	h.parts, h.payloads = int(parts), int(payloads)
	return h, nil
}

// decodeChange rebuilds a request from its header and part documents.
func decodeChange(h changeHeader, parts []store.Snapshot) (change.Request, error) {
	if len(parts) != h.parts {
		return change.Request{}, fmt.Errorf("change %s: have %d of %d parts", h.marker.ID, len(parts), h.parts)
	}
	sort.Slice(parts, func(i, j int) bool { return partIndex(parts[i].Path) < partIndex(parts[j].Path) })

	payload := make([]change.Payload, h.payloads)
	for _, snap := range parts {
		index, _ := snap.Data[fieldPayload].(float64)
		i := int(index)
		if i < 0 || i >= len(payload) {
			return change.Request{}, fmt.Errorf("change %s: part %s has payload index %d", h.marker.ID, snap.Path, i)
		}
		kind, err := change.ParseKind(fmt.Sprint(snap.Data[fieldKind]))
		if err != nil {
			return change.Request{}, fmt.Errorf("change %s: %w", h.marker.ID, err)
		}
		item := &payload[i]
		item.Kind = kind
		if sets, ok := snap.Data[fieldSets].(map[string]any); ok {
			item.Sets = mergeShard(item.Sets, sets)
		}
		if updates, ok := snap.Data[fieldUpdates].(map[string]any); ok {
			item.Updates = mergeShard(item.Updates, updates)
		}
		if deletes, ok := snap.Data[fieldDeletes].([]any); ok {
			for _, id := range deletes {
				if s, ok := id.(string); ok {
					item.Deletes = append(item.Deletes, s)
				}
			}
		}
	}
	return change.NewRequest(h.projectID, h.authorID, h.marker, payload)
}

func mergeShard(dst map[string]change.Document, shard map[string]any) map[string]change.Document {
	if dst == nil {
		dst = make(map[string]change.Document, len(shard))
	}
	for id, value := range shard {
		doc, _ := value.(map[string]any)
		dst[id] = doc
	}
	return dst
}

func partIndex(path string) int {
	n, _ := strconv.Atoi(path[len(store.Collection(path))+1:])
	return n
}
