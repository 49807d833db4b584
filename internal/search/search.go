package search

import (
	"context"
	"sort"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
)

// ResultType is the entity kind of a hit. Board elements get their own type.
type ResultType string

const (
	ResultElement       ResultType = "element"
	ResultBoard         ResultType = "board"
	ResultDesignSystem  ResultType = "designSystem"
	ResultAsset         ResultType = "asset"
	ResultCodeComponent ResultType = "codeComponent"
	ResultDataset       ResultType = "dataset"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type      ResultType `json:"type"`
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Name      string     `json:"name"`
	Snippet   string     `json:"snippet"`
}

// Query describes a search request. ProjectID is required.
type Query struct {
	Text       string
	ProjectID  string
	FilterType ResultType // empty = all types
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Record is the data we index for one content entity.
type Record struct {
	Key       string     `json:"key"`
	ID        string     `json:"id"`
	ProjectID string     `json:"projectId"`
	Type      ResultType `json:"type"`
	Name      string     `json:"name"`
	Text      string     `json:"text"`
}

// recordKey is the index primary key. Entity ids are only unique within a
// project.
func recordKey(projectID, id string) string {
	return projectID + "_" + id
}

// indexedFields are the document fields a record is built from. Updates
// touching none of them leave the index alone.
var indexedFields = []string{"name", "text", "type"}

// Records derives index changes from an applied request. p must be the
// state right after req was applied.
func Records(req change.Request, p *state.Project) (upserts []Record, deletes []string) {
	var boards []string
	isBoard := func(id string) bool {
		if boards == nil {
			boards = p.Boards()
		}
		i := sort.SearchStrings(boards, id)
		return i < len(boards) && boards[i] == id
	}
	add := func(kind change.Kind, id string) {
		doc, ok := p.Lookup(kind, id)
		if !ok {
			return
		}
		rec := Record{
			Key:       recordKey(req.ProjectID, id),
			ID:        id,
			ProjectID: req.ProjectID,
			Type:      ResultType(kind),
		}
		rec.Name, _ = doc["name"].(string)
		rec.Text, _ = doc["text"].(string)
		if kind == change.KindElement && isBoard(id) {
			rec.Type = ResultBoard
		}
		upserts = append(upserts, rec)
	}

	for _, item := range req.Payload {
		if item.Kind == change.KindProject {
			continue
		}
		for id := range item.Sets {
			add(item.Kind, id)
		}
		for id, patch := range item.Updates {
			for _, field := range indexedFields {
				if _, ok := patch[field]; ok {
					add(item.Kind, id)
					break
				}
			}
		}
		for _, id := range item.Deletes {
			deletes = append(deletes, recordKey(req.ProjectID, id))
		}
	}
	sort.Slice(upserts, func(i, j int) bool { return upserts[i].Key < upserts[j].Key })
	sort.Strings(deletes)
	return upserts, deletes
}
