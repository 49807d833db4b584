// Package store is the remote document store the change engine persists to.
//
// Documents are addressed by slash separated paths. The collection of a
// document is its path without the last segment, so "contents/e1" lives in
// "contents" and "changes/m1/parts/0" in "changes/m1/parts".
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrBatchTooLarge = errors.New("batch exceeds max operations")
	ErrInvalidPath   = errors.New("invalid document path")
)

// DefaultMaxBatchOps is the per-commit operation limit of the stores in this
// package unless configured otherwise.
const DefaultMaxBatchOps = 500

// Write is one document write. Merge deep-merges Data into the stored
// document, creating it when absent; otherwise Data replaces it.
type Write struct {
	Path  string
	Data  change.Document
	Merge bool
}

// Snapshot is a document as read from the store.
type Snapshot struct {
	Path   string
	Data   change.Document
	Exists bool
	Seq    int64
}

type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

type DocChange struct {
	Type ChangeType
	Doc  Snapshot
}

// Query selects the documents of one collection, optionally filtered by a
// top-level string field.
type Query struct {
	Collection string
	Field      string
	Value      string
}

func (q Query) Matches(path string, data change.Document) bool {
	if Collection(path) != q.Collection {
		return false
	}
	if q.Field == "" {
		return true
	}
	value, _ := data[q.Field].(string)
	return value == q.Value
}

type Store interface {
	SetDocument(ctx context.Context, path string, data change.Document) error
	// UpdateDocument deep-merges patch into an existing document.
	UpdateDocument(ctx context.Context, path string, patch change.Document) error
	DeleteDocument(ctx context.Context, path string) error
	// CommitBatch applies writes then deletes atomically. It fails with
	// ErrBatchTooLarge above MaxBatchOps operations.
	CommitBatch(ctx context.Context, writes []Write, deletes []string) error
	MaxBatchOps() int

	GetDocument(ctx context.Context, path string) (Snapshot, error)
	QueryCollection(ctx context.Context, q Query) ([]Snapshot, error)

	// SubscribeDocument delivers the document each time it changes after
	// the call returns. The channel closes when ctx is done.
	SubscribeDocument(ctx context.Context, path string) (<-chan Snapshot, error)
	// SubscribeCollection delivers, per commit, the changes to documents
	// matching q made after the call returns. The channel closes when ctx
	// is done.
	SubscribeCollection(ctx context.Context, q Query) (<-chan []DocChange, error)
}

// Collection returns the collection part of a document path.
func Collection(path string) string {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return ""
	}
	return path[:i]
}

func validPath(path string) error {
	if path == "" || strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") || strings.Contains(path, "//") {
		return ErrInvalidPath
	}
	if strings.Count(path, "/")%2 != 1 {
		return ErrInvalidPath
	}
	return nil
}

func ProjectPath(projectID string) string { return "projects/" + projectID }
func ContentPath(entityID string) string  { return "contents/" + entityID }
func ChangePath(markerID string) string   { return "changes/" + markerID }

func ChangePartPath(markerID string, part int) string {
	return ChangePath(markerID) + "/parts/" + strconv.Itoa(part)
}

// ChangePartsCollection is the collection holding the parts of one change
// queue entry.
func ChangePartsCollection(markerID string) string {
	return ChangePath(markerID) + "/parts"
}
