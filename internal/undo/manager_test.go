package undo

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
	"github.com/google/web-prototyping-tool-sub004/internal/state"
)

type harness struct {
	t       *testing.T
	project *state.Project
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	return &harness{t: t, project: state.New("p1", nil), now: time.UnixMilli(1_700_000_000_000)}
}

func (h *harness) apply(payload ...change.Payload) {
	h.t.Helper()
	h.now = h.now.Add(time.Millisecond)
	req, err := change.NewRequest("p1", "u1", change.NewMarker(h.now), payload)
	require.NoError(h.t, err)
	h.project.Apply(req)
}

func (h *harness) snapshot() state.Snapshot {
	snap := h.project.Snapshot()
	for kind, entries := range snap.Contents {
		for id, entry := range entries {
			entry.Marker = change.Marker{}
			snap.Contents[kind][id] = entry
		}
	}
	snap.ProjectMarker = change.Marker{}
	for kind, entries := range snap.Contents {
		for id, entry := range entries {
			if entry.Deleted {
				delete(snap.Contents[kind], id)
			}
		}
	}
	return snap
}

func TestInverseRestoresPriorState(t *testing.T) {
	cases := []struct {
		name    string
		seed    []change.Payload
		payload []change.Payload
	}{
		{
			name:    "set of new id",
			payload: []change.Payload{change.Set(change.KindElement, "e1", change.Document{"name": "A"})},
		},
		{
			name:    "set over existing",
			seed:    []change.Payload{change.Set(change.KindElement, "e1", change.Document{"name": "A", "x": 1})},
			payload: []change.Payload{change.Set(change.KindElement, "e1", change.Document{"name": "B"})},
		},
		{
			name: "nested update",
			seed: []change.Payload{change.Set(change.KindElement, "e1", change.Document{
				"style": map[string]any{"color": "red", "border": map[string]any{"width": 1}},
			})},
			payload: []change.Payload{change.Update(change.KindElement, "e1", change.Document{
				"style":  map[string]any{"color": "blue", "border": map[string]any{"radius": 4}},
				"hidden": true,
			})},
		},
		{
			name:    "update with field delete",
			seed:    []change.Payload{change.Set(change.KindDesignSystem, "t1", change.Document{"value": "#fff", "alias": "white"})},
			payload: []change.Payload{change.Update(change.KindDesignSystem, "t1", change.Document{"alias": change.DeleteField()})},
		},
		{
			name:    "delete",
			seed:    []change.Payload{change.Set(change.KindDataset, "d1", change.Document{"rows": []any{1, 2}})},
			payload: []change.Payload{change.Delete(change.KindDataset, "d1")},
		},
		{
			name: "payloads touching the same id",
			seed: []change.Payload{change.Set(change.KindElement, "e1", change.Document{"name": "A"})},
			payload: []change.Payload{
				change.Update(change.KindElement, "e1", change.Document{"name": "B"}),
				change.Delete(change.KindElement, "e1"),
				change.Set(change.KindElement, "e1", change.Document{"name": "C", "fresh": true}),
			},
		},
		{
			name: "project singleton",
			seed: []change.Payload{change.Set(change.KindProject, "p1", change.Document{"name": "Draft"})},
			payload: []change.Payload{
				change.Update(change.KindProject, "p1", change.Document{"name": "Final", "homeBoard": "b1"}),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			if len(tc.seed) > 0 {
				h.apply(tc.seed...)
			}
			before := h.snapshot()

			inverse := Inverse(h.project, tc.payload)
			h.apply(tc.payload...)
			require.NotEmpty(t, inverse)
			h.apply(inverse...)

			assert.Equal(t, before, h.snapshot())
		})
	}
}

func TestInverseOfMissingUpdateIsEmpty(t *testing.T) {
	h := newHarness(t)
	inverse := Inverse(h.project, []change.Payload{
		change.Update(change.KindElement, "missing", change.Document{"name": "x"}),
		change.Delete(change.KindAsset, "missing"),
	})
	assert.Empty(t, inverse)
}

func TestInverseOrderIsReversed(t *testing.T) {
	h := newHarness(t)
	inverse := Inverse(h.project, []change.Payload{
		change.Set(change.KindElement, "b1", change.Document{}),
		change.Set(change.KindAsset, "a1", change.Document{}),
	})
	require.Len(t, inverse, 2)
	assert.Equal(t, change.KindAsset, inverse[0].Kind)
	assert.Equal(t, change.KindElement, inverse[1].Kind)
}

func TestUndoRedoRoundTrip(t *testing.T) {
	h := newHarness(t)
	m := NewManager(0)

	create := []change.Payload{change.Set(change.KindElement, "b1", change.Document{"type": "board"})}
	m.Record(h.project, create)
	h.apply(create...)
	afterCreate := h.snapshot()

	rename := []change.Payload{change.Update(change.KindElement, "b1", change.Document{"name": "Home"})}
	m.Record(h.project, rename)
	h.apply(rename...)
	afterRename := h.snapshot()

	undoPayload, ok := m.Undo(h.project)
	require.True(t, ok)
	h.apply(undoPayload...)
	assert.Equal(t, afterCreate, h.snapshot())
	assert.True(t, m.CanRedo())

	redoPayload, ok := m.Redo(h.project)
	require.True(t, ok)
	h.apply(redoPayload...)
	assert.Equal(t, afterRename, h.snapshot())

	undoDepth, redoDepth := m.Depth()
	assert.Equal(t, 2, undoDepth)
	assert.Equal(t, 0, redoDepth)
}

func TestRecordClearsRedo(t *testing.T) {
	h := newHarness(t)
	m := NewManager(0)

	first := []change.Payload{change.Set(change.KindElement, "e1", change.Document{})}
	m.Record(h.project, first)
	h.apply(first...)

	undoPayload, ok := m.Undo(h.project)
	require.True(t, ok)
	h.apply(undoPayload...)
	require.True(t, m.CanRedo())

	m.Record(h.project, []change.Payload{change.Set(change.KindElement, "e2", change.Document{})})
	assert.False(t, m.CanRedo())
}

func TestDepthEvictsOldest(t *testing.T) {
	h := newHarness(t)
	m := NewManager(2)
	for _, id := range []string{"e1", "e2", "e3"} {
		payload := []change.Payload{change.Set(change.KindElement, id, change.Document{})}
		m.Record(h.project, payload)
		h.apply(payload...)
	}

	var undone []string
	for m.CanUndo() {
		payload, ok := m.Undo(h.project)
		require.True(t, ok)
		undone = append(undone, payload[0].Deletes...)
		h.apply(payload...)
	}
	assert.Equal(t, []string{"e3", "e2"}, undone)
	assert.True(t, h.project.Collection(change.KindElement).Has("e1"))

	_, ok := m.Undo(h.project)
	assert.False(t, ok)
}

func TestReset(t *testing.T) {
	h := newHarness(t)
	m := NewManager(0)
	m.Record(h.project, []change.Payload{change.Set(change.KindElement, "e1", change.Document{})})
	m.Reset()
	assert.False(t, m.CanUndo())
	assert.False(t, m.CanRedo())
}
