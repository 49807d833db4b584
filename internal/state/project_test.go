package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

var clock = time.UnixMilli(1_700_000_000_000)

func request(t *testing.T, offset time.Duration, payload ...change.Payload) change.Request {
	t.Helper()
	req, err := change.NewRequest("p1", "u1", change.NewMarker(clock.Add(offset)), payload)
	require.NoError(t, err)
	return req
}

func TestApplySetsUpdatesAndDeletes(t *testing.T) {
	p := New("p1", nil)
	p.Apply(request(t, 0,
		change.Set(change.KindElement, "b1", change.Document{"type": "board", "name": "Home"}),
		change.Set(change.KindElement, "e1", change.Document{"name": "Button", "style": map[string]any{"color": "red", "size": 12}}),
	))

	elements := p.Collection(change.KindElement)
	assert.Equal(t, []string{"b1", "e1"}, elements.Created())
	assert.Empty(t, elements.Updated())

	p.Apply(request(t, time.Millisecond,
		change.Update(change.KindElement, "e1", change.Document{"style": map[string]any{"color": "blue"}}),
		change.Delete(change.KindElement, "b1"),
	))

	assert.Empty(t, elements.Created())
	assert.Equal(t, []string{"e1"}, elements.Updated())
	assert.Equal(t, []string{"b1"}, elements.Deleted())

	doc, ok := elements.Get("e1")
	require.True(t, ok)
	assert.Equal(t, map[string]any{"color": "blue", "size": float64(12)}, doc["style"])
	assert.False(t, elements.Has("b1"))
}

func TestApplyDeltaReflectsNetEffect(t *testing.T) {
	p := New("p1", nil)
	p.Apply(request(t, 0, change.Set(change.KindAsset, "a1", change.Document{"src": "x.png"})))

	p.Apply(request(t, time.Millisecond,
		change.Delete(change.KindAsset, "a1"),
		change.Set(change.KindAsset, "a1", change.Document{"src": "y.png"}),
		change.Set(change.KindAsset, "a2", change.Document{"src": "z.png"}),
		change.Delete(change.KindAsset, "a2"),
	))

	assets := p.Collection(change.KindAsset)
	assert.Equal(t, []string{"a1"}, assets.Updated())
	assert.Empty(t, assets.Created())
	assert.Empty(t, assets.Deleted())
	assert.False(t, assets.Has("a2"))
}

func TestApplyIgnoresMissingTargets(t *testing.T) {
	p := New("p1", nil)
	assert.NotPanics(t, func() {
		p.Apply(request(t, 0,
			change.Update(change.KindDataset, "missing", change.Document{"rows": 3}),
			change.Delete(change.KindCodeComponent, "gone"),
		))
	})
	assert.Zero(t, p.Collection(change.KindDataset).Len())
	assert.False(t, p.Collection(change.KindDataset).Changed())
	_, ok := p.Collection(change.KindDataset).Marker("missing")
	assert.False(t, ok)
}

func TestDeletingPortalTargetLeavesReferenceDangling(t *testing.T) {
	p := New("p1", nil)
	p.Apply(request(t, 0,
		change.Set(change.KindElement, "b1", change.Document{"type": "board"}),
		change.Set(change.KindElement, "portal", change.Document{"type": "portal", "target": "b1"}),
	))
	p.Apply(request(t, time.Millisecond, change.Delete(change.KindElement, "b1")))

	portal, ok := p.Collection(change.KindElement).Get("portal")
	require.True(t, ok)
	assert.Equal(t, "b1", portal["target"])

	assert.NotPanics(t, func() {
		p.Apply(request(t, 2*time.Millisecond, change.Update(change.KindElement, "b1", change.Document{"name": "x"})))
		_, found := p.Lookup(change.KindElement, "b1")
		assert.False(t, found)
	})
}

func TestApplyProjectSingleton(t *testing.T) {
	p := New("p1", nil)
	first := request(t, 0, change.Set(change.KindProject, "p1", change.Document{"name": "Draft", "homeBoard": "b1"}))
	p.Apply(first)
	assert.True(t, p.ProjectChanged())
	assert.Equal(t, first.Marker, p.Marker())

	p.Apply(request(t, time.Millisecond, change.Update(change.KindProject, "p1", change.Document{"name": "Final"})))
	assert.Equal(t, change.Document{"name": "Final", "homeBoard": "b1"}, p.Document())

	p.Apply(request(t, 2*time.Millisecond, change.Set(change.KindElement, "e1", change.Document{})))
	assert.False(t, p.ProjectChanged())
}

func TestApplyDoesNotAliasRequestDocuments(t *testing.T) {
	p := New("p1", nil)
	req := request(t, 0, change.Set(change.KindElement, "e1", change.Document{"style": map[string]any{"color": "red"}}))
	p.Apply(req)
	p.Apply(request(t, time.Millisecond, change.Update(change.KindElement, "e1", change.Document{"style": map[string]any{"color": "blue"}})))

	assert.Equal(t, "red", req.Payload[0].Sets["e1"]["style"].(map[string]any)["color"])
}

func TestNewerThan(t *testing.T) {
	p := New("p1", nil)
	p.Apply(request(t, 10*time.Millisecond, change.Set(change.KindElement, "e1", change.Document{"name": "local"})))

	older := request(t, 5*time.Millisecond, change.Update(change.KindElement, "e1", change.Document{"name": "peer"}))
	newer := request(t, 20*time.Millisecond, change.Update(change.KindElement, "e1", change.Document{"name": "peer"}))
	unrelated := request(t, time.Millisecond, change.Set(change.KindElement, "e2", change.Document{}))

	assert.True(t, p.NewerThan(older))
	assert.False(t, p.NewerThan(newer))
	assert.False(t, p.NewerThan(unrelated))

	p.Apply(request(t, 30*time.Millisecond, change.Delete(change.KindElement, "e1")))
	assert.True(t, p.NewerThan(newer), "deleted ids keep their marker")
}

func TestBoardsRecomputedOnRelevantChanges(t *testing.T) {
	calls := 0
	p := New("p1", ClassifierFunc(func(doc change.Document) bool {
		calls++
		return doc["type"] == "board"
	}))
	p.Apply(request(t, 0,
		change.Set(change.KindElement, "b1", change.Document{"type": "board"}),
		change.Set(change.KindElement, "e1", change.Document{"type": "text"}),
	))
	assert.Equal(t, []string{"b1"}, p.Boards())
	calls = 0

	p.Apply(request(t, time.Millisecond, change.Set(change.KindAsset, "a1", change.Document{})))
	assert.Equal(t, []string{"b1"}, p.Boards())
	assert.Zero(t, calls)

	p.Apply(request(t, 2*time.Millisecond, change.Update(change.KindElement, "e1", change.Document{"type": "board"})))
	assert.Equal(t, []string{"b1", "e1"}, p.Boards())
}

func TestLoadReplacesCollection(t *testing.T) {
	p := New("p1", nil)
	p.Apply(request(t, 0,
		change.Set(change.KindElement, "stale", change.Document{}),
		change.Set(change.KindElement, "e1", change.Document{"name": "old"}),
	))

	marker := change.NewMarker(clock.Add(time.Second))
	p.Load(change.KindElement, map[string]Entry{
		"e1": {Data: change.Document{"name": "remote"}, Marker: marker},
		"e2": {Data: change.Document{"name": "new"}, Marker: marker},
	})

	elements := p.Collection(change.KindElement)
	assert.True(t, elements.Loaded)
	assert.Equal(t, []string{"e1", "e2"}, elements.IDs())
	assert.Equal(t, []string{"e2"}, elements.Created())
	assert.Equal(t, []string{"e1"}, elements.Updated())
	assert.Equal(t, []string{"stale"}, elements.Deleted())
	got, _ := elements.Marker("e2")
	assert.Equal(t, marker, got)
	assert.False(t, p.Loaded())
}

func TestSnapshotRestore(t *testing.T) {
	p := New("p1", nil)
	p.Apply(request(t, 0,
		change.Set(change.KindProject, "p1", change.Document{"name": "Draft"}),
		change.Set(change.KindElement, "e1", change.Document{"name": "Button"}),
		change.Set(change.KindElement, "e2", change.Document{"name": "Gone"}),
	))
	deletion := request(t, time.Millisecond, change.Delete(change.KindElement, "e2"))
	p.Apply(deletion)

	snap := p.Snapshot()
	data, err := change.Marshal(snap)
	require.NoError(t, err)

	var decoded Snapshot
	require.NoError(t, change.Unmarshal(data, &decoded))

	restored := New("p1", nil)
	restored.Restore(decoded)

	assert.Equal(t, p.Document(), restored.Document())
	assert.Equal(t, []string{"e1"}, restored.Collection(change.KindElement).IDs())
	marker, ok := restored.Collection(change.KindElement).Marker("e2")
	require.True(t, ok)
	assert.Equal(t, deletion.Marker, marker)
	assert.False(t, restored.Collection(change.KindElement).Loaded)
}
