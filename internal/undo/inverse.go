package undo

import (
	"sort"

	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

// View is the read side of the project state the inverse is computed
// against.
type View interface {
	Lookup(kind change.Kind, id string) (change.Document, bool)
}

// Inverse returns the payloads that undo payload when applied to the state
// produced by applying payload to view. Payload i is inverted against view
// as it stands after payloads 0..i-1, and the inverses come back in reverse
// order.
func Inverse(view View, payload []change.Payload) []change.Payload {
	pending := newOverlay(view)
	inverses := make([]change.Payload, 0, len(payload))
	for _, item := range payload {
		inv := invertPayload(pending, item)
		pending.apply(item)
		if !inv.Empty() {
			inverses = append(inverses, inv)
		}
	}
	for i, j := 0, len(inverses)-1; i < j; i, j = i+1, j-1 {
		inverses[i], inverses[j] = inverses[j], inverses[i]
	}
	return inverses
}

func invertPayload(view View, item change.Payload) change.Payload {
	inv := change.Payload{Kind: item.Kind}
	restore := func(id string, doc change.Document) {
		if inv.Sets == nil {
			inv.Sets = make(map[string]change.Document)
		}
		inv.Sets[id] = change.Clone(doc)
	}
	for id := range item.Sets {
		if prior, ok := view.Lookup(item.Kind, id); ok {
			restore(id, prior)
			continue
		}
		inv.Deletes = append(inv.Deletes, id)
	}
	for id, patch := range item.Updates {
		prior, ok := view.Lookup(item.Kind, id)
		if !ok {
			continue
		}
		reverse := inversePatch(prior, patch)
		if len(reverse) == 0 {
			continue
		}
		if inv.Updates == nil {
			inv.Updates = make(map[string]change.Document)
		}
		inv.Updates[id] = reverse
	}
	for _, id := range item.Deletes {
		if prior, ok := view.Lookup(item.Kind, id); ok {
			restore(id, prior)
		}
	}
	sort.Strings(inv.Deletes)
	return inv
}

// inversePatch restores the prior values of exactly the fields patch
// touches. Fields patch introduces are removed again with the delete
// sentinel.
func inversePatch(prior, patch change.Document) change.Document {
	out := make(change.Document, len(patch))
	for key, value := range patch {
		old, had := prior[key]
		if !had {
			if !change.IsDeleteField(value) {
				out[key] = change.DeleteField()
			}
			continue
		}
		nested, isMap := value.(map[string]any)
		oldNested, wasMap := old.(map[string]any)
		if isMap && wasMap && !change.IsDeleteField(value) {
			if reverse := inversePatch(oldNested, nested); len(reverse) > 0 {
				out[key] = reverse
			}
			continue
		}
		out[key] = cloneAny(old)
	}
	return out
}

func cloneAny(value any) any {
	return change.Clone(change.Document{"v": value})["v"]
}

// overlay layers the effect of already inverted payloads over a view.
type overlay struct {
	base    View
	changed map[change.Kind]map[string]change.Document
}

func newOverlay(base View) *overlay {
	return &overlay{base: base, changed: make(map[change.Kind]map[string]change.Document)}
}

func (o *overlay) Lookup(kind change.Kind, id string) (change.Document, bool) {
	key := overlayKey(kind, id)
	if docs, ok := o.changed[kind]; ok {
		if doc, ok := docs[key]; ok {
			return doc, doc != nil
		}
	}
	return o.base.Lookup(kind, id)
}

func (o *overlay) apply(item change.Payload) {
	docs := o.changed[item.Kind]
	if docs == nil {
		docs = make(map[string]change.Document)
		o.changed[item.Kind] = docs
	}
	for id, doc := range item.Sets {
		docs[overlayKey(item.Kind, id)] = change.Clone(doc)
	}
	for id, patch := range item.Updates {
		current, ok := o.Lookup(item.Kind, id)
		if !ok {
			continue
		}
		docs[overlayKey(item.Kind, id)] = change.Merge(change.Clone(current), patch)
	}
	for _, id := range item.Deletes {
		docs[overlayKey(item.Kind, id)] = nil
	}
}

// The project singleton is addressed without an id.
func overlayKey(kind change.Kind, id string) string {
	if kind == change.KindProject {
		return ""
	}
	return id
}
