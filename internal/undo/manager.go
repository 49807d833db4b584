// Package undo keeps the undo and redo stacks of inverse change payloads.
package undo

import (
	"github.com/google/web-prototyping-tool-sub004/internal/change"
)

const DefaultDepth = 100

// Manager is not safe for concurrent use; the coordinator calls it under its
// apply lock.
type Manager struct {
	depth int
	undo  [][]change.Payload
	redo  [][]change.Payload
}

func NewManager(depth int) *Manager {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Manager{depth: depth}
}

// Record pushes the inverse of payload, computed against view before the
// payload is applied, and clears the redo stack.
func (m *Manager) Record(view View, payload []change.Payload) {
	m.redo = nil
	inverse := Inverse(view, payload)
	if len(inverse) == 0 {
		return
	}
	m.undo = push(m.undo, inverse, m.depth)
}

// Undo pops the most recent inverse and pushes its own inverse, computed
// against view, onto the redo stack. The caller applies the returned
// payload as a new, non-undoable change.
func (m *Manager) Undo(view View) ([]change.Payload, bool) {
	var payload []change.Payload
	m.undo, payload = pop(m.undo)
	if payload == nil {
		return nil, false
	}
	if inverse := Inverse(view, payload); len(inverse) > 0 {
		m.redo = push(m.redo, inverse, m.depth)
	}
	return payload, true
}

// Redo is the mirror of Undo.
func (m *Manager) Redo(view View) ([]change.Payload, bool) {
	var payload []change.Payload
	m.redo, payload = pop(m.redo)
	if payload == nil {
		return nil, false
	}
	if inverse := Inverse(view, payload); len(inverse) > 0 {
		m.undo = push(m.undo, inverse, m.depth)
	}
	return payload, true
}

func (m *Manager) Reset() {
	m.undo = nil
	m.redo = nil
}

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }
func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

// Depth returns the number of entries on the undo and redo stacks.
func (m *Manager) Depth() (undo, redo int) {
	return len(m.undo), len(m.redo)
}

func push(stack [][]change.Payload, entry []change.Payload, limit int) [][]change.Payload {
	stack = append(stack, entry)
	if over := len(stack) - limit; over > 0 {
		stack = append(stack[:0:0], stack[over:]...)
	}
	return stack
}

func pop(stack [][]change.Payload) ([][]change.Payload, []change.Payload) {
	if len(stack) == 0 {
		return stack, nil
	}
	last := stack[len(stack)-1]
	return stack[:len(stack)-1], last
}
