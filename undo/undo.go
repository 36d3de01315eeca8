// Package undo keeps the local undo and redo stacks of a document.
// Only ops authored by the local replica are ever reverted; remote
// edits interleaved with ours are left alone.
package undo

import (
	"time"

	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/text"
)

// Doc is the part of the replica the manager needs, see text.Replica.
type Doc interface {
	Src() uint64
	Op(id rdx.ID) (text.Op, bool)
	Alive(id rdx.ID) bool
	DeleteItems(ids []rdx.ID) []text.Op
	Restore(ids []rdx.ID) []text.Op
}

type Options struct {
	// Edits closer than this in time share one frame.
	CaptureTimeout time.Duration
	Now            func() time.Time
}

func (o *Options) SetDefaults() {
	if o.CaptureTimeout == 0 {
		o.CaptureTimeout = 500 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

type frame []rdx.ID

type Manager struct {
	doc  Doc
	opts Options

	undo, redo []frame
	lastAt     time.Time
	capturing  bool
}

func NewManager(doc Doc, opts Options) *Manager {
	opts.SetDefaults()
	return &Manager{doc: doc, opts: opts}
}

// RecordLocalOperations adds a local edit to the undo stack, merging it
// into the top frame while within the capture timeout. Any new edit
// invalidates the redo stack.
func (m *Manager) RecordLocalOperations(ops []text.Op) {
	var ids frame
	for _, op := range ops {
		if op.ID.Src() == m.doc.Src() {
			ids = append(ids, op.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	m.redo = nil
	now := m.opts.Now()
	if m.capturing && len(m.undo) > 0 && now.Sub(m.lastAt) < m.opts.CaptureTimeout {
		top := len(m.undo) - 1
		m.undo[top] = append(m.undo[top], ids...)
	} else {
		m.undo = append(m.undo, ids)
	}
	m.lastAt = now
	m.capturing = true
}

// StopCapturing makes the next edit start a new frame.
func (m *Manager) StopCapturing() {
	m.capturing = false
}

func (m *Manager) CanUndo() bool { return len(m.undo) > 0 }

func (m *Manager) CanRedo() bool { return len(m.redo) > 0 }

func (m *Manager) Clear() {
	m.undo, m.redo = nil, nil
	m.capturing = false
}

// Undo reverts the topmost frame that still has an effect. The
// compensating ops are already applied to the document; the caller
// transmits them. An empty stack is a no-op.
func (m *Manager) Undo() (ops []text.Op, ok bool) {
	ops, ok = m.pop(&m.undo, &m.redo)
	return
}

// Redo reverts the last undo the same way. Deleted items never come
// back, so redone text is inserted anew and gets fresh IDs.
func (m *Manager) Redo() (ops []text.Op, ok bool) {
	ops, ok = m.pop(&m.redo, &m.undo)
	return
}

func (m *Manager) pop(from, to *[]frame) ([]text.Op, bool) {
	m.capturing = false
	for len(*from) > 0 {
		top := (*from)[len(*from)-1]
		*from = (*from)[:len(*from)-1]
		ops := m.revert(top)
		if len(ops) > 0 {
			*to = append(*to, text.IDs(ops))
			return ops, true
		}
	}
	return nil, false
}

// revert deletes what the frame inserted and brings back what it
// deleted. Items both inserted and deleted within the frame stay gone.
func (m *Manager) revert(f frame) []text.Op {
	inserted := make(map[rdx.ID]struct{})
	var dels, restores []rdx.ID
	for _, id := range f {
		op, ok := m.doc.Op(id)
		if !ok {
			continue
		}
		switch op.Kind {
		case text.OpInsert:
			inserted[op.ID] = struct{}{}
			if m.doc.Alive(op.ID) {
				dels = append(dels, op.ID)
			}
		case text.OpDelete:
			if _, own := inserted[op.Target]; !own {
				restores = append(restores, op.Target)
			}
		}
	}
	ops := m.doc.DeleteItems(dels)
	return append(ops, m.doc.Restore(restores)...)
}
