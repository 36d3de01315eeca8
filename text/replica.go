// Package text holds the document replica: a sequence CRDT in the YATA
// family. Every rune is an item that remembers its left and right
// neighbours at insertion time; concurrent inserts between the same
// neighbours are ordered by source id, lower source first. Deleted
// items stay in the sequence as tombstones so late ops can still find
// their anchors.
//
// A Replica is not safe for concurrent use; its owner serializes access.
package text

import (
	"errors"
	"slices"
	"strings"

	"github.com/Team1-2308-Capstone/Umbra/rdx"
)

type item struct {
	id          rdx.ID
	origin      rdx.ID
	rightOrigin rdx.ID
	content     string
	deleted     bool

	left, right *item
}

type Replica struct {
	clock *rdx.Clock
	vv    rdx.VV

	items map[rdx.ID]*item
	start *item
	live  int

	// per source, log[src][seq-1]
	log map[uint64][]Op

	pending    []Op
	pendingIDs map[rdx.ID]struct{}
}

func NewReplica(src uint64) *Replica {
	return &Replica{
		clock:      rdx.NewClock(src),
		vv:         make(rdx.VV),
		items:      make(map[rdx.ID]*item),
		log:        make(map[uint64][]Op),
		pendingIDs: make(map[rdx.ID]struct{}),
	}
}

func (r *Replica) Src() uint64 {
	return r.clock.Src()
}

// Len is the number of visible runes.
func (r *Replica) Len() int {
	return r.live
}

// Text is the current materialized document.
func (r *Replica) Text() string {
	var b strings.Builder
	for it := r.start; it != nil; it = it.right {
		if !it.deleted {
			b.WriteString(it.content)
		}
	}
	return b.String()
}

// StateVector returns a copy of the replica's version vector.
func (r *Replica) StateVector() rdx.VV {
	return r.vv.Clone()
}

// Pending is the number of ops parked for missing dependencies.
func (r *Replica) Pending() int {
	return len(r.pending)
}

// Op looks an integrated op up by id.
func (r *Replica) Op(id rdx.ID) (op Op, ok bool) {
	ops := r.log[id.Src()]
	if id.Seq() == 0 || id.Seq() > uint64(len(ops)) {
		return op, false
	}
	return ops[id.Seq()-1], true
}

// Alive tells whether the item inserted by id is known and not deleted.
func (r *Replica) Alive(id rdx.ID) bool {
	it, ok := r.items[id]
	return ok && !it.deleted
}

// Since lists the ops a replica with the given version vector is missing,
// grouped by source (sources ascending), each group in log order.
func (r *Replica) Since(vv rdx.VV) (ops []Op) {
	srcs := make([]uint64, 0, len(r.log))
	for src := range r.log {
		srcs = append(srcs, src)
	}
	slices.Sort(srcs)
	for _, src := range srcs {
		log := r.log[src]
		seen := vv[src]
		if seen < uint64(len(log)) {
			ops = append(ops, log[seen:]...)
		}
	}
	return
}

// visibleAt returns the visible item at index pos.
func (r *Replica) visibleAt(pos int) *item {
	for it := r.start; it != nil; it = it.right {
		if it.deleted {
			continue
		}
		if pos == 0 {
			return it
		}
		pos--
	}
	return nil
}

// IDAt returns the id of the visible rune at pos; ID0 at the end.
func (r *Replica) IDAt(pos int) rdx.ID {
	if it := r.visibleAt(pos); it != nil {
		return it.id
	}
	return rdx.ID0
}

// PosOf returns the index of the item; a tombstone maps to the index
// of the next visible rune. ID0 maps to the end, unknown ids to -1.
func (r *Replica) PosOf(id rdx.ID) int {
	if id.IsZero() {
		return r.live
	}
	if _, ok := r.items[id]; !ok {
		return -1
	}
	pos := 0
	for it := r.start; it != nil; it = it.right {
		if it.id == id {
			return pos
		}
		if !it.deleted {
			pos++
		}
	}
	return -1
}

// Insert puts text at pos, producing one insert op per rune.
func (r *Replica) Insert(pos int, text string) ([]Op, error) {
	if pos < 0 || pos > r.live {
		return nil, ErrOutOfRange
	}
	if text == "" {
		return nil, nil
	}
	var left *item
	if pos > 0 {
		left = r.visibleAt(pos - 1)
	}
	origin, right := rdx.ID0, r.start
	if left != nil {
		origin, right = left.id, left.right
	}
	rightOrigin := rdx.ID0
	if right != nil {
		rightOrigin = right.id
	}
	ops := make([]Op, 0, len(text))
	for _, rn := range text {
		op := Op{
			Kind:        OpInsert,
			ID:          r.clock.Tick(),
			Origin:      origin,
			RightOrigin: rightOrigin,
			Text:        string(rn),
		}
		r.integrate(op)
		ops = append(ops, op)
		origin = op.ID
	}
	return ops, nil
}

// Delete removes length runes starting at pos.
func (r *Replica) Delete(pos, length int) ([]Op, error) {
	if pos < 0 || length < 0 || pos+length > r.live {
		return nil, ErrOutOfRange
	}
	targets := make([]rdx.ID, 0, length)
	it := r.visibleAt(pos)
	for ; it != nil && len(targets) < length; it = it.right {
		if !it.deleted {
			targets = append(targets, it.id)
		}
	}
	return r.DeleteItems(targets), nil
}

// DeleteItems deletes the given items, skipping those already deleted
// or unknown.
func (r *Replica) DeleteItems(ids []rdx.ID) (ops []Op) {
	for _, id := range ids {
		if !r.Alive(id) {
			continue
		}
		op := Op{Kind: OpDelete, ID: r.clock.Tick(), Target: id}
		r.integrate(op)
		ops = append(ops, op)
	}
	return
}

// Restore re-inserts the content of deleted items right after their
// tombstones. The items themselves stay deleted; fresh items take their
// place, so tombstones never flip back.
func (r *Replica) Restore(ids []rdx.ID) (ops []Op) {
	for _, id := range ids {
		it, ok := r.items[id]
		if !ok || !it.deleted {
			continue
		}
		rightOrigin := rdx.ID0
		if it.right != nil {
			rightOrigin = it.right.id
		}
		op := Op{
			Kind:        OpInsert,
			ID:          r.clock.Tick(),
			Origin:      it.id,
			RightOrigin: rightOrigin,
			Text:        it.content,
		}
		r.integrate(op)
		ops = append(ops, op)
	}
	return
}

// ApplyRemote integrates a foreign op. Ops already seen are ignored,
// ops with unknown dependencies are parked until those arrive.
func (r *Replica) ApplyRemote(op Op) error {
	_, err := r.Apply([]Op{op})
	return err
}

// Apply integrates a batch of foreign ops in any order and returns how
// many ops got integrated, including previously parked ones.
func (r *Replica) Apply(ops []Op) (n int, err error) {
	var errs []error
	for _, op := range ops {
		if e := op.Validate(); e != nil {
			errs = append(errs, e)
			continue
		}
		if r.vv.Covers(op.ID) {
			continue
		}
		if !r.ready(op) {
			r.park(op)
			continue
		}
		r.integrate(op)
		n++
		n += r.retryPending()
	}
	return n, errors.Join(errs...)
}

func (r *Replica) known(id rdx.ID) bool {
	if id.IsZero() {
		return true
	}
	_, ok := r.items[id]
	return ok
}

// ready tells whether all causal dependencies of op are integrated:
// the previous op of the same source and the referenced items.
func (r *Replica) ready(op Op) bool {
	if !r.vv.IsNext(op.ID) {
		return false
	}
	switch op.Kind {
	case OpInsert:
		return r.known(op.Origin) && r.known(op.RightOrigin)
	case OpDelete:
		return r.known(op.Target)
	}
	return false
}

func (r *Replica) park(op Op) {
	if _, ok := r.pendingIDs[op.ID]; ok {
		return
	}
	r.pendingIDs[op.ID] = struct{}{}
	r.pending = append(r.pending, op)
}

func (r *Replica) retryPending() (n int) {
	for progress := true; progress && len(r.pending) > 0; {
		progress = false
		rest := r.pending[:0]
		for _, op := range r.pending {
			switch {
			case r.vv.Covers(op.ID):
				delete(r.pendingIDs, op.ID)
			case r.ready(op):
				delete(r.pendingIDs, op.ID)
				r.integrate(op)
				n++
				progress = true
			default:
				rest = append(rest, op)
			}
		}
		clear(r.pending[len(rest):])
		r.pending = rest
	}
	return
}

func (r *Replica) integrate(op Op) {
	switch op.Kind {
	case OpInsert:
		r.integrateInsert(op)
	case OpDelete:
		if it := r.items[op.Target]; !it.deleted {
			it.deleted = true
			r.live--
		}
	}
	r.vv.PutID(op.ID)
	r.log[op.ID.Src()] = append(r.log[op.ID.Src()], op)
	if op.ID.Src() == r.clock.Src() {
		r.clock.See(op.ID.Seq())
	}
}

// integrateInsert finds the place of a new item between its origins.
// Items already sitting between the origins are scanned left to right:
// a concurrent sibling (same origin) with a lower source stays to the
// left, and so does everything anchored inside such a sibling's subtree.
func (r *Replica) integrateInsert(op Op) {
	it := &item{
		id:          op.ID,
		origin:      op.Origin,
		rightOrigin: op.RightOrigin,
		content:     op.Text,
	}
	left := r.items[op.Origin]
	right := r.items[op.RightOrigin]

	o := r.start
	if left != nil {
		o = left.right
	}
	before := make(map[rdx.ID]struct{})
	conflicting := make(map[rdx.ID]struct{})
	for o != nil && o != right {
		before[o.id] = struct{}{}
		conflicting[o.id] = struct{}{}
		if o.origin == it.origin {
			if o.id.Src() < it.id.Src() {
				left = o
				clear(conflicting)
			} else if o.rightOrigin == it.rightOrigin {
				break
			}
		} else if _, in := before[o.origin]; in && !o.origin.IsZero() {
			if _, c := conflicting[o.origin]; !c {
				left = o
				clear(conflicting)
			}
		} else {
			break
		}
		o = o.right
	}

	it.left = left
	if left != nil {
		it.right = left.right
		left.right = it
	} else {
		it.right = r.start
		r.start = it
	}
	if it.right != nil {
		it.right.left = it
	}
	r.items[it.id] = it
	r.live++
}
