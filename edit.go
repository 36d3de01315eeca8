package umbra

import (
	"fmt"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/replication"
	"github.com/Team1-2308-Capstone/Umbra/text"
)

// commit records, stores and sends ops made on the loop.
func (u *Umbra) commit(ops []text.Op, record bool) {
	if len(ops) == 0 {
		return
	}
	if record {
		u.undo.RecordLocalOperations(ops)
	}
	if err := u.store.AppendOps(u.opts.Room, ops); err != nil {
		u.log.Error("cannot store ops", "err", err)
	}
	u.broadcast(replication.UpdatePacket(ops))
	u.emit(DocumentChanged{Text: u.replica.Text()})
}

// Insert puts s at the rune index pos.
func (u *Umbra) Insert(pos int, s string) (err error) {
	derr := u.do(u.ctx, func() {
		var ops []text.Op
		if ops, err = u.replica.Insert(pos, s); err == nil {
			u.commit(ops, true)
		}
	})
	if derr != nil {
		return derr
	}
	return
}

// Delete removes length runes starting at pos.
func (u *Umbra) Delete(pos, length int) (err error) {
	derr := u.do(u.ctx, func() {
		var ops []text.Op
		if ops, err = u.replica.Delete(pos, length); err == nil {
			u.commit(ops, true)
		}
	})
	if derr != nil {
		return derr
	}
	return
}

// Undo reverts the last local edit still in effect. Edits of others are
// never touched. False means there was nothing to undo.
func (u *Umbra) Undo() (ok bool, err error) {
	err = u.do(u.ctx, func() {
		var ops []text.Op
		if ops, ok = u.undo.Undo(); ok {
			u.commit(ops, false)
		}
	})
	return
}

// Redo takes back the last Undo. Text it brings back gets new
// identities, so remote cursors that pointed into it do not follow.
func (u *Umbra) Redo() (ok bool, err error) {
	err = u.do(u.ctx, func() {
		var ops []text.Op
		if ops, ok = u.undo.Redo(); ok {
			u.commit(ops, false)
		}
	})
	return
}

// StopCapturing closes the current undo frame; the next edit starts
// a new one.
func (u *Umbra) StopCapturing() error {
	return u.do(u.ctx, u.undo.StopCapturing)
}

func (u *Umbra) Text() (s string, err error) {
	err = u.do(u.ctx, func() { s = u.replica.Text() })
	return
}

// StateVector is nil once the document is closed.
func (u *Umbra) StateVector() (vv rdx.VV) {
	_ = u.do(u.ctx, func() { vv = u.replica.StateVector() })
	return
}

// SetName changes the display name for this session only; the stored
// profile stays.
func (u *Umbra) SetName(name string) error {
	return u.aware.SetLocalField(awareness.Name(name))
}

func (u *Umbra) SetLanguage(lang awareness.Language) error {
	if !lang.Valid() {
		return fmt.Errorf("%w: %q", ErrBadLanguage, lang)
	}
	return u.aware.SetLocalField(lang)
}

func (u *Umbra) Language() awareness.Language {
	return u.aware.Local().Language()
}

// SetCursor shares the local selection. Indexes are pinned to the runes
// they point at, so peers see the cursor move along with their edits.
func (u *Umbra) SetCursor(anchor, head int) (err error) {
	var cursor awareness.Cursor
	derr := u.do(u.ctx, func() {
		n := u.replica.Len()
		if anchor < 0 || head < 0 || anchor > n || head > n {
			err = fmt.Errorf("%w: cursor %d:%d of %d", text.ErrOutOfRange, anchor, head, n)
			return
		}
		cursor = awareness.Cursor{Anchor: u.replica.IDAt(anchor), Head: u.replica.IDAt(head)}
	})
	if derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	return u.aware.SetLocalField(cursor)
}
