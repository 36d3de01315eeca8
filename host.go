package umbra

import (
	"context"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/replication"
	"github.com/Team1-2308-Capstone/Umbra/text"
	"github.com/Team1-2308-Capstone/Umbra/update"
)

// The connection side of the document; syncers call these from their
// own goroutines, the replica is only touched on the loop.
var _ replication.Host = (*Umbra)(nil)

func (u *Umbra) Missing(vv rdx.VV) (ops []text.Op) {
	_ = u.do(u.ctx, func() { ops = update.Diff(u.replica, vv) })
	return
}

// Integrate merges remote ops. Invalid ops are reported after the valid
// ones are in.
func (u *Umbra) Integrate(ctx context.Context, ops []text.Op, from string) (err error) {
	derr := u.do(ctx, func() {
		vv := u.replica.StateVector()
		fresh := make([]text.Op, 0, len(ops))
		for _, op := range ops {
			if !vv.Covers(op.ID) && op.Validate() == nil {
				fresh = append(fresh, op)
			}
		}
		var n int
		n, err = u.replica.Apply(ops)
		if len(fresh) > 0 {
			if serr := u.store.AppendOps(u.opts.Room, fresh); serr != nil {
				u.log.Error("cannot store ops", "err", serr)
			}
		}
		if n > 0 {
			u.emit(DocumentChanged{Text: u.replica.Text(), Remote: true})
		}
		if p := u.replica.Pending(); p > 0 {
			u.log.Debug("ops wait for dependencies", "from", from, "pending", p)
		}
	})
	if derr != nil {
		return derr
	}
	return
}

func (u *Umbra) AwarenessState() []byte {
	return u.aware.Announce()
}

func (u *Umbra) ApplyAwareness(ctx context.Context, msg []byte, from string) error {
	_, err := u.aware.Apply(msg)
	return err
}

func (u *Umbra) Subscribe(name string, q protocol.DrainCloser) {
	u.outlock.Lock()
	u.outq[name] = q
	u.outlock.Unlock()
}

func (u *Umbra) Unsubscribe(name string) {
	u.outlock.Lock()
	delete(u.outq, name)
	u.outlock.Unlock()
}
