package relay

import (
	"context"
	"sync"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/replication"
	"github.com/Team1-2308-Capstone/Umbra/store"
	"github.com/Team1-2308-Capstone/Umbra/text"
	"github.com/Team1-2308-Capstone/Umbra/update"
	"github.com/Team1-2308-Capstone/Umbra/utils"
)

// Room is the relay's replica of one document. It integrates whatever
// its connections send and passes the new part on to all the others.
type Room struct {
	name  string
	log   utils.Logger
	store *store.Store
	// called when the last connection leaves
	onEmpty func(r *Room)

	mu      sync.Mutex
	replica *text.Replica
	aware   *awareness.Broadcaster
	subs    map[string]protocol.DrainCloser
	// admitted connections and their participant ids
	conns map[string]uint64
}

var _ replication.Host = (*Room)(nil)

func newRoom(name string, st *store.Store, log utils.Logger, awopts awareness.Options) (*Room, error) {
	r := &Room{
		name:    name,
		log:     log.With("room", name),
		store:   st,
		replica: text.NewReplica(0),
		subs:    make(map[string]protocol.DrainCloser),
		conns:   make(map[string]uint64),
	}
	awopts.Logger = r.log
	r.aware = awareness.New(0, awopts)
	if st != nil {
		ops, err := st.LoadOps(name)
		if len(ops) > 0 {
			if _, aerr := r.replica.Apply(ops); aerr != nil {
				r.log.Warn("relay: stored ops rejected", "err", aerr)
			}
		}
		if err != nil && len(ops) == 0 {
			return nil, err
		}
		r.log.Debug("relay: room loaded", "ops", len(ops), "vv", r.replica.StateVector().String())
	}
	return r, nil
}

func (r *Room) Name() string {
	return r.name
}

func (r *Room) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replica.Text()
}

func (r *Room) StateVector() rdx.VV {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replica.StateVector()
}

func (r *Room) Missing(vv rdx.VV) []text.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return update.Diff(r.replica, vv)
}

func (r *Room) Participants() map[uint64]awareness.Entry {
	return r.aware.Snapshot()
}

func (r *Room) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Room) admit(conn string, participant uint64) {
	r.mu.Lock()
	r.conns[conn] = participant
	r.mu.Unlock()
}

// caller holds the lock
func (r *Room) forward(rec []byte, from string) {
	for name, q := range r.subs {
		if name == from {
			continue
		}
		if err := q.Drain(context.Background(), protocol.Records{rec}); err != nil {
			// the syncer gives up on its own; a fresh handshake catches it up
			r.log.Warn("relay: cannot queue", "conn", name, "err", err)
		}
	}
}

// Integrate merges ops and forwards those the room did not have yet.
func (r *Room) Integrate(ctx context.Context, ops []text.Op, from string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vv := r.replica.StateVector()
	fresh := make([]text.Op, 0, len(ops))
	for _, op := range ops {
		if !vv.Covers(op.ID) && op.Validate() == nil {
			fresh = append(fresh, op)
		}
	}
	_, err := r.replica.Apply(ops)
	if len(fresh) == 0 {
		return err
	}
	RoomOps.Add(float64(len(fresh)))
	r.forward(replication.UpdatePacket(fresh), from)
	if r.store != nil {
		if serr := r.store.AppendOps(r.name, fresh); serr != nil {
			r.log.Error("relay: cannot persist ops", "err", serr)
		}
	}
	return err
}

func (r *Room) AwarenessState() []byte {
	return r.aware.Encode()
}

func (r *Room) ApplyAwareness(ctx context.Context, msg []byte, from string) error {
	if _, err := r.aware.Apply(msg); err != nil {
		return err
	}
	r.mu.Lock()
	r.forward(replication.AwarenessPacket(msg), from)
	r.mu.Unlock()
	return nil
}

func (r *Room) Subscribe(name string, q protocol.DrainCloser) {
	r.mu.Lock()
	r.subs[name] = q
	r.mu.Unlock()
	RoomConnections.Inc()
}

// Unsubscribe drops a connection; its participant is announced gone.
func (r *Room) Unsubscribe(name string) {
	r.mu.Lock()
	_, subscribed := r.subs[name]
	delete(r.subs, name)
	participant, admitted := r.conns[name]
	delete(r.conns, name)
	empty := len(r.conns) == 0
	r.mu.Unlock()
	if subscribed {
		RoomConnections.Dec()
	}
	if admitted && participant != 0 {
		if bye := r.aware.Remove(participant); bye != nil {
			r.mu.Lock()
			r.forward(replication.AwarenessPacket(bye), name)
			r.mu.Unlock()
		}
	}
	if empty && r.onEmpty != nil {
		r.onEmpty(r)
	}
}

// sweep forgets participants that went quiet. Clients expire them on
// their own clocks, nothing is sent.
func (r *Room) sweep() {
	if gone := r.aware.Sweep(); len(gone) > 0 {
		r.log.Debug("relay: participants expired", "count", len(gone))
	}
}

// compact rewrites the stored log from the replica.
func (r *Room) compact() {
	if r.store == nil {
		return
	}
	r.mu.Lock()
	ops := r.replica.Since(nil)
	r.mu.Unlock()
	if err := r.store.Compact(r.name, ops); err != nil {
		r.log.Error("relay: cannot compact room", "err", err)
	}
}
