// Package umbra is the client side of a shared text document: one
// replica, its undo history and the presence of everyone in the room.
//
// All document state is owned by a single event loop. Callers send
// intents (Insert, Delete, Undo, ...) and read Events; nothing mutable
// crosses that boundary. Network input is queued onto the same loop,
// so local edits and remote merges never interleave.
package umbra

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/collab"
	"github.com/Team1-2308-Capstone/Umbra/profile"
	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/replication"
	"github.com/Team1-2308-Capstone/Umbra/store"
	"github.com/Team1-2308-Capstone/Umbra/text"
	"github.com/Team1-2308-Capstone/Umbra/undo"
	"github.com/Team1-2308-Capstone/Umbra/utils"
)

var (
	ErrClosed           = errors.New("umbra: document closed")
	ErrAlreadyConnected = errors.New("umbra: already connected")
	ErrBadLanguage      = errors.New("umbra: unknown language")
)

type Options struct {
	// Room is the document to join; collab.DefaultDoc if empty.
	Room string
	// Src is the replica id; a random one if zero.
	Src uint64
	// Store keeps the name preference and the document log. If nil an
	// in-memory store is used, living as long as the document.
	Store *store.Store
	// Profile overrides the stored one.
	Profile *profile.Profile

	Undo      undo.Options
	Awareness awareness.Options
	// Events is the buffer of the event channel.
	Events int
	Log    utils.Logger
}

func (o *Options) SetDefaults() {
	if o.Room == "" {
		o.Room = collab.DefaultDoc
	}
	if o.Src == 0 {
		o.Src = rdx.RandomSrc()
	}
	if o.Events == 0 {
		o.Events = 256
	}
	o.Log = utils.LoggerOr(o.Log)
	if o.Awareness.Logger == nil {
		o.Awareness.Logger = o.Log
	}
}

type Umbra struct {
	opts     Options
	log      utils.Logger
	store    *store.Store
	ownStore bool
	profile  profile.Profile

	// loop-owned
	replica *text.Replica
	undo    *undo.Manager

	aware *awareness.Broadcaster

	tasks   chan func()
	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}

	// queues to broadcast all new packets
	outq    map[string]protocol.DrainCloser
	outlock sync.Mutex

	lock    sync.Mutex
	session *replication.Session
	closed  bool
}

// Open loads the room's stored log, if any, and the local profile,
// then starts the event loop.
func Open(opts Options) (u *Umbra, err error) {
	opts.SetDefaults()
	u = &Umbra{
		opts:    opts,
		log:     opts.Log.With("room", opts.Room),
		store:   opts.Store,
		replica: text.NewReplica(opts.Src),
		tasks:   make(chan func()),
		events:  make(chan Event, opts.Events),
		stopped: make(chan struct{}),
		outq:    make(map[string]protocol.DrainCloser),
	}
	if u.store == nil {
		if u.store, err = store.Open(store.Options{Log: u.log}); err != nil {
			return nil, err
		}
		u.ownStore = true
	}
	defer func() {
		if err != nil && u.ownStore {
			_ = u.store.Close()
		}
	}()
	if opts.Profile != nil {
		u.profile = *opts.Profile
	} else if u.profile, err = profile.Load(u.store, nil); err != nil {
		return nil, err
	}
	if err = u.load(); err != nil {
		return nil, err
	}
	u.undo = undo.NewManager(u.replica, opts.Undo)

	u.aware = awareness.New(opts.Src, opts.Awareness)
	for _, v := range []awareness.Value{u.profile.Name, u.profile.Color, awareness.LanguageJS} {
		if err = u.aware.SetLocalField(v); err != nil {
			return nil, err
		}
	}
	u.aware.SetTransmit(func(msg []byte) {
		u.broadcast(replication.AwarenessPacket(msg))
	})
	u.aware.OnRemoteUpdate(u.participantChanged)

	u.ctx, u.cancel = context.WithCancel(context.Background())
	go u.run()
	go u.aware.Run(u.ctx)
	u.log.Info("document open", "src", opts.Src, "name", string(u.profile.Name), "len", u.replica.Len())
	return u, nil
}

func (u *Umbra) load() error {
	ops, err := u.store.LoadOps(u.opts.Room)
	if err != nil && len(ops) == 0 {
		return fmt.Errorf("load %s: %w", u.opts.Room, err)
	}
	if len(ops) == 0 {
		return nil
	}
	if _, aerr := u.replica.Apply(ops); aerr != nil {
		u.log.Warn("stored ops rejected", "err", aerr)
	}
	u.log.Debug("document loaded", "ops", len(ops), "vv", u.replica.StateVector().String())
	return nil
}

func (u *Umbra) run() {
	defer close(u.stopped)
	for {
		select {
		case <-u.ctx.Done():
			return
		case task := <-u.tasks:
			task()
		}
	}
}

// do runs fn on the loop and waits for it to finish.
func (u *Umbra) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case u.tasks <- func() { fn(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-u.ctx.Done():
		return ErrClosed
	}
	<-done
	return nil
}

func (u *Umbra) Src() uint64 {
	return u.opts.Src
}

func (u *Umbra) Room() string {
	return u.opts.Room
}

func (u *Umbra) Profile() profile.Profile {
	return u.profile
}

// Events delivers document, presence and connectivity changes. A slow
// reader loses events rather than stalling the document; every
// DocumentChanged carries the whole text.
func (u *Umbra) Events() <-chan Event {
	return u.events
}

func (u *Umbra) emit(ev Event) {
	select {
	case u.events <- ev:
	default:
		u.log.Warn("event dropped", "event", fmt.Sprintf("%T", ev))
	}
}

// Close says goodbye to the room and stops the loop. Edits still queued
// and the presence farewell are sent before the connection goes. The
// document is kept in the store.
func (u *Umbra) Close() error {
	u.lock.Lock()
	if u.closed {
		u.lock.Unlock()
		return ErrClosed
	}
	u.closed = true
	session := u.session
	u.session = nil
	u.lock.Unlock()

	if bye := u.aware.Leave(); bye != nil {
		u.broadcast(replication.AwarenessPacket(bye))
	}
	var errs []error
	if session != nil {
		errs = append(errs, session.Close())
	}
	u.cancel()
	<-u.stopped
	if u.ownStore {
		errs = append(errs, u.store.Close())
	}
	u.log.Info("document closed")
	return errors.Join(errs...)
}

// broadcast queues a record to every connection.
func (u *Umbra) broadcast(rec []byte) {
	u.outlock.Lock()
	defer u.outlock.Unlock()
	for name, q := range u.outq {
		if err := q.Drain(context.Background(), protocol.Records{rec}); err != nil {
			// the connection resyncs on reconnect
			u.log.Warn("cannot queue", "conn", name, "err", err)
		}
	}
}
