// Package relay is the always-on peer clients sync through. It checks
// the token each connection presents, keeps a replica per room so late
// joiners catch up from it, and forwards updates and presence between
// the connections of a room.
//
// Rooms with connections live in the active table. When the last one
// leaves, the room moves to a bounded idle cache; a room falling out of
// the cache gets its stored log compacted and is dropped from memory.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/network"
	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/replication"
	"github.com/Team1-2308-Capstone/Umbra/store"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/puzpuzpuz/xsync/v3"
)

var ErrNoRoom = errors.New("umbra: no such room")

type Options struct {
	// HMAC secret for room tokens; random if empty
	Secret   []byte
	TokenTTL time.Duration
	// PublicURL is the sync endpoint advertised with tokens,
	// e.g. wss://relay.example.com/sync
	PublicURL string
	// Store keeps room logs; nil keeps rooms in memory only
	Store     *store.Store
	IdleRooms int
	MaxFaults int
	Awareness awareness.Options
	Log       utils.Logger
}

func (o *Options) SetDefaults() {
	if o.TokenTTL == 0 {
		o.TokenTTL = 24 * time.Hour
	}
	if o.IdleRooms == 0 {
		o.IdleRooms = 64
	}
	if o.MaxFaults == 0 {
		o.MaxFaults = replication.DefaultMaxFaults
	}
	o.Awareness.SetDefaults()
	o.Log = utils.LoggerOr(o.Log)
}

type Server struct {
	opts     Options
	log      utils.Logger
	tokens   *Tokens
	net      *network.Net
	registry *prometheus.Registry

	lock  sync.Mutex
	rooms *xsync.MapOf[string, *Room]
	idle  *lru.Cache[string, *Room]
}

func NewServer(opts Options) (*Server, error) {
	opts.SetDefaults()
	s := &Server{
		opts:     opts,
		log:      opts.Log,
		tokens:   NewTokens(opts.Secret, opts.TokenTTL),
		rooms:    xsync.NewMapOf[string, *Room](),
		registry: prometheus.NewRegistry(),
	}
	idle, err := lru.NewWithEvict[string, *Room](opts.IdleRooms, s.evicted)
	if err != nil {
		return nil, err
	}
	s.idle = idle
	s.net = network.NewNet(s.log, s.install, nil)

	s.registry.MustRegister(collectors.NewGoCollector())
	s.registry.MustRegister(RoomConnections, RoomOps, Rooms, RequestDuration)
	s.registry.MustRegister(awareness.Departures, awareness.Updates)
	s.registry.MustRegister(replication.Collectors()...)
	if opts.Store != nil {
		s.registry.MustRegister(opts.Store.Collector())
	}
	return s, nil
}

func (s *Server) Tokens() *Tokens {
	return s.tokens
}

func (s *Server) Registry() *prometheus.Registry {
	return s.registry
}

func (s *Server) install(name string) protocol.FeedDrainCloserTraced {
	return &replication.Syncer{
		Mode:      replication.ModeRelay,
		Name:      name,
		Admit:     s.Admit,
		Log:       s.log,
		MaxFaults: s.opts.MaxFaults,
	}
}

// Admit checks a connection's token and hands out its room.
func (s *Server) Admit(ctx context.Context, name string, auth replication.Auth) (replication.Host, error) {
	if auth.Room == "" {
		return nil, fmt.Errorf("%w: no room", replication.ErrUnauthorized)
	}
	if err := s.tokens.Check(auth.Room, auth.Token); err != nil {
		return nil, errors.Join(replication.ErrUnauthorized, err)
	}
	s.lock.Lock()
	defer s.lock.Unlock()
	room, err := s.activate(auth.Room)
	if err != nil {
		return nil, err
	}
	room.admit(name, auth.Src)
	return room, nil
}

// activate finds or loads a room and puts it in the active table; the
// lock is held.
func (s *Server) activate(name string) (*Room, error) {
	if room, ok := s.rooms.Load(name); ok {
		return room, nil
	}
	room, ok := s.idle.Peek(name)
	if ok {
		s.idle.Remove(name)
	} else {
		var err error
		if room, err = newRoom(name, s.opts.Store, s.log, s.opts.Awareness); err != nil {
			return nil, err
		}
		room.onEmpty = s.park
	}
	s.rooms.Store(name, room)
	s.gauges()
	return room, nil
}

func (s *Server) park(room *Room) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if room.Connections() != 0 {
		return
	}
	if cur, ok := s.rooms.Load(room.name); !ok || cur != room {
		return
	}
	s.rooms.Delete(room.name)
	s.idle.Add(room.name, room)
	s.gauges()
	s.log.Debug("relay: room idle", "room", room.name)
}

func (s *Server) evicted(name string, room *Room) {
	room.compact()
}

// the lock is held
func (s *Server) gauges() {
	Rooms.WithLabelValues("active").Set(float64(s.rooms.Size()))
	Rooms.WithLabelValues("idle").Set(float64(s.idle.Len()))
}

// Room looks a room up without activating it; a stored room is loaded
// into the idle cache.
func (s *Server) Room(name string) (*Room, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if room, ok := s.rooms.Load(name); ok {
		return room, nil
	}
	if room, ok := s.idle.Get(name); ok {
		return room, nil
	}
	if s.opts.Store == nil {
		return nil, ErrNoRoom
	}
	room, err := newRoom(name, s.opts.Store, s.log, s.opts.Awareness)
	if err != nil {
		return nil, err
	}
	if len(room.StateVector()) == 0 {
		return nil, ErrNoRoom
	}
	room.onEmpty = s.park
	s.idle.Add(name, room)
	s.gauges()
	return room, nil
}

// Listen accepts raw TLV connections, e.g. "tcp://:7070".
func (s *Server) Listen(addr string) error {
	return s.net.Listen(addr)
}

// Run expires quiet participants until the context is done.
func (s *Server) Run(ctx context.Context) {
	period := s.opts.Awareness.TTL / 10
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.rooms.Range(func(_ string, room *Room) bool {
				room.sweep()
				return true
			})
		}
	}
}

// Close drops every connection and compacts the logs of all rooms.
func (s *Server) Close() error {
	err := s.net.Close()
	s.lock.Lock()
	defer s.lock.Unlock()
	s.rooms.Range(func(_ string, room *Room) bool {
		room.compact()
		return true
	})
	s.rooms.Clear()
	s.idle.Purge()
	return err
}
