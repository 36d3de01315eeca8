package replication

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/network"
	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/utils"
)

// State is the connectivity of a client session.
//
//	Disconnected -> Handshaking -> Synced -> Reconnecting -> Handshaking ...
//	any -> Closed
type State int32

const (
	Disconnected State = iota
	Handshaking
	Synced
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Handshaking:
		return "handshaking"
	case Synced:
		return "synced"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// ConnectivityEvent reports a state change; Err is the fault that
// caused it, if any. A Closed event with ErrUnauthorized is fatal.
type ConnectivityEvent struct {
	State State
	Err   error
}

func (e ConnectivityEvent) Fatal() bool {
	return e.State == Closed && e.Err != nil
}

type SessionOptions struct {
	// ws://, wss://, tcp:// or tls:// address of the relay
	Addr string
	Auth Auth
	Host Host
	Log  utils.Logger

	HandshakeTimeout time.Duration
	MaxFaults        int
	Backoff          network.NetBackoffOpt
	TLSConfig        *tls.Config
	WriteTimeout     time.Duration
	// LeaveTimeout bounds how long Close waits for queued records
	LeaveTimeout time.Duration

	OnState func(ConnectivityEvent)
}

func (o *SessionOptions) SetDefaults() {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.MaxFaults == 0 {
		o.MaxFaults = DefaultMaxFaults
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = 30 * time.Second
	}
	if o.LeaveTimeout == 0 {
		o.LeaveTimeout = time.Second
	}
	o.Log = utils.LoggerOr(o.Log)
}

// Session keeps a client replica synced with a relay: one Syncer per
// connection, reconnecting with backoff until closed.
type Session struct {
	opts SessionOptions
	net  *network.Net

	lock   sync.Mutex
	state  State
	fault  error
	syncer *Syncer
	timer  *time.Timer
}

func NewSession(opts SessionOptions) *Session {
	opts.SetDefaults()
	s := &Session{opts: opts}
	netopts := []network.NetOpt{
		&opts.Backoff,
		&network.NetWriteTimeoutOpt{Timeout: opts.WriteTimeout},
		&network.NetConnectErrorOpt{Callback: s.connectFailed},
	}
	if opts.TLSConfig != nil {
		netopts = append(netopts, &network.NetTlsConfigOpt{Config: opts.TLSConfig})
	}
	s.net = network.NewNet(opts.Log, s.install, s.destroy, netopts...)
	return s
}

// Start begins connecting; progress is reported through OnState.
func (s *Session) Start() error {
	if s.State() == Closed {
		return ErrClosed
	}
	return s.net.Connect(s.opts.Addr)
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.state
}

// Close leaves the room. A synced connection first sends whatever the
// host has queued, then BYE. Local state stays with the host.
func (s *Session) Close() error {
	s.setState(Closed, nil)
	s.lock.Lock()
	syncer := s.syncer
	s.lock.Unlock()
	if syncer != nil && syncer.Synced() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.LeaveTimeout)
		if err := syncer.Leave(ctx); err != nil {
			s.opts.Log.Debug("session: leave cut short", "addr", s.opts.Addr, "err", err)
		}
		cancel()
	}
	return s.net.Close()
}

func (s *Session) setState(state State, err error) {
	s.lock.Lock()
	if s.state == Closed || (s.state == state && err == nil) {
		s.lock.Unlock()
		return
	}
	s.state = state
	if state == Closed && s.timer != nil {
		s.timer.Stop()
	}
	s.lock.Unlock()

	SessionStates.WithLabelValues(state.String()).Inc()
	if err != nil {
		s.opts.Log.Warn("session: "+state.String(), "addr", s.opts.Addr, "err", err)
	} else {
		s.opts.Log.Info("session: "+state.String(), "addr", s.opts.Addr)
	}
	if s.opts.OnState != nil {
		s.opts.OnState(ConnectivityEvent{State: state, Err: err})
	}
}

func (s *Session) install(name string) protocol.FeedDrainCloserTraced {
	syncer := &Syncer{
		Mode:      ModeClient,
		Name:      name,
		Host:      s.opts.Host,
		Auth:      s.opts.Auth,
		Log:       s.opts.Log,
		MaxFaults: s.opts.MaxFaults,
	}
	syncer.OnSynced = func() { s.synced(syncer) }
	syncer.OnBye = func(reason string) { s.bye(syncer, reason) }

	s.lock.Lock()
	s.syncer = syncer
	s.fault = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.opts.HandshakeTimeout, func() { s.handshakeTimeout(syncer) })
	s.lock.Unlock()

	s.setState(Handshaking, nil)
	return syncer
}

func (s *Session) handshakeTimeout(syncer *Syncer) {
	if syncer.Synced() {
		return
	}
	s.lock.Lock()
	current := s.syncer == syncer
	if current {
		s.fault = ErrHandshakeTimeout
	}
	s.lock.Unlock()
	if current {
		s.opts.Log.Warn("session: handshake timed out", "addr", s.opts.Addr)
		_ = syncer.Close()
	}
}

func (s *Session) synced(syncer *Syncer) {
	s.lock.Lock()
	if s.syncer != syncer {
		s.lock.Unlock()
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.lock.Unlock()
	s.setState(Synced, nil)
}

func (s *Session) bye(syncer *Syncer, reason string) {
	if reason == ByeUnauthorized {
		s.setState(Closed, ErrUnauthorized)
		// not from under the read loop
		go func() { _ = s.net.Disconnect(s.opts.Addr) }()
		return
	}
	s.lock.Lock()
	if s.syncer == syncer && reason != "" {
		s.fault = fmt.Errorf("relay said bye: %s", reason)
	}
	s.lock.Unlock()
}

func (s *Session) destroy(name string, p protocol.Traced) {
	syncer, _ := p.(*Syncer)
	s.lock.Lock()
	if syncer == nil || s.syncer != syncer {
		s.lock.Unlock()
		return
	}
	s.syncer = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	fault := s.fault
	s.lock.Unlock()
	if fault == nil && syncer.Faults() > s.opts.MaxFaults {
		fault = ErrTooManyFaults
	}
	if fault == nil {
		fault = errors.New("connection lost")
	}
	s.setState(Reconnecting, fault)
}

func (s *Session) connectFailed(name string, err error) {
	s.setState(Reconnecting, err)
}
