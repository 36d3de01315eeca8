package umbra

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/collab"
	"github.com/Team1-2308-Capstone/Umbra/network"
	"github.com/Team1-2308-Capstone/Umbra/replication"
)

type ConnectOptions struct {
	// ws://, wss://, tcp:// or tls:// relay address
	Addr  string
	Token string

	TLSConfig        *tls.Config
	Backoff          network.NetBackoffOpt
	HandshakeTimeout time.Duration
	MaxFaults        int
}

// Connect starts syncing with a relay. The session reconnects on its
// own; progress arrives as ConnectivityChanged events. Local edits
// made while offline are caught up by the next handshake.
func (u *Umbra) Connect(opts ConnectOptions) error {
	u.lock.Lock()
	defer u.lock.Unlock()
	if u.closed {
		return ErrClosed
	}
	if u.session != nil {
		return ErrAlreadyConnected
	}
	session := replication.NewSession(replication.SessionOptions{
		Addr: opts.Addr,
		Auth: replication.Auth{
			Room:  u.opts.Room,
			Token: opts.Token,
			Src:   u.opts.Src,
		},
		Host:             u,
		Log:              u.log,
		HandshakeTimeout: opts.HandshakeTimeout,
		MaxFaults:        opts.MaxFaults,
		Backoff:          opts.Backoff,
		TLSConfig:        opts.TLSConfig,
		OnState: func(ev replication.ConnectivityEvent) {
			u.emit(ConnectivityChanged{ev})
		},
	})
	if err := session.Start(); err != nil {
		return err
	}
	u.session = session
	return nil
}

// Join fetches a room token and connects to the relay it names, or to
// opts.Addr if the token service names none. A token failure is fatal:
// it is reported as a Closed event and not retried.
func (u *Umbra) Join(ctx context.Context, tokens *collab.RoomTokens, opts ConnectOptions) error {
	tok, err := tokens.Token(ctx, u.opts.Room)
	if err != nil {
		u.emit(ConnectivityChanged{replication.ConnectivityEvent{State: replication.Closed, Err: err}})
		return err
	}
	opts.Token = tok.Token
	if tok.URL != "" {
		opts.Addr = tok.URL
	}
	return u.Connect(opts)
}

// Disconnect leaves the relay but keeps the document open; Connect may
// be called again.
func (u *Umbra) Disconnect() error {
	u.lock.Lock()
	session := u.session
	u.session = nil
	u.lock.Unlock()
	if session == nil {
		return nil
	}
	return session.Close()
}

func (u *Umbra) State() replication.State {
	u.lock.Lock()
	defer u.lock.Unlock()
	switch {
	case u.closed:
		return replication.Closed
	case u.session == nil:
		return replication.Disconnected
	}
	return u.session.State()
}
