package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/text"
	"github.com/Team1-2308-Capstone/Umbra/update"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/google/uuid"
)

// Host is the document side of a sync connection: a client replica or
// a relay room.
type Host interface {
	StateVector() rdx.VV
	// Missing lists the ops a peer at vv has not seen.
	Missing(vv rdx.VV) []text.Op
	Integrate(ctx context.Context, ops []text.Op, from string) error
	// AwarenessState is the presence a fresh peer should learn.
	AwarenessState() []byte
	ApplyAwareness(ctx context.Context, msg []byte, from string) error
	// Subscribe registers the queue live records for the named peer go
	// to, until Unsubscribe.
	Subscribe(name string, q protocol.DrainCloser)
	Unsubscribe(name string)
}

// Admit checks the credentials a connection presents and returns the
// room it may sync with.
type Admit func(ctx context.Context, name string, auth Auth) (Host, error)

type Mode byte

const (
	// ModeClient presents credentials and syncs one replica.
	ModeClient Mode = iota
	// ModeRelay waits for AUTH and syncs the admitted room.
	ModeRelay
)

type SyncState int

const (
	SendHandshake SyncState = iota
	SendDiff
	SendLive
	SendEOF
	SendNone
)

func (s SyncState) String() string {
	return []string{"SendHandshake", "SendDiff", "SendLive", "SendEOF", "SendNone"}[s]
}

const (
	DefaultMaxFaults  = 8
	DefaultQueueLimit = 1 << 20
	DefaultBatchSize  = 1 << 16
	DefaultFeedWait   = 100 * time.Millisecond
)

// Syncer speaks the sync protocol over one connection. Feed and Drain
// each follow their own state; the feed side waits for the peer's state
// vector before sending the diff.
//
//	client: AUTH STEP1 [AWARENESS] -> STEP2 -> UPDATE/AWARENESS ... BYE
//	relay:  (AUTH STEP1 received) STEP1 STEP2 [AWARENESS] -> ... BYE
type Syncer struct {
	Mode Mode
	Name string
	// client side: the replica; relay side: set by Admit
	Host  Host
	Admit Admit
	Auth  Auth
	Log   utils.Logger

	MaxFaults  int
	QueueLimit int

	// OnSynced fires once both diffs have passed.
	OnSynced func()
	// OnBye reports a BYE from the peer.
	OnBye func(reason string)

	once    sync.Once
	traceId string
	oqueue  *utils.FDQueue[protocol.Records]

	lock       sync.Mutex
	changed    chan struct{}
	feedState  SyncState
	drainState SyncState
	peervv     rdx.VV
	reason     string
	diffSent   bool
	diffGot    bool
	closed     bool
	eof        bool

	faults atomic.Int32
	synced atomic.Bool
}

func (sync *Syncer) ensure() {
	sync.once.Do(func() {
		sync.traceId = uuid.NewString()
		sync.Log = utils.LoggerOr(sync.Log).With("trace_id", sync.traceId, "peer", sync.Name)
		if sync.MaxFaults == 0 {
			sync.MaxFaults = DefaultMaxFaults
		}
		if sync.QueueLimit == 0 {
			sync.QueueLimit = DefaultQueueLimit
		}
		sync.oqueue = utils.NewFDQueue[protocol.Records](sync.QueueLimit, DefaultFeedWait, DefaultBatchSize)
		sync.changed = make(chan struct{})
		ActiveSyncers.WithLabelValues(sync.Mode.String()).Inc()
	})
}

func (m Mode) String() string {
	if m == ModeRelay {
		return "relay"
	}
	return "client"
}

func (sync *Syncer) GetTraceId() string {
	sync.ensure()
	return sync.traceId
}

func (sync *Syncer) Synced() bool {
	return sync.synced.Load()
}

func (sync *Syncer) Faults() int {
	return int(sync.faults.Load())
}

func (sync *Syncer) host() Host {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.Host
}

// Close ends the conversation: a pending Feed sends BYE and then io.EOF.
func (sync *Syncer) Close() error {
	sync.ensure()
	sync.lock.Lock()
	closing := !sync.closed
	sync.closed = true
	if sync.feedState < SendEOF {
		sync.feedState = SendEOF
	}
	sync.drainState = SendNone
	host := sync.Host
	sync.broadcast()
	sync.lock.Unlock()

	_ = sync.oqueue.Close()
	if closing {
		if host != nil {
			host.Unsubscribe(sync.Name)
		}
		ActiveSyncers.WithLabelValues(sync.Mode.String()).Dec()
		sync.Log.Debug("sync: closed", "faults", sync.Faults(), "synced", sync.Synced())
	}
	return nil
}

// Leave lets the outbound queue run dry, says BYE and waits until the
// feed side is done or the context ends. Close still has to follow.
func (sync *Syncer) Leave(ctx context.Context) error {
	sync.ensure()
	sync.oqueue.Seal()
	for {
		sync.lock.Lock()
		eof, ch := sync.eof || sync.closed, sync.changed
		sync.lock.Unlock()
		if eof {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// the lock is held
func (sync *Syncer) broadcast() {
	close(sync.changed)
	sync.changed = make(chan struct{})
}

func (sync *Syncer) SetFeedState(state SyncState) {
	sync.lock.Lock()
	sync.feedState = state
	sync.broadcast()
	sync.lock.Unlock()
}

func (sync *Syncer) SetDrainState(state SyncState) {
	sync.lock.Lock()
	sync.drainState = state
	sync.broadcast()
	sync.lock.Unlock()
}

func (sync *Syncer) FeedState() SyncState {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.feedState
}

func (sync *Syncer) DrainState() SyncState {
	sync.lock.Lock()
	defer sync.lock.Unlock()
	return sync.drainState
}

// WaitDrainState blocks until the drain side reaches the state (or
// went past it) or the context is done.
func (sync *Syncer) WaitDrainState(ctx context.Context, state SyncState) error {
	for {
		sync.lock.Lock()
		ds, ch := sync.drainState, sync.changed
		sync.lock.Unlock()
		if ds >= state {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// finish stops both directions; the feed side still says BYE.
func (sync *Syncer) finish(reason string) {
	sync.lock.Lock()
	if sync.feedState < SendEOF {
		sync.feedState = SendEOF
		sync.reason = reason
	}
	sync.drainState = SendNone
	sync.broadcast()
	sync.lock.Unlock()
}

func (sync *Syncer) Feed(ctx context.Context) (recs protocol.Records, err error) {
	sync.ensure()
	for {
		switch state := sync.FeedState(); state {
		case SendHandshake:
			if sync.Mode == ModeClient {
				return sync.clientHello(), nil
			}
			if err := sync.WaitDrainState(ctx, SendDiff); err != nil {
				return nil, nil
			}
			if sync.FeedState() != SendHandshake {
				continue
			}
			return sync.relayHello(), nil

		case SendDiff:
			if err := sync.WaitDrainState(ctx, SendDiff); err != nil {
				return nil, nil
			}
			if sync.FeedState() != SendDiff {
				continue
			}
			sync.lock.Lock()
			vv := sync.peervv
			sync.lock.Unlock()
			ops := sync.host().Missing(vv)
			OpsSent.WithLabelValues(sync.Mode.String()).Add(float64(len(ops)))
			recs = protocol.Records{Step2Packet(ops)}
			sync.SetFeedState(SendLive)
			sync.diffDone(true)
			return recs, nil

		case SendLive:
			recs, err = sync.oqueue.Feed(ctx)
			if errors.Is(err, utils.ErrClosed) {
				sync.finish("")
				continue
			}
			if err != nil {
				sync.Log.Warn("sync: outbound queue failed", "err", err)
			}
			return recs, err

		case SendEOF:
			sync.lock.Lock()
			reason := sync.reason
			sync.lock.Unlock()
			sync.SetFeedState(SendNone)
			return protocol.Records{ByePacket(reason)}, nil

		default:
			sync.lock.Lock()
			if !sync.eof {
				sync.eof = true
				sync.broadcast()
			}
			sync.lock.Unlock()
			return nil, io.EOF
		}
	}
}

func (sync *Syncer) clientHello() protocol.Records {
	host := sync.host()
	host.Subscribe(sync.Name, sync.oqueue)
	recs := protocol.Records{
		AuthPacket(sync.Auth),
		Step1Packet(host.StateVector()),
	}
	if aw := host.AwarenessState(); len(aw) > 0 {
		recs = append(recs, AwarenessPacket(aw))
	}
	sync.SetFeedState(SendDiff)
	SessionEvents.WithLabelValues("handshake").Inc()
	sync.Log.Debug("sync: sent handshake")
	return recs
}

// relayHello answers an admitted client at once: the relay already
// knows its state vector.
func (sync *Syncer) relayHello() protocol.Records {
	host := sync.host()
	sync.lock.Lock()
	vv := sync.peervv
	sync.lock.Unlock()
	ops := host.Missing(vv)
	OpsSent.WithLabelValues(sync.Mode.String()).Add(float64(len(ops)))
	recs := protocol.Records{
		Step1Packet(host.StateVector()),
		Step2Packet(ops),
	}
	if aw := host.AwarenessState(); len(aw) > 0 {
		recs = append(recs, AwarenessPacket(aw))
	}
	sync.SetFeedState(SendLive)
	sync.diffDone(true)
	return recs
}

func (sync *Syncer) diffDone(sent bool) {
	sync.lock.Lock()
	if sent {
		sync.diffSent = true
	} else {
		sync.diffGot = true
	}
	both := sync.diffSent && sync.diffGot
	sync.lock.Unlock()
	if both && sync.synced.CompareAndSwap(false, true) {
		SessionEvents.WithLabelValues("synced").Inc()
		sync.Log.Info("sync: synced")
		if sync.OnSynced != nil {
			sync.OnSynced()
		}
	}
}

// fault counts a protocol fault; the offending record is dropped.
// Past MaxFaults the connection is given up.
func (sync *Syncer) fault(kind string, err error) error {
	n := sync.faults.Add(1)
	ProtocolFaults.WithLabelValues(kind).Inc()
	sync.Log.Warn("sync: protocol fault", "kind", kind, "faults", n, "err", err)
	if int(n) > sync.MaxFaults {
		sync.finish("too many faults")
		return ErrTooManyFaults
	}
	return nil
}

func (sync *Syncer) Drain(ctx context.Context, recs protocol.Records) error {
	sync.ensure()
	for _, rec := range recs {
		if err := sync.drainOne(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (sync *Syncer) drainOne(ctx context.Context, rec []byte) error {
	lit, body, err := ParsePacket(rec)
	if err != nil {
		return sync.fault("framing", err)
	}
	state := sync.DrainState()
	switch {
	case state == SendNone:
		return nil

	case lit == PacketBye:
		reason := string(body)
		sync.Log.Info("sync: peer said bye", "reason", reason)
		SessionEvents.WithLabelValues("bye").Inc()
		sync.finish("")
		if sync.OnBye != nil {
			sync.OnBye(reason)
		}
		return nil

	case state == SendHandshake && sync.Mode == ModeRelay && sync.host() == nil:
		return sync.drainAuth(ctx, lit, body)

	case state == SendHandshake:
		if lit != PacketStep1 {
			return sync.fault("unexpected", fmt.Errorf("%c before the handshake", lit))
		}
		vv, err := update.DecodeStateVector(body)
		if err != nil {
			return sync.fault("state_vector", err)
		}
		sync.lock.Lock()
		sync.peervv = vv
		sync.drainState = SendDiff
		sync.broadcast()
		sync.lock.Unlock()
		return nil

	case lit == PacketStep2 && state == SendDiff:
		if err := sync.drainOps(ctx, body); err != nil {
			return err
		}
		sync.SetDrainState(SendLive)
		sync.diffDone(false)
		return nil

	case lit == PacketUpdate:
		return sync.drainOps(ctx, body)

	case lit == PacketAwareness:
		if err := sync.host().ApplyAwareness(ctx, body, sync.Name); err != nil {
			return sync.fault("awareness", err)
		}
		return nil

	default:
		return sync.fault("unexpected", fmt.Errorf("%c in state %s", lit, state))
	}
}

func (sync *Syncer) drainAuth(ctx context.Context, lit byte, body []byte) error {
	var auth Auth
	err := ErrUnauthorized
	if lit == PacketAuth {
		auth, err = ParseAuth(body)
	}
	var host Host
	if err == nil && sync.Admit != nil {
		host, err = sync.Admit(ctx, sync.Name, auth)
	}
	if err == nil && host == nil {
		err = ErrUnauthorized
	}
	if err != nil {
		SessionEvents.WithLabelValues("unauthorized").Inc()
		sync.Log.Warn("sync: rejected", "room", auth.Room, "err", err)
		sync.finish(ByeUnauthorized)
		return nil
	}
	sync.lock.Lock()
	sync.Host = host
	sync.Auth = auth
	sync.lock.Unlock()
	host.Subscribe(sync.Name, sync.oqueue)
	sync.Log.Info("sync: admitted", "room", auth.Room, "src", auth.Src)
	return nil
}

func (sync *Syncer) drainOps(ctx context.Context, body []byte) error {
	ops, derr := update.DecodeOps(body)
	if len(ops) > 0 {
		OpsReceived.WithLabelValues(sync.Mode.String()).Add(float64(len(ops)))
		if err := sync.host().Integrate(ctx, ops, sync.Name); err != nil {
			if ferr := sync.fault("ops", err); ferr != nil {
				return ferr
			}
		}
	}
	if derr != nil {
		return sync.fault("ops", derr)
	}
	return nil
}
