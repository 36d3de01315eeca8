// Package awareness propagates ephemeral presence: names, colours,
// cursors, language modes. Nothing here is durable or CRDT-merged;
// each field is last-writer-wins by its sender's clock and entries
// that stop heart-beating expire.
//
// Message layout (the body of a W record), one E record per participant:
//
//	E{ P<participant> T<clock> [X] N{T<clock> M<msgpack>} C{..} K{..} L{..} }
//
// X marks a participant leaving.
package awareness

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ErrMalformed = errors.New("umbra: malformed awareness message")
	ErrBadField  = errors.New("umbra: bad awareness field")
)

var Departures = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "awareness",
	Name:      "departures",
})

var Updates = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "umbra",
	Subsystem: "awareness",
	Name:      "updates",
}, []string{"result"})

type Options struct {
	TTL       time.Duration
	Heartbeat time.Duration
	Now       func() time.Time
	Logger    utils.Logger
}

func (o *Options) SetDefaults() {
	if o.TTL == 0 {
		o.TTL = 30 * time.Second
	}
	if o.Heartbeat == 0 {
		o.Heartbeat = o.TTL / 2
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	o.Logger = utils.LoggerOr(o.Logger)
}

type Field struct {
	Clock uint64
	Value Value
}

type Entry struct {
	Participant uint64
	Clock       uint64
	Fields      map[FieldKind]Field
	LastSeen    time.Time
}

func (e Entry) clone() Entry {
	e.Fields = maps.Clone(e.Fields)
	return e
}

func (e Entry) Name() Name {
	n, _ := e.Fields[FieldName].Value.(Name)
	return n
}

func (e Entry) Color() Color {
	c, _ := e.Fields[FieldColor].Value.(Color)
	return c
}

func (e Entry) Cursor() (c Cursor, ok bool) {
	c, ok = e.Fields[FieldCursor].Value.(Cursor)
	return
}

func (e Entry) Language() Language {
	if l, ok := e.Fields[FieldLanguage].Value.(Language); ok {
		return l
	}
	return LanguageJS
}

type ChangeKind byte

const (
	Joined ChangeKind = iota + 1
	Updated
	Left
)

func (k ChangeKind) String() string {
	switch k {
	case Joined:
		return "joined"
	case Updated:
		return "updated"
	case Left:
		return "left"
	}
	return "unknown"
}

type Change struct {
	Kind        ChangeKind
	Participant uint64
	Entry       Entry
}

// Broadcaster holds the local entry and the known remote ones of one
// room. All methods are safe for concurrent use; callbacks and the
// transmit func run outside the lock.
type Broadcaster struct {
	mu     sync.Mutex
	opts   Options
	local  Entry
	remote map[uint64]*Entry
	// last clock of departed participants, to drop their stale echoes
	gone map[uint64]uint64

	callbacks []func(Change)
	transmit  func(msg []byte)
}

// New makes a broadcaster for the local participant; participant 0
// makes a passive one (a relay) that only tracks others.
func New(participant uint64, opts Options) *Broadcaster {
	opts.SetDefaults()
	return &Broadcaster{
		opts: opts,
		local: Entry{
			Participant: participant,
			Fields:      make(map[FieldKind]Field),
		},
		remote: make(map[uint64]*Entry),
		gone:   make(map[uint64]uint64),
	}
}

func (b *Broadcaster) Participant() uint64 {
	return b.local.Participant
}

// SetTransmit installs the func local updates go out through.
func (b *Broadcaster) SetTransmit(fn func(msg []byte)) {
	b.mu.Lock()
	b.transmit = fn
	b.mu.Unlock()
}

func (b *Broadcaster) OnRemoteUpdate(cb func(Change)) {
	b.mu.Lock()
	b.callbacks = append(b.callbacks, cb)
	b.mu.Unlock()
}

// SetLocalField stamps the value with the next local clock and sends it
// right away.
func (b *Broadcaster) SetLocalField(v Value) error {
	if b.local.Participant == 0 {
		return fmt.Errorf("%w: passive broadcaster", ErrBadField)
	}
	if _, err := encodeValue(v); err != nil {
		return err
	}
	b.mu.Lock()
	b.local.Clock++
	f := Field{Clock: b.local.Clock, Value: v}
	b.local.Fields[v.Kind()] = f
	msg := appendEntry(nil, &Entry{
		Participant: b.local.Participant,
		Clock:       b.local.Clock,
		Fields:      map[FieldKind]Field{v.Kind(): f},
	}, false)
	transmit := b.transmit
	b.mu.Unlock()
	if transmit != nil {
		transmit(msg)
	}
	return nil
}

func (b *Broadcaster) Local() Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.local.clone()
}

// Snapshot lists every live participant, the local one included.
func (b *Broadcaster) Snapshot() map[uint64]Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap := make(map[uint64]Entry, len(b.remote)+1)
	if b.local.Participant != 0 {
		snap[b.local.Participant] = b.local.clone()
	}
	for p, e := range b.remote {
		snap[p] = e.clone()
	}
	return snap
}

// Announce bumps the local clock and encodes the whole local entry, for
// heartbeats and for the start of every connection.
func (b *Broadcaster) Announce() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.local.Participant == 0 {
		return nil
	}
	b.local.Clock++
	return appendEntry(nil, &b.local, false)
}

// Encode is every entry known, for a relay catching up a new peer.
func (b *Broadcaster) Encode() (msg []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.local.Participant != 0 && b.local.Clock > 0 {
		msg = appendEntry(msg, &b.local, false)
	}
	for _, e := range b.remote {
		msg = appendEntry(msg, e, false)
	}
	return
}

// Leave is the farewell message of the local participant.
func (b *Broadcaster) Leave() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.local.Participant == 0 {
		return nil
	}
	b.local.Clock++
	return appendEntry(nil, &Entry{Participant: b.local.Participant, Clock: b.local.Clock}, true)
}

// Remove drops a remote participant (e.g. its connection closed) and
// returns the farewell message to pass on.
func (b *Broadcaster) Remove(participant uint64) []byte {
	b.mu.Lock()
	e, ok := b.remote[participant]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	change := b.depart(e)
	msg := appendEntry(nil, &Entry{Participant: participant, Clock: e.Clock}, true)
	callbacks := b.callbacks
	b.mu.Unlock()
	notify(callbacks, []Change{change})
	return msg
}

// caller holds the lock
func (b *Broadcaster) depart(e *Entry) Change {
	delete(b.remote, e.Participant)
	if e.Clock > b.gone[e.Participant] {
		b.gone[e.Participant] = e.Clock
	}
	Departures.Inc()
	b.opts.Logger.Info("participant left", "participant", e.Participant, "name", string(e.Name()))
	return Change{Kind: Left, Participant: e.Participant, Entry: e.clone()}
}

func notify(callbacks []func(Change), changes []Change) {
	for _, ch := range changes {
		for _, cb := range callbacks {
			cb(ch)
		}
	}
}

// Apply merges a remote message. A malformed message is rejected as a
// whole, nothing of it gets merged.
func (b *Broadcaster) Apply(msg []byte) (changes []Change, err error) {
	entries, err := decodeEntries(msg)
	if err != nil {
		Updates.WithLabelValues("malformed").Inc()
		return nil, err
	}
	b.mu.Lock()
	now := b.opts.Now()
	for _, de := range entries {
		if ch, ok := b.merge(now, de); ok {
			changes = append(changes, ch)
			Updates.WithLabelValues("applied").Inc()
		} else {
			Updates.WithLabelValues("stale").Inc()
		}
	}
	callbacks := b.callbacks
	b.mu.Unlock()
	notify(callbacks, changes)
	return changes, nil
}

type decoded struct {
	Entry
	bye bool
}

// caller holds the lock
func (b *Broadcaster) merge(now time.Time, de decoded) (Change, bool) {
	p := de.Participant
	if p == b.local.Participant || de.Clock <= b.gone[p] {
		return Change{}, false
	}
	cur, known := b.remote[p]
	if de.bye {
		if !known {
			b.gone[p] = de.Clock
			return Change{}, false
		}
		if de.Clock < cur.Clock {
			return Change{}, false
		}
		cur.Clock = de.Clock
		return b.depart(cur), true
	}
	if !known {
		cur = &Entry{Participant: p, Fields: make(map[FieldKind]Field)}
		b.remote[p] = cur
	}
	changed := false
	if de.Clock > cur.Clock {
		cur.Clock = de.Clock
		cur.LastSeen = now
	}
	for kind, f := range de.Fields {
		if old, ok := cur.Fields[kind]; !ok || f.Clock > old.Clock {
			cur.Fields[kind] = f
			changed = true
		}
	}
	switch {
	case !known:
		b.opts.Logger.Info("participant joined", "participant", p, "name", string(cur.Name()))
		return Change{Kind: Joined, Participant: p, Entry: cur.clone()}, true
	case changed:
		return Change{Kind: Updated, Participant: p, Entry: cur.clone()}, true
	}
	return Change{}, false
}

// Sweep purges entries silent for longer than the TTL. Each departure
// is reported once.
func (b *Broadcaster) Sweep() (changes []Change) {
	b.mu.Lock()
	now := b.opts.Now()
	for _, e := range b.remote {
		if now.Sub(e.LastSeen) > b.opts.TTL {
			changes = append(changes, b.depart(e))
		}
	}
	callbacks := b.callbacks
	b.mu.Unlock()
	notify(callbacks, changes)
	return
}

// Heartbeat re-announces the local entry so peers keep it alive.
func (b *Broadcaster) Heartbeat() {
	b.mu.Lock()
	transmit := b.transmit
	empty := len(b.local.Fields) == 0
	b.mu.Unlock()
	if transmit == nil || empty {
		return
	}
	if msg := b.Announce(); msg != nil {
		transmit(msg)
	}
}

// Run heart-beats and sweeps until the context is done.
func (b *Broadcaster) Run(ctx context.Context) {
	heartbeat := time.NewTicker(b.opts.Heartbeat)
	defer heartbeat.Stop()
	sweep := time.NewTicker(max(b.opts.TTL/10, time.Millisecond))
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			b.Heartbeat()
		case <-sweep.C:
			b.Sweep()
		}
	}
}

func appendEntry(into []byte, e *Entry, bye bool) []byte {
	body := protocol.Concat(
		protocol.TinyRecord('P', rdx.ZipUint64(e.Participant)),
		protocol.TinyRecord('T', rdx.ZipUint64(e.Clock)),
	)
	if bye {
		body = protocol.Append(body, 'X')
	}
	for _, kind := range []FieldKind{FieldName, FieldColor, FieldCursor, FieldLanguage} {
		f, ok := e.Fields[kind]
		if !ok {
			continue
		}
		val, err := encodeValue(f.Value)
		if err != nil {
			continue
		}
		body = protocol.Append(body, byte(kind),
			protocol.TinyRecord('T', rdx.ZipUint64(f.Clock)),
			protocol.Record('M', val),
		)
	}
	return protocol.Append(into, 'E', body)
}

func takeUint(lit byte, data []byte) (v uint64, rest []byte, err error) {
	var zip []byte
	zip, rest, err = protocol.TakeWary(lit, data)
	if err == nil && len(zip) > 8 {
		err = ErrMalformed
	}
	return rdx.UnzipUint64(zip), rest, err
}

func decodeEntries(msg []byte) (entries []decoded, err error) {
	for len(msg) > 0 {
		var body []byte
		body, msg, err = protocol.TakeWary('E', msg)
		if err != nil {
			return nil, errors.Join(ErrMalformed, err)
		}
		de, err := decodeEntry(body)
		if err != nil {
			return nil, err
		}
		entries = append(entries, de)
	}
	return
}

func decodeEntry(body []byte) (de decoded, err error) {
	de.Fields = make(map[FieldKind]Field)
	if de.Participant, body, err = takeUint('P', body); err != nil {
		return de, errors.Join(ErrMalformed, err)
	}
	if de.Clock, body, err = takeUint('T', body); err != nil {
		return de, errors.Join(ErrMalformed, err)
	}
	if de.Participant == 0 || de.Clock == 0 {
		return de, fmt.Errorf("%w: zero participant or clock", ErrMalformed)
	}
	for len(body) > 0 {
		lit, fbody, rest, ferr := protocol.TakeAnyWary(body)
		if ferr != nil {
			return de, errors.Join(ErrMalformed, ferr)
		}
		body = rest
		if lit == 'X' {
			de.bye = true
			continue
		}
		kind := FieldKind(lit)
		var f Field
		var val []byte
		if f.Clock, fbody, err = takeUint('T', fbody); err == nil {
			val, fbody, err = protocol.TakeWary('M', fbody)
		}
		if err == nil && len(fbody) > 0 {
			err = fmt.Errorf("trailing bytes in %s", kind)
		}
		if err == nil {
			f.Value, err = decodeValue(kind, val)
		}
		if err == nil && (f.Clock == 0 || f.Clock > de.Clock) {
			err = fmt.Errorf("field clock %d of %d", f.Clock, de.Clock)
		}
		if err != nil {
			return de, errors.Join(ErrMalformed, err)
		}
		de.Fields[kind] = f
	}
	return de, nil
}
