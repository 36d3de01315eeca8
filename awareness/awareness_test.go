package awareness

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func pair(t *testing.T) (a, b *Broadcaster, c *clock) {
	c = &clock{now: time.Unix(1700000000, 0)}
	opts := Options{Now: c.Now, Logger: utils.NopLogger()}
	a = New(1, opts)
	b = New(2, opts)
	a.SetTransmit(func(msg []byte) {
		_, err := b.Apply(msg)
		assert.Nil(t, err)
	})
	b.SetTransmit(func(msg []byte) {
		_, err := a.Apply(msg)
		assert.Nil(t, err)
	})
	return
}

func TestBroadcaster_Fields(t *testing.T) {
	a, b, _ := pair(t)
	var changes []Change
	b.OnRemoteUpdate(func(ch Change) { changes = append(changes, ch) })

	require.Nil(t, a.SetLocalField(Name("Cheerful Panda 7")))
	require.Nil(t, a.SetLocalField(Color{Color: "#30bced", Light: "#30bced33"}))
	require.Nil(t, a.SetLocalField(Cursor{Anchor: rdx.NewID(1, 3), Head: rdx.ID0}))
	require.Nil(t, a.SetLocalField(LanguagePY))

	require.Len(t, changes, 4)
	assert.Equal(t, Joined, changes[0].Kind)
	assert.Equal(t, Updated, changes[3].Kind)

	snap := b.Snapshot()
	require.Contains(t, snap, uint64(1))
	e := snap[1]
	assert.Equal(t, Name("Cheerful Panda 7"), e.Name())
	assert.Equal(t, "#30bced33", e.Color().Light)
	cur, ok := e.Cursor()
	assert.True(t, ok)
	assert.Equal(t, rdx.NewID(1, 3), cur.Anchor)
	assert.True(t, cur.Head.IsZero())
	assert.Equal(t, LanguagePY, e.Language())
	assert.Equal(t, uint64(4), e.Clock)
	assert.Contains(t, snap, uint64(2), "local entry is listed too")

	assert.ErrorIs(t, a.SetLocalField(Language("cobol")), ErrBadField)
}

func TestBroadcaster_StaleDiscarded(t *testing.T) {
	a := New(1, Options{Logger: utils.NopLogger()})
	b := New(2, Options{Logger: utils.NopLogger()})
	var sent [][]byte
	a.SetTransmit(func(msg []byte) { sent = append(sent, msg) })
	require.Nil(t, a.SetLocalField(Name("old")))
	require.Nil(t, a.SetLocalField(Name("new")))

	_, err := b.Apply(sent[1])
	require.Nil(t, err)
	changes, err := b.Apply(sent[0])
	require.Nil(t, err)
	assert.Empty(t, changes)
	assert.Equal(t, Name("new"), b.Snapshot()[1].Name())

	// fields are compared one by one
	require.Nil(t, a.SetLocalField(LanguageGO))
	changes, err = b.Apply(sent[2])
	require.Nil(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, Name("new"), changes[0].Entry.Name())
	assert.Equal(t, LanguageGO, changes[0].Entry.Language())
}

func TestBroadcaster_Expiry(t *testing.T) {
	a, b, c := pair(t)
	left := 0
	b.OnRemoteUpdate(func(ch Change) {
		if ch.Kind == Left {
			left++
		}
	})
	require.Nil(t, a.SetLocalField(Name("ghost")))
	c.Advance(20 * time.Second)
	assert.Empty(t, b.Sweep())
	a.Heartbeat()
	c.Advance(20 * time.Second)
	assert.Empty(t, b.Sweep())

	c.Advance(31 * time.Second)
	gone := b.Sweep()
	require.Len(t, gone, 1)
	assert.Equal(t, uint64(1), gone[0].Participant)
	assert.Empty(t, b.Sweep())
	assert.Equal(t, 1, left)
	assert.NotContains(t, b.Snapshot(), uint64(1))

	// a stale echo does not resurrect it, a fresh heartbeat does
	_, err := b.Apply(appendEntry(nil, &Entry{Participant: 1, Clock: 2}, false))
	require.Nil(t, err)
	assert.NotContains(t, b.Snapshot(), uint64(1))
	a.Heartbeat()
	assert.Contains(t, b.Snapshot(), uint64(1))
	assert.Equal(t, 1, left)
}

func TestBroadcaster_LeaveAndRemove(t *testing.T) {
	a, b, _ := pair(t)
	relay := New(0, Options{Logger: utils.NopLogger()})
	require.Nil(t, a.SetLocalField(Name("a")))
	require.Nil(t, b.SetLocalField(Name("b")))
	_, err := relay.Apply(a.Announce())
	require.Nil(t, err)
	_, err = relay.Apply(b.Announce())
	require.Nil(t, err)
	assert.Len(t, relay.Snapshot(), 2)

	// a late joiner catches up from the relay
	c := New(3, Options{Logger: utils.NopLogger()})
	changes, err := c.Apply(relay.Encode())
	require.Nil(t, err)
	assert.Len(t, changes, 2)

	bye := relay.Remove(1)
	require.NotNil(t, bye)
	assert.Nil(t, relay.Remove(1))
	changes, err = c.Apply(bye)
	require.Nil(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, Left, changes[0].Kind)

	changes, err = c.Apply(b.Leave())
	require.Nil(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, uint64(2), changes[0].Participant)
	assert.Len(t, c.Snapshot(), 1)

	// reconnecting a announces with a fresh clock
	_, err = c.Apply(a.Announce())
	require.Nil(t, err)
	assert.Contains(t, c.Snapshot(), uint64(1))
}

func TestBroadcaster_Malformed(t *testing.T) {
	b := New(2, Options{Logger: utils.NopLogger()})
	good := appendEntry(nil, &Entry{Participant: 1, Clock: 1}, false)
	cases := [][]byte{
		{'!'},
		good[:len(good)-1],
		protocol.Record('E', protocol.TinyRecord('P', nil), protocol.TinyRecord('T', []byte{1})),
		protocol.Record('E',
			protocol.TinyRecord('P', []byte{1}),
			protocol.TinyRecord('T', []byte{1}),
			protocol.Record('Z', protocol.TinyRecord('T', []byte{1}), protocol.Record('M', []byte{0xc0})),
		),
		protocol.Record('E',
			protocol.TinyRecord('P', []byte{1}),
			protocol.TinyRecord('T', []byte{1}),
			protocol.Record('N', protocol.TinyRecord('T', []byte{5}), protocol.Record('M', []byte{0xa1, 'x'})),
		),
	}
	for i, msg := range append(cases, protocol.Concat(good, []byte{'!'})) {
		_, err := b.Apply(msg)
		assert.ErrorIs(t, err, ErrMalformed, "case %d", i)
	}
	assert.Empty(t, b.Snapshot()[1].Fields)
	assert.Len(t, b.Snapshot(), 1)
}

func TestBroadcaster_Run(t *testing.T) {
	a := New(1, Options{Heartbeat: time.Millisecond, TTL: time.Hour, Logger: utils.NopLogger()})
	beats := make(chan []byte, 16)
	a.SetTransmit(func(msg []byte) {
		select {
		case beats <- msg:
		default:
		}
	})
	require.Nil(t, a.SetLocalField(Name("a")))
	<-beats
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.Run(ctx)
		close(done)
	}()
	select {
	case <-beats:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat")
	}
	cancel()
	<-done
	assert.Greater(t, a.Local().Clock, uint64(1))
}
