package replication

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/rdx"
	testutils "github.com/Team1-2308-Capstone/Umbra/test_utils"
	"github.com/Team1-2308-Capstone/Umbra/text"
	"github.com/Team1-2308-Capstone/Umbra/update"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHost is a replica plus presence; as a relay it forwards whatever
// it integrates to every other subscriber.
type testHost struct {
	mu      sync.Mutex
	relay   bool
	replica *text.Replica
	aware   *awareness.Broadcaster
	subs    map[string]protocol.DrainCloser
	// diffs lists the peer vectors Missing was asked about
	diffs []rdx.VV
}

func newTestHost(src uint64) *testHost {
	return &testHost{
		replica: text.NewReplica(src),
		aware:   awareness.New(src, awareness.Options{Logger: utils.NopLogger()}),
		subs:    make(map[string]protocol.DrainCloser),
	}
}

func newRelayHost() *testHost {
	h := newTestHost(0)
	h.relay = true
	return h
}

func (h *testHost) StateVector() rdx.VV {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replica.StateVector()
}

func (h *testHost) Missing(vv rdx.VV) []text.Op {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.diffs = append(h.diffs, vv.Clone())
	return update.Diff(h.replica, vv)
}

func (h *testHost) Diffs() []rdx.VV {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]rdx.VV(nil), h.diffs...)
}

func (h *testHost) forward(rec []byte, from string) {
	for name, q := range h.subs {
		if name != from {
			_ = q.Drain(context.Background(), protocol.Records{rec})
		}
	}
}

func (h *testHost) Integrate(ctx context.Context, ops []text.Op, from string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.replica.Apply(ops)
	if h.relay {
		h.forward(UpdatePacket(ops), from)
	}
	return err
}

func (h *testHost) AwarenessState() []byte {
	if h.relay {
		return h.aware.Encode()
	}
	return h.aware.Announce()
}

func (h *testHost) ApplyAwareness(ctx context.Context, msg []byte, from string) error {
	_, err := h.aware.Apply(msg)
	if err == nil && h.relay {
		h.mu.Lock()
		h.forward(AwarenessPacket(msg), from)
		h.mu.Unlock()
	}
	return err
}

func (h *testHost) Subscribe(name string, q protocol.DrainCloser) {
	h.mu.Lock()
	h.subs[name] = q
	h.mu.Unlock()
}

func (h *testHost) Unsubscribe(name string) {
	h.mu.Lock()
	delete(h.subs, name)
	h.mu.Unlock()
}

func (h *testHost) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *testHost) Type(t *testing.T, pos int, s string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ops, err := h.replica.Insert(pos, s)
	require.Nil(t, err)
	h.forward(UpdatePacket(ops), "")
}

func (h *testHost) Text() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replica.Text()
}

func admitAll(host Host) Admit {
	return func(ctx context.Context, name string, auth Auth) (Host, error) {
		if auth.Token != "secret" {
			return nil, ErrUnauthorized
		}
		return host, nil
	}
}

func clientSyncer(name string, host Host, token string) *Syncer {
	return &Syncer{
		Mode: ModeClient,
		Name: name,
		Host: host,
		Auth: Auth{Room: "default", Token: token, Src: 1},
		Log:  utils.NopLogger(),
	}
}

func relaySyncer(name string, admit Admit) *Syncer {
	return &Syncer{
		Mode:  ModeRelay,
		Name:  name,
		Admit: admit,
		Log:   utils.NopLogger(),
	}
}

// pump runs both directions like a connection would, until both say
// EOF or the test ends.
func pump(t *testing.T, a, b *Syncer) <-chan struct{} {
	stop, done := testutils.SyncData(a, b)
	t.Cleanup(stop)
	return done
}

func TestSyncer_OfflineCatchUp(t *testing.T) {
	relay := newRelayHost()
	r2 := newTestHost(2)
	c2 := clientSyncer("r2", r2, "secret")
	c2.Auth.Src = 2
	pump(t, c2, relaySyncer("relay-r2", admitAll(relay)))
	assert.Eventually(t, c2.Synced, time.Second, time.Millisecond)

	// r1 types while offline
	r1 := newTestHost(1)
	r1.Type(t, 0, "hello")
	c1 := clientSyncer("r1", r1, "secret")
	s1 := relaySyncer("relay-r1", admitAll(relay))
	pump(t, c1, s1)

	assert.Eventually(t, func() bool { return r2.Text() == "hello" }, time.Second, time.Millisecond)
	assert.True(t, c1.Synced())
	assert.Eventually(t, s1.Synced, time.Second, time.Millisecond)
	assert.True(t, r2.StateVector().Equal(r1.StateVector()))
	assert.True(t, relay.StateVector().Equal(r1.StateVector()))
	assert.Equal(t, uint64(5), r2.StateVector().Get(1))

	// live edits flow both ways
	r2.Type(t, 5, "!")
	assert.Eventually(t, func() bool { return r1.Text() == "hello!" }, time.Second, time.Millisecond)
	r1.Type(t, 0, ">")
	assert.Eventually(t, func() bool { return r2.Text() == ">hello!" }, time.Second, time.Millisecond)
	assert.Equal(t, 0, c1.Faults())
}

func TestSyncer_DiffGoesThroughHost(t *testing.T) {
	relay := newRelayHost()
	r1 := newTestHost(1)
	r1.Type(t, 0, "abc")
	c1 := clientSyncer("r1", r1, "secret")
	pump(t, c1, relaySyncer("relay-r1", admitAll(relay)))
	assert.Eventually(t, c1.Synced, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return relay.Text() == "abc" }, time.Second, time.Millisecond)

	// each side computed its diff against the other's vector
	rd := relay.Diffs()
	require.Len(t, rd, 1)
	assert.Equal(t, uint64(3), rd[0].Get(1))
	cd := r1.Diffs()
	require.Len(t, cd, 1)
	assert.Equal(t, uint64(0), cd[0].Get(1))
}

func TestSyncer_Awareness(t *testing.T) {
	relay := newRelayHost()
	r1 := newTestHost(1)
	require.Nil(t, r1.aware.SetLocalField(awareness.Name("Sunny Otter 7")))
	c1 := clientSyncer("r1", r1, "secret")
	pump(t, c1, relaySyncer("relay-r1", admitAll(relay)))
	assert.Eventually(t, c1.Synced, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return len(relay.aware.Snapshot()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, awareness.Name("Sunny Otter 7"), relay.aware.Snapshot()[1].Name())

	// a late joiner learns about r1 from the relay
	r2 := newTestHost(2)
	c2 := clientSyncer("r2", r2, "secret")
	c2.Auth.Src = 2
	pump(t, c2, relaySyncer("relay-r2", admitAll(relay)))
	assert.Eventually(t, func() bool {
		e, ok := r2.aware.Snapshot()[1]
		return ok && e.Name() == "Sunny Otter 7"
	}, time.Second, time.Millisecond)
}

func TestSyncer_Unauthorized(t *testing.T) {
	relay := newRelayHost()
	r1 := newTestHost(1)
	r1.Type(t, 0, "secret stuff")
	c1 := clientSyncer("r1", r1, "wrong")
	var bye string
	var byeOnce sync.Once
	byeCh := make(chan struct{})
	c1.OnBye = func(reason string) {
		byeOnce.Do(func() {
			bye = reason
			close(byeCh)
		})
	}
	s1 := relaySyncer("relay-r1", admitAll(relay))
	done := pump(t, c1, s1)

	select {
	case <-byeCh:
	case <-time.After(time.Second):
		t.Fatal("no bye")
	}
	assert.Equal(t, ByeUnauthorized, bye)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("pumps did not stop")
	}
	assert.False(t, c1.Synced())
	assert.Equal(t, "", relay.Text())
	assert.Equal(t, 0, relay.Subscribers())
}

func TestSyncer_AuthFirst(t *testing.T) {
	ctx := context.Background()
	relay := newRelayHost()
	s := relaySyncer("relay-x", admitAll(relay))
	defer s.Close()

	require.Nil(t, s.Drain(ctx, protocol.Records{Step1Packet(rdx.VV{})}))
	recs, err := s.Feed(ctx)
	require.Nil(t, err)
	require.Len(t, recs, 1)
	lit, body, err := ParsePacket(recs[0])
	require.Nil(t, err)
	assert.Equal(t, byte(PacketBye), lit)
	assert.Equal(t, ByeUnauthorized, string(body))
	_, err = s.Feed(ctx)
	assert.ErrorIs(t, err, io.EOF)

	// nothing is accepted any more
	require.Nil(t, s.Drain(ctx, protocol.Records{AuthPacket(Auth{Room: "default", Token: "secret", Src: 3})}))
	assert.Equal(t, 0, relay.Subscribers())
}

func TestSyncer_ProtocolFaults(t *testing.T) {
	ctx := context.Background()
	relay := newRelayHost()
	r1 := newTestHost(1)
	ops, err := r1.replica.Insert(0, "ok")
	require.Nil(t, err)

	s := relaySyncer("relay-x", admitAll(relay))
	s.MaxFaults = 2
	defer s.Close()
	require.Nil(t, s.Drain(ctx, protocol.Records{
		AuthPacket(Auth{Room: "default", Token: "secret", Src: 1}),
		Step1Packet(r1.replica.StateVector()),
	}))
	hello, err := s.Feed(ctx)
	require.Nil(t, err)
	require.Len(t, hello, 2)
	assert.Equal(t, byte(PacketStep1), protocol.Lit(hello[0]))
	assert.Equal(t, byte(PacketStep2), protocol.Lit(hello[1]))

	// a bad record is dropped, the good ones around it land
	require.Nil(t, s.Drain(ctx, protocol.Records{
		protocol.Record(PacketUpdate, []byte("junk")),
		Step2Packet(ops),
	}))
	assert.Equal(t, "ok", relay.Text())
	assert.Equal(t, 1, s.Faults())
	assert.Eventually(t, s.Synced, time.Second, time.Millisecond)

	require.Nil(t, s.Drain(ctx, protocol.Records{protocol.Record('Z', nil)}))
	err = s.Drain(ctx, protocol.Records{AwarenessPacket([]byte{1, 2, 3})})
	assert.ErrorIs(t, err, ErrTooManyFaults)

	recs, err := s.Feed(ctx)
	require.Nil(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, byte(PacketBye), protocol.Lit(recs[0]))
	_, err = s.Feed(ctx)
	assert.True(t, errors.Is(err, io.EOF))
}

func TestAuth_Codec(t *testing.T) {
	a := Auth{Room: "default", Token: "t0k3n", Src: 0xabcdef}
	lit, body, err := ParsePacket(AuthPacket(a))
	require.Nil(t, err)
	assert.Equal(t, byte(PacketAuth), lit)
	b, err := ParseAuth(body)
	require.Nil(t, err)
	assert.Equal(t, a, b)

	_, err = ParseAuth(protocol.Record('R', []byte("x")))
	assert.ErrorIs(t, err, ErrBadPacket)
	_, err = ParseAuth(AuthPacket(Auth{Room: "r", Token: "t"})[2:])
	assert.ErrorIs(t, err, ErrBadPacket)
}
