package replication

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/network"
	"github.com/Team1-2308-Capstone/Umbra/protocol"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRelay serves /sync with a Net that can be swapped to drop every
// connection at once.
type testRelay struct {
	host    *testHost
	install network.InstallCallback
	current atomic.Pointer[network.Net]
	srv     *httptest.Server
}

func newTestRelay(t *testing.T, install network.InstallCallback) *testRelay {
	r := &testRelay{host: newRelayHost(), install: install}
	if r.install == nil {
		r.install = func(name string) protocol.FeedDrainCloserTraced {
			return relaySyncer(name, admitAll(r.host))
		}
	}
	r.current.Store(network.NewNet(utils.NopLogger(), r.install, nil))
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.current.Load().ServeHTTP(w, req)
	}))
	t.Cleanup(func() {
		r.srv.Close()
		_ = r.current.Load().Close()
	})
	return r
}

func (r *testRelay) Addr() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http") + "/sync"
}

func (r *testRelay) DropAll() {
	old := r.current.Swap(network.NewNet(utils.NopLogger(), r.install, nil))
	_ = old.Close()
}

func testSession(t *testing.T, addr string, host Host, token string) (*Session, <-chan ConnectivityEvent) {
	events := make(chan ConnectivityEvent, 64)
	s := NewSession(SessionOptions{
		Addr:             addr,
		Auth:             Auth{Room: "default", Token: token, Src: host.(*testHost).replica.Src()},
		Host:             host,
		Log:              utils.NopLogger(),
		HandshakeTimeout: 200 * time.Millisecond,
		Backoff:          network.NetBackoffOpt{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond},
		OnState: func(ev ConnectivityEvent) {
			select {
			case events <- ev:
			default:
			}
		},
	})
	t.Cleanup(func() { _ = s.Close() })
	return s, events
}

func waitState(t *testing.T, events <-chan ConnectivityEvent, state State) ConnectivityEvent {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.State == state {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", state)
			return ConnectivityEvent{}
		}
	}
}

func TestSession_SyncAndReconnect(t *testing.T) {
	relay := newTestRelay(t, nil)
	r1 := newTestHost(1)
	r1.Type(t, 0, "hi")
	s, events := testSession(t, relay.Addr(), r1, "secret")
	assert.Equal(t, Disconnected, s.State())
	require.Nil(t, s.Start())

	waitState(t, events, Handshaking)
	waitState(t, events, Synced)
	assert.Eventually(t, func() bool { return relay.host.Text() == "hi" }, time.Second, time.Millisecond)

	relay.DropAll()
	ev := waitState(t, events, Reconnecting)
	assert.NotNil(t, ev.Err)
	assert.False(t, ev.Fatal())

	// edits made while away arrive after the fresh handshake
	r1.Type(t, 2, "!")
	waitState(t, events, Synced)
	assert.Eventually(t, func() bool { return relay.host.Text() == "hi!" }, time.Second, time.Millisecond)

	require.Nil(t, s.Close())
	assert.Equal(t, Closed, s.State())
	assert.ErrorIs(t, s.Start(), ErrClosed)
}

func TestSession_CloseFlushes(t *testing.T) {
	relay := newTestRelay(t, nil)
	r1 := newTestHost(1)
	require.Nil(t, r1.aware.SetLocalField(awareness.Name("Quiet Heron 2")))
	s, events := testSession(t, relay.Addr(), r1, "secret")
	require.Nil(t, s.Start())
	waitState(t, events, Synced)
	assert.Eventually(t, func() bool { return len(relay.host.aware.Snapshot()) == 1 }, time.Second, time.Millisecond)

	// the last edit and the farewell are queued right before Close
	r1.Type(t, 0, "last")
	r1.mu.Lock()
	r1.forward(AwarenessPacket(r1.aware.Leave()), "")
	r1.mu.Unlock()
	require.Nil(t, s.Close())

	assert.Eventually(t, func() bool { return relay.host.Text() == "last" }, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return len(relay.host.aware.Snapshot()) == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, Closed, s.State())
}

func TestSession_Unauthorized(t *testing.T) {
	relay := newTestRelay(t, nil)
	s, events := testSession(t, relay.Addr(), newTestHost(1), "expired")
	require.Nil(t, s.Start())

	ev := waitState(t, events, Closed)
	assert.ErrorIs(t, ev.Err, ErrUnauthorized)
	assert.True(t, ev.Fatal())
	assert.Equal(t, Closed, s.State())
	assert.Equal(t, "", relay.host.Text())
}

// silent accepts a connection and never answers
type silent struct{}

func (silent) Feed(ctx context.Context) (protocol.Records, error) {
	<-ctx.Done()
	return nil, nil
}
func (silent) Drain(context.Context, protocol.Records) error { return nil }
func (silent) Close() error                                  { return nil }
func (silent) GetTraceId() string                            { return "silent" }

func TestSession_HandshakeTimeout(t *testing.T) {
	relay := newTestRelay(t, func(string) protocol.FeedDrainCloserTraced { return silent{} })
	r1 := newTestHost(1)
	s, events := testSession(t, relay.Addr(), r1, "secret")
	require.Nil(t, s.Start())

	waitState(t, events, Handshaking)
	ev := waitState(t, events, Reconnecting)
	assert.ErrorIs(t, ev.Err, ErrHandshakeTimeout)
	// and it keeps trying
	waitState(t, events, Handshaking)

	// local edits are not affected
	r1.Type(t, 0, "still here")
	assert.Equal(t, "still here", r1.Text())
}

func TestSession_Unreachable(t *testing.T) {
	s, events := testSession(t, "tcp://127.0.0.1:1", newTestHost(1), "secret")
	require.Nil(t, s.Start())
	ev := waitState(t, events, Reconnecting)
	assert.NotNil(t, ev.Err)
	assert.False(t, ev.Fatal())
}
