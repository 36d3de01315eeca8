package umbra

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Team1-2308-Capstone/Umbra/awareness"
	"github.com/Team1-2308-Capstone/Umbra/collab"
	"github.com/Team1-2308-Capstone/Umbra/network"
	"github.com/Team1-2308-Capstone/Umbra/profile"
	"github.com/Team1-2308-Capstone/Umbra/relay"
	"github.com/Team1-2308-Capstone/Umbra/replication"
	"github.com/Team1-2308-Capstone/Umbra/store"
	"github.com/Team1-2308-Capstone/Umbra/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func open(t *testing.T, src uint64, st *store.Store) *Umbra {
	u, err := Open(Options{Src: src, Store: st, Log: utils.NopLogger()})
	require.Nil(t, err)
	t.Cleanup(func() { _ = u.Close() })
	return u
}

func textOf(u *Umbra) string {
	s, _ := u.Text()
	return s
}

func TestUmbra_EditUndoRedo(t *testing.T) {
	u := open(t, 1, nil)
	require.Nil(t, u.Insert(0, "hello"))
	require.Nil(t, u.StopCapturing())
	require.Nil(t, u.Insert(5, " world"))
	require.Nil(t, u.StopCapturing())
	require.Nil(t, u.Delete(0, 1))
	assert.Equal(t, "ello world", textOf(u))

	ok, err := u.Undo()
	require.Nil(t, err)
	assert.True(t, ok)
	assert.Equal(t, "hello world", textOf(u))
	ok, _ = u.Undo()
	assert.True(t, ok)
	assert.Equal(t, "hello", textOf(u))

	ok, _ = u.Redo()
	assert.True(t, ok)
	assert.Equal(t, "hello world", textOf(u))

	// a new edit forgets the redo stack
	require.Nil(t, u.Insert(0, ">"))
	ok, _ = u.Redo()
	assert.False(t, ok)

	ok, _ = u.Undo()
	assert.True(t, ok)
	assert.Equal(t, "hello world", textOf(u))

	assert.Error(t, u.Insert(99, "x"))
	assert.Equal(t, uint64(1), u.Src())
}

func TestUmbra_Events(t *testing.T) {
	u := open(t, 2, nil)
	require.Nil(t, u.Insert(0, "abc"))
	select {
	case ev := <-u.Events():
		dc, ok := ev.(DocumentChanged)
		require.True(t, ok)
		assert.Equal(t, "abc", dc.Text)
		assert.False(t, dc.Remote)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestUmbra_Presence(t *testing.T) {
	u := open(t, 3, nil)
	assert.ErrorIs(t, u.SetLanguage("cobol"), ErrBadLanguage)
	assert.Equal(t, awareness.LanguageJS, u.Language())
	require.Nil(t, u.SetLanguage(awareness.LanguageGO))
	assert.Equal(t, awareness.LanguageGO, u.Language())

	require.Nil(t, u.Insert(0, "func"))
	assert.Error(t, u.SetCursor(0, 5))
	require.Nil(t, u.SetCursor(1, 4))
	require.Nil(t, u.SetName("Tester"))

	list, err := u.Participants()
	require.Nil(t, err)
	require.Len(t, list, 1)
	me := list[0]
	assert.True(t, me.Local)
	assert.Equal(t, awareness.Name("Tester"), me.Name)
	require.NotNil(t, me.Cursor)
	assert.Equal(t, Selection{Anchor: 1, Head: 4}, *me.Cursor)

	// the cursor sticks to its runes
	require.Nil(t, u.Insert(0, "// "))
	list, _ = u.Participants()
	assert.Equal(t, Selection{Anchor: 4, Head: 7}, *list[0].Cursor)
}

func TestUmbra_StoredState(t *testing.T) {
	st, err := store.Open(store.Options{})
	require.Nil(t, err)
	defer st.Close()

	u, err := Open(Options{Src: 4, Store: st, Log: utils.NopLogger()})
	require.Nil(t, err)
	first := u.Profile()
	require.Nil(t, u.Insert(0, "kept"))
	require.Nil(t, u.Close())
	assert.ErrorIs(t, u.Close(), ErrClosed)
	assert.ErrorIs(t, u.Insert(0, "x"), ErrClosed)
	assert.Equal(t, replication.Closed, u.State())

	u = open(t, 5, st)
	assert.Equal(t, "kept", textOf(u))
	base, ok, err := st.Get(profile.PrefKey)
	require.Nil(t, err)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(string(first.Name), base+" "))
	assert.True(t, strings.HasPrefix(string(u.Profile().Name), base+" "))

	custom := profile.Profile{Name: "Custom 1", Color: profile.Palette[0]}
	other, err := Open(Options{Room: "other", Src: 6, Store: st, Profile: &custom, Log: utils.NopLogger()})
	require.Nil(t, err)
	defer other.Close()
	assert.Equal(t, "", textOf(other))
	assert.Equal(t, custom, other.Profile())
}

type testRelay struct {
	srv    *relay.Server
	http   *httptest.Server
	tokens *collab.RoomTokens
	addr   string
}

func newRelay(t *testing.T) *testRelay {
	srv, err := relay.NewServer(relay.Options{Log: utils.NopLogger()})
	require.Nil(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		_ = srv.Close()
		hs.Close()
	})
	return &testRelay{
		srv:    srv,
		http:   hs,
		tokens: &collab.RoomTokens{BaseURL: hs.URL},
		addr:   "ws" + strings.TrimPrefix(hs.URL, "http") + "/sync",
	}
}

func (r *testRelay) join(t *testing.T, u *Umbra) {
	opts := ConnectOptions{
		Addr:    r.addr,
		Backoff: network.NetBackoffOpt{Min: 10 * time.Millisecond, Max: 100 * time.Millisecond},
	}
	require.Nil(t, u.Join(context.Background(), r.tokens, opts))
	assert.Eventually(t, func() bool { return u.State() == replication.Synced }, 5*time.Second, 5*time.Millisecond)
}

func converged(t *testing.T, want string, us ...*Umbra) {
	t.Helper()
	assert.Eventually(t, func() bool {
		for _, u := range us {
			if textOf(u) != want {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond, "want %q", want)
}

func TestUmbra_Collaboration(t *testing.T) {
	r := newRelay(t)
	a := open(t, 10, nil)
	b := open(t, 20, nil)
	require.Nil(t, a.Insert(0, "ab"))
	r.join(t, a)
	assert.ErrorIs(t, a.Connect(ConnectOptions{Addr: r.addr}), ErrAlreadyConnected)
	r.join(t, b)
	converged(t, "ab", a, b)

	// concurrent inserts at the same place land in the same order
	require.Nil(t, a.Disconnect())
	assert.Equal(t, replication.Disconnected, a.State())
	require.Nil(t, a.StopCapturing())
	require.Nil(t, a.Insert(1, "X"))
	require.Nil(t, b.Insert(1, "Y"))
	r.join(t, a)
	converged(t, "aXYb", a, b)

	// undo only takes back a's own edit
	ok, err := a.Undo()
	require.Nil(t, err)
	assert.True(t, ok)
	converged(t, "aYb", a, b)

	// presence, cursor included
	require.Nil(t, b.SetCursor(2, 2))
	assert.Eventually(t, func() bool {
		list, _ := a.Participants()
		for _, p := range list {
			if p.ID == 20 && p.Cursor != nil {
				return *p.Cursor == Selection{Anchor: 2, Head: 2}
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)

	room, err := r.srv.Room(a.Room())
	require.Nil(t, err)
	assert.Equal(t, "aYb", room.Text())

	// b leaving shows up at a
	require.Nil(t, b.Close())
	assert.Eventually(t, func() bool {
		list, _ := a.Participants()
		return len(list) == 1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestUmbra_CannotJoin(t *testing.T) {
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusForbidden)
	}))
	defer hs.Close()
	u := open(t, 7, nil)
	err := u.Join(context.Background(), &collab.RoomTokens{BaseURL: hs.URL}, ConnectOptions{})
	assert.ErrorIs(t, err, collab.ErrCannotJoin)
	for {
		select {
		case ev := <-u.Events():
			if cc, ok := ev.(ConnectivityChanged); ok {
				assert.True(t, cc.Fatal())
				return
			}
		case <-time.After(time.Second):
			t.Fatal("no connectivity event")
		}
	}
}

func TestUmbra_BadToken(t *testing.T) {
	r := newRelay(t)
	u := open(t, 8, nil)
	require.Nil(t, u.Connect(ConnectOptions{Addr: r.addr, Token: "forged"}))
	assert.Eventually(t, func() bool { return u.State() == replication.Closed }, 5*time.Second, 5*time.Millisecond)
	// the document itself stays usable
	require.Nil(t, u.Insert(0, "local"))
	assert.Equal(t, "local", textOf(u))
}
