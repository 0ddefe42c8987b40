package presence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelayServer(t *testing.T, hub *Hub) string {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		Relay(r.Context(), hub, conn, quietLogger())
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *WSChannel {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := DialWS(ctx, url, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}

func TestWSChannel_RelaysLocks(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	url := newRelayServer(t, hub)

	alice := New(dial(t, url), User{Name: "Alice", SessionID: "s-alice"}, Options{Logger: quietLogger()})
	bob := New(dial(t, url), User{Name: "Bob", SessionID: "s-bob"}, Options{Logger: quietLogger()})

	require.NoError(t, alice.LockNode(ctx, "n1", LockEdit))
	require.Eventually(t, func() bool { return bob.IsLockedForMe("n1") }, 5*time.Second, 10*time.Millisecond)

	owner, ok := bob.GetLockOwner("n1")
	require.True(t, ok)
	assert.Equal(t, "Alice", owner.User.Name)

	require.NoError(t, alice.UnlockNode(ctx, "n1"))
	require.Eventually(t, func() bool { return !bob.IsLockedForMe("n1") }, 5*time.Second, 10*time.Millisecond)
}

func TestRelay_DisconnectReleasesLocks(t *testing.T) {
	ctx := context.Background()
	hub := NewHub()
	url := newRelayServer(t, hub)

	aliceCh := dial(t, url)
	alice := New(aliceCh, User{Name: "Alice", SessionID: "s-alice"}, Options{Logger: quietLogger()})
	bob := New(dial(t, url), User{Name: "Bob", SessionID: "s-bob"}, Options{Logger: quietLogger()})

	require.NoError(t, alice.LockNode(ctx, "n1", LockDrag))
	require.Eventually(t, func() bool { return bob.IsLockedForMe("n1") }, 5*time.Second, 10*time.Millisecond)

	// Drop the connection without a leave message.
	require.NoError(t, aliceCh.Close())

	require.Eventually(t, func() bool { return !bob.IsLockedForMe("n1") }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(hub.Sessions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}
