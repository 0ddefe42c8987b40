package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/arggraph/internal/graph"
	"github.com/roach88/arggraph/internal/presence"
	"github.com/roach88/arggraph/internal/session"
	"github.com/roach88/arggraph/internal/testutil"
)

const waitFor = 2 * time.Second

func dialSync(t *testing.T, env *testEnv, docID string) (*SyncConn, []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, state, err := env.client.DialSync(ctx, docID, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, state
}

// collect pumps frames of conn into a channel.
func collect(conn *SyncConn) <-chan []byte {
	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		_ = conn.Pump(func(frame []byte) error {
			out <- frame
			return nil
		})
	}()
	return out
}

func TestSync_SendsStoredStateFirst(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.client.AppendUpdate(context.Background(), "doc1", statementUpdate(t, "s1", "One")))

	_, state := dialSync(t, env, "doc1")
	assert.Equal(t, []string{"s1"}, loadNodes(t, state))

	_, empty := dialSync(t, env, "fresh")
	assert.Empty(t, loadNodes(t, empty))
}

func TestSync_RelaysToOtherSockets(t *testing.T) {
	env := newTestEnv(t)
	ada, _ := dialSync(t, env, "doc1")
	bob, _ := dialSync(t, env, "doc1")
	other, _ := dialSync(t, env, "doc2")
	adaFrames, bobFrames, otherFrames := collect(ada), collect(bob), collect(other)

	update := statementUpdate(t, "s1", "One")
	require.NoError(t, ada.Send(context.Background(), update))

	select {
	case frame := <-bobFrames:
		assert.Equal(t, update, frame)
	case <-time.After(waitFor):
		t.Fatal("bob did not receive the update")
	}

	select {
	case frame := <-adaFrames:
		t.Fatalf("sender received its own frame (%d bytes)", len(frame))
	case frame := <-otherFrames:
		t.Fatalf("other document received a frame (%d bytes)", len(frame))
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSync_LateJoinerReceivesUnsavedEdits(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.client.AppendUpdate(context.Background(), "doc1", statementUpdate(t, "s1", "Saved")))

	ada, _ := dialSync(t, env, "doc1")
	bob, _ := dialSync(t, env, "doc1")
	bobFrames := collect(bob)

	// s2 is relayed but never saved.
	require.NoError(t, ada.Send(context.Background(), statementUpdate(t, "s2", "Pending")))
	select {
	case <-bobFrames:
	case <-time.After(waitFor):
		t.Fatal("bob did not receive the update")
	}

	_, state := dialSync(t, env, "doc1")
	assert.ElementsMatch(t, []string{"s1", "s2"}, loadNodes(t, state))

	ids, err := env.client.Documents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"doc1"}, ids)
	st, err := env.client.LoadState(context.Background(), "doc1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, loadNodes(t, st))
}

func TestSync_DropsMalformedFrames(t *testing.T) {
	env := newTestEnv(t)
	ada, _ := dialSync(t, env, "doc1")
	bob, _ := dialSync(t, env, "doc1")
	bobFrames := collect(bob)

	require.NoError(t, ada.Send(context.Background(), []byte{0xc1}))
	good := statementUpdate(t, "s1", "One")
	require.NoError(t, ada.Send(context.Background(), good))

	select {
	case frame := <-bobFrames:
		assert.Equal(t, good, frame, "malformed frame must not be relayed")
	case <-time.After(waitFor):
		t.Fatal("bob did not receive the valid update")
	}
}

func TestSync_DoesNotPersist(t *testing.T) {
	env := newTestEnv(t)
	ada, _ := dialSync(t, env, "doc1")
	require.NoError(t, ada.Send(context.Background(), statementUpdate(t, "s1", "One")))

	ids, err := env.client.Documents(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSync_ServerCloseEndsPump(t *testing.T) {
	env := newTestEnv(t)
	conn, _ := dialSync(t, env, "doc1")
	frames := collect(conn)

	require.NoError(t, env.server.Close())

	select {
	case _, ok := <-frames:
		assert.False(t, ok)
	case <-time.After(waitFor):
		t.Fatal("pump did not end after server close")
	}
}

func TestPresence_RelaysLocksBetweenClients(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	adaCh, err := env.client.DialPresence(ctx, "doc1", nil)
	require.NoError(t, err)
	defer adaCh.Close()
	bobCh, err := env.client.DialPresence(ctx, "doc1", nil)
	require.NoError(t, err)
	defer bobCh.Close()

	ada := presence.New(adaCh, presence.User{ID: "u1", Name: "Ada", SessionID: "s-ada"}, presence.Options{})
	bob := presence.New(bobCh, presence.User{ID: "u2", Name: "Bob", SessionID: "s-bob"}, presence.Options{})

	require.NoError(t, ada.LockNode(ctx, "n1", presence.LockEdit))
	require.Eventually(t, func() bool { return bob.IsLockedForMe("n1") }, waitFor, 5*time.Millisecond)

	owner, ok := bob.GetLockOwner("n1")
	require.True(t, ok)
	assert.Equal(t, "Ada", owner.User.Name)

	require.NoError(t, ada.Close(ctx))
	require.Eventually(t, func() bool { return !bob.IsLockedForMe("n1") }, waitFor, 5*time.Millisecond)
}

func TestPresence_DisconnectReleasesLocks(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	// A raw socket that locks a node and drops without a leave frame.
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/docs/doc1/presence"
	raw, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)

	bobCh, err := env.client.DialPresence(ctx, "doc1", nil)
	require.NoError(t, err)
	defer bobCh.Close()
	bob := presence.New(bobCh, presence.User{ID: "u2", SessionID: "s-bob"}, presence.Options{})

	require.NoError(t, raw.WriteJSON(presence.Message{
		Type: presence.MessageState,
		State: presence.PeerState{
			User:  presence.User{ID: "u1", SessionID: "s-raw"},
			Locks: map[string]presence.Lock{"n1": {Kind: presence.LockDrag, TS: 1, SessionID: "s-raw"}},
		},
	}))
	require.Eventually(t, func() bool { return bob.IsLockedForMe("n1") }, waitFor, 5*time.Millisecond)

	require.NoError(t, raw.Close())
	require.Eventually(t, func() bool { return !bob.IsLockedForMe("n1") }, waitFor, 5*time.Millisecond)
}

// openRemote opens a session whose every dependency goes through env.
func openRemote(t *testing.T, env *testEnv, clk *testutil.ManualClock, name string) *session.Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()

	conn, initial, err := env.client.DialSync(ctx, "doc1", nil)
	require.NoError(t, err)
	ch, err := env.client.DialPresence(ctx, "doc1", nil)
	require.NoError(t, err)

	s, err := session.New(session.Config{
		DocID:    "doc1",
		User:     presence.User{ID: "u-" + name, Name: name, SessionID: "s-" + name},
		Writable: true,
		Clock:    clk,
	}, session.Deps{
		Presence:   ch,
		Loader:     env.client,
		Log:        env.client,
		Meta:       env.client,
		Mindchange: env.client,
		Transport:  conn,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Receive(initial))

	runCtx, stop := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	runDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		_ = conn.Pump(s.Receive)
	}()
	go func() {
		defer close(runDone)
		_ = s.Run(runCtx)
	}()
	t.Cleanup(func() {
		_ = s.Close(context.Background())
		stop()
		<-runDone
		conn.Close()
		<-pumpDone
		ch.Close()
	})
	return s
}

func TestSessionsOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.client.AppendUpdate(context.Background(), "doc1", statementUpdate(t, "s1", "Claim")))
	clk := testutil.NewManualClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))

	ada := openRemote(t, env, clk, "ada")
	bob := openRemote(t, env, clk, "bob")

	res, err := ada.AddPointBelow("s1", graph.AddPointOptions{Content: "Because"})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		n, ok := bob.View().Node(res.NodeID)
		return ok && n.Content() == "Because"
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, ada.LockNode(context.Background(), res.NodeID, presence.LockEdit))
	require.Eventually(t, func() bool {
		return bob.Presence().IsLockedForMe(res.NodeID)
	}, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, bob.SetNodeContent(res.NodeID, "Overwrite"), session.ErrLocked)

	// Saving goes through the HTTP update log.
	require.NoError(t, ada.Save(context.Background()))
	state, err := env.client.LoadState(context.Background(), "doc1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", res.NodeID}, loadNodes(t, state))
}
