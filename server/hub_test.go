package server

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"relaychat/connection"
	"relaychat/models"
)

type testPeer struct {
	srv   *httptest.Server
	store *Store
}

func newTestPeer(t *testing.T) *testPeer {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "peer.db"))
	require.NoError(t, err)

	hub := NewHub(store, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	srv := httptest.NewServer(Router(hub, store, zap.NewNop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
		store.Close()
	})
	return &testPeer{srv: srv, store: store}
}

func (p *testPeer) wsURL(user string) string {
	return "ws" + strings.TrimPrefix(p.srv.URL, "http") + "/ws?user=" + user + "&name=" + user
}

// rawClient is a bare websocket peer collecting every frame it receives.
type rawClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	frames []models.Frame
}

func dialRaw(t *testing.T, url string) *rawClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &rawClient{conn: conn}
	t.Cleanup(func() { conn.Close() })

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if f, err := models.ParseFrame(data); err == nil && f != nil {
				c.mu.Lock()
				c.frames = append(c.frames, f)
				c.mu.Unlock()
			}
		}
	}()
	return c
}

func (c *rawClient) framesOfType(frameType string) []models.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Frame
	for _, f := range c.frames {
		if f.Type() == frameType {
			out = append(out, f)
		}
	}
	return out
}

func TestHubEchoAndRelay(t *testing.T) {
	peer := newTestPeer(t)

	bob := dialRaw(t, peer.wsURL("bob"))

	mgr := connection.NewManager(connection.Options{URL: peer.wsURL("alice")})
	defer mgr.Close()

	var mu sync.Mutex
	var echoed []models.Frame
	cancel := mgr.SubscribeMessages(func(f models.Frame) {
		if f.Type() == models.FrameTypeMessage {
			mu.Lock()
			echoed = append(echoed, f)
			mu.Unlock()
		}
	})
	defer cancel()

	mgr.Connect()
	require.Eventually(t, func() bool {
		return mgr.State() == connection.StateConnected
	}, 2*time.Second, 10*time.Millisecond)

	// bob sees alice join.
	require.Eventually(t, func() bool {
		return len(bob.framesOfType(models.FrameTypeNotification)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, mgr.Send(models.Frame{
		"type":      models.FrameTypeMessage,
		"id":        "corr-1",
		"content":   "hello from alice",
		"userId":    "alice",
		"timestamp": time.Now().UnixMilli(),
	}))

	// The sender gets an echo with the same correlation id.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(echoed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, "corr-1", echoed[0].Str("id"))
	mu.Unlock()

	// Other peers get the relay.
	require.Eventually(t, func() bool {
		return len(bob.framesOfType(models.FrameTypeMessage)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	relayed := bob.framesOfType(models.FrameTypeMessage)[0]
	assert.Equal(t, "hello from alice", relayed.Str("content"))

	// And the message is persisted for the history API.
	require.Eventually(t, func() bool {
		msgs, _, err := peer.store.GetMessages(DefaultConversation, 1, 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubAnswersPing(t *testing.T) {
	peer := newTestPeer(t)
	alice := dialRaw(t, peer.wsURL("alice"))

	require.NoError(t, alice.conn.WriteJSON(models.Frame{"type": models.FrameTypePing}))

	require.Eventually(t, func() bool {
		return len(alice.framesOfType(models.FrameTypePong)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubSendsConnectionNotice(t *testing.T) {
	peer := newTestPeer(t)
	alice := dialRaw(t, peer.wsURL("alice"))

	require.Eventually(t, func() bool {
		return len(alice.framesOfType(models.FrameTypeConnection)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubRelaysTypingWithoutEcho(t *testing.T) {
	peer := newTestPeer(t)
	alice := dialRaw(t, peer.wsURL("alice"))
	bob := dialRaw(t, peer.wsURL("bob"))

	require.NoError(t, alice.conn.WriteJSON(models.Frame{
		"type":     models.FrameTypeTyping,
		"userId":   "alice",
		"isTyping": true,
	}))

	require.Eventually(t, func() bool {
		return len(bob.framesOfType(models.FrameTypeTyping)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, alice.framesOfType(models.FrameTypeTyping),
		"typing indicators are not echoed to their sender")
}

func TestShutdownReleasesClientReaders(t *testing.T) {
	store, err := OpenStore(filepath.Join(t.TempDir(), "peer.db"))
	require.NoError(t, err)
	hub := NewHub(store, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(runDone)
	}()
	srv := httptest.NewServer(Router(hub, store, zap.NewNop()))

	conn, _, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/ws?user=alice", nil)
	require.NoError(t, err)

	// The connection notice confirms the hub has registered the client.
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := models.ParseFrame(data)
	require.NoError(t, err)
	require.Equal(t, models.FrameTypeConnection, frame.Type())

	// Stop the hub while the client's read pump is still running. The
	// pump must not hang handing its client back to a hub that no
	// longer drains unregister.
	cancel()
	<-runDone

	conn.Close()
	srv.Close()
	store.Close()
	goleak.VerifyNone(t)
}

func TestHubLeaveNotification(t *testing.T) {
	peer := newTestPeer(t)
	alice := dialRaw(t, peer.wsURL("alice"))
	bob := dialRaw(t, peer.wsURL("bob"))

	// alice sees bob join first.
	require.Eventually(t, func() bool {
		return len(alice.framesOfType(models.FrameTypeNotification)) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	bob.conn.Close()

	require.Eventually(t, func() bool {
		for _, f := range alice.framesOfType(models.FrameTypeNotification) {
			if f.Str("event") == "leave" && f.Str("userId") == "bob" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}
