package transport

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-client/internal/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&strings.Builder{}, nil))
}

// echoServer is a minimal socket peer: it records the handshake query,
// captures client emissions and lets tests push server events.
type echoServer struct {
	t  *testing.T
	mu sync.Mutex

	queries  []string
	received []models.Envelope
	conns    []*websocket.Conn
}

func newEchoServer(t *testing.T) (*echoServer, *httptest.Server) {
	t.Helper()
	es := &echoServer{t: t}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		es.mu.Lock()
		es.queries = append(es.queries, r.URL.RawQuery)
		es.mu.Unlock()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		es.mu.Lock()
		es.conns = append(es.conns, conn)
		es.mu.Unlock()

		for {
			var env models.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			es.mu.Lock()
			es.received = append(es.received, env)
			es.mu.Unlock()
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return es, srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func (es *echoServer) push(ev models.ServerEvent) {
	env, err := models.EncodeServerEvent(ev)
	require.NoError(es.t, err)
	es.mu.Lock()
	defer es.mu.Unlock()
	require.NotEmpty(es.t, es.conns)
	require.NoError(es.t, es.conns[len(es.conns)-1].WriteJSON(env))
}

func (es *echoServer) lastQuery() string {
	es.mu.Lock()
	defer es.mu.Unlock()
	if len(es.queries) == 0 {
		return ""
	}
	return es.queries[len(es.queries)-1]
}

func (es *echoServer) receivedEvents() []models.Envelope {
	es.mu.Lock()
	defer es.mu.Unlock()
	out := make([]models.Envelope, len(es.received))
	copy(out, es.received)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never met")
}

func TestConnectCarriesCredentials(t *testing.T) {
	es, srv := newEchoServer(t)
	a := NewAdapter(wsURL(srv), 3, 10*time.Millisecond, testLogger())
	defer a.Disconnect()

	connected := make(chan struct{}, 1)
	a.On(models.EventConnect, func(models.ServerEvent) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	require.NoError(t, a.Connect("tok-abc", 7))
	<-connected

	assert.True(t, a.IsConnected())
	q := es.lastQuery()
	assert.Contains(t, q, "token=tok-abc")
	assert.Contains(t, q, "userId=7")
}

func TestInboundEventDispatch(t *testing.T) {
	es, srv := newEchoServer(t)
	a := NewAdapter(wsURL(srv), 3, 10*time.Millisecond, testLogger())
	defer a.Disconnect()

	var mu sync.Mutex
	var got []models.ServerEvent
	a.On(models.EventNewMessage, func(ev models.ServerEvent) {
		mu.Lock()
		got = append(got, ev)
		mu.Unlock()
	})

	require.NoError(t, a.Connect("t", 1))
	waitFor(t, a.IsConnected)

	es.push(models.ServerEvent{Type: models.EventNewMessage, Message: &models.Message{ID: "m1", ConversationID: "c1"}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, got[0].Message)
	assert.Equal(t, "m1", got[0].Message.ID)
}

func TestSendMessageReachesServer(t *testing.T) {
	es, srv := newEchoServer(t)
	a := NewAdapter(wsURL(srv), 3, 10*time.Millisecond, testLogger())
	defer a.Disconnect()

	require.NoError(t, a.Connect("t", 1))
	waitFor(t, a.IsConnected)

	a.SendMessage(models.OutgoingMessage{ConversationID: "c1", Content: "hi", MessageType: models.MessageText})

	waitFor(t, func() bool { return len(es.receivedEvents()) == 1 })
	env := es.receivedEvents()[0]
	assert.Equal(t, models.EventSendMessage, env.Event)

	ev, err := models.DecodeClientEvent(env)
	require.NoError(t, err)
	assert.Equal(t, "hi", ev.Send.Content)
}

func TestOffRemovesHandler(t *testing.T) {
	es, srv := newEchoServer(t)
	a := NewAdapter(wsURL(srv), 3, 10*time.Millisecond, testLogger())
	defer a.Disconnect()

	var mu sync.Mutex
	removedCalls, keptCalls := 0, 0
	sub := a.On(models.EventUserTyping, func(models.ServerEvent) {
		mu.Lock()
		removedCalls++
		mu.Unlock()
	})
	a.On(models.EventUserTyping, func(models.ServerEvent) {
		mu.Lock()
		keptCalls++
		mu.Unlock()
	})
	a.Off(models.EventUserTyping, sub)

	require.NoError(t, a.Connect("t", 1))
	waitFor(t, a.IsConnected)

	es.push(models.ServerEvent{Type: models.EventUserTyping, Typing: &models.TypingEvent{ConversationID: "c1", UserID: 2}})

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return keptCalls == 1
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, removedCalls)
}

func TestEmitWhileDisconnectedIsDropped(t *testing.T) {
	a := NewAdapter("ws://localhost:9", 0, 10*time.Millisecond, testLogger())
	// Must not panic or block.
	a.SendMessage(models.OutgoingMessage{ConversationID: "c1", Content: "hi"})
	a.StartTyping("c1", 1)
	assert.False(t, a.IsConnected())
}

func TestReconnectAfterServerDrop(t *testing.T) {
	es, srv := newEchoServer(t)
	a := NewAdapter(wsURL(srv), 3, 10*time.Millisecond, testLogger())
	defer a.Disconnect()

	var mu sync.Mutex
	connects, disconnects := 0, 0
	a.On(models.EventConnect, func(models.ServerEvent) {
		mu.Lock()
		connects++
		mu.Unlock()
	})
	a.On(models.EventDisconnect, func(models.ServerEvent) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})

	require.NoError(t, a.Connect("t", 1))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 1
	})

	es.mu.Lock()
	es.conns[0].Close()
	es.mu.Unlock()

	// Linear backoff redials and lands back on the same server.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return connects == 2 && disconnects == 1
	})
	waitFor(t, a.IsConnected)
}

func TestManualConnectDisarmsPendingBackoff(t *testing.T) {
	es, srv := newEchoServer(t)
	a := NewAdapter(wsURL(srv), 3, 300*time.Millisecond, testLogger())
	defer a.Disconnect()

	var mu sync.Mutex
	connects := 0
	a.On(models.EventConnect, func(models.ServerEvent) {
		mu.Lock()
		connects++
		mu.Unlock()
	})

	require.NoError(t, a.Connect("t", 1))
	waitFor(t, a.IsConnected)

	es.mu.Lock()
	es.conns[0].Close()
	es.mu.Unlock()
	waitFor(t, func() bool { return !a.IsConnected() })

	// The drop armed a 300ms retry; reconnect manually before it fires.
	require.NoError(t, a.Connect("t", 1))
	waitFor(t, a.IsConnected)

	// Let the retry window pass: the stale timer must not open a second
	// connection on top of the live one.
	time.Sleep(500 * time.Millisecond)
	es.mu.Lock()
	dials := len(es.queries)
	es.mu.Unlock()
	assert.Equal(t, 2, dials, "stale backoff timer redialed over a live connection")
	assert.True(t, a.IsConnected())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, connects, "no spurious connect event from a stale timer")
}

func TestConnectErrorAfterCeilingRequiresManualConnect(t *testing.T) {
	a := NewAdapter("ws://localhost:9", 1, 5*time.Millisecond, testLogger())
	defer a.Disconnect()

	var mu sync.Mutex
	errs := 0
	a.On(models.EventConnectError, func(models.ServerEvent) {
		mu.Lock()
		errs++
		mu.Unlock()
	})

	_ = a.Connect("t", 1)

	// One initial failure plus one scheduled retry, then the ceiling holds.
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return errs == 2
	})
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, errs)
}

func TestDisconnectClearsHandlers(t *testing.T) {
	_, srv := newEchoServer(t)
	a := NewAdapter(wsURL(srv), 3, 10*time.Millisecond, testLogger())

	called := false
	a.On(models.EventConnect, func(models.ServerEvent) { called = true })
	a.Disconnect()

	// Handlers registered before Disconnect are gone.
	require.NoError(t, a.Connect("t", 1))
	waitFor(t, a.IsConnected)
	a.Disconnect()
	assert.False(t, called)
}
