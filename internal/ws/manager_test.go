package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"tradefeed/internal/config"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testConfig() config.WebsocketConfig {
	return config.WebsocketConfig{
		MinReconnectDelay: 10 * time.Millisecond,
		MaxReconnectDelay: 50 * time.Millisecond,
		SubscribeTimeout:  2 * time.Second,
		HandshakeTimeout:  2 * time.Second,
		WriteTimeout:      2 * time.Second,
		PingTimeout:       10 * time.Second,
		MessageBufferSize: 64,
	}
}

// feedServer is a minimal scripted streaming server speaking the wire
// protocol: it acknowledges connect, subscribe and unsubscribe commands and
// lets tests inject push frames.
type feedServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	upgrades     int32
	mu           sync.Mutex
	conns        []*websocket.Conn
	subscribes   chan subscribeRequest
	unsubscribes chan unsubscribeRequest
	echoes       chan []byte
}

func newFeedServer(t *testing.T) *feedServer {
	s := &feedServer{
		t:            t,
		subscribes:   make(chan subscribeRequest, 16),
		unsubscribes: make(chan unsubscribeRequest, 16),
		echoes:       make(chan []byte, 16),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *feedServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *feedServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	atomic.AddInt32(&s.upgrades, 1)

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		if string(data) == "{}" {
			select {
			case s.echoes <- data:
			default:
			}
			continue
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			continue
		}

		switch {
		case cmd.Connect != nil:
			s.write(conn, reply{ID: cmd.ID, Connect: &connectResult{Client: "client-1", Ping: 25}})
		case cmd.Subscribe != nil:
			s.subscribes <- *cmd.Subscribe
			s.write(conn, reply{ID: cmd.ID, Subscribe: &subscribeResult{Positioned: true, Offset: cmd.Subscribe.Offset}})
		case cmd.Unsubscribe != nil:
			s.unsubscribes <- *cmd.Unsubscribe
			s.write(conn, reply{ID: cmd.ID, Unsubscribe: &struct{}{}})
		}
	}
}

func (s *feedServer) write(conn *websocket.Conn, r reply) {
	data, err := json.Marshal(r)
	require.NoError(s.t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (s *feedServer) push(r reply) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(conn, r)
}

func (s *feedServer) dropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

func connectedManager(t *testing.T, s *feedServer) *Manager {
	m := NewManager(testConfig(), testLogger())
	require.NoError(t, m.Connect(context.Background(), s.url(), "conn-tok"))
	t.Cleanup(m.Disconnect)
	return m
}

func TestConnect(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	assert.Equal(t, Connected, m.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upgrades))
}

func TestConnectIdempotent(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Connect(context.Background(), s.url(), "conn-tok"))
		}()
	}
	wg.Wait()

	// One live connection means one upgrade, no matter how often Connect ran
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upgrades))
	assert.Equal(t, Connected, m.State())
}

func TestConnectFailure(t *testing.T) {
	m := NewManager(testConfig(), testLogger())

	var errEvents int32
	m.On(EventError, func(Event) { atomic.AddInt32(&errEvents, 1) })

	err := m.Connect(context.Background(), "ws://127.0.0.1:1/ws", "conn-tok")
	require.Error(t, err)
	assert.Equal(t, Failed, m.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&errEvents))
}

func TestSubscribe(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	require.NoError(t, m.Subscribe(context.Background(), "watchlist:wl-1", "sub-tok"))

	req := <-s.subscribes
	assert.Equal(t, "watchlist:wl-1", req.Channel)
	assert.Equal(t, "sub-tok", req.Token)
	assert.True(t, req.Recover)
	assert.True(t, req.Positioned)
	assert.Zero(t, req.Offset)
}

func TestSubscribeNotConnected(t *testing.T) {
	m := NewManager(testConfig(), testLogger())

	err := m.Subscribe(context.Background(), "watchlist:wl-1", "sub-tok")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubscribeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmd command
			if json.Unmarshal(data, &cmd) != nil {
				continue
			}
			if cmd.Connect != nil {
				out, _ := json.Marshal(reply{ID: cmd.ID, Connect: &connectResult{}})
				conn.WriteMessage(websocket.TextMessage, out)
			}
			if cmd.Subscribe != nil {
				out, _ := json.Marshal(reply{ID: cmd.ID, Error: &replyError{Code: 103, Message: "permission denied"}})
				conn.WriteMessage(websocket.TextMessage, out)
			}
		}
	}))
	defer srv.Close()

	m := NewManager(testConfig(), testLogger())
	require.NoError(t, m.Connect(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "conn-tok"))
	defer m.Disconnect()

	err := m.Subscribe(context.Background(), "watchlist:wl-1", "sub-tok")
	require.Error(t, err)

	var srvErr *ServerError
	require.ErrorAs(t, err, &srvErr)
	assert.Equal(t, 103, srvErr.Code)
	assert.Equal(t, "permission denied", srvErr.Message)
}

func TestPublicationEmitted(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	events := make(chan Event, 1)
	m.On(EventPublication, func(ev Event) { events <- ev })

	s.push(reply{Push: &push{
		Channel: "watchlist:wl-1",
		Pub:     &publication{Data: json.RawMessage(`{"event":"ANGEL_ONE_QUOTES"}`), Offset: 7},
	}})

	select {
	case ev := <-events:
		assert.Equal(t, "watchlist:wl-1", ev.Channel)
		assert.Equal(t, uint64(7), ev.Offset)
		assert.JSONEq(t, `{"event":"ANGEL_ONE_QUOTES"}`, string(ev.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("no publication event received")
	}
}

func TestOffsetReplayAfterPublication(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	events := make(chan Event, 1)
	m.On(EventPublication, func(ev Event) { events <- ev })

	require.NoError(t, m.Subscribe(context.Background(), "watchlist:wl-1", "sub-tok"))
	<-s.subscribes

	s.push(reply{Push: &push{
		Channel: "watchlist:wl-1",
		Pub:     &publication{Data: json.RawMessage(`{}`), Offset: 42},
	}})
	<-events

	// A later subscribe for the channel asks to resume past the seen offset
	require.NoError(t, m.Subscribe(context.Background(), "watchlist:wl-1", "sub-tok-2"))
	req := <-s.subscribes
	assert.Equal(t, uint64(42), req.Offset)
}

func TestServerUnsubscribePush(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	revoked := make(chan string, 1)
	m.SetServerUnsubscribeHandler(func(channel string) { revoked <- channel })

	s.push(reply{Push: &push{
		Channel:     "watchlist:wl-1",
		Unsubscribe: &unsubscribePush{Code: 2500, Reason: "expired"},
	}})

	select {
	case ch := <-revoked:
		assert.Equal(t, "watchlist:wl-1", ch)
	case <-time.After(2 * time.Second):
		t.Fatal("server unsubscribe not delivered")
	}
}

func TestServerPingEcho(t *testing.T) {
	s := newFeedServer(t)
	connectedManager(t, s)

	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	s.mu.Lock()
	err := conn.WriteMessage(websocket.TextMessage, []byte("{}"))
	s.mu.Unlock()
	require.NoError(t, err)

	select {
	case echo := <-s.echoes:
		assert.Equal(t, "{}", string(echo))
	case <-time.After(2 * time.Second):
		t.Fatal("ping not echoed")
	}
}

func TestReconnectAfterTransportLoss(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	connected := make(chan struct{}, 4)
	m.On(EventConnected, func(Event) { connected <- struct{}{} })

	s.dropConnections()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("manager did not reconnect")
	}

	assert.Equal(t, Connected, m.State())
	assert.GreaterOrEqual(t, atomic.LoadInt32(&s.upgrades), int32(2))
}

func TestDisconnect(t *testing.T) {
	s := newFeedServer(t)
	m := connectedManager(t, s)

	var disconnected int32
	m.On(EventDisconnected, func(Event) { atomic.AddInt32(&disconnected, 1) })

	m.Disconnect()
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnected))

	// Safe to call again
	m.Disconnect()
	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnected))
}
