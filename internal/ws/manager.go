package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tradefeed/internal/config"
	"tradefeed/internal/metrics"

	"github.com/sirupsen/logrus"
)

// State describes the single transport connection
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrTimeout is returned when the server did not answer a command in time
var ErrTimeout = errors.New("command timed out")

// ServerError is an error reply to a command
type ServerError struct {
	Code    int
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}

// Manager owns exactly one streaming transport connection. Connect is
// idempotent while a connection attempt or live connection exists, so
// concurrent callers cannot create duplicate sockets. Inbound publications
// are re-emitted on the event bus tagged with their channel and raw payload;
// the manager never interprets payload semantics.
type Manager struct {
	cfg    config.WebsocketConfig
	logger *logrus.Logger
	bus    *eventBus

	mu       sync.Mutex
	state    State
	url      string
	token    string
	sock     *socket
	stopping bool
	stopCh   chan struct{}

	pendingMu sync.Mutex
	pending   map[int64]chan *reply
	cmdID     int64

	// Last seen publication offset per channel, used to request replay of
	// missed messages after a reconnect
	offsetMu sync.Mutex
	offsets  map[string]uint64

	unsubMu       sync.Mutex
	onServerUnsub func(channel string)
}

// NewManager creates a connection manager. No connection is made until
// Connect is called.
func NewManager(cfg config.WebsocketConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		logger:  logger,
		bus:     newEventBus(),
		pending: make(map[int64]chan *reply),
		offsets: make(map[string]uint64),
	}
}

// On registers a handler for a connection-level event kind
func (m *Manager) On(kind EventKind, h Handler) HandlerID {
	return m.bus.on(kind, h)
}

// Off removes a previously registered handler
func (m *Manager) Off(kind EventKind, id HandlerID) {
	m.bus.off(kind, id)
}

// SetServerUnsubscribeHandler installs the callback invoked when the server
// pushes an unsubscribe for a channel
func (m *Manager) SetServerUnsubscribeHandler(h func(channel string)) {
	m.unsubMu.Lock()
	m.onServerUnsub = h
	m.unsubMu.Unlock()
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect establishes the transport connection and performs the connect
// handshake with the given connection token. A no-op while a connection is
// live or being established.
func (m *Manager) Connect(ctx context.Context, url, token string) error {
	m.mu.Lock()
	switch m.state {
	case Connecting, Connected, Reconnecting:
		m.mu.Unlock()
		m.logger.Debugf("Connect ignored, connection already %s", m.state)
		return nil
	}
	m.state = Connecting
	m.url = url
	m.token = token
	m.stopping = false
	m.stopCh = make(chan struct{})
	m.mu.Unlock()

	metrics.ConnectionState.Set(float64(Connecting))
	m.bus.emit(Event{Kind: EventConnecting})

	sock, err := m.establish(ctx, url, token)
	if err != nil {
		m.mu.Lock()
		m.state = Failed
		m.mu.Unlock()

		metrics.ConnectionState.Set(float64(Failed))
		m.bus.emit(Event{Kind: EventError, Err: err})
		return fmt.Errorf("connect %s: %w", url, err)
	}

	m.mu.Lock()
	m.sock = sock
	m.state = Connected
	m.mu.Unlock()

	metrics.ConnectionState.Set(float64(Connected))
	m.logger.Infof("Connected to %s", url)
	m.bus.emit(Event{Kind: EventConnected})

	go m.monitor(sock)
	return nil
}

// Disconnect tears down the transport. Safe to call in any state.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}
	m.stopping = true
	m.state = Disconnected
	sock := m.sock
	m.sock = nil
	if m.stopCh != nil {
		close(m.stopCh)
		m.stopCh = nil
	}
	m.mu.Unlock()

	if sock != nil {
		sock.close()
	}
	m.failPending()

	// Positioned recovery does not survive a session; a fresh connect gets
	// fresh snapshots
	m.offsetMu.Lock()
	m.offsets = make(map[string]uint64)
	m.offsetMu.Unlock()

	metrics.ConnectionState.Set(float64(Disconnected))
	m.logger.Info("Disconnected")
	m.bus.emit(Event{Kind: EventDisconnected})
}

// Subscribe sends a subscribe command for the channel and waits for the
// server acknowledgment. Requires a connected transport.
func (m *Manager) Subscribe(ctx context.Context, channel, token string) error {
	m.mu.Lock()
	sock, state := m.sock, m.state
	m.mu.Unlock()

	if state != Connected || sock == nil {
		return ErrNotConnected
	}

	req := &subscribeRequest{
		Channel:    channel,
		Token:      token,
		Recover:    true,
		Positioned: true,
		Offset:     m.lastOffset(channel),
	}

	rep, err := m.call(ctx, sock, command{Subscribe: req})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", channel, err)
	}

	if rep.Subscribe != nil {
		if rep.Subscribe.Offset > 0 {
			m.storeOffset(channel, rep.Subscribe.Offset)
		}
		m.logger.Debugf("Subscribed to %s (recovered=%v, offset=%d)",
			channel, rep.Subscribe.Recovered, rep.Subscribe.Offset)
	}

	return nil
}

// Unsubscribe sends an unsubscribe command for the channel
func (m *Manager) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	sock, state := m.sock, m.state
	m.mu.Unlock()

	if state != Connected || sock == nil {
		return ErrNotConnected
	}

	if _, err := m.call(ctx, sock, command{Unsubscribe: &unsubscribeRequest{Channel: channel}}); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", channel, err)
	}

	m.offsetMu.Lock()
	delete(m.offsets, channel)
	m.offsetMu.Unlock()

	return nil
}

// establish dials the socket, starts frame dispatch and performs the
// connect handshake
func (m *Manager) establish(ctx context.Context, url, token string) (*socket, error) {
	sock, err := dialSocket(ctx, url, m.cfg, m.logger)
	if err != nil {
		return nil, err
	}

	go m.dispatch(sock)

	if _, err := m.call(ctx, sock, command{Connect: &connectRequest{Token: token, Name: "tradefeed"}}); err != nil {
		sock.close()
		return nil, err
	}

	return sock, nil
}

// dispatch routes inbound frames from a socket until it is closed
func (m *Manager) dispatch(sock *socket) {
	for {
		select {
		case <-sock.done:
			return
		case data := <-sock.messages:
			m.handleFrame(sock, data)
		}
	}
}

func (m *Manager) handleFrame(sock *socket, data []byte) {
	// Empty frames are server pings; echo them back
	if bytes.Equal(bytes.TrimSpace(data), []byte("{}")) {
		if err := sock.send([]byte("{}")); err != nil {
			m.logger.Debugf("Failed to answer server ping: %v", err)
		}
		return
	}

	var r reply
	if err := json.Unmarshal(data, &r); err != nil {
		m.logger.WithError(err).Debug("Dropping undecodable frame")
		return
	}

	if r.ID != 0 {
		m.pendingMu.Lock()
		ch, ok := m.pending[r.ID]
		if ok {
			delete(m.pending, r.ID)
		}
		m.pendingMu.Unlock()

		if ok {
			ch <- &r
		}
		return
	}

	if r.Push == nil {
		return
	}

	if r.Push.Pub != nil {
		if r.Push.Pub.Offset > 0 {
			m.storeOffset(r.Push.Channel, r.Push.Pub.Offset)
		}
		m.bus.emit(Event{
			Kind:    EventPublication,
			Channel: r.Push.Channel,
			Data:    r.Push.Pub.Data,
			Offset:  r.Push.Pub.Offset,
		})
	}

	if r.Push.Unsubscribe != nil {
		m.logger.Infof("Server unsubscribed channel %s: %s", r.Push.Channel, r.Push.Unsubscribe.Reason)
		m.unsubMu.Lock()
		h := m.onServerUnsub
		m.unsubMu.Unlock()
		if h != nil {
			h(r.Push.Channel)
		}
	}
}

// call sends an id-correlated command and waits for its reply
func (m *Manager) call(ctx context.Context, sock *socket, cmd command) (*reply, error) {
	id := atomic.AddInt64(&m.cmdID, 1)
	cmd.ID = id

	ch := make(chan *reply, 1)
	m.pendingMu.Lock()
	m.pending[id] = ch
	m.pendingMu.Unlock()

	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, id)
		m.pendingMu.Unlock()
	}()

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	if err := sock.send(data); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.cfg.SubscribeTimeout):
		return nil, ErrTimeout
	case rep := <-ch:
		if rep == nil {
			return nil, ErrNotConnected
		}
		if rep.Error != nil {
			return nil, &ServerError{Code: rep.Error.Code, Message: rep.Error.Message}
		}
		return rep, nil
	}
}

// failPending unblocks every caller waiting on a command reply
func (m *Manager) failPending() {
	m.pendingMu.Lock()
	for id, ch := range m.pending {
		close(ch)
		delete(m.pending, id)
	}
	m.pendingMu.Unlock()
}

// monitor watches a live socket and drives reconnection on failure
func (m *Manager) monitor(sock *socket) {
	select {
	case <-sock.done:
		return
	case err := <-sock.errors:
		metrics.ConnectionErrors.WithLabelValues("transport").Inc()
		m.logger.WithError(err).Warn("Transport error, reconnecting")
		m.bus.emit(Event{Kind: EventError, Err: err})
		m.reconnect(sock)
	}
}

// reconnect replaces a failed socket with exponential backoff bounded by the
// configured delay window. Existing subscriptions do not survive the
// replacement; subscribers re-subscribe on the connected event.
func (m *Manager) reconnect(old *socket) {
	m.mu.Lock()
	if m.stopping || m.sock != old {
		m.mu.Unlock()
		return
	}
	m.state = Reconnecting
	url, token := m.url, m.token
	stopCh := m.stopCh
	m.mu.Unlock()

	old.close()
	m.failPending()

	metrics.ConnectionState.Set(float64(Reconnecting))
	m.bus.emit(Event{Kind: EventDisconnected})

	wait := m.cfg.MinReconnectDelay
	for {
		select {
		case <-stopCh:
			return
		case <-time.After(wait):
		}

		metrics.Reconnects.Inc()
		m.logger.Infof("Attempting reconnection to %s", url)

		sock, err := m.establish(context.Background(), url, token)
		if err != nil {
			m.logger.Warnf("Reconnection failed: %v", err)
			wait *= 2
			if wait > m.cfg.MaxReconnectDelay {
				wait = m.cfg.MaxReconnectDelay
			}
			continue
		}

		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			sock.close()
			return
		}
		m.sock = sock
		m.state = Connected
		m.mu.Unlock()

		metrics.ConnectionState.Set(float64(Connected))
		m.logger.Info("Reconnected")
		m.bus.emit(Event{Kind: EventConnected})

		go m.monitor(sock)
		return
	}
}

func (m *Manager) lastOffset(channel string) uint64 {
	m.offsetMu.Lock()
	defer m.offsetMu.Unlock()
	return m.offsets[channel]
}

func (m *Manager) storeOffset(channel string, offset uint64) {
	m.offsetMu.Lock()
	if offset > m.offsets[channel] {
		m.offsets[channel] = offset
	}
	m.offsetMu.Unlock()
}
