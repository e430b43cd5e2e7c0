package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"tradefeed/internal/config"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotConnected is returned for operations that require a live transport
	ErrNotConnected = errors.New("not connected")

	// ErrStaleConnection signals that no ping arrived within the ping timeout
	ErrStaleConnection = errors.New("stale connection: no ping received")
)

// socket wraps a single raw websocket connection. It only moves bytes;
// framing and protocol semantics live in the Manager.
type socket struct {
	cfg    config.WebsocketConfig
	logger *logrus.Logger

	conn *websocket.Conn

	messages chan []byte
	errors   chan error
	done     chan struct{}

	writeMu sync.Mutex

	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPingAt time.Time
}

// dialSocket connects the websocket and starts the read and heartbeat loops
func dialSocket(ctx context.Context, url string, cfg config.WebsocketConfig, logger *logrus.Logger) (*socket, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	s := &socket{
		cfg:        cfg,
		logger:     logger,
		conn:       conn,
		messages:   make(chan []byte, cfg.MessageBufferSize),
		errors:     make(chan error, 1),
		done:       make(chan struct{}),
		connected:  true,
		lastPingAt: time.Now(),
	}

	// Server pings keep the connection alive; record them so the heartbeat
	// loop can detect a dead peer
	conn.SetPingHandler(func(data string) error {
		s.mu.Lock()
		s.lastPingAt = time.Now()
		s.mu.Unlock()

		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	conn.SetPongHandler(func(string) error {
		s.mu.Lock()
		s.lastPingAt = time.Now()
		s.mu.Unlock()
		return nil
	})

	go s.readLoop()
	go s.heartbeatLoop()

	logger.Debugf("Websocket connected to %s", url)

	return s, nil
}

func (s *socket) send(data []byte) error {
	s.mu.RLock()
	if !s.connected {
		s.mu.RUnlock()
		return ErrNotConnected
	}
	s.mu.RUnlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *socket) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	close(s.done)

	s.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	s.conn.Close()
}

func (s *socket) readLoop() {
	defer func() {
		s.mu.Lock()
		s.connected = false
		s.mu.Unlock()
	}()

	for {
		select {
		case <-s.done:
			return
		default:
		}

		_, data, err := s.conn.ReadMessage()
		if err != nil {
			// Errors after close() are expected teardown noise
			select {
			case <-s.done:
			default:
				select {
				case s.errors <- err:
				default:
				}
			}
			return
		}

		select {
		case s.messages <- data:
		case <-s.done:
			return
		default:
			s.logger.Warn("Websocket message buffer full, dropping message")
		}
	}
}

func (s *socket) heartbeatLoop() {
	ticker := time.NewTicker(s.cfg.PingTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				s.logger.Debugf("Failed to send ping: %v", err)
			}

			s.mu.RLock()
			lastPing := s.lastPingAt
			s.mu.RUnlock()

			if time.Since(lastPing) > s.cfg.PingTimeout {
				s.logger.Warnf("No ping received for %v, connection stale", time.Since(lastPing))
				select {
				case s.errors <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
