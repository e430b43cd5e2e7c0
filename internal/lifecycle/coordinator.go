package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tradefeed/internal/auth"
	"tradefeed/internal/config"
	"tradefeed/internal/metrics"
	"tradefeed/internal/models"
	"tradefeed/internal/subscription"
	"tradefeed/internal/token"
	"tradefeed/internal/ws"

	"github.com/sirupsen/logrus"
)

// ErrNotLoggedIn is returned for view operations without a session
var ErrNotLoggedIn = errors.New("not logged in")

// TokenSource issues channel-scoped tokens and endpoint discovery
type TokenSource interface {
	SubscriptionToken(ctx context.Context, channel, watchlistID string) (models.SubscriptionToken, error)
	ConnectionToken(ctx context.Context) (string, error)
	ServerInfo(ctx context.Context) (string, error)
}

// Conn is the slice of the connection manager the coordinator drives
type Conn interface {
	Connect(ctx context.Context, url, token string) error
	Disconnect()
	State() ws.State
	On(kind ws.EventKind, h ws.Handler) ws.HandlerID
	Off(kind ws.EventKind, id ws.HandlerID)
}

// Subscriber is the slice of the subscription registry the coordinator drives
type Subscriber interface {
	Subscribe(ctx context.Context, channel, tok string) (*subscription.Subscription, error)
	Unsubscribe(ctx context.Context, channel string) error
	Clear(ctx context.Context)
	IsSubscribed(channel string) bool
}

// Coordinator reacts to session changes and view navigation by opening and
// closing the connection and its subscriptions in the correct order. All
// trigger methods are serialized, so rapid navigation cannot race
// subscribe against unsubscribe. Async flows (token requests resolving
// after the world moved on) are tagged with a generation and their results
// discarded when the generation no longer matches.
type Coordinator struct {
	cfg      *config.Config
	store    *SessionStore
	broker   TokenSource
	conn     Conn
	registry Subscriber
	logger   *logrus.Logger

	mu          sync.Mutex
	userID      string
	watchlistID string
	inView      bool
	generation  int64
	connectedID ws.HandlerID
	loggedIn    bool
}

func NewCoordinator(
	cfg *config.Config,
	store *SessionStore,
	broker TokenSource,
	conn Conn,
	registry Subscriber,
	logger *logrus.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:      cfg,
		store:    store,
		broker:   broker,
		conn:     conn,
		registry: registry,
		logger:   logger,
	}
}

// Login establishes the session and opens the streaming connection. The
// personal channel is subscribed once the connected event fires, and
// re-subscribed after every reconnect.
func (c *Coordinator) Login(ctx context.Context, sess models.Session) error {
	c.mu.Lock()
	if c.loggedIn {
		c.mu.Unlock()
		c.logger.Warn("Login ignored, session already active")
		return nil
	}

	userID, err := auth.SubjectFromToken(sess.AccessToken)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("extract user id from access token: %w", err)
	}

	c.loggedIn = true
	c.userID = userID
	c.generation++
	c.mu.Unlock()

	c.store.Set(sess)
	c.logger.Infof("Session established for user %s", userID)

	id := c.conn.On(ws.EventConnected, func(ws.Event) {
		go c.onConnected()
	})
	c.mu.Lock()
	c.connectedID = id
	c.mu.Unlock()

	// A failure past this point must undo the session, or a retried Login
	// would hit the loggedIn guard and report success without a connection
	fail := func(err error) error {
		c.conn.Off(ws.EventConnected, id)
		c.store.Clear()
		c.mu.Lock()
		c.loggedIn = false
		c.userID = ""
		c.generation++
		c.mu.Unlock()
		return err
	}

	url := c.cfg.Websocket.URL
	if url == "" {
		url, err = c.broker.ServerInfo(ctx)
		if err != nil {
			return fail(fmt.Errorf("discover websocket endpoint: %w", err))
		}
	}

	connToken, err := c.broker.ConnectionToken(ctx)
	if err != nil {
		return fail(fmt.Errorf("obtain connection token: %w", err))
	}

	if err := c.conn.Connect(ctx, url, connToken); err != nil {
		return fail(err)
	}

	return nil
}

// Logout tears everything down in order: watchlist subscription, personal
// subscription, transport, session. A later connect requires a fresh login.
func (c *Coordinator) Logout(ctx context.Context) {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return
	}
	c.loggedIn = false
	c.generation++
	watchlistID := ""
	if c.inView {
		watchlistID = c.watchlistID
	}
	userID := c.userID
	c.userID = ""
	c.inView = false
	c.watchlistID = ""
	connectedID := c.connectedID
	c.mu.Unlock()

	c.conn.Off(ws.EventConnected, connectedID)

	if watchlistID != "" {
		if err := c.registry.Unsubscribe(ctx, watchlistChannel(watchlistID)); err != nil {
			c.logger.WithError(err).Warn("Failed to unsubscribe watchlist channel on logout")
		}
	}
	if err := c.registry.Unsubscribe(ctx, personalChannel(userID)); err != nil {
		c.logger.WithError(err).Warn("Failed to unsubscribe personal channel on logout")
	}
	c.registry.Clear(ctx)

	c.conn.Disconnect()
	c.store.Clear()
	c.logger.Info("Session destroyed")
}

// EnterTradingView subscribes the watchlist channel for the selected
// watchlist. Entering with the already-active watchlist is a no-op.
func (c *Coordinator) EnterTradingView(ctx context.Context, watchlistID string) error {
	if watchlistID == "" {
		return fmt.Errorf("watchlist id required")
	}

	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return ErrNotLoggedIn
	}
	if c.inView && c.watchlistID == watchlistID {
		c.mu.Unlock()
		return nil
	}
	old := ""
	if c.inView {
		old = c.watchlistID
	}
	c.inView = true
	c.watchlistID = watchlistID
	c.generation++
	gen := c.generation
	c.mu.Unlock()

	// The old watchlist is torn down before the new subscribe begins; a
	// view never holds two watchlist subscriptions
	if old != "" {
		if err := c.registry.Unsubscribe(ctx, watchlistChannel(old)); err != nil {
			c.logger.WithError(err).Warnf("Failed to unsubscribe watchlist %s", old)
		}
	}

	if c.conn.State() != ws.Connected {
		// Subscribed once the connected event fires
		c.logger.Debugf("Deferring watchlist %s subscription until connected", watchlistID)
		return nil
	}

	return c.subscribeWatchlist(ctx, gen, watchlistID)
}

// SelectWatchlist switches the active watchlist of the trading view
func (c *Coordinator) SelectWatchlist(ctx context.Context, watchlistID string) error {
	return c.EnterTradingView(ctx, watchlistID)
}

// LeaveTradingView unsubscribes the active watchlist channel. The personal
// channel is session-scoped and stays.
func (c *Coordinator) LeaveTradingView(ctx context.Context) {
	c.mu.Lock()
	if !c.inView {
		c.mu.Unlock()
		return
	}
	old := c.watchlistID
	c.inView = false
	c.watchlistID = ""
	c.generation++
	c.mu.Unlock()

	if old != "" {
		if err := c.registry.Unsubscribe(ctx, watchlistChannel(old)); err != nil {
			c.logger.WithError(err).Warnf("Failed to unsubscribe watchlist %s", old)
		}
	}
}

// onConnected runs after every connect and reconnect: subscriptions do not
// survive a connection replacement and are re-issued with fresh tokens
func (c *Coordinator) onConnected() {
	c.mu.Lock()
	if !c.loggedIn {
		c.mu.Unlock()
		return
	}
	gen := c.generation
	userID := c.userID
	watchlistID := ""
	if c.inView {
		watchlistID = c.watchlistID
	}
	c.mu.Unlock()

	ctx := context.Background()

	if err := c.subscribePersonal(ctx, gen, userID); err != nil {
		c.logger.WithError(err).Error("Failed to subscribe personal channel")
	}
	if watchlistID != "" {
		if err := c.subscribeWatchlist(ctx, gen, watchlistID); err != nil {
			c.logger.WithError(err).Errorf("Failed to subscribe watchlist %s", watchlistID)
		}
	}
}

func (c *Coordinator) subscribePersonal(ctx context.Context, gen int64, userID string) error {
	tok, err := c.tokenWithRetry(ctx, token.ChannelPersonal, "")
	if err != nil {
		return err
	}

	if !c.generationCurrent(gen) {
		metrics.StaleTokenResults.Inc()
		c.logger.Debug("Discarding personal token issued for a stale generation")
		return nil
	}

	_, err = c.registry.Subscribe(ctx, personalChannel(userID), tok.AccessToken)
	return err
}

func (c *Coordinator) subscribeWatchlist(ctx context.Context, gen int64, watchlistID string) error {
	tok, err := c.tokenWithRetry(ctx, token.ChannelWatchlist, watchlistID)
	if err != nil {
		return err
	}

	if !c.generationCurrent(gen) {
		metrics.StaleTokenResults.Inc()
		c.logger.Debugf("Discarding watchlist token for %s issued for a stale generation", watchlistID)
		return nil
	}

	_, err = c.registry.Subscribe(ctx, watchlistChannel(watchlistID), tok.AccessToken)
	return err
}

// tokenWithRetry allows the token endpoint a single retry with backoff
// before the failure surfaces. Contract violations are not retried.
func (c *Coordinator) tokenWithRetry(ctx context.Context, channel, watchlistID string) (models.SubscriptionToken, error) {
	tok, err := c.broker.SubscriptionToken(ctx, channel, watchlistID)
	if err == nil {
		return tok, nil
	}
	if errors.Is(err, token.ErrInvalidChannel) || errors.Is(err, token.ErrNoSession) {
		return models.SubscriptionToken{}, err
	}

	c.logger.WithError(err).Warnf("Token request for %s failed, retrying once", channel)
	select {
	case <-ctx.Done():
		return models.SubscriptionToken{}, ctx.Err()
	case <-time.After(c.cfg.API.TokenRetryDelay):
	}

	return c.broker.SubscriptionToken(ctx, channel, watchlistID)
}

func (c *Coordinator) generationCurrent(gen int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation && c.loggedIn
}

func personalChannel(userID string) string {
	return "personal:" + userID
}

func watchlistChannel(watchlistID string) string {
	return "watchlist:" + watchlistID
}
