package subscription

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tradefeed/internal/metrics"
	"tradefeed/internal/ws"

	"github.com/sirupsen/logrus"
)

// ErrNotConnected is returned when subscribe is called without a connected
// transport. A programming-contract violation, not retried blindly.
var ErrNotConnected = ws.ErrNotConnected

// InvalidTokenError is returned when subscribe is called with an empty token
type InvalidTokenError struct {
	Channel string
}

func (e *InvalidTokenError) Error() string {
	return fmt.Sprintf("invalid subscription token for channel %q", e.Channel)
}

// State of a single channel subscription
type State int

const (
	Unsubscribed State = iota
	Subscribing
	Subscribed
	SubscribeError
)

func (s State) String() string {
	switch s {
	case Unsubscribed:
		return "unsubscribed"
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case SubscribeError:
		return "error"
	default:
		return "unknown"
	}
}

// Subscription is the live handle for one channel
type Subscription struct {
	Channel string

	mu    sync.Mutex
	state State
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Conn is the slice of the connection manager the registry needs
type Conn interface {
	State() ws.State
	Subscribe(ctx context.Context, channel, token string) error
	Unsubscribe(ctx context.Context, channel string) error
	On(kind ws.EventKind, h ws.Handler) ws.HandlerID
	SetServerUnsubscribeHandler(h func(channel string))
}

// Sink consumes raw publications forwarded by the registry
type Sink interface {
	ApplyPublication(ctx context.Context, channel string, data []byte)
}

// Events observes subscription lifecycle transitions. All callbacks are
// optional. Callbacks run inline on the operation that caused the
// transition, while the registry's operation lock is held: they must not
// call Subscribe, Unsubscribe or Clear.
type Events struct {
	OnSubscribing  func(channel string)
	OnSubscribed   func(channel string)
	OnUnsubscribed func(channel string)
	OnError        func(channel string, err error)
}

// Registry maps channel names to live subscriptions and enforces
// at-most-one subscription per channel. A second subscribe for a live
// channel tears the first down completely before the new one is created, so
// callers re-subscribing after a reconnect need no memory of prior state.
type Registry struct {
	conn   Conn
	sink   Sink
	logger *logrus.Logger

	// opMu serializes subscribe/unsubscribe so back-to-back calls for the
	// same channel are processed in call order. mu guards the map and is
	// never held across a network call: publications are dispatched from
	// the transport read goroutine, which must not block behind an
	// in-flight command.
	opMu sync.Mutex
	mu   sync.Mutex
	subs map[string]*Subscription

	evMu   sync.Mutex
	events Events
}

// NewRegistry creates the registry and wires it to the connection manager's
// publication, disconnect and server-unsubscribe notifications
func NewRegistry(conn Conn, sink Sink, logger *logrus.Logger) *Registry {
	r := &Registry{
		conn:   conn,
		sink:   sink,
		logger: logger,
		subs:   make(map[string]*Subscription),
	}

	conn.On(ws.EventPublication, r.onPublication)
	conn.On(ws.EventDisconnected, r.onDisconnected)
	conn.SetServerUnsubscribeHandler(r.onServerUnsubscribe)

	return r
}

// SetEvents installs lifecycle observers
func (r *Registry) SetEvents(ev Events) {
	r.evMu.Lock()
	r.events = ev
	r.evMu.Unlock()
}

// Subscribe creates a subscription for the channel using a freshly issued
// channel-scoped token. An existing live subscription for the channel is
// fully torn down first.
func (r *Registry) Subscribe(ctx context.Context, channel, token string) (*Subscription, error) {
	if r.conn.State() != ws.Connected {
		return nil, ErrNotConnected
	}
	if token == "" {
		return nil, &InvalidTokenError{Channel: channel}
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	existing := r.subs[channel]
	r.mu.Unlock()

	if existing != nil {
		r.logger.Debugf("Replacing existing subscription for %s", channel)
		r.teardown(ctx, existing)
	}

	sub := &Subscription{Channel: channel, state: Subscribing}
	r.mu.Lock()
	r.subs[channel] = sub
	r.mu.Unlock()
	r.fireSubscribing(channel)

	if err := r.conn.Subscribe(ctx, channel, token); err != nil {
		sub.setState(SubscribeError)
		r.mu.Lock()
		delete(r.subs, channel)
		r.mu.Unlock()

		metrics.SubscriptionErrors.WithLabelValues(channelKind(channel)).Inc()
		r.updateGauge()
		r.fireError(channel, err)
		return nil, err
	}

	sub.setState(Subscribed)
	metrics.SubscriptionsTotal.WithLabelValues(channelKind(channel)).Inc()
	r.updateGauge()
	r.logger.Infof("Subscribed to channel %s", channel)
	r.fireSubscribed(channel)

	return sub, nil
}

// Unsubscribe tears down the subscription for the channel. A no-op when no
// subscription exists.
func (r *Registry) Unsubscribe(ctx context.Context, channel string) error {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	sub := r.subs[channel]
	r.mu.Unlock()

	if sub == nil {
		return nil
	}

	r.teardown(ctx, sub)
	return nil
}

// IsSubscribed reports whether the channel has a live subscription
func (r *Registry) IsSubscribed(channel string) bool {
	r.mu.Lock()
	sub := r.subs[channel]
	r.mu.Unlock()

	return sub != nil && sub.State() == Subscribed
}

// Channels lists the channels with a registry entry
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	channels := make([]string, 0, len(r.subs))
	for ch := range r.subs {
		channels = append(channels, ch)
	}
	return channels
}

// Clear unsubscribes every channel. Used on teardown so no subscription
// outlives its owning view or the connection.
func (r *Registry) Clear(ctx context.Context) {
	r.opMu.Lock()
	defer r.opMu.Unlock()

	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		r.teardown(ctx, sub)
	}
}

// teardown unsubscribes on the wire and removes the registry entry. Wire
// errors are logged but do not keep the entry alive: a dead transport
// already dropped the server-side subscription.
func (r *Registry) teardown(ctx context.Context, sub *Subscription) {
	if r.conn.State() == ws.Connected {
		if err := r.conn.Unsubscribe(ctx, sub.Channel); err != nil {
			r.logger.WithError(err).Warnf("Failed to unsubscribe %s", sub.Channel)
		}
	}

	sub.setState(Unsubscribed)
	r.mu.Lock()
	delete(r.subs, sub.Channel)
	r.mu.Unlock()

	r.updateGauge()
	r.logger.Infof("Unsubscribed from channel %s", sub.Channel)
	r.fireUnsubscribed(sub.Channel)
}

// onPublication forwards publications for registered channels to the sink
func (r *Registry) onPublication(ev ws.Event) {
	r.mu.Lock()
	_, known := r.subs[ev.Channel]
	r.mu.Unlock()

	if !known {
		r.logger.Debugf("Dropping publication for unknown channel %s", ev.Channel)
		return
	}

	r.sink.ApplyPublication(context.Background(), ev.Channel, ev.Data)
}

// onDisconnected clears local state: subscriptions do not survive a
// connection replacement, the coordinator re-issues them after reconnect
func (r *Registry) onDisconnected(ws.Event) {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]*Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.setState(Unsubscribed)
		r.fireUnsubscribed(sub.Channel)
	}
	r.updateGauge()
}

// onServerUnsubscribe removes an entry the server revoked so a later
// subscribe for the channel is treated as fresh
func (r *Registry) onServerUnsubscribe(channel string) {
	r.mu.Lock()
	sub := r.subs[channel]
	delete(r.subs, channel)
	r.mu.Unlock()

	if sub == nil {
		return
	}

	sub.setState(Unsubscribed)
	r.updateGauge()
	r.fireUnsubscribed(channel)
}

func (r *Registry) updateGauge() {
	r.mu.Lock()
	n := len(r.subs)
	r.mu.Unlock()
	metrics.ActiveSubscriptions.Set(float64(n))
}

func (r *Registry) fireSubscribing(channel string) {
	r.evMu.Lock()
	h := r.events.OnSubscribing
	r.evMu.Unlock()
	if h != nil {
		h(channel)
	}
}

func (r *Registry) fireSubscribed(channel string) {
	r.evMu.Lock()
	h := r.events.OnSubscribed
	r.evMu.Unlock()
	if h != nil {
		h(channel)
	}
}

func (r *Registry) fireUnsubscribed(channel string) {
	r.evMu.Lock()
	h := r.events.OnUnsubscribed
	r.evMu.Unlock()
	if h != nil {
		h(channel)
	}
}

func (r *Registry) fireError(channel string, err error) {
	r.evMu.Lock()
	h := r.events.OnError
	r.evMu.Unlock()
	if h != nil {
		h(channel, err)
	}
}

func channelKind(channel string) string {
	if i := strings.IndexByte(channel, ':'); i > 0 {
		return channel[:i]
	}
	return channel
}
