package event

import (
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"OpenCGM-Host/pkg/logger"
)

// DefaultBuffer is the per-subscriber queue length.
const DefaultBuffer = 64

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Dropped     uint64
	Rejected    uint64
	Subscribers int
}

type subscriber struct {
	id      string
	kind    Kind
	deliver func(Event) bool
	close   func()
}

// Bus fans events out to subscribers of their exact kind. There is no
// persistence or replay: late subscribers never see earlier events.
type Bus struct {
	// pubMu serialises fan-out so every subscriber observes publish order.
	pubMu  sync.Mutex
	subs   map[Kind]map[string]*subscriber
	closed bool

	log *slog.Logger

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
	rejected  atomic.Uint64
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger overrides the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		subs: make(map[Kind]map[string]*subscriber),
		log:  logger.Named("event.bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishPlatform delivers ev with platform provenance. It is the only way
// to publish SafetyLimitsChanged and must not be reachable from plugin code.
func (b *Bus) PublishPlatform(ev Event) error {
	if ev == nil {
		return ErrNilEvent
	}
	return b.publish(ev)
}

// Channel returns the plugin-scoped publishing handle for pluginID.
func (b *Bus) Channel(pluginID string) *Channel {
	return &Channel{bus: b, pluginID: pluginID}
}

// Stats returns the current counters.
func (b *Bus) Stats() Stats {
	b.pubMu.Lock()
	n := 0
	for _, m := range b.subs {
		n += len(m)
	}
	b.pubMu.Unlock()
	return Stats{
		Published:   b.published.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Rejected:    b.rejected.Load(),
		Subscribers: n,
	}
}

// Close cancels every subscription. Later publishes fail with ErrBusClosed.
func (b *Bus) Close() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, m := range b.subs {
		for _, s := range m {
			s.close()
		}
	}
	b.subs = make(map[Kind]map[string]*subscriber)
}

func (b *Bus) publish(ev Event) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	b.published.Add(1)
	for _, s := range b.subs[ev.Kind()] {
		if s.deliver(ev) {
			b.delivered.Add(1)
			continue
		}
		b.dropped.Add(1)
		b.log.Debug("subscriber buffer full, event dropped", "kind", ev.Kind(), "subscription", s.id)
	}
	return nil
}

func (b *Bus) subscribe(s *subscriber) (func(), error) {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	m := b.subs[s.kind]
	if m == nil {
		m = make(map[string]*subscriber)
		b.subs[s.kind] = m
	}
	m[s.id] = s
	return func() {
		b.pubMu.Lock()
		defer b.pubMu.Unlock()
		if m, ok := b.subs[s.kind]; ok {
			if _, ok := m[s.id]; ok {
				delete(m, s.id)
				s.close()
			}
		}
	}, nil
}

func (b *Bus) reject(ev Event, pluginID string, err error) error {
	b.rejected.Add(1)
	b.log.Warn("event publish rejected", "kind", ev.Kind(), "plugin_id", pluginID, "error", err)
	return err
}

// Channel is the publishing and subscribing handle given to one plugin.
type Channel struct {
	bus      *Bus
	pluginID string
	denied   error
}

// DeniedChannel returns a channel bound to pluginID that refuses every
// publish and subscribe with err.
func DeniedChannel(pluginID string, err error) *Channel {
	if err == nil {
		err = ErrNoBus
	}
	return &Channel{pluginID: pluginID, denied: err}
}

// PluginID returns the plugin the channel is bound to.
func (c *Channel) PluginID() string {
	if c == nil {
		return ""
	}
	return c.pluginID
}

// Publish delivers ev to every live subscriber of its kind. Platform-only
// events and events naming another plugin are rejected. An empty PluginID is
// filled in with the channel's plugin.
func (c *Channel) Publish(ev Event) error {
	if c == nil || c.bus == nil {
		return c.unavailable()
	}
	if ev == nil {
		return ErrNilEvent
	}
	if ev.Kind().PlatformOnly() {
		return c.bus.reject(ev, c.pluginID, ErrPlatformOnly)
	}
	switch src := ev.Source(); src {
	case "":
		ev = ev.withSource(c.pluginID)
	case c.pluginID:
	default:
		return c.bus.reject(ev, c.pluginID, ErrProvenance)
	}
	return c.bus.publish(ev)
}

// Subscriber is implemented by *Bus and *Channel.
type Subscriber interface {
	subscribe(s *subscriber) (func(), error)
}

func (c *Channel) subscribe(s *subscriber) (func(), error) {
	if c == nil || c.bus == nil {
		return nil, c.unavailable()
	}
	return c.bus.subscribe(s)
}

func (c *Channel) unavailable() error {
	if c != nil && c.denied != nil {
		return c.denied
	}
	return ErrNoBus
}

// Subscription receives events of type E.
type Subscription[E Event] struct {
	id     string
	ch     chan E
	cancel func()
	once   sync.Once
}

// ID returns the unique subscription id.
func (s *Subscription[E]) ID() string { return s.id }

// C returns the delivery channel. It is closed after Cancel or Bus.Close.
func (s *Subscription[E]) C() <-chan E { return s.ch }

// Cancel stops delivery and closes the channel.
func (s *Subscription[E]) Cancel() {
	s.once.Do(s.cancel)
}

type subscribeConfig struct {
	buffer int
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

// WithBuffer sets the subscriber queue length. Events arriving while the
// queue is full are dropped for this subscriber only.
func WithBuffer(n int) SubscribeOption {
	return func(c *subscribeConfig) {
		if n > 0 {
			c.buffer = n
		}
	}
}

// Subscribe registers for events whose concrete type is exactly E.
func Subscribe[E Event](src Subscriber, opts ...SubscribeOption) (*Subscription[E], error) {
	cfg := subscribeConfig{buffer: DefaultBuffer}
	for _, opt := range opts {
		opt(&cfg)
	}
	var zero E
	if any(zero) == nil {
		return nil, ErrNilEvent
	}
	// Events travel as values; a pointer instantiation would never match
	// and its zero value cannot report a kind.
	if t := reflect.TypeFor[E](); t.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %s", ErrEventType, t)
	}
	sub := &Subscription[E]{
		id: uuid.NewString(),
		ch: make(chan E, cfg.buffer),
	}
	var closeOnce sync.Once
	s := &subscriber{
		id:   sub.id,
		kind: zero.Kind(),
		deliver: func(ev Event) bool {
			typed, ok := ev.(E)
			if !ok {
				return false
			}
			select {
			case sub.ch <- typed:
				return true
			default:
				return false
			}
		},
		close: func() { closeOnce.Do(func() { close(sub.ch) }) },
	}
	cancel, err := src.subscribe(s)
	if err != nil {
		return nil, err
	}
	sub.cancel = cancel
	return sub, nil
}
