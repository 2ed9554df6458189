package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrBusShuttingDown is an error returned in case the bus is in the process
// of shutting down.
var ErrBusShuttingDown = errors.New("event bus shutting down")

// DefaultQueueSize is the default buffer of every subscriber queue before it
// overflows into its unbounded backlog.
const DefaultQueueSize = 100

// Config parameterizes a Bus.
type Config struct {
	// Synchronous makes Publish invoke every handler in the publishing
	// goroutine before returning.
	Synchronous bool

	// QueueSize is the buffer of each subscriber queue.
	QueueSize int
}

// subscribeOptions holds the per subscription options.
type subscribeOptions struct {
	workers int
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

// WithWorkers delivers the subscription's events on n goroutines. Events are
// then no longer delivered in order to that subscriber.
func WithWorkers(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// Subscription is a registered event handler.
type Subscription struct {
	id      uint64
	name    string
	filter  func(any) bool
	handler func(any)
	workers int

	updates *queue.ConcurrentQueue

	cancelOnce sync.Once
	quit       chan struct{}
	wg         sync.WaitGroup

	bus *Bus
}

// Name returns the name the subscription was registered with.
func (s *Subscription) Name() string {
	return s.name
}

// Cancel removes the subscription. Events queued but not yet handled are
// dropped.
func (s *Subscription) Cancel() {
	s.bus.remove(s.id)
	s.stop()
}

// stop terminates the delivery goroutines of the subscription.
func (s *Subscription) stop() {
	s.cancelOnce.Do(func() {
		close(s.quit)
		if s.updates != nil {
			s.updates.Stop()
		}
		s.wg.Wait()
	})
}

// deliver invokes the handler, isolating the bus from handler panics.
func (s *Subscription) deliver(event any) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Subscriber %s panicked handling %T: %v",
				s.name, event, r)
		}
	}()

	s.handler(event)
}

// dispatcher drains the subscription queue.
//
// NOTE: MUST be run as a goroutine.
func (s *Subscription) dispatcher() {
	defer s.wg.Done()

	for {
		select {
		case event := <-s.updates.ChanOut():
			s.deliver(event)

		case <-s.quit:
			return
		}
	}
}

// Bus delivers published events to every subscriber whose filter accepts
// them. Each subscriber has its own queue and goroutine, so a slow
// subscriber never delays the others, and receives events in publish order.
type Bus struct {
	subscriberCounter atomic.Uint64

	started atomic.Bool
	stopped atomic.Bool

	cfg Config

	// pubMu orders concurrent publishers so every subscriber observes the
	// same sequence.
	pubMu sync.Mutex

	mu          sync.RWMutex
	subscribers []*Subscription

	quit chan struct{}
}

// New returns a new Bus.
func New(cfg Config) *Bus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	return &Bus{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start starts the Bus, making it ready to deliver events.
func (b *Bus) Start() error {
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	log.Debugf("Event bus starting (synchronous=%v)", b.cfg.Synchronous)

	return nil
}

// Stop stops the bus and every subscription.
func (b *Bus) Stop() error {
	if !b.stopped.CompareAndSwap(false, true) {
		return nil
	}

	close(b.quit)

	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}

	log.Debugf("Event bus stopped")

	return nil
}

// SubscribeAny registers handler for every event accepted by filter. A nil
// filter accepts everything.
func (b *Bus) SubscribeAny(name string, filter func(any) bool,
	handler func(any), opts ...SubscribeOption) (*Subscription, error) {

	options := subscribeOptions{workers: 1}
	for _, opt := range opts {
		opt(&options)
	}
	if filter == nil {
		filter = func(any) bool { return true }
	}

	sub := &Subscription{
		id:      b.subscriberCounter.Add(1),
		name:    name,
		filter:  filter,
		handler: handler,
		workers: options.workers,
		quit:    make(chan struct{}),
		bus:     b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.quit:
		return nil, ErrBusShuttingDown
	default:
	}

	if !b.cfg.Synchronous {
		sub.updates = queue.NewConcurrentQueue(b.cfg.QueueSize)
		sub.updates.Start()

		sub.wg.Add(sub.workers)
		for i := 0; i < sub.workers; i++ {
			go sub.dispatcher()
		}
	}

	// Copy on write, so publishers can iterate a snapshot without
	// holding the lock.
	subs := make([]*Subscription, 0, len(b.subscribers)+1)
	subs = append(subs, b.subscribers...)
	b.subscribers = append(subs, sub)

	log.Debugf("Subscriber %s registered (workers=%d)", name, sub.workers)

	return sub, nil
}

// Subscribe registers handler for every published event of type T.
func Subscribe[T any](b *Bus, name string, handler func(T),
	opts ...SubscribeOption) (*Subscription, error) {

	filter := func(event any) bool {
		_, ok := event.(T)
		return ok
	}

	return b.SubscribeAny(name, filter, func(event any) {
		handler(event.(T))
	}, opts...)
}

// Publish delivers event to every matching subscriber. In asynchronous mode
// it only enqueues the event.
func (b *Bus) Publish(event any) error {
	select {
	case <-b.quit:
		return ErrBusShuttingDown
	default:
	}

	b.mu.RLock()
	subs := b.subscribers
	b.mu.RUnlock()

	if b.cfg.Synchronous {
		for _, sub := range subs {
			if sub.filter(event) {
				sub.deliver(event)
			}
		}

		return nil
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	for _, sub := range subs {
		if !sub.filter(event) {
			continue
		}

		select {
		case sub.updates.ChanIn() <- event:
		case <-sub.quit:
		case <-b.quit:
			return ErrBusShuttingDown
		}
	}

	return nil
}

// MustPublish publishes event, logging instead of returning the error. It is
// meant for handlers that have no caller to report to.
func (b *Bus) MustPublish(event any) {
	if err := b.Publish(event); err != nil {
		log.Debugf("Unable to publish %T: %v", event, err)
	}
}

// Subscribers returns the names of the registered subscribers.
func (b *Bus) Subscribers() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		names = append(names, sub.name)
	}

	return names
}

// remove unregisters the subscription with the given id.
func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]*Subscription, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.id != id {
			subs = append(subs, sub)
		}
	}
	b.subscribers = subs
}

// String returns a short description of the bus.
func (b *Bus) String() string {
	mode := "async"
	if b.cfg.Synchronous {
		mode = "sync"
	}

	return fmt.Sprintf("EventBus(%s, subscribers=%d)", mode,
		len(b.Subscribers()))
}
