// Package eventbus is an in-process fan-out pub/sub keyed by channel name.
// Each entity publishes on its own named channel; a parallel bus instance
// carries per-task control signals.
package eventbus

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSlowSubscriber is reported to a subscriber's OnError when its queue is
// full and an event had to be dropped. Delivery is best-effort.
var ErrSlowSubscriber = errors.New("subscriber queue full, event dropped")

// subscriberQueueSize buffers bursts so publishers never block.
const subscriberQueueSize = 256

// Handler receives a subscription's callbacks. OnError and OnComplete are
// optional.
type Handler[T any] struct {
	OnEvent    func(msg T)
	OnError    func(err error)
	OnComplete func()
}

// Bus fans out messages to the subscribers of each named channel. Events
// published to one channel are delivered to each subscriber in publish
// order; there is no ordering across channels.
type Bus[T any] struct {
	mu       sync.Mutex
	channels map[string]*channel[T]
	nextID   atomic.Int64
}

type channel[T any] struct {
	mu   sync.Mutex
	subs map[int64]*Subscription[T]
}

// Subscription is the handle returned by Subscribe.
type Subscription[T any] struct {
	bus      *Bus[T]
	channel  string
	id       int64
	queue    chan T
	handler  Handler[T]
	complete atomic.Bool
	stop     sync.Once
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{channels: make(map[string]*channel[T])}
}

func (b *Bus[T]) chanFor(name string) *channel[T] {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.channels[name]
	if !ok {
		ch = &channel[T]{subs: make(map[int64]*Subscription[T])}
		b.channels[name] = ch
	}
	return ch
}

// Subscribe registers a handler on the named channel. Each subscription
// drains its own queue on a dedicated goroutine, preserving publish order
// for that subscriber.
func (b *Bus[T]) Subscribe(name string, handler Handler[T]) *Subscription[T] {
	sub := &Subscription[T]{
		bus:     b,
		channel: name,
		id:      b.nextID.Add(1),
		queue:   make(chan T, subscriberQueueSize),
		handler: handler,
	}

	ch := b.chanFor(name)
	ch.mu.Lock()
	ch.subs[sub.id] = sub
	ch.mu.Unlock()

	go sub.drain()
	return sub
}

func (s *Subscription[T]) drain() {
	for msg := range s.queue {
		if s.handler.OnEvent != nil {
			s.handler.OnEvent(msg)
		}
	}
	if s.complete.Load() && s.handler.OnComplete != nil {
		s.handler.OnComplete()
	}
}

// Publish sends msg to every subscriber of the named channel. Subscribers
// that cannot keep up have the event dropped and their OnError invoked.
//
// The sends happen under the channel mutex: they are non-blocking, and the
// mutex is what keeps a concurrent Unsubscribe or Close from closing a
// queue mid-send. Only the OnError callbacks run outside the lock.
func (b *Bus[T]) Publish(name string, msg T) {
	ch := b.chanFor(name)
	ch.mu.Lock()
	var slow []*Subscription[T]
	for _, sub := range ch.subs {
		select {
		case sub.queue <- msg:
		default:
			slow = append(slow, sub)
		}
	}
	ch.mu.Unlock()

	for _, sub := range slow {
		if sub.handler.OnError != nil {
			sub.handler.OnError(ErrSlowSubscriber)
		}
	}
}

// Unsubscribe detaches the subscription; buffered events are still
// delivered, after which the drain goroutine exits without OnComplete.
func (b *Bus[T]) Unsubscribe(sub *Subscription[T]) {
	if sub == nil {
		return
	}
	ch := b.chanFor(sub.channel)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if _, present := ch.subs[sub.id]; !present {
		return
	}
	delete(ch.subs, sub.id)
	sub.stop.Do(func() { close(sub.queue) })
}

// Close completes the named channel: every subscriber receives its buffered
// events followed by OnComplete, and the channel is forgotten.
func (b *Bus[T]) Close(name string) {
	b.mu.Lock()
	ch, ok := b.channels[name]
	if ok {
		delete(b.channels, name)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for id, sub := range ch.subs {
		delete(ch.subs, id)
		sub.complete.Store(true)
		sub.stop.Do(func() { close(sub.queue) })
	}
}
