package session

import (
	"log/slog"
	"sync"

	"github.com/trnila/rollerctrl/protocol"
)

type listener struct {
	id int
	fn func(protocol.Event)
}

// Broker fans events out to callbacks and subscriber channels from a single
// goroutine, so every consumer sees events in wire order.
type Broker struct {
	broadcast   chan protocol.Event
	subscribe   chan chan protocol.Event
	unsubscribe chan (<-chan protocol.Event)
	listen      chan listener
	unlisten    chan int
	done        chan struct{}
	stopped     chan struct{}
	stopOnce    sync.Once

	buffer  int
	logger  *slog.Logger
	metrics *metrics

	idMu   sync.Mutex
	lastID int
}

func newBroker(buffer int, logger *slog.Logger, m *metrics) *Broker {
	return &Broker{
		broadcast:   make(chan protocol.Event, 64),
		subscribe:   make(chan chan protocol.Event),
		unsubscribe: make(chan (<-chan protocol.Event)),
		listen:      make(chan listener),
		unlisten:    make(chan int),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
		buffer:      buffer,
		logger:      logger,
		metrics:     m,
	}
}

// Start runs the delivery loop until Stop.
func (b *Broker) Start() {
	defer close(b.stopped)

	channels := map[<-chan protocol.Event]chan protocol.Event{}
	var listeners []listener

	for {
		select {
		case c := <-b.subscribe:
			channels[c] = c

		case c := <-b.unsubscribe:
			if ch, ok := channels[c]; ok {
				delete(channels, c)
				close(ch)
			}

		case l := <-b.listen:
			listeners = append(listeners, l)

		case id := <-b.unlisten:
			for i, l := range listeners {
				if l.id == id {
					listeners = append(listeners[:i], listeners[i+1:]...)
					break
				}
			}

		case evt := <-b.broadcast:
			for _, l := range listeners {
				b.call(l, evt)
			}
			for _, ch := range channels {
				select {
				case ch <- evt:
				default:
					b.metrics.eventsDropped.Inc()
				}
			}

		case <-b.done:
			for _, ch := range channels {
				close(ch)
			}
			return
		}
	}
}

func (b *Broker) call(l listener, evt protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked", "kind", evt.Kind(), "panic", r)
		}
	}()
	l.fn(evt)
}

// Stop ends the loop and closes every subscriber channel.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.done) })
	<-b.stopped
}

// Subscribe returns a channel receiving every later event. A subscriber that
// falls behind loses events rather than stalling the others. The channel is
// closed on Unsubscribe or Stop.
func (b *Broker) Subscribe() <-chan protocol.Event {
	c := make(chan protocol.Event, b.buffer)
	select {
	case b.subscribe <- c:
	case <-b.done:
		close(c)
	}
	return c
}

func (b *Broker) Unsubscribe(c <-chan protocol.Event) {
	select {
	case b.unsubscribe <- c:
	case <-b.done:
	}
}

// Listen registers fn, called on the broker goroutine for each event. The
// returned func removes it.
func (b *Broker) Listen(fn func(protocol.Event)) func() {
	b.idMu.Lock()
	b.lastID++
	id := b.lastID
	b.idMu.Unlock()

	select {
	case b.listen <- listener{id: id, fn: fn}:
	case <-b.done:
		return func() {}
	}
	return func() {
		select {
		case b.unlisten <- id:
		case <-b.done:
		}
	}
}

// Broadcast queues evt for delivery. It blocks only when the queue is full
// and returns immediately once the broker is stopped.
func (b *Broker) Broadcast(evt protocol.Event) {
	select {
	case b.broadcast <- evt:
	case <-b.done:
	}
}
