// Package session ties the protocol to one connected robot. It owns the
// streaming state, frames outgoing commands and turns inbound bytes into
// events for any number of listeners.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/trnila/rollerctrl/protocol"
	"github.com/trnila/rollerctrl/transport"
)

// ErrClosed is returned by sends on a closed session.
var ErrClosed = errors.New("session: closed")

// Session is the surface the UI talks to. All methods are safe for
// concurrent use.
type Session struct {
	transport transport.Transport
	registry  *protocol.Registry
	state     *StreamingState
	encoder   *Encoder
	broker    *Broker
	caps      protocol.Capabilities
	logger    *slog.Logger

	closed atomic.Bool

	mu      sync.Mutex // guards decoder
	decoder *Decoder

	// held across feed and broadcast so events keep wire order; sends never take it
	deliverMu sync.Mutex
}

// New starts a session on tr. The streaming state starts all-zero. The
// caller keeps ownership of tr and closes it after Close.
func New(tr transport.Transport, opts ...Option) (*Session, error) {
	o := buildOptions(opts)

	state := &StreamingState{}
	reg := protocol.NewDefaultRegistry(state)
	for _, d := range o.decoders {
		if err := reg.RegisterDecoder(d.id, d.name, d.fn); err != nil {
			return nil, err
		}
	}

	m := newMetrics(o.registerer, o.constLabels)
	s := &Session{
		transport: tr,
		registry:  reg,
		state:     state,
		encoder:   newEncoder(reg, tr, state, &o, m),
		decoder:   newDecoder(reg, &o, m),
		broker:    newBroker(o.subscriberBuffer, o.logger, m),
		caps:      o.caps,
		logger:    o.logger,
	}
	state.reset()

	go s.broker.Start()
	tr.OnBytesReceived(s.receive)

	s.logger.Info("session started", "mask2", o.caps.Mask2)
	return s, nil
}

// receive broadcasts outside mu: a full queue blocks here until the broker
// drains it, and listeners on the broker goroutine may be sending commands.
func (s *Session) receive(b []byte) {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	for _, evt := range s.feed(b) {
		s.broker.Broadcast(evt)
	}
}

func (s *Session) feed(b []byte) []protocol.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil
	}
	return s.decoder.Feed(b)
}

func (s *Session) Capabilities() protocol.Capabilities { return s.caps }

func (s *Session) Registry() *protocol.Registry { return s.registry }

// State exposes the streaming masks for read-only consumers.
func (s *Session) State() *StreamingState { return s.state }

func (s *Session) CurrentMask() protocol.StreamingMask { return s.state.CurrentMask() }

func (s *Session) CurrentMask2() protocol.StreamingMask2 { return s.state.CurrentMask2() }

// Streaming reports whether the last accepted configuration enabled any channel.
func (s *Session) Streaming() bool { return s.state.Streaming() }

func (s *Session) isClosed() bool { return s.closed.Load() }

// SendStreamingConfiguration configures sensor streaming. The current masks
// change only once the transport accepted the command.
func (s *Session) SendStreamingConfiguration(ctx context.Context, cfg protocol.StreamingConfiguration) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.encoder.SendStreamingConfiguration(ctx, cfg)
}

func (s *Session) StopStreaming(ctx context.Context) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.encoder.StopStreaming(ctx)
}

// SelfLevel starts the self-level routine. Completion arrives later as a
// protocol.SelfLevelComplete event.
func (s *Session) SelfLevel(ctx context.Context, cmd protocol.SelfLevel) error {
	return s.Send(ctx, cmd)
}

func (s *Session) SetRGBLED(ctx context.Context, r, g, b byte) error {
	return s.Send(ctx, protocol.SetRGBLED{Red: r, Green: g, Blue: b})
}

// Send sends any registered command.
func (s *Session) Send(ctx context.Context, cmd protocol.Command) error {
	if s.isClosed() {
		return ErrClosed
	}
	return s.encoder.Send(ctx, cmd)
}

// OnEvent registers fn for every inbound event. fn runs on the delivery
// goroutine. It may send commands but must not call OnEvent, Subscribe,
// Unsubscribe or Close itself. The returned func removes it.
func (s *Session) OnEvent(fn func(protocol.Event)) func() {
	return s.broker.Listen(fn)
}

func (s *Session) Subscribe() <-chan protocol.Event { return s.broker.Subscribe() }

func (s *Session) Unsubscribe(c <-chan protocol.Event) { s.broker.Unsubscribe(c) }

// Close stops event delivery and drops any partial frame. Events already
// delivered stay delivered.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.mu.Lock()
	s.decoder.Reset()
	s.mu.Unlock()

	s.broker.Stop()
	s.logger.Info("session closed")
	return nil
}
