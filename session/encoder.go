package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/trnila/rollerctrl/protocol"
)

// ErrTransport wraps every error returned by the transport's Send.
var ErrTransport = errors.New("session: transport error")

// Sender is the write half of a transport.
type Sender interface {
	Send(b []byte) error
}

// Encoder frames commands, sends them and keeps StreamingState in step with
// what the transport accepted.
type Encoder struct {
	registry *protocol.Registry
	tx       Sender
	state    *StreamingState
	caps     protocol.Capabilities
	skip     bool
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer

	seq atomic.Uint32

	// serialises streaming sends so state updates follow wire order
	streamMu sync.Mutex
	last     *protocol.StreamingConfiguration
}

func newEncoder(reg *protocol.Registry, tx Sender, state *StreamingState, o *options, m *metrics) *Encoder {
	return &Encoder{
		registry: reg,
		tx:       tx,
		state:    state,
		caps:     o.caps,
		skip:     o.skipRedundant,
		logger:   o.logger,
		metrics:  m,
		tracer:   o.tracer(),
	}
}

// StopConfiguration disables every channel. Mask2 is included, as zero, only
// when the firmware knows about it.
func StopConfiguration(caps protocol.Capabilities) protocol.StreamingConfiguration {
	cfg := protocol.StreamingConfiguration{}
	if caps.Mask2 {
		off := protocol.StreamingMask2Off
		cfg.Mask2 = &off
	}
	return cfg
}

// Frame encodes cmd with the next sequence number without sending it.
func (e *Encoder) Frame(cmd protocol.Command) ([]byte, byte, error) {
	payload, err := e.registry.Encode(cmd, e.caps)
	if err != nil {
		return nil, 0, err
	}
	seq := byte(e.seq.Add(1))
	key := cmd.Key()
	frame, err := protocol.EncodeFrame(protocol.MessageClassCommand, key.DeviceID, key.CommandID, seq, payload)
	if err != nil {
		return nil, 0, err
	}
	return frame, seq, nil
}

// Send encodes and sends cmd. Streaming configurations go through
// SendStreamingConfiguration so the state stays consistent.
func (e *Encoder) Send(ctx context.Context, cmd protocol.Command) error {
	switch c := cmd.(type) {
	case protocol.StreamingConfiguration:
		return e.SendStreamingConfiguration(ctx, c)
	case *protocol.StreamingConfiguration:
		return e.SendStreamingConfiguration(ctx, *c)
	}
	return e.send(ctx, cmd)
}

// SendStreamingConfiguration sends cfg and, once the transport accepted it,
// records its masks as the current ones. A failed send leaves the state alone.
func (e *Encoder) SendStreamingConfiguration(ctx context.Context, cfg protocol.StreamingConfiguration) error {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	if e.skip && e.redundant(cfg) {
		e.metrics.sendsSkipped.Inc()
		e.logger.Debug("streaming configuration already active", "mask", cfg.Mask, "mask2", cfg.EffectiveMask2(e.caps.Mask2))
		return nil
	}

	if err := e.send(ctx, cfg); err != nil {
		return err
	}

	e.state.set(cfg.Mask, cfg.EffectiveMask2(e.caps.Mask2))
	sent := cfg
	if cfg.Mask2 != nil {
		m2 := *cfg.Mask2
		sent.Mask2 = &m2
	}
	e.last = &sent

	e.logger.Info("streaming configured",
		"mask", cfg.Mask,
		"mask2", cfg.EffectiveMask2(e.caps.Mask2),
		"rate_hz", cfg.SampleRate(),
		"frames", cfg.PacketFrames,
		"count", cfg.PacketCount)
	return nil
}

// StopStreaming disables all channels. Stopping twice is harmless.
func (e *Encoder) StopStreaming(ctx context.Context) error {
	return e.SendStreamingConfiguration(ctx, StopConfiguration(e.caps))
}

// redundant reports whether cfg would put the device in the state it is
// already in. Bounded streams are always resent since sending restarts the count.
func (e *Encoder) redundant(cfg protocol.StreamingConfiguration) bool {
	last := e.last
	if last == nil || cfg.PacketCount != 0 || last.PacketCount != 0 {
		return false
	}
	return cfg.SampleRateDivisor == last.SampleRateDivisor &&
		cfg.PacketFrames == last.PacketFrames &&
		cfg.Mask == last.Mask &&
		cfg.PayloadSize(e.caps.Mask2) == last.PayloadSize(e.caps.Mask2) &&
		cfg.EffectiveMask2(e.caps.Mask2) == last.EffectiveMask2(e.caps.Mask2)
}

func (e *Encoder) commandName(key protocol.CommandKey) string {
	if name := e.registry.CommandName(key); name != "" {
		return name
	}
	return key.String()
}

func (e *Encoder) send(ctx context.Context, cmd protocol.Command) error {
	name := e.commandName(cmd.Key())

	_, span := e.tracer.Start(ctx, "rollerctrl.send "+name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rollerctrl.command", name)),
	)
	defer span.End()

	frame, seq, err := e.Frame(cmd)
	if err != nil {
		e.metrics.sendErrors.WithLabelValues(name, "encode").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetAttributes(
		attribute.Int("rollerctrl.seq", int(seq)),
		attribute.Int("rollerctrl.frame_bytes", len(frame)),
	)

	if err := e.tx.Send(frame); err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrTransport, name, err)
		e.metrics.sendErrors.WithLabelValues(name, "transport").Inc()
		e.logger.Warn("send failed", "command", name, "seq", seq, "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	e.metrics.framesSent.WithLabelValues(name).Inc()
	e.logger.Debug("frame sent", "command", name, "seq", seq, "bytes", len(frame))
	span.SetStatus(codes.Ok, "")
	return nil
}
