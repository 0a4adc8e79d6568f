package session

import (
	"errors"
	"log/slog"

	"github.com/trnila/rollerctrl/protocol"
)

// DecoderState is where the inbound state machine is between bytes.
type DecoderState int

const (
	// AwaitingFrame buffers bytes until a complete valid frame is present.
	AwaitingFrame DecoderState = iota
	// HaveCompletePacket holds a validated packet that is not dispatched yet.
	HaveCompletePacket
	// Dispatched has produced an event and returns to AwaitingFrame.
	Dispatched
)

func (s DecoderState) String() string {
	switch s {
	case AwaitingFrame:
		return "awaiting_frame"
	case HaveCompletePacket:
		return "have_complete_packet"
	case Dispatched:
		return "dispatched"
	}
	return "unknown"
}

// Decoder reassembles frames from arbitrarily split inbound bytes and turns
// them into events. It is not safe for concurrent use; Session serialises
// calls to Feed.
type Decoder struct {
	registry *protocol.Registry
	logger   *slog.Logger
	metrics  *metrics

	buf   []byte
	state DecoderState
}

func NewDecoder(reg *protocol.Registry, opts ...Option) *Decoder {
	o := buildOptions(opts)
	return newDecoder(reg, &o, newMetrics(o.registerer, o.constLabels))
}

func newDecoder(reg *protocol.Registry, o *options, m *metrics) *Decoder {
	return &Decoder{
		registry: reg,
		logger:   o.logger,
		metrics:  m,
		buf:      make([]byte, 0, protocol.MaxFrameSize),
	}
}

func (d *Decoder) State() DecoderState { return d.state }

// Buffered is the number of bytes kept for an unfinished frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
	d.state = AwaitingFrame
}

// Feed appends b and returns the events of every frame it completed, in wire
// order. Corrupt frames are skipped one byte at a time until the next start
// marker lines up, so a single bad byte costs at most one frame.
func (d *Decoder) Feed(b []byte) []protocol.Event {
	d.buf = append(d.buf, b...)

	var events []protocol.Event
	off := 0
	for off < len(d.buf) {
		pkt, n, err := protocol.DecodeFrame(d.buf[off:])
		switch {
		case errors.Is(err, protocol.ErrIncomplete):
			d.drop(n, "garbage")
			off += n
			d.compact(off)
			return events

		case errors.Is(err, protocol.ErrChecksumMismatch):
			d.logger.Warn("dropping frame", "reason", "checksum", "error", err)
			d.drop(n, "checksum")
			off += n
			continue

		case err != nil:
			d.logger.Warn("dropping frame", "reason", "header", "error", err)
			d.drop(n, "header")
			off += n
			continue
		}

		d.drop(n-protocol.HeaderSize-len(pkt.Payload)-protocol.ChecksumSize, "garbage")
		off += n

		d.state = HaveCompletePacket
		evt := d.dispatch(pkt)
		d.metrics.events.WithLabelValues(evt.Kind()).Inc()
		events = append(events, evt)
		d.state = Dispatched
	}

	d.compact(off)
	return events
}

func (d *Decoder) compact(off int) {
	n := copy(d.buf, d.buf[off:])
	d.buf = d.buf[:n]
	d.state = AwaitingFrame
}

func (d *Decoder) drop(n int, reason string) {
	if n <= 0 {
		return
	}
	d.metrics.bytesDropped.WithLabelValues(reason).Add(float64(n))
}

func (d *Decoder) dispatch(pkt *protocol.Packet) protocol.Event {
	d.metrics.framesReceived.WithLabelValues(pkt.Class.String()).Inc()

	switch pkt.Class {
	case protocol.MessageClassResponse:
		return protocol.ResponseFromPacket(pkt)

	case protocol.MessageClassAsync:
		evt, err := d.registry.Decode(pkt.ID, pkt.Payload)
		if evt == nil {
			evt = protocol.Unrecognized{ID: pkt.ID, Payload: pkt.Payload}
		}
		if err != nil {
			d.metrics.decodeErrors.WithLabelValues(evt.Kind()).Inc()
			d.logger.Warn("async payload decoded partially",
				"id", pkt.ID,
				"decoder", d.registry.DecoderName(pkt.ID),
				"kind", evt.Kind(),
				"error", err)
		}
		return evt
	}

	d.logger.Warn("unexpected frame class from device", "class", pkt.Class, "id", pkt.ID)
	return protocol.Unrecognized{ID: pkt.ID, Payload: pkt.Payload}
}
