package transport

import (
	"bufio"
	"io"
	"log/slog"
	"sync"

	"github.com/pkg/errors"
)

// Framing selects how frames travel over a byte stream.
type Framing string

const (
	// FramingRaw writes protocol frames as they are. The decoder finds the
	// boundaries itself.
	FramingRaw Framing = "raw"
	// FramingCOBS stuffs each frame and ends it with a zero byte, for serial
	// bridges that forward whole packets.
	FramingCOBS Framing = "cobs"
)

// ParseFraming accepts "raw" or "cobs". The empty string means raw.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case "", FramingRaw:
		return FramingRaw, nil
	case FramingCOBS:
		return FramingCOBS, nil
	}
	return "", errors.Errorf("transport: unknown framing %q", s)
}

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("transport: closed")

// Stream is a Transport over any io.ReadWriteCloser.
type Stream struct {
	rwc     io.ReadWriteCloser
	name    string
	framing Framing
	logger  *slog.Logger

	writeMu sync.Mutex
	started sync.Once
	closeMu sync.Mutex
	closed  bool

	done chan struct{}
	err  error
}

func NewStream(name string, rwc io.ReadWriteCloser, framing Framing, logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	if framing == "" {
		framing = FramingRaw
	}
	return &Stream{
		rwc:     rwc,
		name:    name,
		framing: framing,
		logger:  logger.With("port", name),
		done:    make(chan struct{}),
	}
}

func (s *Stream) Send(b []byte) error {
	if s.isClosed() {
		return ErrClosed
	}
	if s.framing == FramingCOBS {
		b = encodeCOBS(b)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.rwc.Write(b)
	return errors.Wrapf(err, "transport: write %s", s.name)
}

func (s *Stream) OnBytesReceived(fn func(b []byte)) {
	s.started.Do(func() {
		go s.readLoop(fn)
	})
}

// Done is closed when the read loop ends.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Err is the reason the read loop ended, nil after a clean Close or EOF.
// Valid once Done is closed.
func (s *Stream) Err() error {
	<-s.done
	return s.err
}

func (s *Stream) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeMu.Unlock()

	return errors.Wrapf(s.rwc.Close(), "transport: close %s", s.name)
}

func (s *Stream) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	return s.closed
}

func (s *Stream) readLoop(fn func([]byte)) {
	defer close(s.done)

	var err error
	if s.framing == FramingCOBS {
		err = s.readCOBS(fn)
	} else {
		err = s.readRaw(fn)
	}

	if err == io.EOF || s.isClosed() {
		s.logger.Info("transport closed")
		return
	}
	s.err = errors.Wrapf(err, "transport: read %s", s.name)
	s.logger.Error("transport read failed", "error", s.err)
}

func (s *Stream) readRaw(fn func([]byte)) error {
	buf := make([]byte, 256)
	for {
		n, err := s.rwc.Read(buf)
		if n > 0 {
			fn(buf[:n])
		}
		if err != nil {
			return err
		}
	}
}

func (s *Stream) readCOBS(fn func([]byte)) error {
	reader := bufio.NewReader(s.rwc)
	for {
		packet, err := reader.ReadBytes(cobsDelimiter)
		if err != nil {
			return err
		}

		decoded, err := decodeCOBS(packet)
		if err != nil {
			s.logger.Warn("dropping packet", "error", err, "bytes", len(packet))
			continue
		}
		fn(decoded)
	}
}
