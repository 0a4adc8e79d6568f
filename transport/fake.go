package transport

import (
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/trnila/rollerctrl/protocol"
)

// Fake is a simulated robot. It answers every command with a simple
// response, streams sensor data while configured to and reports self-level
// completion after a short delay.
type Fake struct {
	caps       protocol.Capabilities
	logger     *slog.Logger
	levelDelay time.Duration
	minPeriod  time.Duration

	mu      sync.Mutex
	onBytes func([]byte)

	commands  chan *protocol.Packet
	done      chan struct{}
	closeOnce sync.Once
	started   sync.Once
	wg        sync.WaitGroup
}

type FakeOption func(*Fake)

// WithSelfLevelDelay sets how long self levelling takes.
func WithSelfLevelDelay(d time.Duration) FakeOption {
	return func(f *Fake) { f.levelDelay = d }
}

// WithMinPeriod bounds how often sensor packets are emitted.
func WithMinPeriod(d time.Duration) FakeOption {
	return func(f *Fake) { f.minPeriod = d }
}

func WithFakeLogger(logger *slog.Logger) FakeOption {
	return func(f *Fake) { f.logger = logger }
}

func NewFake(caps protocol.Capabilities, opts ...FakeOption) *Fake {
	f := &Fake{
		caps:       caps,
		logger:     slog.Default(),
		levelDelay: 2 * time.Second,
		minPeriod:  20 * time.Millisecond,
		commands:   make(chan *protocol.Packet, 16),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("port", "fake")
	return f
}

// Send accepts whole command frames.
func (f *Fake) Send(b []byte) error {
	for len(b) > 0 {
		pkt, n, err := protocol.DecodeFrame(b)
		if err != nil {
			if errors.Is(err, protocol.ErrIncomplete) {
				return nil
			}
			f.logger.Warn("fake robot dropped bytes", "error", err)
		}
		b = b[n:]
		if pkt == nil {
			continue
		}

		select {
		case f.commands <- pkt:
		case <-f.done:
			return ErrClosed
		}
	}
	return nil
}

func (f *Fake) OnBytesReceived(fn func(b []byte)) {
	f.mu.Lock()
	f.onBytes = fn
	f.mu.Unlock()

	f.started.Do(func() {
		f.wg.Add(1)
		go f.run()
	})
}

func (f *Fake) Close() error {
	f.closeOnce.Do(func() { close(f.done) })
	f.wg.Wait()
	return nil
}

func (f *Fake) emit(class protocol.MessageClass, id, seq byte, payload []byte) {
	frame, err := protocol.EncodeFrame(class, protocol.DeviceSphero, id, seq, payload)
	if err != nil {
		f.logger.Error("fake robot cannot encode", "id", id, "error", err)
		return
	}

	f.mu.Lock()
	fn := f.onBytes
	f.mu.Unlock()
	if fn != nil {
		fn(frame)
	}
}

func (f *Fake) respond(pkt *protocol.Packet, code protocol.ResponseCode) {
	f.emit(protocol.MessageClassResponse, byte(code), pkt.Seq, nil)
}

// robot is the state owned by the run goroutine.
type robot struct {
	streaming *protocol.StreamingConfiguration
	remaining int // packets left, -1 for unbounded
	phase     float64
	ticker    *time.Ticker
	level     <-chan time.Time
}

func (f *Fake) run() {
	defer f.wg.Done()

	r := &robot{ticker: time.NewTicker(time.Hour)}
	r.ticker.Stop()
	defer r.ticker.Stop()

	f.emit(protocol.MessageClassAsync, protocol.AsyncPowerNotification, 0, []byte{byte(protocol.PowerOK)})

	for {
		select {
		case pkt := <-f.commands:
			f.handle(r, pkt)

		case <-r.ticker.C:
			f.stream(r)

		case <-r.level:
			r.level = nil
			f.emit(protocol.MessageClassAsync, protocol.AsyncSelfLevelComplete, 0, []byte{byte(protocol.SelfLevelSuccess)})

		case <-f.done:
			return
		}
	}
}

func (f *Fake) handle(r *robot, pkt *protocol.Packet) {
	if pkt.Class != protocol.MessageClassCommand {
		return
	}

	key := protocol.CommandKey{DeviceID: pkt.DeviceID, CommandID: pkt.ID}
	switch key {
	case protocol.StreamingConfiguration{}.Key():
		cfg, err := protocol.DecodeStreamingConfiguration(pkt.Payload, f.caps.Mask2)
		if err != nil {
			f.respond(pkt, protocol.ResponseBadParameter)
			return
		}
		f.respond(pkt, protocol.ResponseOK)
		f.configure(r, cfg)

	case protocol.SelfLevel{}.Key():
		if len(pkt.Payload) != 4 {
			f.respond(pkt, protocol.ResponseBadParameter)
			return
		}
		f.respond(pkt, protocol.ResponseOK)
		if protocol.SelfLevelOptions(pkt.Payload[0])&protocol.SelfLevelStart == 0 {
			if r.level != nil {
				r.level = nil
				f.emit(protocol.MessageClassAsync, protocol.AsyncSelfLevelComplete, 0, []byte{byte(protocol.SelfLevelAborted)})
			}
			return
		}
		r.level = time.After(f.levelDelay)

	case protocol.SetRGBLED{}.Key(), protocol.Ping{}.Key():
		f.respond(pkt, protocol.ResponseOK)

	default:
		f.respond(pkt, protocol.ResponseBadCommand)
	}
}

func (f *Fake) configure(r *robot, cfg protocol.StreamingConfiguration) {
	r.ticker.Stop()
	r.streaming = nil

	if cfg.Stopped() {
		f.logger.Debug("fake robot stopped streaming")
		return
	}

	frames := cfg.PacketFrames
	if frames == 0 {
		frames = 1
		cfg.PacketFrames = 1
	}
	period := time.Duration(float64(time.Second) * float64(frames) / cfg.SampleRate())
	if period < f.minPeriod {
		period = f.minPeriod
	}

	r.streaming = &cfg
	r.remaining = int(cfg.PacketCount)
	if cfg.PacketCount == 0 {
		r.remaining = -1
	}
	r.ticker.Reset(period)
	f.logger.Debug("fake robot streaming", "mask", cfg.Mask, "period", period)
}

// stream emits one sensor packet. The robot rolls in a circle, so the
// angles follow a sine and everything else is derived from the same phase.
func (f *Fake) stream(r *robot) {
	cfg := r.streaming
	if cfg == nil {
		return
	}

	mask2 := cfg.EffectiveMask2(f.caps.Mask2)
	n := cfg.Mask.Count() + mask2.Count()
	step := 2 * math.Pi / cfg.SampleRate()

	frames := make([][]int16, cfg.PacketFrames)
	for i := range frames {
		frame := make([]int16, n)
		for ch := range frame {
			amplitude := float64(20 * (ch + 1))
			frame[ch] = int16(amplitude * math.Sin(r.phase+float64(ch)*math.Pi/4))
		}
		frames[i] = frame
		r.phase += step
	}

	payload, err := protocol.EncodeSensorData(frames, cfg.Mask, mask2)
	if err != nil {
		f.logger.Error("fake robot cannot encode sensor data", "error", err)
		return
	}
	if len(payload) > protocol.MaxPayloadSize {
		payload = payload[:protocol.MaxPayloadSize/(2*n)*(2*n)]
	}
	f.emit(protocol.MessageClassAsync, protocol.AsyncSensorData, 0, payload)

	if r.remaining > 0 {
		r.remaining--
		if r.remaining == 0 {
			r.ticker.Stop()
			r.streaming = nil
		}
	}
}
