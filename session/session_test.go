package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/trnila/rollerctrl/protocol"
)

// MockTransport records sent frames and lets tests inject inbound bytes.
type MockTransport struct {
	mutex   sync.Mutex
	txLog   [][]byte
	sendErr error
	onBytes func([]byte)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{txLog: make([][]byte, 0)}
}

func (m *MockTransport) Send(b []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.sendErr != nil {
		return m.sendErr
	}
	c := make([]byte, len(b))
	copy(c, b)
	m.txLog = append(m.txLog, c)
	return nil
}

func (m *MockTransport) OnBytesReceived(fn func([]byte)) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onBytes = fn
}

func (m *MockTransport) Close() error { return nil }

func (m *MockTransport) Inject(b []byte) {
	m.mutex.Lock()
	fn := m.onBytes
	m.mutex.Unlock()
	fn(b)
}

func (m *MockTransport) SetSendError(err error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.sendErr = err
}

func (m *MockTransport) GetTxLog() [][]byte {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	result := make([][]byte, len(m.txLog))
	copy(result, m.txLog)
	return result
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *MockTransport) {
	t.Helper()
	tr := NewMockTransport()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	s, err := New(tr, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, tr
}

func asyncFrame(t *testing.T, id byte, payload []byte) []byte {
	t.Helper()
	b, err := protocol.EncodeFrame(protocol.MessageClassAsync, protocol.DeviceSphero, id, 0, payload)
	if err != nil {
		t.Fatalf("EncodeFrame: %v", err)
	}
	return b
}

func receive(t *testing.T, c <-chan protocol.Event) protocol.Event {
	t.Helper()
	select {
	case evt, ok := <-c:
		if !ok {
			t.Fatal("subscription closed")
		}
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return nil
}

func mask2(m protocol.StreamingMask2) *protocol.StreamingMask2 { return &m }

func TestStreamingConfigurationUpdatesState(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		caps      protocol.Capabilities
		cfg       protocol.StreamingConfiguration
		wantMask  protocol.StreamingMask
		wantMask2 protocol.StreamingMask2
		wantDlen  byte
	}{
		{
			name:     "mask only, old firmware",
			cfg:      protocol.StreamingConfiguration{SampleRateDivisor: 10, PacketFrames: 1, Mask: protocol.StreamingMaskAccelerometerXRaw},
			wantMask: protocol.StreamingMaskAccelerometerXRaw,
			wantDlen: 10,
		},
		{
			name: "mask2 dropped on old firmware",
			cfg: protocol.StreamingConfiguration{
				SampleRateDivisor: 10, PacketFrames: 1,
				Mask:  protocol.StreamingMaskAccelerometerXRaw,
				Mask2: mask2(protocol.StreamingMask2Quaternion0),
			},
			wantMask: protocol.StreamingMaskAccelerometerXRaw,
			wantDlen: 10,
		},
		{
			name: "mask2 sent on new firmware",
			caps: protocol.Capabilities{Mask2: true},
			cfg: protocol.StreamingConfiguration{
				SampleRateDivisor: 10, PacketFrames: 1,
				Mask:  protocol.StreamingMaskAccelerometerXRaw,
				Mask2: mask2(protocol.StreamingMask2Quaternion0),
			},
			wantMask:  protocol.StreamingMaskAccelerometerXRaw,
			wantMask2: protocol.StreamingMask2Quaternion0,
			wantDlen:  14,
		},
		{
			name:     "absent mask2 on new firmware resets it",
			caps:     protocol.Capabilities{Mask2: true},
			cfg:      protocol.StreamingConfiguration{SampleRateDivisor: 10, PacketFrames: 1, Mask: protocol.StreamingMaskIMUAnglesFilteredAll},
			wantMask: protocol.StreamingMaskIMUAnglesFilteredAll,
			wantDlen: 10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, tr := newTestSession(t, WithCapabilities(tt.caps))

			if err := s.SendStreamingConfiguration(ctx, tt.cfg); err != nil {
				t.Fatalf("SendStreamingConfiguration: %v", err)
			}

			if got := s.CurrentMask(); got != tt.wantMask {
				t.Errorf("CurrentMask = %v, want %v", got, tt.wantMask)
			}
			if got := s.CurrentMask2(); got != tt.wantMask2 {
				t.Errorf("CurrentMask2 = %v, want %v", got, tt.wantMask2)
			}
			if !s.Streaming() {
				t.Error("Streaming = false after configuring channels")
			}

			log := tr.GetTxLog()
			if len(log) != 1 {
				t.Fatalf("sent %d frames, want 1", len(log))
			}
			frame := log[0]
			if frame[4] != protocol.CmdSetDataStreaming {
				t.Errorf("command id = 0x%02x, want 0x%02x", frame[4], protocol.CmdSetDataStreaming)
			}
			if frame[6] != tt.wantDlen {
				t.Errorf("dlen = %d, want %d", frame[6], tt.wantDlen)
			}
		})
	}
}

func TestFrameMatchesSentBytes(t *testing.T) {
	ctx := context.Background()
	caps := protocol.Capabilities{Mask2: true}
	s, tr := newTestSession(t, WithCapabilities(caps), WithSkipRedundant(false))

	cfg := protocol.StreamingConfiguration{
		SampleRateDivisor: 40, PacketFrames: 1,
		Mask:  protocol.StreamingMaskIMUAnglesFilteredAll,
		Mask2: mask2(protocol.StreamingMask2Quaternion0),
	}
	for _, tc := range []struct {
		name string
		cfg  protocol.StreamingConfiguration
		send func() error
	}{
		{"configure", cfg, func() error { return s.SendStreamingConfiguration(ctx, cfg) }},
		{"stop", StopConfiguration(caps), func() error { return s.StopStreaming(ctx) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			want, seq, err := s.encoder.Frame(tc.cfg)
			if err != nil {
				t.Fatal(err)
			}
			if err := tc.send(); err != nil {
				t.Fatal(err)
			}
			log := tr.GetTxLog()
			got := log[len(log)-1]
			if got[5] != seq+1 {
				t.Errorf("sent seq = %d, want %d", got[5], seq+1)
			}
			// everything but seq and checksum must match
			if !bytes.Equal(got[:5], want[:5]) || !bytes.Equal(got[6:len(got)-1], want[6:len(want)-1]) {
				t.Errorf("sent % x, framed % x", got, want)
			}
		})
	}

	if s.Streaming() {
		t.Error("Streaming after stop")
	}
}

func TestSendFailureLeavesStateUntouched(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSession(t)

	first := protocol.StreamingConfiguration{SampleRateDivisor: 10, PacketFrames: 1, Mask: protocol.StreamingMaskAccelerometerXRaw}
	if err := s.SendStreamingConfiguration(ctx, first); err != nil {
		t.Fatalf("SendStreamingConfiguration: %v", err)
	}

	cause := errors.New("port unplugged")
	tr.SetSendError(cause)

	err := s.SendStreamingConfiguration(ctx, protocol.StreamingConfiguration{Mask: protocol.StreamingMaskIMUAnglesFilteredAll})
	if !errors.Is(err, ErrTransport) {
		t.Errorf("error %v does not wrap ErrTransport", err)
	}
	if !errors.Is(err, cause) {
		t.Errorf("error %v does not wrap the transport cause", err)
	}
	if got := s.CurrentMask(); got != protocol.StreamingMaskAccelerometerXRaw {
		t.Errorf("CurrentMask = %v after failed send, want %v", got, protocol.StreamingMaskAccelerometerXRaw)
	}
}

func TestStopStreaming(t *testing.T) {
	ctx := context.Background()

	t.Run("old firmware omits mask2", func(t *testing.T) {
		s, tr := newTestSession(t)
		if err := s.SendStreamingConfiguration(ctx, protocol.StreamingConfiguration{Mask: protocol.StreamingMaskAccelerometerXRaw}); err != nil {
			t.Fatal(err)
		}
		if err := s.StopStreaming(ctx); err != nil {
			t.Fatal(err)
		}
		log := tr.GetTxLog()
		want := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00}
		stop := log[len(log)-1]
		if !bytes.Equal(stop[protocol.HeaderSize:len(stop)-1], want) {
			t.Errorf("stop payload = % x, want % x", stop[protocol.HeaderSize:len(stop)-1], want)
		}
		if s.CurrentMask() != protocol.StreamingMaskOff || s.CurrentMask2() != protocol.StreamingMask2Off {
			t.Error("masks not cleared")
		}
	})

	t.Run("new firmware sends zero mask2", func(t *testing.T) {
		s, tr := newTestSession(t, WithCapabilities(protocol.Capabilities{Mask2: true}))
		if err := s.SendStreamingConfiguration(ctx, protocol.StreamingConfiguration{
			Mask:  protocol.StreamingMaskAccelerometerXRaw,
			Mask2: mask2(protocol.StreamingMask2VelocityAll),
		}); err != nil {
			t.Fatal(err)
		}
		if err := s.StopStreaming(ctx); err != nil {
			t.Fatal(err)
		}
		log := tr.GetTxLog()
		stop := log[len(log)-1]
		if got := len(stop) - protocol.HeaderSize - protocol.ChecksumSize; got != 13 {
			t.Errorf("stop payload is %d bytes, want 13", got)
		}
		if s.CurrentMask2() != protocol.StreamingMask2Off {
			t.Errorf("CurrentMask2 = %v, want off", s.CurrentMask2())
		}
	})

	t.Run("stopping twice", func(t *testing.T) {
		s, tr := newTestSession(t)
		for i := 0; i < 2; i++ {
			if err := s.StopStreaming(ctx); err != nil {
				t.Fatal(err)
			}
		}
		if s.CurrentMask() != protocol.StreamingMaskOff {
			t.Error("mask not off")
		}
		if n := len(tr.GetTxLog()); n != 1 {
			t.Errorf("sent %d frames, want 1 with redundant sends skipped", n)
		}
	})
}

func TestSkipRedundant(t *testing.T) {
	ctx := context.Background()
	infinite := protocol.StreamingConfiguration{SampleRateDivisor: 40, PacketFrames: 1, Mask: protocol.StreamingMaskAccelerometerXRaw}
	bounded := infinite
	bounded.PacketCount = 5

	tests := []struct {
		name  string
		opts  []Option
		cfgs  []protocol.StreamingConfiguration
		sends int
	}{
		{"repeat infinite", nil, []protocol.StreamingConfiguration{infinite, infinite}, 1},
		{"repeat bounded", nil, []protocol.StreamingConfiguration{bounded, bounded}, 2},
		{"skip disabled", []Option{WithSkipRedundant(false)}, []protocol.StreamingConfiguration{infinite, infinite}, 2},
		{"change rate", nil, []protocol.StreamingConfiguration{infinite, {SampleRateDivisor: 20, PacketFrames: 1, Mask: protocol.StreamingMaskAccelerometerXRaw}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := prometheus.NewRegistry()
			s, tr := newTestSession(t, append(tt.opts, WithRegisterer(reg))...)
			for _, cfg := range tt.cfgs {
				if err := s.SendStreamingConfiguration(ctx, cfg); err != nil {
					t.Fatal(err)
				}
			}
			if n := len(tr.GetTxLog()); n != tt.sends {
				t.Errorf("sent %d frames, want %d", n, tt.sends)
			}
			if got := testutil.ToFloat64(s.encoder.metrics.sendsSkipped); got != float64(len(tt.cfgs)-tt.sends) {
				t.Errorf("skipped counter = %v, want %d", got, len(tt.cfgs)-tt.sends)
			}
		})
	}
}

func TestSequenceNumbersIncrease(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSession(t)

	for i := 0; i < 3; i++ {
		if err := s.SetRGBLED(ctx, 0xff, 0, byte(i)); err != nil {
			t.Fatal(err)
		}
	}
	for i, frame := range tr.GetTxLog() {
		if frame[5] != byte(i+1) {
			t.Errorf("frame %d seq = %d, want %d", i, frame[5], i+1)
		}
	}
}

func TestSelfLevelCommand(t *testing.T) {
	s, tr := newTestSession(t)
	cmd := protocol.SelfLevel{
		Options:      protocol.SelfLevelStart | protocol.SelfLevelKeepHeading,
		AngleLimit:   3,
		Timeout:      15,
		AccuracyTime: 30,
	}
	if err := s.SelfLevel(context.Background(), cmd); err != nil {
		t.Fatal(err)
	}
	frame := tr.GetTxLog()[0]
	want := []byte{0x03, 3, 15, 30}
	if got := frame[protocol.HeaderSize : len(frame)-1]; !bytes.Equal(got, want) {
		t.Errorf("payload = % x, want % x", got, want)
	}
	if frame[3] != protocol.DeviceSphero || frame[4] != protocol.CmdSelfLevel {
		t.Errorf("device/command = 0x%02x/0x%02x", frame[3], frame[4])
	}
}

type rebootCmd struct{}

func (rebootCmd) Key() protocol.CommandKey {
	return protocol.CommandKey{DeviceID: protocol.DeviceCore, CommandID: 0x10}
}

func TestUnknownCommand(t *testing.T) {
	s, tr := newTestSession(t)

	err := s.Send(context.Background(), rebootCmd{})
	if !errors.Is(err, protocol.ErrUnknownCommand) {
		t.Errorf("Send = %v, want ErrUnknownCommand", err)
	}
	if n := len(tr.GetTxLog()); n != 0 {
		t.Errorf("sent %d frames for an unknown command", n)
	}
}

func TestEventsReachListenersAndSubscribers(t *testing.T) {
	s, tr := newTestSession(t)

	var (
		mu   sync.Mutex
		seen []protocol.Event
		done = make(chan struct{})
	)
	s.OnEvent(func(evt protocol.Event) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, evt)
		if len(seen) == 2 {
			close(done)
		}
	})
	sub := s.Subscribe()

	stream := append(asyncFrame(t, protocol.AsyncSelfLevelComplete, []byte{0x05}),
		asyncFrame(t, 0x42, []byte{0xde, 0xad})...)
	// split mid-frame to exercise reassembly
	tr.Inject(stream[:5])
	tr.Inject(stream[5:])

	first := receive(t, sub)
	if got, ok := first.(protocol.SelfLevelComplete); !ok || got.Result != protocol.SelfLevelSuccess {
		t.Errorf("first event = %#v, want SelfLevelComplete{Success}", first)
	}
	second := receive(t, sub)
	u, ok := second.(protocol.Unrecognized)
	if !ok || u.ID != 0x42 || !bytes.Equal(u.Payload, []byte{0xde, 0xad}) {
		t.Errorf("second event = %#v, want Unrecognized{0x42, de ad}", second)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listener did not see both events")
	}
	mu.Lock()
	defer mu.Unlock()
	if _, ok := seen[0].(protocol.SelfLevelComplete); !ok {
		t.Errorf("listener order wrong: %#v", seen)
	}
}

func TestListenerSendsWhileQueueIsFull(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSession(t)

	// toggle the LED on every completed self level
	s.OnEvent(func(evt protocol.Event) {
		if _, ok := evt.(protocol.SelfLevelComplete); !ok {
			return
		}
		if err := s.SetRGBLED(ctx, 0, 0xff, 0); err != nil {
			t.Errorf("SetRGBLED from listener: %v", err)
		}
	})

	const frames = 100
	var stream []byte
	for i := 0; i < frames; i++ {
		stream = append(stream, asyncFrame(t, protocol.AsyncSelfLevelComplete, []byte{0x05})...)
	}

	injected := make(chan struct{})
	go func() {
		tr.Inject(stream)
		close(injected)
	}()
	select {
	case <-injected:
	case <-time.After(2 * time.Second):
		t.Fatal("receive blocked while a listener was sending")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.GetTxLog()) < frames {
		if time.Now().After(deadline) {
			t.Fatalf("listener sent %d of %d commands", len(tr.GetTxLog()), frames)
		}
		time.Sleep(5 * time.Millisecond)
	}

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked")
	}
}

func TestSensorDataUsesCurrentMask(t *testing.T) {
	ctx := context.Background()
	s, tr := newTestSession(t)

	mask := protocol.StreamingMaskIMUPitchAngleFiltered | protocol.StreamingMaskIMURollAngleFiltered
	if err := s.SendStreamingConfiguration(ctx, protocol.StreamingConfiguration{SampleRateDivisor: 40, PacketFrames: 1, Mask: mask}); err != nil {
		t.Fatal(err)
	}

	sub := s.Subscribe()
	tr.Inject(asyncFrame(t, protocol.AsyncSensorData, []byte{0x00, 0x0a, 0xff, 0xf6}))

	evt := receive(t, sub)
	data, ok := evt.(protocol.SensorData)
	if !ok {
		t.Fatalf("event = %#v, want SensorData", evt)
	}
	if v, _ := data.Value("pitch"); v != 10 {
		t.Errorf("pitch = %d, want 10", v)
	}
	if v, _ := data.Value("roll"); v != -10 {
		t.Errorf("roll = %d, want -10", v)
	}
}

func TestExtraDecoder(t *testing.T) {
	type blink struct{ protocol.Unrecognized }

	_, err := New(NewMockTransport(), WithLogger(quietLogger()),
		WithDecoder(protocol.AsyncSelfLevelComplete, "shadow", func([]byte) (protocol.Event, error) { return nil, nil }))
	if !errors.Is(err, protocol.ErrDuplicateID) {
		t.Errorf("New with duplicate decoder = %v, want ErrDuplicateID", err)
	}

	s, tr := newTestSession(t, WithDecoder(0x60, "blink", func(p []byte) (protocol.Event, error) {
		return blink{protocol.Unrecognized{ID: 0x60, Payload: p}}, nil
	}))
	sub := s.Subscribe()
	tr.Inject(asyncFrame(t, 0x60, []byte{1}))
	if _, ok := receive(t, sub).(blink); !ok {
		t.Error("custom decoder not used")
	}
}

func TestClose(t *testing.T) {
	s, tr := newTestSession(t)
	sub := s.Subscribe()

	tr.Inject([]byte{0xff, 0xff, 0x03})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}

	select {
	case _, ok := <-sub:
		if ok {
			t.Error("subscription delivered after Close")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}

	if s.decoder.Buffered() != 0 {
		t.Errorf("decoder kept %d bytes after Close", s.decoder.Buffered())
	}
	if err := s.StopStreaming(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("StopStreaming after Close = %v, want ErrClosed", err)
	}
	// late bytes are ignored
	tr.Inject(asyncFrame(t, protocol.AsyncSelfLevelComplete, []byte{0x05}))
}
