package protocol

import (
	"encoding/binary"
	"fmt"
)

// MaskSource reports the masks currently streamed, which define the layout of
// sensor data packets.
type MaskSource interface {
	Current() (StreamingMask, StreamingMask2)
}

// StaticMasks is a MaskSource with fixed values.
type StaticMasks struct {
	Mask  StreamingMask
	Mask2 StreamingMask2
}

func (s StaticMasks) Current() (StreamingMask, StreamingMask2) { return s.Mask, s.Mask2 }

// SensorSample is one channel value of one frame.
type SensorSample struct {
	Channel string
	Value   int16
}

// SensorData holds the frames of one streamed packet. Raw is kept so that a
// packet that does not match the masks is not lost.
type SensorData struct {
	Mask   StreamingMask
	Mask2  StreamingMask2
	Frames [][]SensorSample
	Raw    []byte `json:"-"`
}

func (SensorData) Kind() string { return "sensor_data" }

// Value returns the first frame's value for channel.
func (d SensorData) Value(channel string) (int16, bool) {
	if len(d.Frames) == 0 {
		return 0, false
	}
	for _, s := range d.Frames[0] {
		if s.Channel == channel {
			return s.Value, true
		}
	}
	return 0, false
}

// DecodeSensorData splits payload into frames of one big-endian int16 per
// enabled channel, mask channels first, both from the most significant bit down.
func DecodeSensorData(payload []byte, mask StreamingMask, mask2 StreamingMask2) (SensorData, error) {
	channels := append(mask.Channels(), mask2.Channels()...)
	data := SensorData{Mask: mask, Mask2: mask2, Raw: payload}

	frameSize := 2 * len(channels)
	if frameSize == 0 || len(payload) == 0 || len(payload)%frameSize != 0 {
		return data, fmt.Errorf("%w: %d bytes of sensor data for %d channels", ErrPayloadLength, len(payload), len(channels))
	}

	for off := 0; off < len(payload); off += frameSize {
		frame := make([]SensorSample, len(channels))
		for i, name := range channels {
			frame[i] = SensorSample{
				Channel: name,
				Value:   int16(binary.BigEndian.Uint16(payload[off+2*i:])),
			}
		}
		data.Frames = append(data.Frames, frame)
	}
	return data, nil
}

// EncodeSensorData is the device side of DecodeSensorData. Each frame must
// hold one value per enabled channel.
func EncodeSensorData(frames [][]int16, mask StreamingMask, mask2 StreamingMask2) ([]byte, error) {
	n := mask.Count() + mask2.Count()
	b := make([]byte, 0, 2*n*len(frames))
	for _, f := range frames {
		if len(f) != n {
			return nil, fmt.Errorf("%w: frame has %d values, masks enable %d", ErrPayloadLength, len(f), n)
		}
		for _, v := range f {
			b = binary.BigEndian.AppendUint16(b, uint16(v))
		}
	}
	return b, nil
}

func sensorDataDecoder(masks MaskSource) DecodeFunc {
	return func(payload []byte) (Event, error) {
		mask, mask2 := masks.Current()
		return DecodeSensorData(payload, mask, mask2)
	}
}
