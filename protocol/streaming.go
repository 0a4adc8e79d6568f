package protocol

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// StreamingMask selects the primary sensor channels included in streamed data.
type StreamingMask uint32

const (
	StreamingMaskOff StreamingMask = 0x00000000

	StreamingMaskLeftMotorBackEMFFiltered  StreamingMask = 0x00000020
	StreamingMaskRightMotorBackEMFFiltered StreamingMask = 0x00000040
	StreamingMaskMagnetometerZFiltered     StreamingMask = 0x00000080
	StreamingMaskMagnetometerYFiltered     StreamingMask = 0x00000100
	StreamingMaskMagnetometerXFiltered     StreamingMask = 0x00000200
	StreamingMaskGyroZFiltered             StreamingMask = 0x00000400
	StreamingMaskGyroYFiltered             StreamingMask = 0x00000800
	StreamingMaskGyroXFiltered             StreamingMask = 0x00001000
	StreamingMaskAccelerometerZFiltered    StreamingMask = 0x00002000
	StreamingMaskAccelerometerYFiltered    StreamingMask = 0x00004000
	StreamingMaskAccelerometerXFiltered    StreamingMask = 0x00008000
	StreamingMaskIMUYawAngleFiltered       StreamingMask = 0x00010000
	StreamingMaskIMURollAngleFiltered      StreamingMask = 0x00020000
	StreamingMaskIMUPitchAngleFiltered     StreamingMask = 0x00040000
	StreamingMaskLeftMotorBackEMFRaw       StreamingMask = 0x00200000
	StreamingMaskRightMotorBackEMFRaw      StreamingMask = 0x00400000
	StreamingMaskMagnetometerZRaw          StreamingMask = 0x00800000
	StreamingMaskMagnetometerYRaw          StreamingMask = 0x01000000
	StreamingMaskMagnetometerXRaw          StreamingMask = 0x02000000
	StreamingMaskGyroZRaw                  StreamingMask = 0x04000000
	StreamingMaskGyroYRaw                  StreamingMask = 0x08000000
	StreamingMaskGyroXRaw                  StreamingMask = 0x10000000
	StreamingMaskAccelerometerZRaw         StreamingMask = 0x20000000
	StreamingMaskAccelerometerYRaw         StreamingMask = 0x40000000
	StreamingMaskAccelerometerXRaw         StreamingMask = 0x80000000

	StreamingMaskAccelerometerFilteredAll = StreamingMaskAccelerometerXFiltered | StreamingMaskAccelerometerYFiltered | StreamingMaskAccelerometerZFiltered
	StreamingMaskGyroFilteredAll          = StreamingMaskGyroXFiltered | StreamingMaskGyroYFiltered | StreamingMaskGyroZFiltered
	StreamingMaskIMUAnglesFilteredAll     = StreamingMaskIMUPitchAngleFiltered | StreamingMaskIMURollAngleFiltered | StreamingMaskIMUYawAngleFiltered
)

// StreamingMask2 selects the extended channels. Devices only accept it from
// firmware 1.17 on.
type StreamingMask2 uint32

const (
	StreamingMask2Off StreamingMask2 = 0x00000000

	StreamingMask2Quaternion0 StreamingMask2 = 0x80000000
	StreamingMask2Quaternion1 StreamingMask2 = 0x40000000
	StreamingMask2Quaternion2 StreamingMask2 = 0x20000000
	StreamingMask2Quaternion3 StreamingMask2 = 0x10000000
	StreamingMask2LocatorX    StreamingMask2 = 0x08000000
	StreamingMask2LocatorY    StreamingMask2 = 0x04000000
	StreamingMask2AccelOne    StreamingMask2 = 0x02000000
	StreamingMask2VelocityX   StreamingMask2 = 0x01000000
	StreamingMask2VelocityY   StreamingMask2 = 0x00800000

	StreamingMask2QuaternionAll = StreamingMask2Quaternion0 | StreamingMask2Quaternion1 | StreamingMask2Quaternion2 | StreamingMask2Quaternion3
	StreamingMask2LocatorAll    = StreamingMask2LocatorX | StreamingMask2LocatorY
	StreamingMask2VelocityAll   = StreamingMask2VelocityX | StreamingMask2VelocityY
)

type channel struct {
	bit  uint32
	name string
}

// ordered from the most significant bit down, which is also the order the
// device emits sample values in
var maskChannels = []channel{
	{uint32(StreamingMaskAccelerometerXRaw), "accel_x_raw"},
	{uint32(StreamingMaskAccelerometerYRaw), "accel_y_raw"},
	{uint32(StreamingMaskAccelerometerZRaw), "accel_z_raw"},
	{uint32(StreamingMaskGyroXRaw), "gyro_x_raw"},
	{uint32(StreamingMaskGyroYRaw), "gyro_y_raw"},
	{uint32(StreamingMaskGyroZRaw), "gyro_z_raw"},
	{uint32(StreamingMaskMagnetometerXRaw), "mag_x_raw"},
	{uint32(StreamingMaskMagnetometerYRaw), "mag_y_raw"},
	{uint32(StreamingMaskMagnetometerZRaw), "mag_z_raw"},
	{uint32(StreamingMaskRightMotorBackEMFRaw), "right_emf_raw"},
	{uint32(StreamingMaskLeftMotorBackEMFRaw), "left_emf_raw"},
	{uint32(StreamingMaskIMUPitchAngleFiltered), "pitch"},
	{uint32(StreamingMaskIMURollAngleFiltered), "roll"},
	{uint32(StreamingMaskIMUYawAngleFiltered), "yaw"},
	{uint32(StreamingMaskAccelerometerXFiltered), "accel_x"},
	{uint32(StreamingMaskAccelerometerYFiltered), "accel_y"},
	{uint32(StreamingMaskAccelerometerZFiltered), "accel_z"},
	{uint32(StreamingMaskGyroXFiltered), "gyro_x"},
	{uint32(StreamingMaskGyroYFiltered), "gyro_y"},
	{uint32(StreamingMaskGyroZFiltered), "gyro_z"},
	{uint32(StreamingMaskMagnetometerXFiltered), "mag_x"},
	{uint32(StreamingMaskMagnetometerYFiltered), "mag_y"},
	{uint32(StreamingMaskMagnetometerZFiltered), "mag_z"},
	{uint32(StreamingMaskRightMotorBackEMFFiltered), "right_emf"},
	{uint32(StreamingMaskLeftMotorBackEMFFiltered), "left_emf"},
}

var mask2Channels = []channel{
	{uint32(StreamingMask2Quaternion0), "q0"},
	{uint32(StreamingMask2Quaternion1), "q1"},
	{uint32(StreamingMask2Quaternion2), "q2"},
	{uint32(StreamingMask2Quaternion3), "q3"},
	{uint32(StreamingMask2LocatorX), "locator_x"},
	{uint32(StreamingMask2LocatorY), "locator_y"},
	{uint32(StreamingMask2AccelOne), "accel_one"},
	{uint32(StreamingMask2VelocityX), "velocity_x"},
	{uint32(StreamingMask2VelocityY), "velocity_y"},
}

func channelNames(table []channel, m uint32) []string {
	var names []string
	for _, c := range table {
		if m&c.bit != 0 {
			names = append(names, c.name)
		}
	}
	return names
}

// Has reports whether every bit of other is set in m.
func (m StreamingMask) Has(other StreamingMask) bool { return m&other == other }

// Channels lists the enabled channel names in wire order.
func (m StreamingMask) Channels() []string { return channelNames(maskChannels, uint32(m)) }

// Count is the number of known channels enabled.
func (m StreamingMask) Count() int { return len(m.Channels()) }

func (m StreamingMask) String() string {
	if m == StreamingMaskOff {
		return "off"
	}
	return strings.Join(m.Channels(), "|")
}

func (m StreamingMask2) Has(other StreamingMask2) bool { return m&other == other }

func (m StreamingMask2) Channels() []string { return channelNames(mask2Channels, uint32(m)) }

func (m StreamingMask2) Count() int { return len(m.Channels()) }

func (m StreamingMask2) String() string {
	if m == StreamingMask2Off {
		return "off"
	}
	return strings.Join(m.Channels(), "|")
}

// ParseChannels turns channel names, as returned by Channels, back into masks.
func ParseChannels(names []string) (StreamingMask, StreamingMask2, error) {
	var mask StreamingMask
	var mask2 StreamingMask2
next:
	for _, name := range names {
		for _, c := range maskChannels {
			if c.name == name {
				mask |= StreamingMask(c.bit)
				continue next
			}
		}
		for _, c := range mask2Channels {
			if c.name == name {
				mask2 |= StreamingMask2(c.bit)
				continue next
			}
		}
		return 0, 0, fmt.Errorf("protocol: unknown sensor channel %q", name)
	}
	return mask, mask2, nil
}

// StreamingConfiguration is the set-data-streaming command.
//
// A SampleRateDivisor of 0 is passed to the device unchanged; its meaning is
// up to the firmware and is treated here as the undivided 400 Hz rate.
// PacketCount 0 streams until stopped.
type StreamingConfiguration struct {
	SampleRateDivisor uint16
	PacketFrames      uint16
	Mask              StreamingMask
	Mask2             *StreamingMask2 // nil when not sent
	PacketCount       uint8
}

func (StreamingConfiguration) Key() CommandKey {
	return CommandKey{DeviceID: DeviceSphero, CommandID: CmdSetDataStreaming}
}

// SampleRate returns the effective sampling rate in Hz.
func (c StreamingConfiguration) SampleRate() float64 {
	if c.SampleRateDivisor == 0 {
		return BaseSampleRate
	}
	return BaseSampleRate / float64(c.SampleRateDivisor)
}

// EffectiveMask2 is the mask2 value that will reach the device.
func (c StreamingConfiguration) EffectiveMask2(supportsMask2 bool) StreamingMask2 {
	if !supportsMask2 || c.Mask2 == nil {
		return StreamingMask2Off
	}
	return *c.Mask2
}

// Stopped reports whether c disables all channels.
func (c StreamingConfiguration) Stopped() bool {
	return c.Mask == StreamingMaskOff && (c.Mask2 == nil || *c.Mask2 == StreamingMask2Off)
}

func (c StreamingConfiguration) sendsMask2(supportsMask2 bool) bool {
	return supportsMask2 && c.Mask2 != nil
}

// PayloadSize is the encoded payload length.
func (c StreamingConfiguration) PayloadSize(supportsMask2 bool) int {
	if c.sendsMask2(supportsMask2) {
		return 13
	}
	return 9
}

// EncodeStreamingConfiguration builds the command payload. Mask2 is omitted
// entirely, never zero-filled, when the firmware predates it or cfg has none:
// an unexpected trailing field would throw off the device's length accounting.
func EncodeStreamingConfiguration(cfg StreamingConfiguration, supportsMask2 bool) []byte {
	b := make([]byte, 0, cfg.PayloadSize(supportsMask2))
	b = binary.BigEndian.AppendUint16(b, cfg.SampleRateDivisor)
	b = binary.BigEndian.AppendUint16(b, cfg.PacketFrames)
	b = binary.BigEndian.AppendUint32(b, uint32(cfg.Mask))
	if cfg.sendsMask2(supportsMask2) {
		b = binary.BigEndian.AppendUint32(b, uint32(*cfg.Mask2))
	}
	return append(b, cfg.PacketCount)
}

// DecodeStreamingConfiguration is the inverse of EncodeStreamingConfiguration.
// Firmware without mask2 only accepts the 9 byte form. Firmware with it also
// accepts 13 bytes, the extra field being mask2.
func DecodeStreamingConfiguration(payload []byte, supportsMask2 bool) (StreamingConfiguration, error) {
	switch {
	case len(payload) == 9:
	case len(payload) == 13 && supportsMask2:
	case supportsMask2:
		return StreamingConfiguration{}, fmt.Errorf("%w: streaming configuration is %d bytes, want 9 or 13", ErrPayloadLength, len(payload))
	default:
		return StreamingConfiguration{}, fmt.Errorf("%w: streaming configuration is %d bytes, want 9", ErrPayloadLength, len(payload))
	}

	cfg := StreamingConfiguration{
		SampleRateDivisor: binary.BigEndian.Uint16(payload[0:2]),
		PacketFrames:      binary.BigEndian.Uint16(payload[2:4]),
		Mask:              StreamingMask(binary.BigEndian.Uint32(payload[4:8])),
	}
	if len(payload) == 13 {
		m2 := StreamingMask2(binary.BigEndian.Uint32(payload[8:12]))
		cfg.Mask2 = &m2
	}
	cfg.PacketCount = payload[len(payload)-1]
	return cfg, nil
}

func encodeStreamingConfiguration(cmd Command, caps Capabilities) ([]byte, error) {
	switch c := cmd.(type) {
	case StreamingConfiguration:
		return EncodeStreamingConfiguration(c, caps.Mask2), nil
	case *StreamingConfiguration:
		return EncodeStreamingConfiguration(*c, caps.Mask2), nil
	}
	return nil, fmt.Errorf("protocol: %T is not a streaming configuration", cmd)
}
