// Package protocol implements the robot wire format: packet framing, command
// payloads and the decoding of async events.
package protocol

import "fmt"

// Packet layout, all multi-byte payload fields big-endian:
//
//	SOP1 | SOP2 | Class | DeviceID | ID | Seq | DLen | Payload (DLen-1) | Checksum
//
// DLen counts the payload plus the trailing checksum byte. The checksum is the
// ones' complement of the 8-bit sum of DeviceID through the last payload byte.
const (
	StartMarker1 = 0xFF
	StartMarker2 = 0xFF

	HeaderSize   = 7
	ChecksumSize = 1

	// MaxPayloadSize leaves room for the checksum inside the one-byte DLen field.
	MaxPayloadSize = 0xFF - ChecksumSize

	MinFrameSize = HeaderSize + ChecksumSize
	MaxFrameSize = HeaderSize + MaxPayloadSize + ChecksumSize

	// offset of the first byte covered by the checksum
	checksumStart = 3
)

// MessageClass tells commands, synchronous responses and async events apart.
type MessageClass byte

const (
	MessageClassCommand  MessageClass = 0x01
	MessageClassResponse MessageClass = 0x02
	MessageClassAsync    MessageClass = 0x03
)

func (c MessageClass) valid() bool {
	return c >= MessageClassCommand && c <= MessageClassAsync
}

func (c MessageClass) String() string {
	switch c {
	case MessageClassCommand:
		return "command"
	case MessageClassResponse:
		return "response"
	case MessageClassAsync:
		return "async"
	default:
		return fmt.Sprintf("class(0x%02x)", byte(c))
	}
}

// Device ids.
const (
	DeviceCore   = 0x00
	DeviceSphero = 0x02
)

// Command ids, scoped by device id.
const (
	CmdPing             = 0x01 // DeviceCore
	CmdSelfLevel        = 0x09 // DeviceSphero
	CmdSetDataStreaming = 0x11 // DeviceSphero
	CmdSetRGBLED        = 0x20 // DeviceSphero
)

// Async response ids.
const (
	AsyncPowerNotification = 0x01
	AsyncSensorData        = 0x03
	AsyncCollisionDetected = 0x07
	AsyncSelfLevelComplete = 0x0B
)

// BaseSampleRate is the sensor sampling rate in Hz before the divisor is applied.
const BaseSampleRate = 400
