package protocol

import (
	"encoding/binary"
	"fmt"
)

// PowerState is the battery state from a power notification.
type PowerState byte

const (
	PowerCharging PowerState = 0x01
	PowerOK       PowerState = 0x02
	PowerLow      PowerState = 0x03
	PowerCritical PowerState = 0x04
)

func (s PowerState) String() string {
	switch s {
	case PowerCharging:
		return "charging"
	case PowerOK:
		return "ok"
	case PowerLow:
		return "low"
	case PowerCritical:
		return "critical"
	default:
		return fmt.Sprintf("power(0x%02x)", byte(s))
	}
}

func (s PowerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

type PowerNotification struct {
	State PowerState
}

func (PowerNotification) Kind() string { return "power_notification" }

func DecodePowerNotification(payload []byte) (Event, error) {
	if len(payload) != 1 {
		return PowerNotification{}, fmt.Errorf("%w: power notification is %d bytes", ErrPayloadLength, len(payload))
	}
	return PowerNotification{State: PowerState(payload[0])}, nil
}

// CollisionDetected reports an impact.
//
// Payload: X, Y, Z int16 | Axis u8 | XMagnitude, YMagnitude int16 | Speed u8 | Timestamp u32
type CollisionDetected struct {
	X, Y, Z    int16
	Axis       byte
	XMagnitude int16
	YMagnitude int16
	Speed      uint8
	Timestamp  uint32 // ms since boot
}

const collisionPayloadSize = 16

func (CollisionDetected) Kind() string { return "collision" }

func DecodeCollisionDetected(payload []byte) (Event, error) {
	if len(payload) != collisionPayloadSize {
		return CollisionDetected{}, fmt.Errorf("%w: collision is %d bytes, want %d", ErrPayloadLength, len(payload), collisionPayloadSize)
	}
	be := binary.BigEndian
	return CollisionDetected{
		X:          int16(be.Uint16(payload[0:])),
		Y:          int16(be.Uint16(payload[2:])),
		Z:          int16(be.Uint16(payload[4:])),
		Axis:       payload[6],
		XMagnitude: int16(be.Uint16(payload[7:])),
		YMagnitude: int16(be.Uint16(payload[9:])),
		Speed:      payload[11],
		Timestamp:  be.Uint32(payload[12:]),
	}, nil
}
