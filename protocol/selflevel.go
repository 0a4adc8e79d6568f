package protocol

import "fmt"

// SelfLevelResult is the outcome reported once the device finishes self levelling.
type SelfLevelResult byte

const (
	SelfLevelUnknown      SelfLevelResult = 0x00
	SelfLevelTimedOut     SelfLevelResult = 0x01 // level was not achieved
	SelfLevelSensorsError SelfLevelResult = 0x02
	SelfLevelDisabled     SelfLevelResult = 0x03 // disabled in the option flags
	SelfLevelAborted      SelfLevelResult = 0x04 // aborted by a command
	SelfLevelSuccess      SelfLevelResult = 0x05
)

func (r SelfLevelResult) String() string {
	switch r {
	case SelfLevelUnknown:
		return "unknown"
	case SelfLevelTimedOut:
		return "timed_out"
	case SelfLevelSensorsError:
		return "sensors_error"
	case SelfLevelDisabled:
		return "self_level_disabled"
	case SelfLevelAborted:
		return "aborted"
	case SelfLevelSuccess:
		return "success"
	default:
		return fmt.Sprintf("result(0x%02x)", byte(r))
	}
}

func (r SelfLevelResult) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

// SelfLevelComplete is sent by the device when a self-level run ends.
type SelfLevelComplete struct {
	Result SelfLevelResult
}

func (SelfLevelComplete) Kind() string { return "self_level_complete" }

// DecodeSelfLevelComplete reads the result code from byte 0. An undefined
// code still yields an event, with SelfLevelUnknown, alongside the error.
func DecodeSelfLevelComplete(payload []byte) (Event, error) {
	if len(payload) < 1 {
		return SelfLevelComplete{Result: SelfLevelUnknown}, fmt.Errorf("%w: self level complete needs 1 byte", ErrPayloadLength)
	}
	r := SelfLevelResult(payload[0])
	if r > SelfLevelSuccess {
		return SelfLevelComplete{Result: SelfLevelUnknown}, fmt.Errorf("%w: 0x%02x", ErrUnknownResultCode, payload[0])
	}
	return SelfLevelComplete{Result: r}, nil
}

// SelfLevelOptions are the option bits of the self-level command.
type SelfLevelOptions byte

const (
	SelfLevelStart           SelfLevelOptions = 0x01 // start, otherwise abort a running one
	SelfLevelKeepHeading     SelfLevelOptions = 0x02 // rotate back to the original heading
	SelfLevelSleepAfter      SelfLevelOptions = 0x04 // go to sleep when done
	SelfLevelControlSystemOn SelfLevelOptions = 0x08 // leave the control system on afterwards
)

// SelfLevel asks the device to level its internal frame. Zero limits select
// the firmware defaults.
type SelfLevel struct {
	Options      SelfLevelOptions
	AngleLimit   uint8 // degrees, 0 = default
	Timeout      uint8 // seconds, 0 = default
	AccuracyTime uint8 // tenths of a second within limit, 0 = default
}

func (SelfLevel) Key() CommandKey {
	return CommandKey{DeviceID: DeviceSphero, CommandID: CmdSelfLevel}
}

func encodeSelfLevel(cmd Command, _ Capabilities) ([]byte, error) {
	c, ok := cmd.(SelfLevel)
	if !ok {
		return nil, fmt.Errorf("protocol: %T is not a self level command", cmd)
	}
	return []byte{byte(c.Options), c.AngleLimit, c.Timeout, c.AccuracyTime}, nil
}
