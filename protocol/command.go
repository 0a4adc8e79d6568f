package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandKey addresses a command: commands are scoped by device id.
type CommandKey struct {
	DeviceID  byte
	CommandID byte
}

func (k CommandKey) String() string {
	return fmt.Sprintf("0x%02x/0x%02x", k.DeviceID, k.CommandID)
}

// Command is any value the registry knows how to encode.
type Command interface {
	Key() CommandKey
}

// Capabilities describes what the connected firmware accepts. It is fixed
// for the lifetime of a connection.
type Capabilities struct {
	Mask2 bool
}

// FirmwareVersion is the main application version reported by the device.
type FirmwareVersion struct {
	Major, Minor int
}

// Mask2Firmware is the first firmware that accepts StreamingMask2.
var Mask2Firmware = FirmwareVersion{Major: 1, Minor: 17}

// ParseFirmwareVersion parses "major.minor".
func ParseFirmwareVersion(s string) (FirmwareVersion, error) {
	major, minor, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok {
		return FirmwareVersion{}, fmt.Errorf("protocol: invalid firmware version %q", s)
	}
	maj, err := strconv.Atoi(major)
	if err != nil {
		return FirmwareVersion{}, fmt.Errorf("protocol: invalid firmware version %q: %w", s, err)
	}
	mnr, err := strconv.Atoi(minor)
	if err != nil {
		return FirmwareVersion{}, fmt.Errorf("protocol: invalid firmware version %q: %w", s, err)
	}
	return FirmwareVersion{Major: maj, Minor: mnr}, nil
}

// AtLeast reports whether v is the same as or newer than other.
func (v FirmwareVersion) AtLeast(other FirmwareVersion) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	return v.Minor >= other.Minor
}

func (v FirmwareVersion) SupportsMask2() bool { return v.AtLeast(Mask2Firmware) }

func (v FirmwareVersion) Capabilities() Capabilities {
	return Capabilities{Mask2: v.SupportsMask2()}
}

func (v FirmwareVersion) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// SetRGBLED sets the main LED colour. Persist stores it as the user colour.
type SetRGBLED struct {
	Red, Green, Blue byte
	Persist          bool
}

func (SetRGBLED) Key() CommandKey {
	return CommandKey{DeviceID: DeviceSphero, CommandID: CmdSetRGBLED}
}

func encodeSetRGBLED(cmd Command, _ Capabilities) ([]byte, error) {
	c, ok := cmd.(SetRGBLED)
	if !ok {
		return nil, fmt.Errorf("protocol: %T is not an RGB LED command", cmd)
	}
	var flag byte
	if c.Persist {
		flag = 0x01
	}
	return []byte{c.Red, c.Green, c.Blue, flag}, nil
}

// Ping has an empty payload; the device answers with a simple response.
type Ping struct{}

func (Ping) Key() CommandKey {
	return CommandKey{DeviceID: DeviceCore, CommandID: CmdPing}
}

func encodePing(Command, Capabilities) ([]byte, error) { return nil, nil }
