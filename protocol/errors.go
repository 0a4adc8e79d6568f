package protocol

import (
	"errors"
	"fmt"
)

// Encode errors.
var (
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
	ErrUnknownCommand  = errors.New("protocol: no encoder for command")
)

// Decode errors. ErrIncomplete asks the caller to buffer more bytes and retry;
// the others mean the frame or payload is dropped or degraded.
var (
	ErrIncomplete        = errors.New("protocol: incomplete frame")
	ErrChecksumMismatch  = errors.New("protocol: checksum mismatch")
	ErrInvalidHeader     = errors.New("protocol: invalid frame header")
	ErrUnknownResultCode = errors.New("protocol: unknown result code")
	ErrPayloadLength     = errors.New("protocol: unexpected payload length")
)

// ErrDuplicateID is returned (wrapped in a *RegistrationError) when an id is
// bound twice.
var ErrDuplicateID = errors.New("protocol: id already registered")

// RegistrationError reports which table entry collided.
type RegistrationError struct {
	Table    string // "decoder" or "encoder"
	Key      string
	Existing string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("protocol: %s %s already registered as %q", e.Table, e.Key, e.Existing)
}

func (e *RegistrationError) Unwrap() error { return ErrDuplicateID }
