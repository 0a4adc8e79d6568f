package protocol

import (
	"fmt"
	"sync"
)

// DecodeFunc turns an async payload into an event. On error it may still
// return a degraded event, which is delivered in place of the packet.
type DecodeFunc func(payload []byte) (Event, error)

// EncodeFunc builds the payload for a command.
type EncodeFunc func(cmd Command, caps Capabilities) ([]byte, error)

type decoderEntry struct {
	name string
	fn   DecodeFunc
}

type encoderEntry struct {
	name string
	fn   EncodeFunc
}

// Registry maps async ids to decoders and command keys to encoders. Entries
// are added at startup; lookups are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	decoders map[byte]decoderEntry
	encoders map[CommandKey]encoderEntry
}

func NewRegistry() *Registry {
	return &Registry{
		decoders: make(map[byte]decoderEntry),
		encoders: make(map[CommandKey]encoderEntry),
	}
}

// NewDefaultRegistry returns a registry with every built-in command and event.
// Sensor data is decoded against the masks reported by masks.
func NewDefaultRegistry(masks MaskSource) *Registry {
	r := NewRegistry()
	r.mustRegisterEncoder(StreamingConfiguration{}.Key(), "set_data_streaming", encodeStreamingConfiguration)
	r.mustRegisterEncoder(SelfLevel{}.Key(), "self_level", encodeSelfLevel)
	r.mustRegisterEncoder(SetRGBLED{}.Key(), "set_rgb_led", encodeSetRGBLED)
	r.mustRegisterEncoder(Ping{}.Key(), "ping", encodePing)

	r.mustRegisterDecoder(AsyncPowerNotification, "power_notification", DecodePowerNotification)
	r.mustRegisterDecoder(AsyncSensorData, "sensor_data", sensorDataDecoder(masks))
	r.mustRegisterDecoder(AsyncCollisionDetected, "collision", DecodeCollisionDetected)
	r.mustRegisterDecoder(AsyncSelfLevelComplete, "self_level_complete", DecodeSelfLevelComplete)
	return r
}

func (r *Registry) mustRegisterDecoder(id byte, name string, fn DecodeFunc) {
	if err := r.RegisterDecoder(id, name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) mustRegisterEncoder(key CommandKey, name string, fn EncodeFunc) {
	if err := r.RegisterEncoder(key, name, fn); err != nil {
		panic(err)
	}
}

// RegisterDecoder binds an async id. Binding an id twice fails with ErrDuplicateID.
func (r *Registry) RegisterDecoder(id byte, name string, fn DecodeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.decoders[id]; ok {
		return &RegistrationError{Table: "decoder", Key: fmt.Sprintf("0x%02x", id), Existing: e.name}
	}
	r.decoders[id] = decoderEntry{name: name, fn: fn}
	return nil
}

// RegisterEncoder binds a command key. Binding a key twice fails with ErrDuplicateID.
func (r *Registry) RegisterEncoder(key CommandKey, name string, fn EncodeFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.encoders[key]; ok {
		return &RegistrationError{Table: "encoder", Key: key.String(), Existing: e.name}
	}
	r.encoders[key] = encoderEntry{name: name, fn: fn}
	return nil
}

// Decode runs the decoder bound to id. Ids without a decoder produce an
// Unrecognized event and no error.
func (r *Registry) Decode(id byte, payload []byte) (Event, error) {
	r.mu.RLock()
	e, ok := r.decoders[id]
	r.mu.RUnlock()

	if !ok {
		return Unrecognized{ID: id, Payload: payload}, nil
	}
	return e.fn(payload)
}

// Encode builds the payload for cmd.
func (r *Registry) Encode(cmd Command, caps Capabilities) ([]byte, error) {
	key := cmd.Key()

	r.mu.RLock()
	e, ok := r.encoders[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w %s (%T)", ErrUnknownCommand, key, cmd)
	}
	payload, err := e.fn(cmd, caps)
	if err != nil {
		return nil, err
	}
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %s payload is %d bytes", ErrPayloadTooLarge, e.name, len(payload))
	}
	return payload, nil
}

// DecoderName returns the registered name for id, or "" when unbound.
func (r *Registry) DecoderName(id byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.decoders[id].name
}

// CommandName returns the registered name for key, or "" when unbound.
func (r *Registry) CommandName(key CommandKey) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.encoders[key].name
}
