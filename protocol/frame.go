package protocol

import "fmt"

// Packet is one frame exchanged with the device. Packets returned by
// DecodeFrame own their payload and are not modified afterwards.
type Packet struct {
	Class    MessageClass
	DeviceID byte
	ID       byte
	Seq      byte
	Payload  []byte
}

// Encode frames the packet.
func (p *Packet) Encode() ([]byte, error) {
	return EncodeFrame(p.Class, p.DeviceID, p.ID, p.Seq, p.Payload)
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{%s dev:0x%02x id:0x%02x seq:%d len:%d}",
		p.Class, p.DeviceID, p.ID, p.Seq, len(p.Payload))
}

// Checksum returns the ones' complement of the 8-bit sum of b.
func Checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return ^sum
}

// EncodeFrame builds the on-wire bytes for a single packet.
func EncodeFrame(class MessageClass, deviceID, id, seq byte, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	data := make([]byte, HeaderSize+len(payload)+ChecksumSize)
	data[0] = StartMarker1
	data[1] = StartMarker2
	data[2] = byte(class)
	data[3] = deviceID
	data[4] = id
	data[5] = seq
	data[6] = byte(len(payload) + ChecksumSize)
	copy(data[HeaderSize:], payload)
	data[len(data)-1] = Checksum(data[checksumStart : len(data)-1])

	return data, nil
}

// DecodeFrame parses the first frame in buf.
//
// The returned count is always the number of leading bytes the caller may
// discard. On success it covers any garbage before the frame plus the frame
// itself. With ErrIncomplete it covers only the garbage and the caller must
// keep the rest and retry once more bytes arrive. With ErrChecksumMismatch or
// ErrInvalidHeader it skips past the bad start marker so the next call
// resynchronises on the following candidate.
func DecodeFrame(buf []byte) (*Packet, int, error) {
	start := findStart(buf)
	if start < 0 {
		// a trailing SOP1 may be the first half of the next marker
		n := len(buf)
		if n > 0 && buf[n-1] == StartMarker1 {
			n--
		}
		return nil, n, ErrIncomplete
	}

	frame := buf[start:]
	if len(frame) < HeaderSize {
		return nil, start, ErrIncomplete
	}

	class := MessageClass(frame[2])
	dlen := int(frame[6])
	if !class.valid() || dlen < ChecksumSize {
		return nil, start + 1, ErrInvalidHeader
	}

	total := HeaderSize + dlen
	if len(frame) < total {
		return nil, start, ErrIncomplete
	}

	if want := Checksum(frame[checksumStart : total-1]); frame[total-1] != want {
		return nil, start + 1, fmt.Errorf("%w: got 0x%02x, want 0x%02x", ErrChecksumMismatch, frame[total-1], want)
	}

	payload := make([]byte, dlen-ChecksumSize)
	copy(payload, frame[HeaderSize:total-1])

	return &Packet{
		Class:    class,
		DeviceID: frame[3],
		ID:       frame[4],
		Seq:      frame[5],
		Payload:  payload,
	}, start + total, nil
}

func findStart(buf []byte) int {
	for i := 0; i+1 < len(buf); i++ {
		if buf[i] == StartMarker1 && buf[i+1] == StartMarker2 {
			return i
		}
	}
	return -1
}
