package transport

import (
	"github.com/dgryski/go-cobs"
	"github.com/pkg/errors"
)

const cobsDelimiter = 0x00

var errEmptyPacket = errors.New("transport: empty cobs packet")

// encodeCOBS stuffs b and appends the delimiter.
func encodeCOBS(b []byte) []byte {
	return append(cobs.Encode(b), cobsDelimiter)
}

// decodeCOBS undoes encodeCOBS. The trailing delimiter is optional.
func decodeCOBS(packet []byte) ([]byte, error) {
	if n := len(packet); n > 0 && packet[n-1] == cobsDelimiter {
		packet = packet[:n-1]
	}
	if len(packet) == 0 {
		return nil, errEmptyPacket
	}
	decoded, err := cobs.Decode(packet)
	return decoded, errors.Wrap(err, "transport: cobs")
}
