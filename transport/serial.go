package transport

import (
	"log/slog"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// SerialConfig describes a serial link to the robot, either a direct
// Bluetooth SPP port or a USB bridge.
type SerialConfig struct {
	Port    string
	Baud    uint
	Framing Framing
}

// OpenSerial opens the port as 8N1.
func OpenSerial(cfg SerialConfig, logger *slog.Logger) (*Stream, error) {
	options := serial.OpenOptions{
		PortName:        cfg.Port,
		BaudRate:        cfg.Baud,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	}

	port, err := serial.Open(options)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: open %s", cfg.Port)
	}
	return NewStream(cfg.Port, port, cfg.Framing, logger), nil
}
