// Package config loads the controller settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"

	"github.com/caarlos0/env"
	"github.com/joho/godotenv"

	"github.com/trnila/rollerctrl/protocol"
	"github.com/trnila/rollerctrl/transport"
)

type Config struct {
	Listen     string `env:"CTRL_BIND" envDefault:":3000"`
	SerialPath string `env:"CTRL_SERIAL"`
	BaudRate   uint   `env:"CTRL_SERIAL_BAUD" envDefault:"115200"`
	Framing    string `env:"CTRL_FRAMING" envDefault:"raw"`
	Fake       bool   `env:"CTRL_FAKE" envDefault:"false"`
	Firmware   string `env:"CTRL_FIRMWARE" envDefault:"1.17"`
	StaticDir  string `env:"CTRL_STATIC" envDefault:"./static"`

	MulticastGroup string `env:"CTRL_MULTICAST_GROUP"`
	MulticastPort  int    `env:"CTRL_MULTICAST_PORT" envDefault:"10000"`

	Metrics  bool   `env:"CTRL_METRICS" envDefault:"true"`
	LogLevel string `env:"CTRL_LOG_LEVEL" envDefault:"info"`
}

// Load reads the optional dotenv files, then the environment. Variables
// already set win over the files.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("config: %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Validate checks the settings that env tags cannot express.
func (c Config) Validate() error {
	if !c.Fake && c.SerialPath == "" {
		return fmt.Errorf("config: CTRL_SERIAL is required unless CTRL_FAKE is set")
	}
	if _, err := transport.ParseFraming(c.Framing); err != nil {
		return fmt.Errorf("config: CTRL_FRAMING: %w", err)
	}
	if _, err := protocol.ParseFirmwareVersion(c.Firmware); err != nil {
		return fmt.Errorf("config: CTRL_FIRMWARE: %w", err)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.MulticastGroup != "" {
		ip := net.ParseIP(c.MulticastGroup)
		if ip == nil || ip.To4() != nil || !ip.IsMulticast() {
			return fmt.Errorf("config: CTRL_MULTICAST_GROUP %q is not an IPv6 multicast address", c.MulticastGroup)
		}
		if c.MulticastPort <= 0 || c.MulticastPort > 65535 {
			return fmt.Errorf("config: CTRL_MULTICAST_PORT %d out of range", c.MulticastPort)
		}
	}
	return nil
}

// Capabilities derives what the firmware supports from its version.
func (c Config) Capabilities() protocol.Capabilities {
	v, err := protocol.ParseFirmwareVersion(c.Firmware)
	if err != nil {
		return protocol.Capabilities{}
	}
	return v.Capabilities()
}

func (c Config) SerialConfig() transport.SerialConfig {
	framing, _ := transport.ParseFraming(c.Framing)
	return transport.SerialConfig{
		Port:    c.SerialPath,
		Baud:    c.BaudRate,
		Framing: framing,
	}
}

func (c Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log level %q", c.LogLevel)
}
