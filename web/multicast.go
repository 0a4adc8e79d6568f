package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/ipv6"

	"github.com/trnila/rollerctrl/protocol"
)

// Multicast publishes sensor data as JSON datagrams to an IPv6 group on
// every interface with an IPv6 address, for consumers on the local link
// that do not want to hold an HTTP connection.
type Multicast struct {
	group  *net.UDPAddr
	conns  []*ipv6.PacketConn
	logger *slog.Logger
}

type sensorDatagram struct {
	Mask   protocol.StreamingMask  `json:"mask"`
	Mask2  protocol.StreamingMask2 `json:"mask2"`
	Frames []map[string]int16      `json:"frames"`
}

func parseGroup(groupIPv6 string, port int) (*net.UDPAddr, error) {
	group := net.ParseIP(groupIPv6)
	if group == nil || group.To4() != nil || !group.IsMulticast() {
		return nil, fmt.Errorf("web: %q is not an IPv6 multicast group", groupIPv6)
	}
	return &net.UDPAddr{IP: group, Port: port}, nil
}

func NewMulticast(groupIPv6 string, port int, logger *slog.Logger) (*Multicast, error) {
	group, err := parseGroup(groupIPv6, port)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Multicast{group: group, logger: logger}

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("web: list interfaces: %w", err)
	}

	for i := range ifaces {
		iface := &ifaces[i]
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			logger.Warn("skipping interface", "iface", iface.Name, "error", err)
			continue
		}

		for _, a := range addrs {
			addr, ok := a.(*net.IPNet)
			if !ok || addr.IP.To4() != nil {
				continue
			}

			c, err := net.ListenUDP("udp6", &net.UDPAddr{IP: addr.IP, Zone: iface.Name})
			if err != nil {
				logger.Warn("cannot bind for multicast", "addr", addr.IP, "iface", iface.Name, "error", err)
				continue
			}
			p := ipv6.NewPacketConn(c)
			if err := p.JoinGroup(iface, &net.UDPAddr{IP: group.IP}); err != nil {
				logger.Warn("cannot join multicast group", "iface", iface.Name, "error", err)
				c.Close()
				continue
			}
			if err := p.SetMulticastInterface(iface); err != nil {
				logger.Warn("cannot select multicast interface", "iface", iface.Name, "error", err)
			}

			logger.Info("multicasting sensor data", "iface", iface.Name, "addr", addr.IP, "group", group)
			m.conns = append(m.conns, p)
			break
		}
	}

	if len(m.conns) == 0 {
		return nil, fmt.Errorf("web: no interface could join %s", group)
	}
	return m, nil
}

func newDatagram(data protocol.SensorData) sensorDatagram {
	d := sensorDatagram{Mask: data.Mask, Mask2: data.Mask2}
	for _, frame := range data.Frames {
		values := make(map[string]int16, len(frame))
		for _, s := range frame {
			values[s.Channel] = s.Value
		}
		d.Frames = append(d.Frames, values)
	}
	return d
}

// Publish sends data to the group on every joined interface.
func (m *Multicast) Publish(data protocol.SensorData) {
	b, err := json.Marshal(newDatagram(data))
	if err != nil {
		m.logger.Error("cannot marshal sensor data", "error", err)
		return
	}

	for _, p := range m.conns {
		if _, err := p.WriteTo(b, nil, m.group); err != nil {
			m.logger.Debug("multicast write failed", "error", err)
		}
	}
}

func (m *Multicast) Close() error {
	var first error
	for _, p := range m.conns {
		if err := p.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
