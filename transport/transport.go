// Package transport moves raw bytes between the host and the robot.
package transport

// Transport is a full duplex byte stream to one device.
type Transport interface {
	// Send writes one encoded frame.
	Send(b []byte) error

	// OnBytesReceived registers the callback for inbound bytes. It is called
	// once per connection; the callback runs on the transport's read goroutine
	// and must not retain b.
	OnBytesReceived(fn func(b []byte))

	Close() error
}
