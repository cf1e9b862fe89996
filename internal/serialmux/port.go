package serialmux

import "io"

// SerialPorter is the minimal surface SerialMux needs from a port, so tests
// can run without hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}
