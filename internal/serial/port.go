package serial

import (
	"fmt"
	"io"
	"time"

	bugst "go.bug.st/serial"
)

// Port is the subset of a serial device the transport needs.
// go.bug.st/serial.Port satisfies it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// Opener opens a device path at the given baud rate.
type Opener func(path string, baud int) (Port, error)

// Open opens a device as 8N1 with a short read timeout so reads never block
// past the transport's exchange deadline.
func Open(path string, baud int, readTimeout time.Duration) (Port, error) {
	mode := &bugst.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   bugst.NoParity,
		StopBits: bugst.OneStopBit,
	}
	p, err := bugst.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	if err := p.SetReadTimeout(readTimeout); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return p, nil
}

// DeviceOpener binds a read timeout into an Opener.
func DeviceOpener(readTimeout time.Duration) Opener {
	return func(path string, baud int) (Port, error) {
		return Open(path, baud, readTimeout)
	}
}
