package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"callisto_daemon/internal/logger"
	"callisto_daemon/internal/models"
	"callisto_daemon/internal/serial"
)

// Firmware framing.
const (
	ResetString   = "D0\rGD\rS0\r"
	IDResponse    = "$CRX:Stopped\r"
	messageStart  = '$'
	messageEnd    = '\r'
	dataStart     = '2'
	dataEnd       = '&'
	eepromReady   = ']'
	endMarker     = 0x2323
	hexGroupWidth = 4
)

// ErrProtocol marks a malformed response. The sample is dropped and polling
// continues.
var ErrProtocol = errors.New("receiver protocol error")

// Exchanger is the part of serial.Transport the receiver needs.
type Exchanger interface {
	Send(ctx context.Context, req serial.Request) ([]byte, error)
	Probe(ctx context.Context, req serial.Request) ([]byte, error)
	Health() models.Health
	Responsive() bool
}

// Receiver drives the spectrometer through a polled exchange.
type Receiver struct {
	ex               Exchanger
	pollCommand      string
	handshakeTimeout time.Duration
	log              *logger.Logger
}

// New returns a receiver. pollCommand is sent verbatim with a trailing CR.
func New(ex Exchanger, pollCommand string, handshakeTimeout time.Duration, log *logger.Logger) *Receiver {
	if pollCommand == "" {
		pollCommand = "GD"
	}
	return &Receiver{
		ex:               ex,
		pollCommand:      pollCommand,
		handshakeTimeout: handshakeTimeout,
		log:              logger.OrNop(log).Named("receiver"),
	}
}

func (r *Receiver) handshakeRequest() serial.Request {
	return serial.Request{
		Payload:  []byte(ResetString),
		Complete: serial.UntilContains(IDResponse),
		Timeout:  r.handshakeTimeout,
	}
}

// Handshake resets the firmware and waits for its stopped banner.
func (r *Receiver) Handshake(ctx context.Context) error {
	if _, err := r.ex.Send(ctx, r.handshakeRequest()); err != nil {
		return fmt.Errorf("receiver handshake: %w", err)
	}
	r.log.Infow("receiver_handshake_ok")
	return nil
}

// Recover probes an unresponsive receiver with a single handshake attempt.
func (r *Receiver) Recover(ctx context.Context) error {
	if _, err := r.ex.Probe(ctx, r.handshakeRequest()); err != nil {
		return fmt.Errorf("receiver probe: %w", err)
	}
	r.log.Infow("receiver_recovered")
	return nil
}

// Poll requests one sweep and returns its 8-bit channel values.
func (r *Receiver) Poll(ctx context.Context) ([]uint8, error) {
	resp, err := r.ex.Send(ctx, serial.Request{
		Payload:  []byte(r.pollCommand + "\r"),
		Complete: serial.UntilByte(dataEnd),
	})
	if err != nil {
		return nil, err
	}
	values, msgs, err := DecodeFrame(resp)
	for _, m := range msgs {
		r.log.Debugw("receiver_firmware_message", "msg", m)
	}
	return values, err
}

// Health reports the underlying device health.
func (r *Receiver) Health() models.Health { return r.ex.Health() }

// Responsive reports whether polls currently reach the wire.
func (r *Receiver) Responsive() bool { return r.ex.Responsive() }

// DecodeFrame extracts one data frame from a raw response. Firmware messages
// ($...\r) are returned separately, EEPROM notifications are ignored. Each
// four-hex-digit group is reduced to 8 bits; 0x2323 end markers are skipped.
func DecodeFrame(resp []byte) ([]uint8, []string, error) {
	var (
		msgs    []string
		msg     []byte
		hexData []byte
		inMsg   bool
		inData  bool
		closed  bool
	)
	for _, ch := range resp {
		switch {
		case inMsg:
			if ch == messageEnd {
				msgs = append(msgs, string(msg))
				msg = msg[:0]
				inMsg = false
			} else {
				msg = append(msg, ch)
			}
		case ch == messageStart && !inData:
			inMsg = true
		case ch == eepromReady && !inData:
		case !inData && ch == dataStart:
			inData = true
		case inData && ch == dataEnd:
			closed = true
		case inData:
			if ch != ' ' && ch != '\r' && ch != '\n' {
				hexData = append(hexData, ch)
			}
		}
		if closed {
			break
		}
	}
	if !closed {
		return nil, msgs, fmt.Errorf("%w: no data frame in %d bytes", ErrProtocol, len(resp))
	}
	if len(hexData)%hexGroupWidth != 0 {
		return nil, msgs, fmt.Errorf("%w: truncated hex group (%d digits)", ErrProtocol, len(hexData))
	}
	out := make([]uint8, 0, len(hexData)/hexGroupWidth)
	for i := 0; i < len(hexData); i += hexGroupWidth {
		g := hexData[i : i+hexGroupWidth]
		v, err := strconv.ParseUint(string(g), 16, 16)
		if err != nil {
			return nil, msgs, fmt.Errorf("%w: invalid hex group %q", ErrProtocol, g)
		}
		if v == endMarker {
			continue
		}
		out = append(out, uint8((v>>2)&0xFF))
	}
	if len(out) == 0 {
		return nil, msgs, fmt.Errorf("%w: empty data frame", ErrProtocol)
	}
	return out, msgs, nil
}

// EncodeFrame builds a data frame the way the firmware does. Used by
// simulators and tests.
func EncodeFrame(values []uint8) []byte {
	var b bytes.Buffer
	b.WriteByte(dataStart)
	for _, v := range values {
		fmt.Fprintf(&b, "%04X", uint16(v)<<2)
	}
	b.WriteByte(dataEnd)
	return b.Bytes()
}
