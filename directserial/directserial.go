package directserial

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/reactor"
	"go.bug.st/serial"
)

// Port is the part of a serial port handle the socket needs.
type Port interface {
	io.ReadWriteCloser
	SetMode(mode *serial.Mode) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
}

// Opener opens a named port, serial.Open by default.
type Opener func(name string, mode *serial.Mode) (Port, error)

func openPort(name string, mode *serial.Mode) (Port, error) {
	return serial.Open(name, mode)
}

type directSerial struct {
	open Opener
}

type Option func(*directSerial)

// WithOpener replaces the OS port opener.
func WithOpener(o Opener) Option {
	return func(d *directSerial) {
		d.open = o
	}
}

// NewFactory creates a factory of serial sockets. Sockets it creates implement base.SerialSocket.
func NewFactory(opts []Option, ropts ...reactor.Option) *reactor.Factory {
	d := &directSerial{open: openPort}
	for _, o := range opts {
		o(d)
	}
	return reactor.NewFactory(d, ropts...)
}

// Options builds socket options for the serial medium.
func Options(settings base.SerialSettings) base.Options {
	return base.Options{
		Medium: base.MediumSerial,
		Serial: settings,
	}
}

func (d *directSerial) Medium() base.Medium {
	return base.MediumSerial
}

// Resolve takes the device name as destination, the port number is meaningless on a serial line.
func (d *directSerial) Resolve(destination string, _ int, options base.Options) (string, error) {
	name := strings.TrimSpace(destination)
	if name == "" {
		return "", fmt.Errorf("%w: empty device name", base.ErrInvalidDestination)
	}
	if err := options.Serial.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", base.ErrInvalidDestination, err)
	}
	return name, nil
}

func (d *directSerial) Dial(ctx context.Context, address string, options base.Options) (io.ReadWriteCloser, error) {
	p, err := d.open(address, mode(options.Serial))
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = p.Close()
		return nil, err
	}
	if err := p.SetRTS(options.Serial.FlowControl == base.SerialHWFlowControl); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

func (d *directSerial) Wrap(core *reactor.Socket) base.Socket {
	return &Socket{Socket: core}
}

func mode(s base.SerialSettings) *serial.Mode {
	m := &serial.Mode{
		BaudRate: s.BaudRate,
		DataBits: int(s.DataBits),
	}
	switch s.Parity {
	case base.SerialOddParity:
		m.Parity = serial.OddParity
	case base.SerialEvenParity:
		m.Parity = serial.EvenParity
	case base.SerialMarkParity:
		m.Parity = serial.MarkParity
	case base.SerialSpaceParity:
		m.Parity = serial.SpaceParity
	default:
		m.Parity = serial.NoParity
	}
	switch s.StopBits {
	case base.SerialTwoStopBits:
		m.StopBits = serial.TwoStopBits
	case base.SerialOneAndHalfStopBits:
		m.StopBits = serial.OnePointFiveStopBits
	default:
		m.StopBits = serial.OneStopBit
	}
	return m
}

// Socket is a reactor socket over a serial port with line control.
type Socket struct {
	*reactor.Socket
}

func (s *Socket) port() (Port, error) {
	c := s.Conn()
	if c == nil {
		return nil, base.ErrNotOpened
	}
	p, ok := c.(Port)
	if !ok {
		return nil, fmt.Errorf("handle of %s is not a serial port", s.Name())
	}
	return p, nil
}

// Flush drops buffered input, pending output or both. Writes already handed to the port are not recalled.
func (s *Socket) Flush(direction base.FlushDirection) error {
	p, err := s.port()
	if err != nil {
		return err
	}
	if direction == base.FlushIn || direction == base.FlushBoth {
		s.DiscardInput()
		if err := p.ResetInputBuffer(); err != nil {
			return fmt.Errorf("flush input: %w", err)
		}
	}
	if direction == base.FlushOut || direction == base.FlushBoth {
		s.CancelQueuedWrites()
		if err := p.ResetOutputBuffer(); err != nil {
			return fmt.Errorf("flush output: %w", err)
		}
	}
	return nil
}

// SetOptions reconfigures the open line.
func (s *Socket) SetOptions(settings base.SerialSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	p, err := s.port()
	if err != nil {
		return err
	}
	if err := p.SetMode(mode(settings)); err != nil {
		return fmt.Errorf("set mode: %w", err)
	}
	if err := p.SetRTS(settings.FlowControl == base.SerialHWFlowControl); err != nil {
		return fmt.Errorf("set rts: %w", err)
	}
	s.SetSerialSettings(settings)
	return nil
}

func (s *Socket) SetDTR(dtr bool) error {
	p, err := s.port()
	if err != nil {
		return err
	}
	return p.SetDTR(dtr)
}
