// Package rfc2217 reaches a serial line through a terminal server speaking the telnet COM port
// control option (RFC 2217). Sockets it creates behave like directserial sockets, line settings
// and control travel as telnet subnegotiations in the same TCP stream as the data.
package rfc2217

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/reactor"
	"go.uber.org/zap"
)

const (
	COM_PORT_OPTION = 44 // 0x2c
	BINARY_OPTION   = 0
	SGA_OPTION      = 3

	IAC = 255
	SB  = 250 // 0xfa
	SE  = 240 // 0xf0

	WILL = 251 // 0xfb
	WONT = 252 // 0xfc
	DO   = 253 // 0xfd
	DONT = 254 // 0xfe

	Signature = "DLMS-Serial-Client"

	// DefaultPort is the telnet port, terminal servers usually map one port per line.
	DefaultPort = 23
)

// client to access server commands, the server answers with the same code plus 100
const (
	cmdSignature   = 0
	cmdSetBaudRate = 1
	cmdSetDataSize = 2
	cmdSetParity   = 3
	cmdSetStopSize = 4
	cmdSetControl  = 5
	cmdPurgeData   = 12

	controlDTROn  = 8
	controlDTROff = 9

	purgeRx   = 1
	purgeTx   = 2
	purgeBoth = 3

	maxSubnegotiation = 1024
)

var (
	ErrMandatoryOption = errors.New("access server refused mandatory option")
	ErrSubnegotiation  = errors.New("invalid subnegotiation")
)

// Dialer opens the TCP stream to the access server.
type Dialer func(ctx context.Context, network, address string) (net.Conn, error)

type rfc2217 struct {
	dial   Dialer
	logger *zap.SugaredLogger
}

type Option func(*rfc2217)

func WithDialer(d Dialer) Option {
	return func(r *rfc2217) {
		r.dial = d
	}
}

// WithLogger logs the telnet negotiation, the reactor logger covers the data.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(r *rfc2217) {
		r.logger = logger
	}
}

// NewFactory creates a factory of serial sockets behind access servers. Sockets it creates
// implement base.SerialSocket.
func NewFactory(opts []Option, ropts ...reactor.Option) *reactor.Factory {
	var d net.Dialer
	r := &rfc2217{dial: d.DialContext}
	for _, o := range opts {
		o(r)
	}
	return reactor.NewFactory(r, ropts...)
}

// Options builds socket options for a remote serial line.
func Options(settings base.SerialSettings, timeout time.Duration) base.Options {
	return base.Options{
		Medium:      base.MediumSerial,
		Serial:      settings,
		DialTimeout: timeout,
	}
}

func (r *rfc2217) Medium() base.Medium {
	return base.MediumSerial
}

func (r *rfc2217) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

// Resolve takes "host", "host:port" or "[ipv6]:port" of the access server. A port in the
// destination wins over the port argument.
func (r *rfc2217) Resolve(destination string, port int, options base.Options) (string, error) {
	host := strings.TrimSpace(destination)
	if h, p, err := net.SplitHostPort(host); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", fmt.Errorf("%w: port %q", base.ErrInvalidDestination, p)
		}
		host, port = h, n
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" || strings.ContainsAny(host, " /") {
		return "", fmt.Errorf("%w: %q", base.ErrInvalidDestination, destination)
	}
	if port <= 0 {
		port = DefaultPort
	}
	if port > 65535 {
		return "", fmt.Errorf("%w: port %d", base.ErrInvalidDestination, port)
	}
	if err := options.Serial.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", base.ErrInvalidDestination, err)
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

// Dial connects and sends the whole negotiation without waiting, answers are consumed by Read.
func (r *rfc2217) Dial(ctx context.Context, address string, options base.Options) (io.ReadWriteCloser, error) {
	nc, err := r.dial(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tc, ok := nc.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	c := newConn(nc, r.logger)

	r.logf("negotiating telnet options with %s", address)
	b := writeOption(nil, BINARY_OPTION, WILL)
	b = writeOption(b, SGA_OPTION, WILL)
	b = writeOption(b, COM_PORT_OPTION, WILL)
	b = writeSubnegotiation(b, cmdPurgeData, []byte{purgeBoth})
	b = writeSignature(b)
	b = writeSettings(b, options.Serial)
	if err := c.writeRaw(b); err != nil {
		_ = nc.Close()
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return c, nil
}

func (r *rfc2217) Wrap(core *reactor.Socket) base.Socket {
	return &Socket{Socket: core}
}

func writeOption(src []byte, option byte, intent byte) []byte {
	return append(src, IAC, intent, option)
}

func writeSignature(src []byte) []byte {
	src = append(src, IAC, SB, COM_PORT_OPTION, cmdSignature)
	src = append(src, Signature...)
	return append(src, IAC, SE)
}

func writeSubnegotiation(src []byte, cmd byte, value []byte) []byte {
	src = append(src, IAC, SB, COM_PORT_OPTION, cmd)
	for _, b := range value {
		if b == IAC {
			src = append(src, IAC)
		}
		src = append(src, b)
	}
	return append(src, IAC, SE)
}

func writeSettings(src []byte, s base.SerialSettings) []byte {
	var baud [4]byte
	binary.BigEndian.PutUint32(baud[:], uint32(s.BaudRate))
	src = writeSubnegotiation(src, cmdSetBaudRate, baud[:])
	src = writeSubnegotiation(src, cmdSetDataSize, []byte{byte(s.DataBits)})
	src = writeSubnegotiation(src, cmdSetParity, []byte{byte(s.Parity)})
	src = writeSubnegotiation(src, cmdSetStopSize, []byte{byte(s.StopBits)})
	return writeSubnegotiation(src, cmdSetControl, []byte{byte(s.FlowControl)})
}

// State is the line state the access server reported last.
type State struct {
	BaudRate   int
	DataBits   byte
	Parity     byte
	StopBits   byte
	Control    byte
	LineState  byte
	ModemState byte
	Signature  string
}

// conn strips telnet framing from the stream. Read runs on the reactor reader goroutine, writes
// come from the writer goroutine and from line control on the owning goroutine.
type conn struct {
	raw    net.Conn
	r      *bufio.Reader
	logger *zap.SugaredLogger

	wmu sync.Mutex

	mu    sync.Mutex
	state State
}

func newConn(raw net.Conn, logger *zap.SugaredLogger) *conn {
	return &conn{
		raw:    raw,
		r:      bufio.NewReader(raw),
		logger: logger,
	}
}

func (c *conn) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *conn) Close() error {
	return c.raw.Close()
}

func (c *conn) writeRaw(b []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.raw.Write(b)
	return err
}

// Write escapes IAC and reports the unescaped length.
func (c *conn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b := make([]byte, 0, len(p)+8)
	for _, v := range p {
		if v == IAC {
			b = append(b, IAC)
		}
		b = append(b, v)
	}
	if err := c.writeRaw(b); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read returns data bytes only. Once it has some, it stops at the end of what is buffered.
func (c *conn) Read(p []byte) (int, error) {
	n := 0
	for n < len(p) {
		if n > 0 && c.r.Buffered() == 0 {
			break
		}
		b, err := c.r.ReadByte()
		if err != nil {
			return n, err
		}
		if b != IAC {
			p[n] = b
			n++
			continue
		}
		cmd, err := c.r.ReadByte()
		if err != nil {
			return n, err
		}
		if cmd == IAC {
			p[n] = IAC
			n++
			continue
		}
		if err := c.command(cmd); err != nil {
			return n, err
		}
	}
	return n, nil
}

func mandatory(option byte) bool {
	switch option {
	case BINARY_OPTION, SGA_OPTION, COM_PORT_OPTION:
		return true
	}
	return false
}

func (c *conn) command(cmd byte) error {
	switch cmd {
	case WILL, WONT, DO, DONT:
		option, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		return c.option(cmd, option)
	case SB:
		sub, err := c.subnegotiation()
		if err != nil {
			return err
		}
		return c.processSubnegotiation(sub)
	default:
		c.logf("unknown/unsupported command: %02x", cmd)
	}
	return nil
}

func (c *conn) option(cmd, option byte) error {
	switch cmd {
	case WILL:
		if !mandatory(option) {
			c.logf("other party has intent to do %v", option)
			return c.writeRaw([]byte{IAC, DONT, option})
		}
	case DO:
		if !mandatory(option) {
			c.logf("other party wants us to do %v", option)
			return c.writeRaw([]byte{IAC, WONT, option})
		}
	case WONT, DONT:
		if mandatory(option) {
			return fmt.Errorf("%w %v", ErrMandatoryOption, option)
		}
		c.logf("other party has intent not to do %v", option)
	}
	return nil
}

func (c *conn) subnegotiation() ([]byte, error) {
	var buffer []byte
	riac := false
	for {
		if len(buffer) >= maxSubnegotiation {
			return nil, fmt.Errorf("%w: buffer overflow", ErrSubnegotiation)
		}
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if !riac {
			if b == IAC {
				riac = true
			} else {
				buffer = append(buffer, b)
			}
			continue
		}
		switch b {
		case IAC:
			buffer = append(buffer, IAC)
			riac = false
		case SE:
			return buffer, nil
		default:
			return nil, fmt.Errorf("%w: command %02x inside", ErrSubnegotiation, b)
		}
	}
}

func sublen(sub []byte, want int) error {
	if len(sub) != want {
		return fmt.Errorf("%w: length %d of command %d", ErrSubnegotiation, len(sub), sub[0])
	}
	return nil
}

func (c *conn) processSubnegotiation(sub []byte) error {
	if len(sub) < 2 {
		return fmt.Errorf("%w: too short", ErrSubnegotiation)
	}
	if sub[0] != COM_PORT_OPTION {
		c.logf("ignoring subnegotiation of option %02x", sub[0])
		return nil
	}
	sub = sub[1:]

	c.mu.Lock()
	defer c.mu.Unlock()
	switch sub[0] {
	case cmdSignature: // access server asks for ours
		if len(sub) == 1 {
			return c.writeRaw(writeSignature(nil))
		}
	case cmdSignature + 100:
		c.state.Signature = strings.Trim(string(sub[1:]), "\x00 \n\r\t")
		c.logf("signature: %q", c.state.Signature)
	case cmdSetBaudRate + 100:
		if err := sublen(sub, 5); err != nil {
			return err
		}
		c.state.BaudRate = int(binary.BigEndian.Uint32(sub[1:]))
		c.logf("reported baudrate: %d", c.state.BaudRate)
	case cmdSetDataSize + 100:
		if err := sublen(sub, 2); err != nil {
			return err
		}
		c.state.DataBits = sub[1]
		c.logf("reported data bits: %d", sub[1])
	case cmdSetParity + 100:
		if err := sublen(sub, 2); err != nil {
			return err
		}
		c.state.Parity = sub[1]
		c.logf("reported parity: %d", sub[1])
	case cmdSetStopSize + 100:
		if err := sublen(sub, 2); err != nil {
			return err
		}
		c.state.StopBits = sub[1]
		c.logf("reported stop bits: %d", sub[1])
	case cmdSetControl + 100:
		if err := sublen(sub, 2); err != nil {
			return err
		}
		c.state.Control = sub[1]
		c.logf("reported control: %d", sub[1])
	case 106: // notify line state
		if err := sublen(sub, 2); err != nil {
			return err
		}
		c.state.LineState = sub[1]
	case 107: // notify modem state
		if err := sublen(sub, 2); err != nil {
			return err
		}
		c.state.ModemState = sub[1]
	case 108, 109: // flow control suspend, resume
		c.logf("flow control notification: %d", sub[0])
	case 110, 111, 112: // line state mask, modem state mask, purge data
		c.logf("access server notification: %d with data % x", sub[0], sub[1:])
	default:
		c.logf("unsupported subnegotiation command %d", sub[0])
	}
	return nil
}

func (c *conn) reported() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Socket is a reactor socket over an access server with remote line control.
type Socket struct {
	*reactor.Socket
}

func (s *Socket) telnet() (*conn, error) {
	h := s.Conn()
	if h == nil {
		return nil, base.ErrNotOpened
	}
	c, ok := h.(*conn)
	if !ok {
		return nil, fmt.Errorf("handle of %s is not a telnet stream", s.Name())
	}
	return c, nil
}

// Flush drops local buffers and asks the access server to purge its own.
func (s *Socket) Flush(direction base.FlushDirection) error {
	c, err := s.telnet()
	if err != nil {
		return err
	}
	var purge byte
	if direction&base.FlushIn != 0 {
		s.DiscardInput()
		purge |= purgeRx
	}
	if direction&base.FlushOut != 0 {
		s.CancelQueuedWrites()
		purge |= purgeTx
	}
	if purge == 0 {
		return nil
	}
	return c.writeRaw(writeSubnegotiation(nil, cmdPurgeData, []byte{purge}))
}

// SetOptions sends new line settings, the access server confirms them asynchronously.
func (s *Socket) SetOptions(settings base.SerialSettings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	c, err := s.telnet()
	if err != nil {
		return err
	}
	if err := c.writeRaw(writeSettings(nil, settings)); err != nil {
		return fmt.Errorf("set options: %w", err)
	}
	s.SetSerialSettings(settings)
	return nil
}

func (s *Socket) SetDTR(dtr bool) error {
	c, err := s.telnet()
	if err != nil {
		return err
	}
	v := byte(controlDTROff)
	if dtr {
		v = controlDTROn
	}
	return c.writeRaw(writeSubnegotiation(nil, cmdSetControl, []byte{v}))
}

// Reported returns the line state last confirmed by the access server.
func (s *Socket) Reported() (State, error) {
	c, err := s.telnet()
	if err != nil {
		return State{}, err
	}
	return c.reported(), nil
}
