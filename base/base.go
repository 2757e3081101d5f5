package base

import (
	"bytes"
	"time"

	"go.uber.org/zap"
)

// DefaultPort is the well known DLMS/COSEM TCP port, used when the caller does not override it.
const DefaultPort = 4059

type Medium int

const (
	MediumNetwork Medium = iota
	MediumSerial
)

func (m Medium) String() string {
	switch m {
	case MediumNetwork:
		return "network"
	case MediumSerial:
		return "serial"
	default:
		return "unknown"
	}
}

type AddressFamily int

const (
	FamilyAny AddressFamily = iota
	FamilyIPv4
	FamilyIPv6
)

type FlushDirection int

const (
	FlushIn FlushDirection = 1 << iota
	FlushOut

	FlushBoth = FlushIn | FlushOut
)

// Options are fixed at socket creation, only SerialSocket.SetOptions touches Serial afterwards.
type Options struct {
	Medium      Medium
	Family      AddressFamily  // network only
	Serial      SerialSettings // serial only
	DialTimeout time.Duration  // zero means no limit
}

type ConnectCallback func(err error)
type ReadCallback func(n int, err error)
type WriteCallback func(n int, err error)
type CloseCallback func(err error)

// Socket is a single communication handle driven by the owning goroutine. Callbacks are
// invoked only from Process of the owning factory or from the blocking Read/Write calls.
type Socket interface {
	Open(destination string, port int) error
	IsConnected() bool
	Options() Options
	SetLogger(logger *zap.SugaredLogger)

	RegisterConnectHandler(cb ConnectCallback) ConnectCallback
	RegisterReadHandler(cb ReadCallback) ReadCallback
	RegisterWriteHandler(cb WriteCallback) WriteCallback
	RegisterCloseHandler(cb CloseCallback) CloseCallback

	Write(data []byte, async bool) (int, error)
	Read(buf *bytes.Buffer, readAtLeast int, timeout time.Duration) (int, error) // timeout 0 means no deadline
	ReadAsync(buf *bytes.Buffer, readAtLeast int, timeout time.Duration) error
	AppendAsyncReadResult(buf *bytes.Buffer, readAtLeast int) bool

	Close() error // idempotent, close callback fires once per open
}

type SerialSocket interface {
	Socket

	Flush(direction FlushDirection) error
	SetOptions(settings SerialSettings) error
	SetDTR(dtr bool) error
}

// Processor advances asynchronous work, returns true while something is still in flight.
type Processor interface {
	Process() bool
}

type Factory interface {
	Processor

	CreateSocket(options Options) (Socket, error)
	ReleaseSocket(socket Socket) error
	Len() int
}

// Frame is one unit decoded by a Framer. APDU is nil for link control frames, Reply holds
// bytes the link layer wants sent back (e.g. HDLC RR during segmented receive).
type Frame struct {
	APDU   []byte
	Reply  []byte
	Server uint16
}

// Framer turns APDUs into link frames and back. Deframe returns ErrIncomplete when src does
// not yet hold a whole frame, consumed is the number of bytes to drop from src in any case.
type Framer interface {
	Connect() []byte // link setup frame, nil if the link has no setup
	Connected() bool
	Frame(dst *bytes.Buffer, server uint16, apdu []byte) error
	Deframe(src []byte) (frame Frame, consumed int, err error)
	Disconnect() []byte
	Reset()
}
