package dlmsal

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"go.uber.org/zap"
)

// fakeSocket completes everything synchronously, tests drive reads with deliver.
type fakeSocket struct {
	connected bool
	writeErr  error

	onConnect base.ConnectCallback
	onRead    base.ReadCallback
	onWrite   base.WriteCallback
	onClose   base.CloseCallback

	readBuf *bytes.Buffer
	written [][]byte
	closes  int
}

func (s *fakeSocket) Open(string, int) error {
	return nil
}

func (s *fakeSocket) connect() {
	s.connected = true
	if s.onConnect != nil {
		s.onConnect(nil)
	}
}

func (s *fakeSocket) failConnect(err error) {
	if s.onConnect != nil {
		s.onConnect(err)
	}
}

func (s *fakeSocket) IsConnected() bool                   { return s.connected }
func (s *fakeSocket) Options() base.Options               { return base.Options{Medium: base.MediumNetwork} }
func (s *fakeSocket) SetLogger(logger *zap.SugaredLogger) {}

func (s *fakeSocket) RegisterConnectHandler(cb base.ConnectCallback) base.ConnectCallback {
	prev := s.onConnect
	s.onConnect = cb
	return prev
}

func (s *fakeSocket) RegisterReadHandler(cb base.ReadCallback) base.ReadCallback {
	prev := s.onRead
	s.onRead = cb
	return prev
}

func (s *fakeSocket) RegisterWriteHandler(cb base.WriteCallback) base.WriteCallback {
	prev := s.onWrite
	s.onWrite = cb
	return prev
}

func (s *fakeSocket) RegisterCloseHandler(cb base.CloseCallback) base.CloseCallback {
	prev := s.onClose
	s.onClose = cb
	return prev
}

func (s *fakeSocket) Write(data []byte, async bool) (int, error) {
	if !s.connected {
		return 0, base.ErrNotOpened
	}
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	s.written = append(s.written, bytes.Clone(data))
	return len(data), nil
}

func (s *fakeSocket) Read(buf *bytes.Buffer, readAtLeast int, timeout time.Duration) (int, error) {
	return 0, base.ErrNothingToRead
}

func (s *fakeSocket) ReadAsync(buf *bytes.Buffer, readAtLeast int, timeout time.Duration) error {
	if !s.connected {
		return base.ErrNotOpened
	}
	if s.readBuf != nil {
		return base.ErrReadPending
	}
	s.readBuf = buf
	return nil
}

func (s *fakeSocket) AppendAsyncReadResult(buf *bytes.Buffer, readAtLeast int) bool {
	return s.ReadAsync(buf, readAtLeast, 0) == nil
}

// deliver completes the armed read with data, it reports false when no read was armed.
func (s *fakeSocket) deliver(data []byte) bool {
	buf := s.readBuf
	if buf == nil {
		return false
	}
	s.readBuf = nil
	buf.Write(data)
	s.onRead(len(data), nil)
	return true
}

func (s *fakeSocket) Close() error {
	s.drop(nil)
	return nil
}

func (s *fakeSocket) drop(cause error) {
	if !s.connected {
		return
	}
	s.connected = false
	if s.readBuf != nil {
		s.readBuf = nil
		err := cause
		if err == nil {
			err = base.ErrCancelled
		}
		s.onRead(0, err)
	}
	s.closes++
	if s.onClose != nil {
		s.onClose(cause)
	}
}

func (s *fakeSocket) lastWritten() []byte {
	if len(s.written) == 0 {
		return nil
	}
	return s.written[len(s.written)-1]
}

type fakeFactory struct {
	released []base.Socket
}

func (f *fakeFactory) Process() bool                                  { return false }
func (f *fakeFactory) CreateSocket(base.Options) (base.Socket, error) { return &fakeSocket{}, nil }
func (f *fakeFactory) Len() int                                       { return 0 }
func (f *fakeFactory) ReleaseSocket(s base.Socket) error {
	f.released = append(f.released, s)
	return nil
}

type processFunc func() bool

func (p processFunc) Process() bool { return p() }

type recorder struct {
	got []Confirmation
}

func (r *recorder) handle(c Confirmation) bool {
	r.got = append(r.got, c)
	return true
}

// serverFrame wraps an apdu from server wport 1 to client wport 1.
func serverFrame(apdu []byte) []byte {
	out := make([]byte, 8, 8+len(apdu))
	binary.BigEndian.PutUint16(out[0:], 1)
	binary.BigEndian.PutUint16(out[2:], 1)
	binary.BigEndian.PutUint16(out[4:], 1)
	binary.BigEndian.PutUint16(out[6:], uint16(len(apdu)))
	return append(out, apdu...)
}

// payload strips the wrapper header of a written frame.
func payload(frame []byte) []byte {
	if len(frame) < 8 {
		return nil
	}
	return frame[8:]
}

var (
	aareAccepted = []byte{
		0x61, 0x29,
		0xa1, 0x09, 0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01, 0x01,
		0xa2, 0x03, 0x02, 0x01, 0x00,
		0xa3, 0x05, 0xa1, 0x03, 0x02, 0x01, 0x00,
		0xbe, 0x10, 0x04, 0x0e, 0x08, 0x00, 0x06, 0x5f, 0x1f, 0x04, 0x00, 0x00, 0x50, 0x1f, 0x01, 0xf4, 0x00, 0x07,
	}
	aareRejected = []byte{
		0x61, 0x1f,
		0xa1, 0x09, 0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01, 0x01,
		0xa2, 0x03, 0x02, 0x01, 0x01,
		0xa3, 0x05, 0xa1, 0x03, 0x02, 0x01, 0x0d,
		0xbe, 0x06, 0x04, 0x04, 0x0e, 0x01, 0x06, 0x02,
	}
	rlre = []byte{0x63, 0x03, 0x80, 0x01, 0x00}
)
