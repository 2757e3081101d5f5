package reactor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	eventQueueSize = 64
	writeQueueSize = 64
	readChunkSize  = 2048
)

var ErrWriteQueueFull = errors.New("write queue full")

type socketState int

const (
	stateClosed socketState = iota
	stateConnecting
	stateOpen
)

type eventKind int

const (
	evConnected eventKind = iota
	evConnectFailed
	evData
	evReadError
	evWriteDone
	evDeadline
)

type event struct {
	kind  eventKind
	gen   uint64 // open lifecycle the event belongs to
	conn  io.ReadWriteCloser
	data  []byte
	op    *writeOp
	n     int
	err   error
	timer uint64
}

type pendingRead struct {
	buf     *bytes.Buffer
	need    int
	got     int
	sync    bool
	done    bool
	err     error
	timer   clock.Timer
	timerID uint64
}

type writeOp struct {
	data []byte
	sync bool
	done bool
	n    int
	err  error
}

// Socket is the reactor side of base.Socket. It is not safe for concurrent use, all methods
// belong to the goroutine that owns the factory.
type Socket struct {
	link    Link
	options base.Options
	clock   clock.WithDelayedExecution
	logger  *zap.SugaredLogger

	events chan event

	state    socketState
	released bool
	gen      uint64
	name     string
	cancel   context.CancelFunc
	done     chan struct{}
	conn     io.ReadWriteCloser
	writes   chan *writeOp
	queued   []*writeOp
	rx       []byte // received while no read was pending
	read     *pendingRead
	kick     bool // pending read already satisfied by staged bytes, deliver on next drain
	timerSeq uint64

	onConnect base.ConnectCallback
	onRead    base.ReadCallback
	onWrite   base.WriteCallback
	onClose   base.CloseCallback

	totalincoming int64
	totaloutgoing int64
}

func newSocket(link Link, options base.Options, clk clock.WithDelayedExecution, logger *zap.SugaredLogger) *Socket {
	return &Socket{
		link:    link,
		options: options,
		clock:   clk,
		logger:  logger,
		events:  make(chan event, eventQueueSize),
		state:   stateClosed,
	}
}

func (s *Socket) logf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Infof(format, v...)
	}
}

func (s *Socket) dlogf(format string, v ...any) {
	if s.logger != nil {
		s.logger.Debugf(format, v...)
	}
}

func (s *Socket) SetLogger(logger *zap.SugaredLogger) {
	s.logger = logger
}

func (s *Socket) Options() base.Options {
	return s.options
}

// SetSerialSettings replaces the serial part of the options, used by line control wrappers.
func (s *Socket) SetSerialSettings(settings base.SerialSettings) {
	s.options.Serial = settings
}

func (s *Socket) Name() string {
	return s.name
}

func (s *Socket) IsConnected() bool {
	return s.state == stateOpen
}

// Conn returns the open handle or nil.
func (s *Socket) Conn() io.ReadWriteCloser {
	if s.state != stateOpen {
		return nil
	}
	return s.conn
}

func (s *Socket) RegisterConnectHandler(cb base.ConnectCallback) base.ConnectCallback {
	prev := s.onConnect
	s.onConnect = cb
	return prev
}

func (s *Socket) RegisterReadHandler(cb base.ReadCallback) base.ReadCallback {
	prev := s.onRead
	s.onRead = cb
	return prev
}

func (s *Socket) RegisterWriteHandler(cb base.WriteCallback) base.WriteCallback {
	prev := s.onWrite
	s.onWrite = cb
	return prev
}

func (s *Socket) RegisterCloseHandler(cb base.CloseCallback) base.CloseCallback {
	prev := s.onClose
	s.onClose = cb
	return prev
}

func (s *Socket) Open(destination string, port int) error {
	if s.released {
		return base.ErrClosed
	}
	if s.state != stateClosed {
		return base.ErrAlreadyOpen
	}
	address, err := s.link.Resolve(destination, port, s.options)
	if err != nil {
		return err
	}

	s.gen++
	s.name = address
	s.done = make(chan struct{})
	s.rx = nil
	s.kick = false
	s.totalincoming = 0
	s.totaloutgoing = 0
	var ctx context.Context
	if s.options.DialTimeout > 0 {
		ctx, s.cancel = context.WithTimeout(context.Background(), s.options.DialTimeout)
	} else {
		ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.state = stateConnecting
	s.dlogf("Connecting to %s", address)

	go s.dial(ctx, s.gen, s.done, address, s.options)
	return nil
}

func (s *Socket) post(done <-chan struct{}, ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-done:
		return false
	}
}

func (s *Socket) dial(ctx context.Context, gen uint64, done <-chan struct{}, address string, options base.Options) {
	conn, err := s.link.Dial(ctx, address, options)
	if err != nil {
		s.post(done, event{kind: evConnectFailed, gen: gen, err: err})
		return
	}
	if !s.post(done, event{kind: evConnected, gen: gen, conn: conn}) {
		_ = conn.Close()
	}
}

func (s *Socket) reader(gen uint64, done <-chan struct{}, conn io.Reader) {
	for {
		buf := make([]byte, readChunkSize)
		n, err := conn.Read(buf)
		if n > 0 {
			if !s.post(done, event{kind: evData, gen: gen, data: buf[:n]}) {
				return
			}
		}
		if err != nil {
			s.post(done, event{kind: evReadError, gen: gen, err: err})
			return
		}
	}
}

func (s *Socket) writer(gen uint64, done <-chan struct{}, conn io.Writer, writes <-chan *writeOp) {
	for {
		select {
		case op := <-writes:
			n, err := writeAll(conn, op.data)
			if !s.post(done, event{kind: evWriteDone, gen: gen, op: op, n: n, err: err}) {
				return
			}
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func writeAll(w io.Writer, src []byte) (int, error) {
	total := 0
	for len(src) > 0 {
		n, err := w.Write(src)
		total += n
		if err != nil {
			return total, fmt.Errorf("write failed: %w", err)
		}
		if n == 0 {
			return total, io.ErrShortWrite
		}
		src = src[n:]
	}
	return total, nil
}

// drain handles at most max queued completions without blocking.
func (s *Socket) drain(max int) int {
	handled := 0
	if s.kick {
		s.kick = false
		s.feed()
		handled++
	}
	for handled < max {
		select {
		case ev := <-s.events:
			s.handle(ev)
			handled++
		default:
			return handled
		}
	}
	return handled
}

func (s *Socket) busy() bool {
	if s.state == stateClosed {
		return false
	}
	return s.state == stateConnecting || s.read != nil || len(s.queued) > 0 || len(s.events) > 0 || s.kick
}

func (s *Socket) handle(ev event) {
	if ev.gen != s.gen || s.state == stateClosed {
		if ev.conn != nil {
			_ = ev.conn.Close()
		}
		return
	}

	switch ev.kind {
	case evConnected:
		if s.state != stateConnecting {
			_ = ev.conn.Close()
			return
		}
		s.conn = ev.conn
		s.state = stateOpen
		s.writes = make(chan *writeOp, writeQueueSize)
		go s.reader(s.gen, s.done, s.conn)
		go s.writer(s.gen, s.done, s.conn, s.writes)
		s.logf("Connected to %s", s.name)
		if s.onConnect != nil {
			s.onConnect(nil)
		}
	case evConnectFailed:
		s.state = stateClosed
		s.cancel()
		close(s.done)
		s.logf("Connect to %s failed: %v", s.name, ev.err)
		if s.onConnect != nil {
			s.onConnect(fmt.Errorf("connect failed: %w", ev.err))
		}
	case evData:
		s.totalincoming += int64(len(ev.data))
		base.LogHex(s.logger, "RX ("+s.name+")", ev.data)
		s.rx = append(s.rx, ev.data...)
		s.feed()
	case evReadError:
		if errors.Is(ev.err, io.EOF) {
			s.shutdown(base.ErrConnectionLost)
		} else {
			s.shutdown(fmt.Errorf("%w: %w", base.ErrConnectionLost, ev.err))
		}
	case evWriteDone:
		s.finishWrite(ev.op, ev.n, ev.err)
		if ev.err != nil {
			s.shutdown(ev.err)
		}
	case evDeadline:
		s.deadline(ev.timer)
	}
}

func (s *Socket) finishWrite(op *writeOp, n int, err error) {
	if op.done {
		return
	}
	for i, q := range s.queued {
		if q == op {
			s.queued = append(s.queued[:i], s.queued[i+1:]...)
			break
		}
	}
	op.done = true
	op.n = n
	op.err = err
	if err == nil {
		s.totaloutgoing += int64(n)
		base.LogHex(s.logger, "TX ("+s.name+")", op.data[:n])
	}
	if !op.sync && s.onWrite != nil {
		s.onWrite(n, err)
	}
}

// deadline resolves the timer against data: every completion already queued is handled first,
// so data that arrived before the deadline was drained always wins.
func (s *Socket) deadline(id uint64) {
	r := s.read
	if r == nil || r.timerID != id {
		return
	}
	for pending := len(s.events); pending > 0; pending-- {
		select {
		case ev := <-s.events:
			s.handle(ev)
		default:
			pending = 0
		}
	}
	if s.read != r {
		return
	}
	r.timer = nil
	s.dlogf("Read from %s timed out with %d of %d bytes", s.name, r.got, r.need)
	s.completeRead(base.ErrCommunicationTimeout)
}

// stage moves bytes held by the socket into the pending read without completing it.
func (s *Socket) stage() {
	r := s.read
	if r == nil || len(s.rx) == 0 {
		return
	}
	r.buf.Write(s.rx)
	r.got += len(s.rx)
	s.rx = s.rx[:0]
}

func (s *Socket) feed() {
	s.stage()
	if r := s.read; r != nil && r.got >= r.need {
		s.completeRead(nil)
	}
}

func (s *Socket) completeRead(err error) {
	r := s.read
	if r == nil {
		return
	}
	s.read = nil
	if r.timer != nil {
		_ = r.timer.Stop() // stale fires are dropped by id
		r.timer = nil
	}
	r.done = true
	r.err = err
	if !r.sync && s.onRead != nil {
		s.onRead(r.got, err)
	}
}

func (s *Socket) arm(buf *bytes.Buffer, readAtLeast int, timeout time.Duration, sync bool) (*pendingRead, error) {
	if s.state != stateOpen {
		return nil, base.ErrNotOpened
	}
	if s.read != nil {
		return nil, base.ErrReadPending
	}
	if buf == nil {
		return nil, base.ErrNothingToRead
	}
	if readAtLeast < 1 {
		readAtLeast = 1
	}
	r := &pendingRead{buf: buf, need: readAtLeast, sync: sync}
	if timeout > 0 {
		s.timerSeq++
		id := s.timerSeq
		gen := s.gen
		done := s.done
		r.timerID = id
		r.timer = s.clock.AfterFunc(timeout, func() {
			s.post(done, event{kind: evDeadline, gen: gen, timer: id})
		})
	}
	s.read = r
	return r, nil
}

func (s *Socket) ReadAsync(buf *bytes.Buffer, readAtLeast int, timeout time.Duration) error {
	r, err := s.arm(buf, readAtLeast, timeout, false)
	if err != nil {
		return err
	}
	// held bytes count towards the read right away, the callback still fires from drain
	s.stage()
	if r.got >= r.need {
		s.kick = true
	}
	return nil
}

func (s *Socket) AppendAsyncReadResult(buf *bytes.Buffer, readAtLeast int) bool {
	return s.ReadAsync(buf, readAtLeast, 0) == nil
}

// Read waits for readAtLeast bytes (at least one) driving only this socket's completions.
// On timeout the bytes received so far stay in buf and their count is returned with
// base.ErrCommunicationTimeout.
func (s *Socket) Read(buf *bytes.Buffer, readAtLeast int, timeout time.Duration) (int, error) {
	r, err := s.arm(buf, readAtLeast, timeout, true)
	if err != nil {
		return 0, err
	}
	s.feed()
	for !r.done {
		s.handle(<-s.events)
	}
	return r.got, r.err
}

func (s *Socket) Write(data []byte, async bool) (int, error) {
	if s.state != stateOpen {
		return 0, base.ErrNotOpened
	}
	if len(data) == 0 {
		return 0, nil
	}
	op := &writeOp{data: bytes.Clone(data), sync: !async}
	select {
	case s.writes <- op:
	default:
		return 0, ErrWriteQueueFull
	}
	s.queued = append(s.queued, op)
	if async {
		return 0, nil
	}
	for !op.done {
		s.handle(<-s.events)
	}
	return op.n, op.err
}

// DiscardInput drops bytes received but not yet handed to a read.
// A pending read keeps what it already took.
func (s *Socket) DiscardInput() {
	s.rx = s.rx[:0]
}

// CancelQueuedWrites cancels writes the writer goroutine has not picked up yet.
func (s *Socket) CancelQueuedWrites() int {
	if s.state != stateOpen {
		return 0
	}
	c := 0
	for {
		select {
		case op := <-s.writes:
			s.finishWrite(op, 0, base.ErrCancelled)
			c++
		default:
			return c
		}
	}
}

func (s *Socket) Close() error {
	s.shutdown(nil)
	return nil
}

func (s *Socket) shutdown(cause error) {
	if s.state == stateClosed {
		return
	}
	prev := s.state
	s.state = stateClosed
	s.cancel()
	close(s.done)
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
	s.rx = nil
	s.kick = false

	opErr := cause
	if opErr == nil {
		opErr = base.ErrCancelled
	}
	if prev == stateConnecting && s.onConnect != nil {
		s.onConnect(opErr)
	}
	s.completeRead(opErr)
	queued := s.queued
	s.queued = nil
	for _, op := range queued {
		s.finishWrite(op, 0, opErr)
	}

	if cause != nil {
		s.logf("Connection to %s closed: %v", s.name, cause)
	} else {
		s.logf("Disconnected from %s", s.name)
	}
	s.logf("Total bytes incoming: %v, outgoing: %v", s.totalincoming, s.totaloutgoing)
	if s.onClose != nil {
		s.onClose(cause)
	}
}
