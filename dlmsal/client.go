// Package dlmsal implements the client side of the DLMS/COSEM application layer on top of an
// asynchronous transport socket.
//
// The client never blocks. Requests are encoded, framed and queued on the socket, answers are
// matched to their request on the goroutine driving the socket (Factory.Process) and handed
// to a single Handler as Confirmation values.
//
// Basic usage:
//
//	f := tcp.NewFactory()
//	s, _ := f.CreateSocket(tcp.Options(base.FamilyAny, 10*time.Second))
//	c := dlmsal.New(s, wrapper.New(1), handlers.Handle, dlmsal.WithFactory(f))
//	defer c.Close()
//
//	_ = s.Open("10.0.0.1", base.DefaultPort)
//	if err := c.OpenWhenReady(ctx, f, 1, dlmsal.NewSecurityNone(), dlmsal.InitiateParameters{}); err != nil {
//		return err
//	}
//	_ = c.Await(ctx, f, c.IsOpen)
//	token, err := c.Get(dlmsal.AttributeDescriptor{ClassID: 1, Instance: "0-0:96.1.0*255", Attribute: 2})
package dlmsal

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	DefaultMaxPduSize   = 640
	DefaultPollInterval = 10 * time.Millisecond

	invokeIDs = apdu.MaxInvokeID + 1
)

// RequestToken identifies one Get, Set or Action until its confirmation, never 0.
type RequestToken uint32

type AttributeDescriptor = apdu.AttributeDescriptor
type MethodDescriptor = apdu.MethodDescriptor

// SecurityOptions selects the association security. The authentication value is sent as is,
// Ciphered only requests the ciphered application context and needs an 8 byte system title.
type SecurityOptions struct {
	Authentication base.Authentication
	Password       []byte
	Ciphered       bool
	SystemTitle    []byte
}

func NewSecurityNone() SecurityOptions {
	return SecurityOptions{Authentication: base.AuthenticationNone}
}

func NewSecurityLow(password string) SecurityOptions {
	return SecurityOptions{Authentication: base.AuthenticationLow, Password: []byte(password)}
}

// InitiateParameters is the xDLMS negotiation proposal, zero values select the defaults.
type InitiateParameters struct {
	Conformance uint32
	MaxPduSize  uint16
}

func (p InitiateParameters) request() apdu.InitiateRequest {
	r := apdu.InitiateRequest{Conformance: p.Conformance, MaxPduRecvSize: p.MaxPduSize}
	if r.Conformance == 0 {
		r.Conformance = base.ConformanceBlockDefault
	}
	if r.MaxPduRecvSize == 0 {
		r.MaxPduRecvSize = DefaultMaxPduSize
	}
	return r
}

type requestKind byte

const (
	kindGet requestKind = iota
	kindSet
	kindAction
)

func (k requestKind) String() string {
	switch k {
	case kindGet:
		return "get"
	case kindSet:
		return "set"
	default:
		return "action"
	}
}

type pendingRequest struct {
	token RequestToken
	kind  requestKind
	order uint64
	// get with data block
	block  uint32
	blocks []byte
}

type Option func(*Client)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithFactory hands the socket back to f on Close.
func WithFactory(f base.Factory) Option {
	return func(c *Client) {
		c.factory = f
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Client) {
		c.clock = clk
	}
}

// WithPollInterval sets how long Await sleeps when the processor reports nothing in flight.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

func WithHighPriority(high bool) Option {
	return func(c *Client) {
		c.priority = high
	}
}

// Client is one association with one server over one socket. It is not safe for concurrent
// use: every method and every confirmation runs on the goroutine owning the socket.
type Client struct {
	socket  base.Socket
	factory base.Factory
	framer  base.Framer
	handler Handler
	logger  *zap.SugaredLogger
	clock   clock.Clock

	pollInterval time.Duration
	priority     bool

	state      AssociationState
	server     uint16
	appctx     base.ApplicationContext
	negotiated apdu.InitiateResponse
	connectErr error
	closed     bool

	rx    bytes.Buffer
	inbuf []byte
	out   bytes.Buffer

	pending    [invokeIDs]*pendingRequest
	npending   int
	nextInvoke byte
	lastToken  RequestToken
	issued     uint64
}

// New takes ownership of socket, nothing else may register handlers on it or use it afterwards.
func New(socket base.Socket, framer base.Framer, handler Handler, opts ...Option) *Client {
	c := &Client{
		socket:       socket,
		framer:       framer,
		handler:      handler,
		clock:        clock.RealClock{},
		pollInterval: DefaultPollInterval,
	}
	for _, o := range opts {
		o(c)
	}
	socket.RegisterConnectHandler(c.onConnect)
	socket.RegisterReadHandler(c.onRead)
	socket.RegisterWriteHandler(c.onWrite)
	socket.RegisterCloseHandler(c.onClose)
	if socket.IsConnected() {
		c.onConnect(nil)
	}
	return c
}

func (c *Client) logf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Infof(format, v...)
	}
}

func (c *Client) dlogf(format string, v ...any) {
	if c.logger != nil {
		c.logger.Debugf(format, v...)
	}
}

func (c *Client) SetLogger(logger *zap.SugaredLogger) {
	c.logger = logger
}

func (c *Client) State() AssociationState {
	return c.state
}

func (c *Client) IsOpen() bool {
	return c.state == StateOpen
}

// IsTransportConnected reports the socket connected and the link layer set up.
func (c *Client) IsTransportConnected() bool {
	return !c.closed && c.socket.IsConnected() && c.framer.Connected()
}

// Pending returns the number of requests waiting for a confirmation.
func (c *Client) Pending() int {
	return c.npending
}

// Negotiated returns the server's initiate response of the open association.
func (c *Client) Negotiated() apdu.InitiateResponse {
	return c.negotiated
}

// Open sends the association request. Nothing is sent and the state stays when the transport
// is not ready yet or an association exists, the caller may retry.
func (c *Client) Open(destination uint16, sec SecurityOptions, init InitiateParameters) error {
	if c.closed {
		return ErrClosed
	}
	if !c.IsTransportConnected() {
		return ErrTransportNotReady
	}
	if c.state != StateNotOpen {
		return fmt.Errorf("%w: open in state %v", ErrInvalidState, c.state)
	}

	appctx := base.ApplicationContextLNNoCiphering
	if sec.Ciphered {
		if len(sec.SystemTitle) != 8 {
			return fmt.Errorf("ciphered context needs an 8 byte system title, got %d", len(sec.SystemTitle))
		}
		appctx = base.ApplicationContextLNCiphering
	}
	if sec.Authentication == base.AuthenticationLow && len(sec.Password) == 0 {
		return fmt.Errorf("low authentication needs a password")
	}
	pdu := apdu.EncodeAARQ(&apdu.AARQ{
		ApplicationContext:  appctx,
		Authentication:      sec.Authentication,
		AuthenticationValue: sec.Password,
		SystemTitle:         sec.SystemTitle,
		Initiate:            init.request(),
	})
	if err := c.send(destination, pdu); err != nil {
		return err
	}
	c.server = destination
	c.appctx = appctx
	c.negotiated = apdu.InitiateResponse{}
	c.state = StateOpening
	c.logf("Association requested, destination %d, authentication %d", destination, sec.Authentication)
	return nil
}

func (c *Client) Get(desc AttributeDescriptor) (RequestToken, error) {
	return c.request(kindGet, func(id byte) ([]byte, error) {
		return apdu.EncodeGetRequest(&apdu.GetRequest{InvokeID: id, Priority: c.priority, Attribute: desc})
	})
}

// GetWithAccess is Get restricted by selective access, e.g. apdu.RangeAccess for a profile.
func (c *Client) GetWithAccess(desc AttributeDescriptor, access *apdu.SelectiveAccess) (RequestToken, error) {
	return c.request(kindGet, func(id byte) ([]byte, error) {
		return apdu.EncodeGetRequest(&apdu.GetRequest{InvokeID: id, Priority: c.priority, Attribute: desc, Access: access})
	})
}

func (c *Client) Set(desc AttributeDescriptor, value apdu.Data) (RequestToken, error) {
	return c.request(kindSet, func(id byte) ([]byte, error) {
		return apdu.EncodeSetRequest(&apdu.SetRequest{InvokeID: id, Priority: c.priority, Attribute: desc, Value: value})
	})
}

// Action invokes a method, value nil sends no parameters.
func (c *Client) Action(desc MethodDescriptor, value *apdu.Data) (RequestToken, error) {
	return c.request(kindAction, func(id byte) ([]byte, error) {
		return apdu.EncodeActionRequest(&apdu.ActionRequest{InvokeID: id, Priority: c.priority, Method: desc, Parameter: value})
	})
}

func (c *Client) request(kind requestKind, encode func(id byte) ([]byte, error)) (RequestToken, error) {
	if c.state != StateOpen {
		return 0, fmt.Errorf("%w: %v in state %v", ErrNotOpen, kind, c.state)
	}
	id, ok := c.freeInvokeID()
	if !ok {
		return 0, ErrTooManyPending
	}
	pdu, err := encode(id)
	if err != nil {
		return 0, fmt.Errorf("unable to encode %v request: %w", kind, err)
	}
	if m := c.negotiated.ServerMaxReceivePduSize; m != 0 && len(pdu) > int(m) {
		return 0, fmt.Errorf("%w: %d > %d", ErrPduTooBig, len(pdu), m)
	}
	if err := c.send(c.server, pdu); err != nil {
		return 0, err
	}

	c.lastToken++
	if c.lastToken == 0 {
		c.lastToken = 1
	}
	c.issued++
	c.pending[id] = &pendingRequest{token: c.lastToken, kind: kind, order: c.issued}
	c.npending++
	c.nextInvoke = (id + 1) & apdu.MaxInvokeID
	c.dlogf("%v request sent, invoke id %d, token %d", kind, id, c.lastToken)
	return c.lastToken, nil
}

// freeInvokeID starts after the last used id, a retired id comes back only after the other 15.
// Responses are matched by invoke id alone.
func (c *Client) freeInvokeID() (byte, bool) {
	for i := 0; i < invokeIDs; i++ {
		id := (c.nextInvoke + byte(i)) & apdu.MaxInvokeID
		if c.pending[id] == nil {
			return id, true
		}
	}
	return 0, false
}

// Release sends the release request, the transport stays connected.
func (c *Client) Release(init *InitiateParameters) error {
	if c.state != StateOpen {
		return fmt.Errorf("%w: release in state %v", ErrNotOpen, c.state)
	}
	var ir *apdu.InitiateRequest
	if init != nil {
		r := init.request()
		ir = &r
	}
	if err := c.send(c.server, apdu.EncodeRLRQ(ir)); err != nil {
		return err
	}
	c.state = StateReleasing
	c.logf("Release requested")
	return nil
}

// Close drops the association without a release, disconnects the link layer, closes the socket
// and hands it back to its factory. An association still open ends with an AbortIndication.
func (c *Client) Close() error {
	if c.closed {
		return nil
	}
	if c.socket.IsConnected() && c.framer.Connected() {
		if disc := c.framer.Disconnect(); disc != nil {
			if _, err := c.socket.Write(disc, false); err != nil {
				c.dlogf("Unable to send link disconnect: %v", err)
			}
		}
	}
	c.closed = true
	err := c.socket.Close()
	if c.factory != nil {
		if rerr := c.factory.ReleaseSocket(c.socket); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

func (c *Client) send(server uint16, pdu []byte) error {
	c.out.Reset()
	if err := c.framer.Frame(&c.out, server, pdu); err != nil {
		return fmt.Errorf("unable to frame apdu: %w", err)
	}
	if _, err := c.socket.Write(c.out.Bytes(), true); err != nil {
		return fmt.Errorf("unable to write frame: %w", err)
	}
	return nil
}

func (c *Client) emit(cf Confirmation) {
	if c.handler == nil {
		return
	}
	if !c.handler(cf) {
		c.dlogf("Handler did not accept %T", cf)
	}
}

func (c *Client) clearPending() int {
	n := c.npending
	c.pending = [invokeIDs]*pendingRequest{}
	c.npending = 0
	return n
}

func (c *Client) retire(id byte) *pendingRequest {
	p := c.pending[id]
	if p != nil {
		c.pending[id] = nil
		c.npending--
	}
	return p
}

func (c *Client) abort(server uint16, reason error) {
	if !c.state.associated() {
		return
	}
	associated := c.state != StateOpening
	c.state = StateAborted
	if n := c.clearPending(); n > 0 {
		c.logf("Association aborted with %d requests pending: %v", n, reason)
	} else {
		c.logf("Association aborted: %v", reason)
	}
	c.emit(AbortIndication{ServerAddress: server, Associated: associated, Reason: reason})
}
