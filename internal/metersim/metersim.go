// Package metersim is a minimal DLMS/COSEM server speaking the wrapper protocol over TCP. It
// answers association, release and LN get/set/action from an in-memory object table and is
// used to exercise the client and the poller end to end.
package metersim

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"go.uber.org/zap"
)

// Call is one recorded action invocation.
type Call struct {
	ClassID   uint16
	Instance  string
	Method    int8
	Parameter []byte
}

type Meter struct {
	// Address is the server wport, Client the only accepted client wport.
	Address uint16
	Client  uint16
	Logger  *zap.SugaredLogger

	mu      sync.Mutex
	values  map[string]apdu.Data
	calls   []Call
	assocs  int
	conns   map[net.Conn]struct{}
	closing bool
}

func New() *Meter {
	return &Meter{
		Address: 1,
		Client:  1,
		values:  map[string]apdu.Data{},
		conns:   map[net.Conn]struct{}{},
	}
}

func key(classID uint16, instance string, attribute int8) string {
	return fmt.Sprintf("%d/%s/%d", classID, instance, attribute)
}

// SetValue stores the value returned for the attribute, instance is OBIS text.
func (m *Meter) SetValue(classID uint16, instance string, attribute int8, value apdu.Data) {
	o := apdu.MustParseObis(instance)
	m.mu.Lock()
	m.values[key(classID, o.String(), attribute)] = value
	m.mu.Unlock()
}

func (m *Meter) Value(classID uint16, instance string, attribute int8) (apdu.Data, bool) {
	o := apdu.MustParseObis(instance)
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key(classID, o.String(), attribute)]
	return v, ok
}

func (m *Meter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Associations counts accepted association requests.
func (m *Meter) Associations() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assocs
}

func (m *Meter) logf(format string, v ...any) {
	if m.Logger != nil {
		m.Logger.Infof(format, v...)
	}
}

// Serve accepts connections until ln is closed.
func (m *Meter) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		m.conns[conn] = struct{}{}
		m.mu.Unlock()
		go m.serveConn(conn)
	}
}

// Close drops every connection in progress.
func (m *Meter) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closing = true
	for c := range m.conns {
		_ = c.Close()
	}
}

func (m *Meter) serveConn(conn net.Conn) {
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		_ = conn.Close()
	}()

	var header [8]byte
	for {
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		l := binary.BigEndian.Uint16(header[6:])
		body := make([]byte, l)
		if _, err := io.ReadFull(conn, body); err != nil {
			return
		}
		if binary.BigEndian.Uint16(header[0:]) != 1 || binary.BigEndian.Uint16(header[4:]) != m.Address {
			m.logf("Dropping frame for %d", binary.BigEndian.Uint16(header[4:]))
			continue
		}
		resp := m.respond(body)
		if resp == nil {
			continue
		}
		out := make([]byte, 8, 8+len(resp))
		binary.BigEndian.PutUint16(out[0:], 1)
		binary.BigEndian.PutUint16(out[2:], m.Address)
		binary.BigEndian.PutUint16(out[4:], binary.BigEndian.Uint16(header[2:]))
		binary.BigEndian.PutUint16(out[6:], uint16(len(resp)))
		if _, err := conn.Write(append(out, resp...)); err != nil {
			return
		}
	}
}

var aare = []byte{
	0x61, 0x29,
	0xa1, 0x09, 0x06, 0x07, 0x60, 0x85, 0x74, 0x05, 0x08, 0x01, 0x01,
	0xa2, 0x03, 0x02, 0x01, 0x00,
	0xa3, 0x05, 0xa1, 0x03, 0x02, 0x01, 0x00,
	0xbe, 0x10, 0x04, 0x0e, 0x08, 0x00, 0x06, 0x5f, 0x1f, 0x04, 0x00, 0x00, 0x50, 0x1f, 0x01, 0xf4, 0x00, 0x07,
}

func descriptor(b []byte) (uint16, string, int8) {
	o, _ := apdu.ObisFromSlice(b[2:8])
	return binary.BigEndian.Uint16(b), o.String(), int8(b[8])
}

func (m *Meter) respond(req []byte) []byte {
	if len(req) == 0 {
		return nil
	}
	switch base.CosemTag(req[0]) {
	case base.TagAARQ:
		m.mu.Lock()
		m.assocs++
		m.mu.Unlock()
		return aare
	case base.TagRLRQ:
		return []byte{0x63, 0x03, 0x80, 0x01, 0x00}
	case base.TagGetRequest:
		if len(req) < 13 || req[1] != byte(apdu.TagGetRequestNormal) {
			return []byte{byte(base.TagExceptionResponse), 0x01, 0x02}
		}
		classID, instance, attr := descriptor(req[3:12])
		m.mu.Lock()
		v, ok := m.values[key(classID, instance, attr)]
		m.mu.Unlock()
		if !ok {
			return []byte{byte(base.TagGetResponse), 0x01, req[2], 0x01, byte(apdu.AccessObjectUndefined)}
		}
		b, err := apdu.EncodeData(v)
		if err != nil {
			return []byte{byte(base.TagGetResponse), 0x01, req[2], 0x01, byte(apdu.AccessOtherReason)}
		}
		return append([]byte{byte(base.TagGetResponse), 0x01, req[2], 0x00}, b...)
	case base.TagSetRequest:
		if len(req) < 14 {
			return []byte{byte(base.TagExceptionResponse), 0x01, 0x02}
		}
		classID, instance, attr := descriptor(req[3:12])
		v, _, err := apdu.DecodeData(req[13:])
		if err != nil {
			return []byte{byte(base.TagSetResponse), 0x01, req[2], byte(apdu.AccessTypeUnmatched)}
		}
		m.mu.Lock()
		m.values[key(classID, instance, attr)] = v
		m.mu.Unlock()
		return []byte{byte(base.TagSetResponse), 0x01, req[2], byte(apdu.AccessSuccess)}
	case base.TagActionRequest:
		if len(req) < 13 {
			return []byte{byte(base.TagExceptionResponse), 0x01, 0x02}
		}
		classID, instance, method := descriptor(req[3:12])
		var param []byte
		if req[12] != 0 {
			param = append(param, req[13:]...)
		}
		m.mu.Lock()
		m.calls = append(m.calls, Call{ClassID: classID, Instance: instance, Method: method, Parameter: param})
		m.mu.Unlock()
		return []byte{byte(base.TagActionResponse), 0x01, req[2], byte(apdu.ActionSuccess), 0x00}
	}
	return []byte{byte(base.TagExceptionResponse), 0x01, 0x02}
}
