// Package wrapper implements the DLMS Wrapper framing for TCP/IP transport.
//
// The wrapper adds a 8-byte header containing:
//   - Version (2 bytes): Always 0x0001
//   - Source WPORT (2 bytes): Logical address of sender
//   - Destination WPORT (2 bytes): Logical address of receiver
//   - Length (2 bytes): Payload length
//
// The link has no setup, Connect and Disconnect return nil.
//
// Usage:
//
//	w := wrapper.New(1)
//	err := w.Frame(&out, 1, apdu)
package wrapper

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"go.uber.org/zap"
)

const (
	headerSize = 8
	maxPayload = 65535
)

var (
	ErrInvalidVersion = errors.New("invalid header version")
	ErrForeignFrame   = errors.New("frame not addressed to this client")
)

type wrapper struct {
	source uint16
	logger *zap.SugaredLogger
}

// New creates a wrapper framer for the client WPORT source.
func New(source uint16) base.Framer {
	return &wrapper{source: source}
}

// NewWithLogger is New with diagnostics of dropped frames.
func NewWithLogger(source uint16, logger *zap.SugaredLogger) base.Framer {
	return &wrapper{source: source, logger: logger}
}

func (w *wrapper) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}

func (w *wrapper) Connect() []byte {
	return nil
}

func (w *wrapper) Connected() bool {
	return true
}

func (w *wrapper) Disconnect() []byte {
	return nil
}

func (w *wrapper) Reset() {}

func (w *wrapper) Frame(dst *bytes.Buffer, server uint16, apdu []byte) error {
	if len(apdu) > maxPayload {
		return fmt.Errorf("%w: size=%d max=%d", base.ErrFrameTooBig, len(apdu), maxPayload)
	}
	var hdr [headerSize]byte
	hdr[0] = 0
	hdr[1] = 1
	hdr[2] = byte(w.source >> 8)
	hdr[3] = byte(w.source)
	hdr[4] = byte(server >> 8)
	hdr[5] = byte(server)
	hdr[6] = byte(len(apdu) >> 8)
	hdr[7] = byte(len(apdu))
	dst.Write(hdr[:])
	dst.Write(apdu)
	return nil
}

func (w *wrapper) Deframe(src []byte) (frame base.Frame, consumed int, err error) {
	if len(src) < headerSize {
		return frame, 0, base.ErrIncomplete
	}
	if src[0] != 0 || src[1] != 1 {
		// no way to find the next header in the stream
		return frame, len(src), ErrInvalidVersion
	}
	rsrc := uint16(src[2])<<8 | uint16(src[3])
	rdest := uint16(src[4])<<8 | uint16(src[5])
	length := int(uint16(src[6])<<8 | uint16(src[7]))
	if len(src) < headerSize+length {
		return frame, 0, base.ErrIncomplete
	}
	consumed = headerSize + length
	if rdest != w.source {
		w.logf("Dropping wrapper frame from %d to %d", rsrc, rdest)
		return frame, consumed, fmt.Errorf("%w: destination %d", ErrForeignFrame, rdest)
	}
	frame.Server = rsrc
	frame.APDU = bytes.Clone(src[headerSize:consumed])
	return frame, consumed, nil
}
