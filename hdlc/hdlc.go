// Package hdlc implements the IEC 62056-46 HDLC framing as an incremental base.Framer.
//
// The framer does no I/O. Connect returns the SNRM frame, Deframe consumes the UA, every
// I-frame carries the LLC header and long APDUs are split into segments. While a segmented
// exchange runs in either direction Deframe returns the frame to send back in Frame.Reply
// (RR while receiving, the next segment while sending).
package hdlc

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/llc"
	"go.uber.org/zap"
)

const (
	maxBytesBefore7e = 100
	maxLength        = 2050
	initpacketlength = 2000
	maxBody          = 1000000

	controlSNRM = 0x83
	controlUA   = 0x63
	controlDISC = 0x43
	controlDM   = 0x0f
	controlUI   = 0x03
	controlFRMR = 0x87
	finalBit    = 0x10
)

var (
	ErrNotConnected     = errors.New("hdlc link not connected")
	ErrDisconnectedMode = errors.New("server is in disconnected mode")
	ErrSequence         = errors.New("unexpected frame numbering")
	ErrSegmentPending   = errors.New("previous segmented frame not yet sent")
)

type linkState int

const (
	linkDown linkState = iota
	linkConnecting
	linkUp
	linkDisconnecting
)

type Settings struct {
	Logical  uint16
	Physical uint16
	Client   byte
	MaxRcv   uint
	MaxSnd   uint
	Logger   *zap.SugaredLogger
}

type maclayer struct {
	logical  uint16
	physical uint16
	client   byte
	logger   *zap.SugaredLogger
	maxrcv   uint
	maxsnd   uint
	reqrcv   uint
	reqsnd   uint
	state    linkState
	controlS byte
	controlR byte
	rx       []byte // info of received segments
	txrest   []byte // llc data still to be sent in further segments
}

type macpacket struct {
	control   byte
	info      []byte
	segmented bool
	server    uint16
}

func New(settings *Settings) (base.Framer, error) {
	if settings.Logical > 0x3fff {
		return nil, fmt.Errorf("invalid logical address")
	}
	if settings.Physical > 0x3fff {
		return nil, fmt.Errorf("invalid physical address")
	}
	if settings.Client > 0x7f {
		return nil, fmt.Errorf("invalid client address")
	}
	maxrcv := clamp(settings.MaxRcv)
	maxsnd := clamp(settings.MaxSnd)
	return &maclayer{
		logical:  settings.Logical,
		physical: settings.Physical,
		client:   settings.Client,
		logger:   settings.Logger,
		maxrcv:   maxrcv,
		maxsnd:   maxsnd,
		reqrcv:   maxrcv,
		reqsnd:   maxsnd,
	}, nil
}

func clamp(v uint) uint {
	if v > initpacketlength {
		return initpacketlength
	}
	if v < 128 {
		return 128
	}
	return v
}

func (w *maclayer) logf(format string, v ...any) {
	if w.logger != nil {
		w.logger.Infof(format, v...)
	}
}

func (w *maclayer) Connected() bool {
	return w.state == linkUp
}

func (w *maclayer) Reset() {
	w.state = linkDown
	w.controlS = 0
	w.controlR = 0
	w.rx = nil
	w.txrest = nil
	w.maxrcv = w.reqrcv
	w.maxsnd = w.reqsnd
}

// Connect starts the link, always negotiating the information field lengths.
func (w *maclayer) Connect() []byte {
	w.Reset()
	w.state = linkConnecting
	var p []byte
	if w.maxrcv > 128 || w.maxsnd > 128 { // longer snrm
		p = append(p, 0x81, 0x80, 0x14, 0x05, 0x02, byte(w.maxsnd>>8), byte(w.maxsnd), 0x06, 0x02, byte(w.maxrcv>>8), byte(w.maxrcv))
	} else {
		p = append(p, 0x81, 0x80, 0x14, 0x05, 0x01, byte(w.maxsnd), 0x06, 0x01, byte(w.maxrcv))
	}
	p = append(p, 0x07, 0x04, 0x00, 0x00, 0x00, 0x01, 0x08, 0x04, 0x00, 0x00, 0x00, 0x01)

	var out bytes.Buffer
	_ = w.appendFrame(&out, controlSNRM, p, false)
	return out.Bytes()
}

func (w *maclayer) Disconnect() []byte {
	if w.state == linkDown {
		return nil
	}
	w.state = linkDisconnecting
	w.txrest = nil
	w.rx = nil
	var out bytes.Buffer
	_ = w.appendFrame(&out, controlDISC, nil, false)
	return out.Bytes()
}

// Frame queues the apdu as one or more I-frames, only the first segment is written to dst.
// The server address is fixed by Settings, the argument is ignored.
func (w *maclayer) Frame(dst *bytes.Buffer, _ uint16, apdu []byte) error {
	if w.state != linkUp {
		return ErrNotConnected
	}
	if len(w.txrest) > 0 {
		return ErrSegmentPending
	}
	return w.nextSegment(dst, llc.Append(nil, apdu))
}

func (w *maclayer) nextSegment(dst *bytes.Buffer, data []byte) error {
	l := len(data)
	segmented := false
	if l > int(w.maxsnd) {
		l = int(w.maxsnd)
		segmented = true
	}
	if err := w.appendFrame(dst, w.nextcontrol(), data[:l], segmented); err != nil {
		return err
	}
	if segmented {
		w.txrest = data[l:]
	} else {
		w.txrest = nil
	}
	return nil
}

func (w *maclayer) nextcontrol() byte {
	r := (w.controlR << 5) | (w.controlS << 1)
	w.controlS = (w.controlS + 1) & 7
	return r
}

func (w *maclayer) rr() []byte {
	var out bytes.Buffer
	_ = w.appendFrame(&out, (w.controlR<<5)|1, nil, false)
	return out.Bytes()
}

func (w *maclayer) Deframe(src []byte) (frame base.Frame, consumed int, err error) {
	i := bytes.IndexByte(src, 0x7e)
	if i < 0 {
		if len(src) > maxBytesBefore7e {
			return frame, len(src), fmt.Errorf("too many bytes before any 0x7e found")
		}
		return frame, 0, base.ErrIncomplete
	}
	skip := i
	src = src[i:]
	for len(src) >= 2 && src[1] == 0x7e { // closing flag of the previous frame
		skip++
		src = src[1:]
	}
	if len(src) < 3 {
		return frame, skip, base.ErrIncomplete
	}
	if src[1]&0xf0 != 0xa0 {
		return frame, skip + 1, fmt.Errorf("invalid starting packet: %X", src[1])
	}
	length := (int(src[1])&7)<<8 | int(src[2])
	if length < 7 || length > maxLength {
		return frame, skip + 1, fmt.Errorf("invalid packet length %d", length)
	}
	total := length + 2
	if len(src) < total {
		return frame, skip, base.ErrIncomplete
	}
	if src[total-1] != 0x7e {
		return frame, skip + 1, fmt.Errorf("there is no closing tag found")
	}
	// the closing flag may open the next frame
	consumed = skip + total - 1

	pck, err := w.parsepacket(src[1 : total-1])
	if err != nil {
		return frame, consumed, err
	}
	frame, err = w.handle(pck)
	return frame, consumed, err
}

func (w *maclayer) handle(pck macpacket) (frame base.Frame, err error) {
	frame.Server = pck.server
	control := pck.control &^ finalBit
	switch {
	case control == controlUA:
		switch w.state {
		case linkConnecting:
			if err = w.parsesnrmua(pck.info); err != nil {
				w.state = linkDown
				return frame, err
			}
			w.state = linkUp
			w.logf("snrm completed, having maxsnd: %v, maxrcv: %v", w.maxsnd, w.maxrcv)
		case linkDisconnecting:
			w.Reset()
		default:
			w.logf("received UA outside of connect, discarding")
		}
	case control == controlDM:
		wasDisconnecting := w.state == linkDisconnecting
		w.Reset()
		if !wasDisconnecting {
			return frame, ErrDisconnectedMode
		}
	case control == controlFRMR:
		w.Reset()
		return frame, fmt.Errorf("frame rejected by server")
	case control&1 == 0: // I frame
		if w.state != linkUp {
			return frame, ErrNotConnected
		}
		if control>>5 != w.controlS { // handling retransmittion here, that would be fun
			return frame, fmt.Errorf("%w (RRR)", ErrSequence)
		}
		if (control>>1)&7 != w.controlR {
			return frame, fmt.Errorf("%w (SSS)", ErrSequence)
		}
		w.controlR = (w.controlR + 1) & 7
		if len(w.rx)+len(pck.info) > maxBody {
			w.rx = nil
			return frame, fmt.Errorf("too many bytes received")
		}
		w.rx = append(w.rx, pck.info...)
		if pck.segmented {
			frame.Reply = w.rr()
			return frame, nil
		}
		body := w.rx
		w.rx = nil
		apdu, err := llc.Strip(body)
		if err != nil {
			return frame, err
		}
		frame.APDU = apdu
	case control == controlUI:
		w.logf("received UI, discarding")
	case control&0xf == 1: // RR
		if len(w.txrest) == 0 {
			return frame, nil
		}
		if control>>5 != w.controlS {
			return frame, fmt.Errorf("invalid RRR numbering (repetition not yet supported)")
		}
		var out bytes.Buffer
		if err = w.nextSegment(&out, w.txrest); err != nil {
			return frame, err
		}
		frame.Reply = out.Bytes()
	case control&0xf == 5: // RNR
		w.logf("received RNR, waiting")
	default:
		return frame, fmt.Errorf("unexpected frame type %x", pck.control)
	}
	return frame, nil
}

func (w *maclayer) parsesnrmua(ua []byte) error {
	if len(ua) == 0 { // defaults apply
		w.maxrcv = 128
		w.maxsnd = 128
		return nil
	}
	if len(ua) < 3 {
		return fmt.Errorf("too short snrm response")
	}
	if ua[0] != 0x81 || ua[1] != 0x80 {
		return fmt.Errorf("invalid snrm response header")
	}
	if len(ua) != int(ua[2])+3 {
		return fmt.Errorf("invalid snrm response length")
	}
	for i := 3; i < len(ua); i++ {
		con, t, err := readsnrmuatag(ua[i+1:])
		if err != nil {
			return err
		}
		switch ua[i] {
		case 5: // server transmit is our receive
			if t < w.maxrcv {
				w.maxrcv = t
			}
		case 6:
			if t < w.maxsnd {
				w.maxsnd = t
			}
		case 7: // windows always 1 for now
		case 8:
		default:
			return fmt.Errorf("invalid snrm response tag: %v", ua[i])
		}
		i += con
	}
	return nil
}

func readsnrmuatag(t []byte) (int, uint, error) {
	if len(t) < 2 {
		return 0, 0, fmt.Errorf("too short tag")
	}
	switch t[0] {
	case 1:
		return 2, uint(t[1]), nil
	case 2:
		if len(t) < 3 {
			return 0, 0, fmt.Errorf("too short tag")
		}
		return 3, (uint(t[1]) << 8) | uint(t[2]), nil
	case 4:
		if len(t) < 5 {
			return 0, 0, fmt.Errorf("too short tag")
		}
		return 5, (uint(t[1]) << 24) | (uint(t[2]) << 16) | (uint(t[3]) << 8) | uint(t[4]), nil
	default:
		return 0, 0, fmt.Errorf("invalid tag length")
	}
}

// parsepacket checks a frame between flags, the destination (client) address comes first.
func (w *maclayer) parsepacket(ori []byte) (pck macpacket, err error) {
	if len(ori) < 6 {
		return pck, fmt.Errorf("too short packet")
	}

	if ori[2]&1 == 0 {
		return pck, fmt.Errorf("invalid ending bit of client address")
	}
	if ori[2]>>1 != w.client {
		return pck, fmt.Errorf("invalid client address")
	}
	var offset int
	var log uint16 // upper
	var phy uint16 // lower
	switch {
	case ori[3]&1 != 0: // single address
		log = uint16(ori[3] >> 1)
		offset = 1
	case ori[4]&1 != 0: // each single byte
		log = uint16(ori[3] >> 1)
		phy = uint16(ori[4] >> 1)
		offset = 2
	case ori[5]&1 != 0:
		return pck, fmt.Errorf("invalid address field, premature termination bit")
	case len(ori) < 7:
		return pck, fmt.Errorf("too short packet for whole address")
	case ori[6]&1 == 0:
		return pck, fmt.Errorf("there is no termination bit in address field")
	default:
		log = uint16(ori[3]>>1)<<7 | uint16(ori[4]>>1)
		phy = uint16(ori[5]>>1)<<7 | uint16(ori[6]>>1)
		offset = 4
	}

	if log != w.logical {
		return pck, fmt.Errorf("mismatch logical address")
	}
	if phy != w.physical {
		return pck, fmt.Errorf("mismatch physical address")
	}
	if len(ori) < offset+6 {
		return pck, fmt.Errorf("too short packet")
	}

	offset += 3
	pck.server = log
	pck.segmented = ori[0]&8 != 0
	pck.control = ori[offset]
	rem := len(ori) - offset
	switch {
	case rem < 3:
		return pck, fmt.Errorf("too short packet")
	case rem == 3: // just fcs and no info
		fcs := crc16(ori[:len(ori)-2])
		if fcs != uint16(ori[len(ori)-2])|(uint16(ori[len(ori)-1])<<8) {
			return pck, fmt.Errorf("fcs mismatch")
		}
	case rem == 4:
		return pck, fmt.Errorf("invalid packet length")
	default:
		hcs, fcs := crc16Split(ori[:len(ori)-2], offset+1)
		if hcs != uint16(ori[offset+1])|(uint16(ori[offset+2])<<8) {
			return pck, fmt.Errorf("hcs mismatch")
		}
		if fcs != uint16(ori[len(ori)-2])|(uint16(ori[len(ori)-1])<<8) {
			return pck, fmt.Errorf("fcs mismatch")
		}
		pck.info = bytes.Clone(ori[offset+3 : len(ori)-2])
	}
	return pck, nil
}

func (w *maclayer) serverAddress() []byte {
	if w.logical <= 0x7f {
		if w.physical == 0 {
			return []byte{byte(w.logical<<1) | 1}
		}
		if w.physical <= 0x7f {
			return []byte{byte(w.logical << 1), byte(w.physical<<1) | 1}
		}
	}
	return []byte{byte(w.logical>>7) << 1, byte(w.logical << 1), byte(w.physical>>7) << 1, byte(w.physical<<1) | 1}
}

// appendFrame writes one frame with the final bit set, no windowing.
func (w *maclayer) appendFrame(dst *bytes.Buffer, control byte, info []byte, segmented bool) error {
	addr := w.serverAddress()
	length := 2 + len(addr) + 2 + 2
	if len(info) > 0 {
		length += 2 + len(info)
	}
	if length > 0x7ff {
		return fmt.Errorf("too long packet to encode")
	}
	f := make([]byte, 0, length)
	format := 0xa0 | byte(length>>8)
	if segmented {
		format |= 8
	}
	f = append(f, format, byte(length))
	f = append(f, addr...)
	f = append(f, (w.client<<1)|1, control|finalBit)
	if len(info) > 0 {
		hcs := crc16(f)
		f = append(f, byte(hcs), byte(hcs>>8))
		f = append(f, info...)
	}
	fcs := crc16(f)
	f = append(f, byte(fcs), byte(fcs>>8))

	dst.WriteByte(0x7e)
	dst.Write(f)
	dst.WriteByte(0x7e)
	return nil
}

func crc16(d []byte) uint16 {
	c := uint16(0xffff)
	for _, b := range d {
		c = fcstab[byte(c)^b] ^ (c >> 8)
	}
	return c ^ 0xffff
}

// crc16Split returns the header check sequence over d[:ih] and the frame check sequence over d.
func crc16Split(d []byte, ih int) (hcs uint16, fcs uint16) {
	c := uint16(0xffff)
	for i := 0; i < ih; i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	hcs = c ^ 0xffff
	for i := ih; i < len(d); i++ {
		c = fcstab[byte(c)^d[i]] ^ (c >> 8)
	}
	return hcs, c ^ 0xffff
}

var fcstab = [...]uint16{
	0x0000, 0x1189, 0x2312, 0x329b, 0x4624, 0x57ad, 0x6536, 0x74bf,
	0x8c48, 0x9dc1, 0xaf5a, 0xbed3, 0xca6c, 0xdbe5, 0xe97e, 0xf8f7,
	0x1081, 0x0108, 0x3393, 0x221a, 0x56a5, 0x472c, 0x75b7, 0x643e,
	0x9cc9, 0x8d40, 0xbfdb, 0xae52, 0xdaed, 0xcb64, 0xf9ff, 0xe876,
	0x2102, 0x308b, 0x0210, 0x1399, 0x6726, 0x76af, 0x4434, 0x55bd,
	0xad4a, 0xbcc3, 0x8e58, 0x9fd1, 0xeb6e, 0xfae7, 0xc87c, 0xd9f5,
	0x3183, 0x200a, 0x1291, 0x0318, 0x77a7, 0x662e, 0x54b5, 0x453c,
	0xbdcb, 0xac42, 0x9ed9, 0x8f50, 0xfbef, 0xea66, 0xd8fd, 0xc974,
	0x4204, 0x538d, 0x6116, 0x709f, 0x0420, 0x15a9, 0x2732, 0x36bb,
	0xce4c, 0xdfc5, 0xed5e, 0xfcd7, 0x8868, 0x99e1, 0xab7a, 0xbaf3,
	0x5285, 0x430c, 0x7197, 0x601e, 0x14a1, 0x0528, 0x37b3, 0x263a,
	0xdecd, 0xcf44, 0xfddf, 0xec56, 0x98e9, 0x8960, 0xbbfb, 0xaa72,
	0x6306, 0x728f, 0x4014, 0x519d, 0x2522, 0x34ab, 0x0630, 0x17b9,
	0xef4e, 0xfec7, 0xcc5c, 0xddd5, 0xa96a, 0xb8e3, 0x8a78, 0x9bf1,
	0x7387, 0x620e, 0x5095, 0x411c, 0x35a3, 0x242a, 0x16b1, 0x0738,
	0xffcf, 0xee46, 0xdcdd, 0xcd54, 0xb9eb, 0xa862, 0x9af9, 0x8b70,
	0x8408, 0x9581, 0xa71a, 0xb693, 0xc22c, 0xd3a5, 0xe13e, 0xf0b7,
	0x0840, 0x19c9, 0x2b52, 0x3adb, 0x4e64, 0x5fed, 0x6d76, 0x7cff,
	0x9489, 0x8500, 0xb79b, 0xa612, 0xd2ad, 0xc324, 0xf1bf, 0xe036,
	0x18c1, 0x0948, 0x3bd3, 0x2a5a, 0x5ee5, 0x4f6c, 0x7df7, 0x6c7e,
	0xa50a, 0xb483, 0x8618, 0x9791, 0xe32e, 0xf2a7, 0xc03c, 0xd1b5,
	0x2942, 0x38cb, 0x0a50, 0x1bd9, 0x6f66, 0x7eef, 0x4c74, 0x5dfd,
	0xb58b, 0xa402, 0x9699, 0x8710, 0xf3af, 0xe226, 0xd0bd, 0xc134,
	0x39c3, 0x284a, 0x1ad1, 0x0b58, 0x7fe7, 0x6e6e, 0x5cf5, 0x4d7c,
	0xc60c, 0xd785, 0xe51e, 0xf497, 0x8028, 0x91a1, 0xa33a, 0xb2b3,
	0x4a44, 0x5bcd, 0x6956, 0x78df, 0x0c60, 0x1de9, 0x2f72, 0x3efb,
	0xd68d, 0xc704, 0xf59f, 0xe416, 0x90a9, 0x8120, 0xb3bb, 0xa232,
	0x5ac5, 0x4b4c, 0x79d7, 0x685e, 0x1ce1, 0x0d68, 0x3ff3, 0x2e7a,
	0xe70e, 0xf687, 0xc41c, 0xd595, 0xa12a, 0xb0a3, 0x8238, 0x93b1,
	0x6b46, 0x7acf, 0x4854, 0x59dd, 0x2d62, 0x3ceb, 0x0e70, 0x1ff9,
	0xf78f, 0xe606, 0xd49d, 0xc514, 0xb1ab, 0xa022, 0x92b9, 0x8330,
	0x7bc7, 0x6a4e, 0x58d5, 0x495c, 0x3de3, 0x2c6a, 0x1ef1, 0x0f78,
}
