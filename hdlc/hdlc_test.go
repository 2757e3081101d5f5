package hdlc

import (
	"bytes"
	"testing"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testClient  = 0x10
	testLogical = 1
)

// serverFrame builds a frame in the server to client direction with one byte addresses.
func serverFrame(control byte, info []byte, segmented bool) []byte {
	length := 2 + 1 + 1 + 1 + 2
	if len(info) > 0 {
		length += 2 + len(info)
	}
	format := 0xa0 | byte(length>>8)
	if segmented {
		format |= 8
	}
	f := []byte{format, byte(length), testClient<<1 | 1, testLogical<<1 | 1, control | finalBit}
	if len(info) > 0 {
		hcs := crc16(f)
		f = append(f, byte(hcs), byte(hcs>>8))
		f = append(f, info...)
	}
	fcs := crc16(f)
	f = append(f, byte(fcs), byte(fcs>>8))
	return append(append([]byte{0x7e}, f...), 0x7e)
}

// clientFrame splits an outbound frame with one byte addresses into control and info.
func clientFrame(t *testing.T, raw []byte) (control byte, info []byte, segmented bool) {
	t.Helper()
	require.GreaterOrEqual(t, len(raw), 9)
	require.Equal(t, byte(0x7e), raw[0])
	require.Equal(t, byte(0x7e), raw[len(raw)-1])
	length := (int(raw[1])&7)<<8 | int(raw[2])
	require.Equal(t, len(raw)-2, length)
	assert.Equal(t, byte(testLogical<<1|1), raw[3])
	assert.Equal(t, byte(testClient<<1|1), raw[4])
	body := raw[1 : len(raw)-1]
	fcs := crc16(body[:len(body)-2])
	require.Equal(t, fcs, uint16(body[len(body)-2])|uint16(body[len(body)-1])<<8, "fcs")
	if len(body) > 7 {
		hcs := crc16(body[:5])
		require.Equal(t, hcs, uint16(body[5])|uint16(body[6])<<8, "hcs")
		info = body[7 : len(body)-2]
	}
	return raw[5], info, raw[1]&8 != 0
}

func newTestFramer(t *testing.T, maxsnd uint) *maclayer {
	t.Helper()
	f, err := New(&Settings{Logical: testLogical, Client: testClient, MaxRcv: 128, MaxSnd: maxsnd})
	require.NoError(t, err)
	return f.(*maclayer)
}

func connect(t *testing.T, w *maclayer, ua []byte) {
	t.Helper()
	snrm := w.Connect()
	control, _, _ := clientFrame(t, snrm)
	require.Equal(t, byte(controlSNRM|finalBit), control)
	require.False(t, w.Connected())

	in := serverFrame(controlUA, ua, false)
	f, n, err := w.Deframe(in)
	require.NoError(t, err)
	assert.Equal(t, len(in)-1, n)
	assert.Nil(t, f.APDU)
	require.True(t, w.Connected())
}

func TestNewValidatesAddresses(t *testing.T) {
	_, err := New(&Settings{Logical: 0x4000})
	assert.Error(t, err)
	_, err = New(&Settings{Physical: 0x4000})
	assert.Error(t, err)
	_, err = New(&Settings{Client: 0x80})
	assert.Error(t, err)
}

func TestConnectNegotiates(t *testing.T) {
	w := newTestFramer(t, 512)
	ua := []byte{0x81, 0x80, 0x12, 0x05, 0x01, 0x80, 0x06, 0x01, 0x80, 0x07, 0x04, 0x00, 0x00, 0x00, 0x01, 0x08, 0x04, 0x00, 0x00, 0x00, 0x01}
	connect(t, w, ua)
	assert.Equal(t, uint(128), w.maxsnd)
	assert.Equal(t, uint(128), w.maxrcv)
}

func TestRequestResponse(t *testing.T) {
	w := newTestFramer(t, 128)
	connect(t, w, nil)

	var out bytes.Buffer
	require.NoError(t, w.Frame(&out, 1, []byte{0xc0, 0x01, 0xc1}))
	control, info, segmented := clientFrame(t, out.Bytes())
	assert.Equal(t, byte(0x10), control)
	assert.False(t, segmented)
	assert.Equal(t, []byte{0xe6, 0xe6, 0x00, 0xc0, 0x01, 0xc1}, info)

	// server N(R)=1, N(S)=0
	in := serverFrame(0x20, []byte{0xe6, 0xe7, 0x00, 0xc4, 0x01, 0xc1, 0x00}, false)
	f, n, err := w.Deframe(in)
	require.NoError(t, err)
	assert.Equal(t, len(in)-1, n)
	assert.Equal(t, []byte{0xc4, 0x01, 0xc1, 0x00}, f.APDU)
	assert.Equal(t, uint16(testLogical), f.Server)
	assert.Nil(t, f.Reply)
}

func TestSegmentedReceive(t *testing.T) {
	w := newTestFramer(t, 128)
	connect(t, w, nil)
	var out bytes.Buffer
	require.NoError(t, w.Frame(&out, 1, []byte{0xc0}))

	f, _, err := w.Deframe(serverFrame(0x20, []byte{0xe6, 0xe7, 0x00, 0xc4, 0x01}, true))
	require.NoError(t, err)
	assert.Nil(t, f.APDU)
	control, _, _ := clientFrame(t, f.Reply)
	assert.Equal(t, byte(1<<5|1|finalBit), control, "RR with N(R)=1")

	f, _, err = w.Deframe(serverFrame(0x22, []byte{0xc1, 0x00}, false))
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc4, 0x01, 0xc1, 0x00}, f.APDU)
	assert.Nil(t, f.Reply)
}

func TestSegmentedSend(t *testing.T) {
	w := newTestFramer(t, 128)
	connect(t, w, nil)

	apdu := bytes.Repeat([]byte{0xaa}, 200)
	var out bytes.Buffer
	require.NoError(t, w.Frame(&out, 1, apdu))
	control, first, segmented := clientFrame(t, out.Bytes())
	assert.True(t, segmented)
	assert.Equal(t, byte(0x10), control)
	assert.Len(t, first, 128)
	require.ErrorIs(t, w.Frame(&out, 1, apdu), ErrSegmentPending)

	f, _, err := w.Deframe(serverFrame(1<<5|1, nil, false))
	require.NoError(t, err)
	control, second, segmented := clientFrame(t, f.Reply)
	assert.False(t, segmented)
	assert.Equal(t, byte(1<<1|finalBit), control)
	assert.Equal(t, append([]byte{0xe6, 0xe6, 0x00}, apdu...), append(first, second...))
}

func TestSequenceMismatch(t *testing.T) {
	w := newTestFramer(t, 128)
	connect(t, w, nil)
	var out bytes.Buffer
	require.NoError(t, w.Frame(&out, 1, []byte{0xc0}))

	_, _, err := w.Deframe(serverFrame(0x22, []byte{0xe6, 0xe7, 0x00, 0xc4}, false))
	require.ErrorIs(t, err, ErrSequence)
}

func TestDisconnect(t *testing.T) {
	w := newTestFramer(t, 128)
	assert.Nil(t, w.Disconnect(), "link down")
	connect(t, w, nil)

	control, _, _ := clientFrame(t, w.Disconnect())
	assert.Equal(t, byte(controlDISC|finalBit), control)
	_, _, err := w.Deframe(serverFrame(controlUA, nil, false))
	require.NoError(t, err)
	assert.False(t, w.Connected())
}

func TestDisconnectedMode(t *testing.T) {
	w := newTestFramer(t, 128)
	w.Connect()
	_, _, err := w.Deframe(serverFrame(controlDM, nil, false))
	require.ErrorIs(t, err, ErrDisconnectedMode)
	assert.False(t, w.Connected())
}

func TestDeframeStream(t *testing.T) {
	w := newTestFramer(t, 128)
	w.Connect()

	in := serverFrame(controlUA, nil, false)
	for i := 0; i < len(in); i++ {
		_, _, err := w.Deframe(in[:i])
		require.ErrorIs(t, err, base.ErrIncomplete, "prefix %d", i)
	}

	noisy := append([]byte{0x01, 0x02}, in...)
	_, n, err := w.Deframe(noisy)
	require.NoError(t, err)
	assert.Equal(t, len(noisy)-1, n)
	assert.True(t, w.Connected())

	// shared flag between frames
	var out bytes.Buffer
	require.NoError(t, w.Frame(&out, 1, []byte{0xc0}))
	resp := serverFrame(0x20, []byte{0xe6, 0xe7, 0x00, 0xc4}, false)
	stream := append([]byte{0x7e}, resp...)
	f, n, err := w.Deframe(stream)
	require.NoError(t, err)
	assert.Equal(t, len(stream)-1, n)
	assert.Equal(t, []byte{0xc4}, f.APDU)
}

func TestDeframeCorrupted(t *testing.T) {
	w := newTestFramer(t, 128)
	w.Connect()

	in := serverFrame(controlUA, nil, false)
	in[len(in)-2] ^= 0xff
	_, n, err := w.Deframe(in)
	require.Error(t, err)
	assert.Equal(t, len(in)-1, n)

	_, n, err = w.Deframe(bytes.Repeat([]byte{0x55}, maxBytesBefore7e+1))
	require.Error(t, err)
	assert.Equal(t, maxBytesBefore7e+1, n)

	_, n, err = w.Deframe([]byte{0x7e, 0x11, 0x22, 0x33})
	require.Error(t, err)
	assert.Equal(t, 1, n)
}
