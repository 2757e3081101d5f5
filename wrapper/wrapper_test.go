package wrapper

import (
	"bytes"
	"testing"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame(t *testing.T) {
	w := New(1)
	var out bytes.Buffer
	require.NoError(t, w.Frame(&out, 17, []byte{0xc0, 0x01, 0xc1}))
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x11, 0x00, 0x03, 0xc0, 0x01, 0xc1}, out.Bytes())

	require.ErrorIs(t, w.Frame(&out, 1, make([]byte, 70000)), base.ErrFrameTooBig)
	assert.Nil(t, w.Connect())
	assert.True(t, w.Connected())
}

func TestDeframe(t *testing.T) {
	w := New(1)
	in := []byte{0x00, 0x01, 0x00, 0x11, 0x00, 0x01, 0x00, 0x02, 0xc4, 0x01, 0xff}

	for i := 0; i < 10; i++ {
		_, n, err := w.Deframe(in[:i])
		require.ErrorIs(t, err, base.ErrIncomplete, "prefix %d", i)
		assert.Zero(t, n)
	}

	f, n, err := w.Deframe(in)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, uint16(17), f.Server)
	assert.Equal(t, []byte{0xc4, 0x01}, f.APDU)
	assert.Nil(t, f.Reply)
}

func TestDeframeErrors(t *testing.T) {
	w := New(1)

	_, n, err := w.Deframe([]byte{0x00, 0x02, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0xaa})
	require.ErrorIs(t, err, ErrInvalidVersion)
	assert.Equal(t, 9, n)

	_, n, err = w.Deframe([]byte{0x00, 0x01, 0x00, 0x01, 0x00, 0x05, 0x00, 0x01, 0xaa, 0x00})
	require.ErrorIs(t, err, ErrForeignFrame)
	assert.Equal(t, 9, n)
}
