package llc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndStrip(t *testing.T) {
	out := Append(nil, []byte{0xc0, 0x01})
	assert.Equal(t, []byte{0xe6, 0xe6, 0x00, 0xc0, 0x01}, out)

	cmd, err := StripCommand(out)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc0, 0x01}, cmd)

	resp := AppendResponse(nil, []byte{0xc4})
	apdu, err := Strip(resp)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xc4}, apdu)

	_, err = Strip(out)
	assert.Error(t, err)
	_, err = Strip([]byte{0xe6})
	assert.Error(t, err)
}
