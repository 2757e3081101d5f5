package reactor

import (
	"testing"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSocketMediumMismatch(t *testing.T) {
	f := NewFactory(newPipeLink())
	_, err := f.CreateSocket(base.Options{Medium: base.MediumSerial})
	require.ErrorIs(t, err, base.ErrMediumMismatch)
	assert.Zero(t, f.Len())
}

func TestReleaseSocket(t *testing.T) {
	l := newPipeLink()
	f := NewFactory(l)
	other := NewFactory(l)

	s, err := f.CreateSocket(base.Options{Medium: base.MediumNetwork})
	require.NoError(t, err)
	foreign, err := other.CreateSocket(base.Options{Medium: base.MediumNetwork})
	require.NoError(t, err)
	require.Equal(t, 1, f.Len())

	require.ErrorIs(t, f.ReleaseSocket(foreign), base.ErrUnknownSocket)
	require.Equal(t, 1, f.Len())

	require.NoError(t, f.ReleaseSocket(s))
	assert.Zero(t, f.Len())
	require.ErrorIs(t, f.ReleaseSocket(s), base.ErrUnknownSocket)
	require.ErrorIs(t, s.Open("meter", 4059), base.ErrClosed)
}

func TestReleaseClosesOpenSocket(t *testing.T) {
	l := newPipeLink()
	f := NewFactory(l)
	s, _ := openPipe(t, f, l)

	closed := 0
	s.RegisterCloseHandler(func(error) { closed++ })
	require.NoError(t, f.ReleaseSocket(s))
	assert.Equal(t, 1, closed)
	assert.False(t, s.IsConnected())
}

func TestProcessReportsPendingWork(t *testing.T) {
	l := newPipeLink()
	f := NewFactory(l)
	assert.False(t, f.Process(), "empty pool")

	s, err := f.CreateSocket(base.Options{Medium: base.MediumNetwork})
	require.NoError(t, err)
	assert.False(t, f.Process(), "closed socket")

	require.NoError(t, s.Open("meter", 4059))
	assert.True(t, s.(*Socket).busy(), "connect in flight")
	processUntil(t, f, s.IsConnected)
	peer := <-l.peers
	defer peer.Close()

	assert.False(t, f.Process(), "idle open socket")
}
