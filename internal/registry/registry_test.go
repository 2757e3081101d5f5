package registry

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestParseLine(t *testing.T) {
	s, err := ParseLine("medium,10.0.0.5, [fe80::1]:4059 ,meter.local\r\n")
	require.NoError(t, err)
	assert.Equal(t, PayloadMedium, s.Payload)
	assert.Equal(t, []string{"10.0.0.5", "[fe80::1]:4059", "meter.local"}, s.Meters)

	s, err = ParseLine("small,")
	require.NoError(t, err)
	assert.Equal(t, PayloadSmall, s.Payload)
	assert.Zero(t, s.Len())

	s, err = ParseLine("LARGE,a,,b")
	require.NoError(t, err)
	assert.Equal(t, PayloadLarge, s.Payload)
	assert.Equal(t, []string{"a", "b"}, s.Meters)
}

func TestParseLineErrors(t *testing.T) {
	_, err := ParseLine("")
	assert.ErrorIs(t, err, ErrInvalidLine)
	_, err = ParseLine("huge,10.0.0.1")
	assert.ErrorIs(t, err, ErrInvalidPayload)
	_, err = ParseLine("small,10.0.0.1\x00")
	assert.ErrorIs(t, err, ErrInvalidLine)
}

func TestPayloadAttribute(t *testing.T) {
	assert.Equal(t, "0-0:96.1.0*255", PayloadSmall.Attribute().Instance)
	assert.Equal(t, "0-0:96.1.4*255", PayloadMedium.Attribute().Instance)
	assert.Equal(t, "0-0:96.1.9*255", PayloadLarge.Attribute().Instance)
	a := PayloadLarge.Attribute()
	assert.Equal(t, uint16(1), a.ClassID)
	assert.Equal(t, int8(2), a.Attribute)
}

func TestInterpretReplacesSnapshot(t *testing.T) {
	r := New(zaptest.NewLogger(t).Sugar())
	assert.Zero(t, r.Snapshot().Len())

	require.NoError(t, r.Interpret("small,a,b"))
	first := r.Snapshot()
	require.NoError(t, r.Interpret("large,c"))

	assert.Equal(t, []string{"a", "b"}, first.Meters)
	assert.Equal(t, PayloadLarge, r.Snapshot().Payload)
	assert.Equal(t, []string{"c"}, r.Snapshot().Meters)

	assert.Error(t, r.Interpret("bogus,d"))
	assert.Equal(t, []string{"c"}, r.Snapshot().Meters)
}

func TestClear(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Interpret("medium,a"))
	r.Clear()
	assert.Zero(t, r.Snapshot().Len())
	assert.Equal(t, PayloadMedium, r.Snapshot().Payload)
}

func TestClearIfKeepsNewerRegistration(t *testing.T) {
	r := New(nil)
	require.NoError(t, r.Interpret("small,a"))
	polled := r.Snapshot()
	require.NoError(t, r.Interpret("small,b"))

	assert.False(t, r.ClearIf(polled))
	assert.Equal(t, []string{"b"}, r.Snapshot().Meters)
	assert.True(t, r.ClearIf(r.Snapshot()))
	assert.Zero(t, r.Snapshot().Len())
}

func TestConcurrentReadersSeeWholeSnapshots(t *testing.T) {
	r := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				s := r.Snapshot()
				if s.Len() > 0 {
					assert.Len(t, s.Meters, 2)
				}
			}
		}()
	}
	for j := 0; j < 1000; j++ {
		require.NoError(t, r.Interpret("small,x,y"))
		r.Clear()
	}
	wg.Wait()
}

func TestListener(t *testing.T) {
	r := New(zaptest.NewLogger(t).Sugar())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- r.Serve(ctx, ln) }()

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	_, err = conn.Write([]byte("bogus,1\nlarge,10.0.0.7,10.0.0.8"))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return r.Snapshot().Len() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, PayloadLarge, r.Snapshot().Payload)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}
