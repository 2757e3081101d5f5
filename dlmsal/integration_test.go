package dlmsal_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/dlmsal"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/metersim"
	"github.com/cybroslabs/dlms-accesspoint-go/tcp"
	"github.com/cybroslabs/dlms-accesspoint-go/wrapper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestAssociationOverTCP(t *testing.T) {
	meter := metersim.New()
	meter.SetValue(1, "0-0:96.1.0*255", 2, apdu.NewVisibleString("SIM0001"))
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = meter.Serve(ln) }()
	defer meter.Close()
	defer ln.Close()

	logger := zaptest.NewLogger(t).Sugar()
	f := tcp.NewFactory()
	s, err := f.CreateSocket(tcp.Options(base.FamilyIPv4, time.Second))
	require.NoError(t, err)

	var got []dlmsal.Confirmation
	h := func(c dlmsal.Confirmation) bool {
		got = append(got, c)
		return true
	}
	c := dlmsal.New(s, wrapper.New(1), h, dlmsal.WithFactory(f), dlmsal.WithLogger(logger))
	require.NoError(t, s.Open("127.0.0.1", ln.Addr().(*net.TCPAddr).Port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.OpenWhenReady(ctx, f, 1, dlmsal.NewSecurityNone(), dlmsal.InitiateParameters{}))
	require.NoError(t, c.Await(ctx, f, c.IsOpen))

	token, err := c.Get(dlmsal.AttributeDescriptor{ClassID: 1, Instance: "0-0:96.1.0*255", Attribute: 2})
	require.NoError(t, err)
	require.NoError(t, c.Await(ctx, f, func() bool { return c.Pending() == 0 }))

	param := apdu.NewInteger(0)
	_, err = c.Action(dlmsal.MethodDescriptor{ClassID: 70, Instance: "0-0:96.3.10*255", Method: 2}, &param)
	require.NoError(t, err)
	require.NoError(t, c.Await(ctx, f, func() bool { return c.Pending() == 0 }))

	require.NoError(t, c.Release(nil))
	require.NoError(t, c.Await(ctx, f, func() bool { return c.State() == dlmsal.StateNotOpen }))

	require.Len(t, got, 4)
	assert.IsType(t, dlmsal.OpenConfirmation{}, got[0])
	gc := got[1].(dlmsal.GetConfirmation)
	assert.Equal(t, token, gc.Token)
	assert.Equal(t, "SIM0001", gc.Result.Data.String())
	assert.True(t, got[2].(dlmsal.ActionConfirmation).Success)
	assert.IsType(t, dlmsal.ReleaseConfirmation{}, got[3])

	calls := meter.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "0-0:96.3.10*255", calls[0].Instance)
	assert.Equal(t, int8(2), calls[0].Method)
	assert.Equal(t, []byte{0x0f, 0x00}, calls[0].Parameter)

	require.NoError(t, c.Close())
	assert.Zero(t, f.Len())
	assert.Len(t, got, 4)
}

func TestConnectRefusedIsNotAProtocolError(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	f := tcp.NewFactory()
	s, err := f.CreateSocket(tcp.Options(base.FamilyIPv4, time.Second))
	require.NoError(t, err)
	aborted := false
	c := dlmsal.New(s, wrapper.New(1), (&dlmsal.Handlers{Abort: func(dlmsal.AbortIndication) bool {
		aborted = true
		return true
	}}).Handle, dlmsal.WithFactory(f))
	defer c.Close()
	require.NoError(t, s.Open("127.0.0.1", port))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = c.OpenWhenReady(ctx, f, 1, dlmsal.NewSecurityNone(), dlmsal.InitiateParameters{})
	require.ErrorIs(t, err, dlmsal.ErrConnectFailed)
	assert.False(t, aborted)
	assert.Equal(t, dlmsal.StateNotOpen, c.State())
}
