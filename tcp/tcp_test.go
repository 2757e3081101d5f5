package tcp

import (
	"bytes"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	l := &tcp{}
	tests := []struct {
		name        string
		destination string
		port        int
		family      base.AddressFamily
		want        string
		wantErr     bool
	}{
		{name: "default port", destination: "meter.local", port: 0, want: "meter.local:4059"},
		{name: "explicit port", destination: "10.0.0.1", port: 4060, want: "10.0.0.1:4060"},
		{name: "ipv6 brackets", destination: "[::1]", port: 4059, family: base.FamilyIPv6, want: "[::1]:4059"},
		{name: "ipv6 bare", destination: "fe80::1", port: 1, want: "[fe80::1]:1"},
		{name: "empty", destination: " ", port: 4059, wantErr: true},
		{name: "port too big", destination: "meter", port: 70000, wantErr: true},
		{name: "negative port", destination: "meter", port: -1, want: "meter:4059"},
		{name: "family mismatch v4", destination: "::1", port: 4059, family: base.FamilyIPv4, wantErr: true},
		{name: "family mismatch v6", destination: "127.0.0.1", port: 4059, family: base.FamilyIPv6, wantErr: true},
		{name: "garbage", destination: "not a host", port: 4059, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Resolve(tt.destination, tt.port, base.Options{Medium: base.MediumNetwork, Family: tt.family})
			if tt.wantErr {
				require.ErrorIs(t, err, base.ErrInvalidDestination)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSocketAgainstLoopbackListener(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	f := NewFactory()
	s, err := f.CreateSocket(Options(base.FamilyIPv4, time.Second))
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port

	connected := make(chan error, 1)
	s.RegisterConnectHandler(func(err error) { connected <- err })
	require.NoError(t, s.Open("127.0.0.1", port))

	deadline := time.Now().Add(2 * time.Second)
	for !s.IsConnected() && time.Now().Before(deadline) {
		f.Process()
		time.Sleep(time.Millisecond)
	}
	require.True(t, s.IsConnected())
	require.NoError(t, <-connected)

	peer := <-accepted
	defer peer.Close()

	n, err := s.Write([]byte("ping"), false)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	got := make([]byte, 4)
	_, err = io.ReadFull(peer, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	_, err = peer.Write([]byte("pong"))
	require.NoError(t, err)
	var buf bytes.Buffer
	n, err = s.Read(&buf, 4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, "pong", buf.String())

	require.NoError(t, f.ReleaseSocket(s))
	assert.Zero(t, f.Len())
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	f := NewFactory()
	s, err := f.CreateSocket(Options(base.FamilyIPv4, time.Second))
	require.NoError(t, err)

	var got error
	done := false
	s.RegisterConnectHandler(func(err error) {
		got = err
		done = true
	})
	require.NoError(t, s.Open("127.0.0.1", port))

	deadline := time.Now().Add(3 * time.Second)
	for !done && time.Now().Before(deadline) {
		f.Process()
		time.Sleep(time.Millisecond)
	}
	require.True(t, done, "connect callback on "+strconv.Itoa(port))
	assert.Error(t, got)
	assert.False(t, s.IsConnected())
}
