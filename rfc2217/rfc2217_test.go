package rfc2217

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/reactor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sub(cmd byte, value ...byte) []byte {
	return writeSubnegotiation(nil, cmd, value)
}

func negotiation(settings base.SerialSettings) []byte {
	var b []byte
	b = append(b, IAC, WILL, BINARY_OPTION, IAC, WILL, SGA_OPTION, IAC, WILL, COM_PORT_OPTION)
	b = append(b, sub(cmdPurgeData, purgeBoth)...)
	b = append(b, IAC, SB, COM_PORT_OPTION, 0)
	b = append(b, "DLMS-Serial-Client"...)
	b = append(b, IAC, SE)
	return writeSettings(b, settings)
}

func expect(t *testing.T, c net.Conn, want []byte) {
	t.Helper()
	got := make([]byte, len(want))
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err := io.ReadFull(c, got)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

// openServer connects a socket to a loopback access server and consumes the negotiation.
func openServer(t *testing.T, settings base.SerialSettings) (*reactor.Factory, *Socket, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	f := NewFactory(nil)
	s, err := f.CreateSocket(Options(settings, 2*time.Second))
	require.NoError(t, err)
	ss, ok := s.(*Socket)
	require.True(t, ok)
	var _ base.SerialSocket = ss

	require.NoError(t, s.Open(ln.Addr().String(), 0))
	deadline := time.Now().Add(2 * time.Second)
	for !s.IsConnected() && time.Now().Before(deadline) {
		f.Process()
		time.Sleep(time.Millisecond)
	}
	require.True(t, s.IsConnected())
	t.Cleanup(func() { _ = f.ReleaseSocket(s) })

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("no connection accepted")
	}
	t.Cleanup(func() { _ = server.Close() })
	expect(t, server, negotiation(settings))
	return f, ss, server
}

func TestResolve(t *testing.T) {
	r := &rfc2217{}
	opts := Options(base.DefaultSerialSettings(), 0)
	for _, tc := range []struct {
		dest string
		port int
		want string
		ok   bool
	}{
		{"10.0.0.5", 0, "10.0.0.5:23", true},
		{"10.0.0.5", 4001, "10.0.0.5:4001", true},
		{"10.0.0.5:4002", 4001, "10.0.0.5:4002", true},
		{"[fe80::1]:4003", 0, "[fe80::1]:4003", true},
		{"ts.local", 0, "ts.local:23", true},
		{"", 0, "", false},
		{"10.0.0.5:x", 0, "", false},
		{"10.0.0.5", 70000, "", false},
		{"/dev/ttyS0", 0, "", false},
	} {
		got, err := r.Resolve(tc.dest, tc.port, opts)
		if !tc.ok {
			assert.ErrorIs(t, err, base.ErrInvalidDestination, tc.dest)
			continue
		}
		require.NoError(t, err, tc.dest)
		assert.Equal(t, tc.want, got)
	}

	bad := base.DefaultSerialSettings()
	bad.Parity = 9
	_, err := r.Resolve("10.0.0.5", 0, Options(bad, 0))
	assert.ErrorIs(t, err, base.ErrInvalidDestination)
}

func TestNegotiationCarriesSettings(t *testing.T) {
	settings := base.SerialSettings{
		BaudRate:    19200,
		DataBits:    base.Serial7DataBits,
		Parity:      base.SerialEvenParity,
		StopBits:    base.SerialTwoStopBits,
		FlowControl: base.SerialHWFlowControl,
	}
	b := negotiation(settings)
	assert.True(t, bytes.Contains(b, []byte{IAC, SB, COM_PORT_OPTION, cmdSetBaudRate, 0, 0, 0x4b, 0x00, IAC, SE}))
	assert.True(t, bytes.Contains(b, []byte{IAC, SB, COM_PORT_OPTION, cmdSetControl, 3, IAC, SE}))
	openServer(t, settings)
}

func TestWriteEscapesIAC(t *testing.T) {
	_, s, server := openServer(t, base.DefaultSerialSettings())

	n, err := s.Write([]byte{0x7e, 0xff, 0x01}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	expect(t, server, []byte{0x7e, 0xff, 0xff, 0x01})
}

func TestReadStripsTelnet(t *testing.T) {
	_, s, server := openServer(t, base.DefaultSerialSettings())

	var in []byte
	in = append(in, 0x01, IAC, IAC, 0x02)
	in = append(in, IAC, SB, COM_PORT_OPTION, 101, 0x00, 0x00, 0x25, 0x80, IAC, SE)
	in = append(in, IAC, SB, COM_PORT_OPTION, 103, 3, IAC, SE)
	in = append(in, IAC, DO, 24)
	in = append(in, 0x03)
	_, err := server.Write(in)
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := s.Read(&buf, 4, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, []byte{0x01, 0xff, 0x02, 0x03}, buf.Bytes())

	st, err := s.Reported()
	require.NoError(t, err)
	assert.Equal(t, 9600, st.BaudRate)
	assert.Equal(t, byte(3), st.Parity)

	expect(t, server, []byte{IAC, WONT, 24})
}

func TestSignatureRequest(t *testing.T) {
	_, s, server := openServer(t, base.DefaultSerialSettings())

	_, err := server.Write([]byte{IAC, SB, COM_PORT_OPTION, 0, IAC, SE, 0x42})
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = s.Read(&buf, 1, 2*time.Second)
	require.NoError(t, err)
	expect(t, server, writeSignature(nil))
}

func TestRefusedMandatoryOptionDropsLink(t *testing.T) {
	f, s, server := openServer(t, base.DefaultSerialSettings())

	_, err := server.Write([]byte{IAC, WONT, COM_PORT_OPTION})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		f.Process()
		return !s.IsConnected()
	}, 2*time.Second, time.Millisecond)
}

func TestLineControl(t *testing.T) {
	_, s, server := openServer(t, base.DefaultSerialSettings())

	require.NoError(t, s.Flush(base.FlushBoth))
	expect(t, server, sub(cmdPurgeData, purgeBoth))
	require.NoError(t, s.Flush(base.FlushIn))
	expect(t, server, sub(cmdPurgeData, purgeRx))

	require.NoError(t, s.SetDTR(true))
	expect(t, server, sub(cmdSetControl, controlDTROn))
	require.NoError(t, s.SetDTR(false))
	expect(t, server, sub(cmdSetControl, controlDTROff))

	bad := base.DefaultSerialSettings()
	bad.DataBits = 9
	require.Error(t, s.SetOptions(bad))

	next := base.DefaultSerialSettings()
	next.BaudRate = 115200
	require.NoError(t, s.SetOptions(next))
	expect(t, server, writeSettings(nil, next))
	assert.Equal(t, 115200, s.Options().Serial.BaudRate)
}

func TestLineControlNeedsOpenSocket(t *testing.T) {
	f := NewFactory(nil)
	s, err := f.CreateSocket(Options(base.DefaultSerialSettings(), 0))
	require.NoError(t, err)
	ss := s.(*Socket)
	require.ErrorIs(t, ss.Flush(base.FlushBoth), base.ErrNotOpened)
	require.ErrorIs(t, ss.SetOptions(base.DefaultSerialSettings()), base.ErrNotOpened)
	require.ErrorIs(t, ss.SetDTR(true), base.ErrNotOpened)
	_, err = ss.Reported()
	require.ErrorIs(t, err, base.ErrNotOpened)
}
