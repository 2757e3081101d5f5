package registry

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

const DefaultListen = ":4059"

// maxLine bounds a single registration line.
const maxLine = 64 * 1024

// ListenAndServe accepts registration connections on addr until ctx is done.
func (r *Registry) ListenAndServe(ctx context.Context, addr string) error {
	if strings.TrimSpace(addr) == "" {
		addr = DefaultListen
	}
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	return r.Serve(ctx, ln)
}

// Serve takes ownership of ln and closes it when ctx is done.
func (r *Registry) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	r.logf("Listening for registrations on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go r.handleConn(ctx, conn)
	}
}

// handleConn applies every line sent on conn, a last line without newline counts too.
func (r *Registry) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	remote := conn.RemoteAddr().String()
	reader := bufio.NewReaderSize(conn, 4096)
	for {
		line, err := reader.ReadString('\n')
		if len(line) > maxLine {
			r.logf("Registration from %s too long, closing", remote)
			return
		}
		if strings.TrimSpace(line) != "" {
			if ierr := r.Interpret(line); ierr != nil {
				r.logf("Registration from %s rejected: %v", remote, ierr)
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				r.logf("Registration read from %s failed: %v", remote, err)
			}
			return
		}
	}
}
