// Package reactor implements the medium independent part of a transport socket.
//
// Blocking OS calls (dial, read, write) and deadline timers run on background goroutines and
// only post completions into the socket's queue. The queue is drained by the goroutine owning
// the socket, either through Factory.Process or inside the blocking Read and Write calls, so
// every callback and every state change happens on that single goroutine and no locking is
// needed.
//
// Usage:
//
//	f := reactor.NewFactory(link)
//	s, _ := f.CreateSocket(base.Options{Medium: link.Medium()})
//	_ = s.Open("10.0.0.1", base.DefaultPort)
//	for !s.IsConnected() {
//		f.Process()
//	}
package reactor

import (
	"context"
	"io"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
)

// Link opens the OS level handle of one medium.
type Link interface {
	Medium() base.Medium
	// Resolve validates the destination synchronously and returns the address passed to Dial.
	Resolve(destination string, port int, options base.Options) (string, error)
	Dial(ctx context.Context, address string, options base.Options) (io.ReadWriteCloser, error)
}

// Wrapper lets a link return its own socket type (e.g. with serial line control) around the core.
type Wrapper interface {
	Wrap(core *Socket) base.Socket
}
