package reactor

import (
	"fmt"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const defaultBatch = 32

type entry struct {
	public base.Socket
	core   *Socket
}

// Factory owns the sockets of one link and drives their completions.
type Factory struct {
	link    Link
	clock   clock.WithDelayedExecution
	logger  *zap.SugaredLogger
	batch   int
	sockets []entry
}

type Option func(*Factory)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithClock replaces the clock used for read deadlines, tests pass a fake one.
func WithClock(c clock.WithDelayedExecution) Option {
	return func(f *Factory) {
		f.clock = c
	}
}

// WithBatch limits the completions handled per socket in one Process call.
func WithBatch(n int) Option {
	return func(f *Factory) {
		if n > 0 {
			f.batch = n
		}
	}
}

func NewFactory(link Link, opts ...Option) *Factory {
	f := &Factory{
		link:  link,
		clock: clock.RealClock{},
		batch: defaultBatch,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Factory) logf(format string, v ...any) {
	if f.logger != nil {
		f.logger.Infof(format, v...)
	}
}

func (f *Factory) CreateSocket(options base.Options) (base.Socket, error) {
	if options.Medium != f.link.Medium() {
		return nil, fmt.Errorf("%w: %v", base.ErrMediumMismatch, options.Medium)
	}
	core := newSocket(f.link, options, f.clock, f.logger)
	var public base.Socket = core
	if w, ok := f.link.(Wrapper); ok {
		public = w.Wrap(core)
	}
	f.sockets = append(f.sockets, entry{public: public, core: core})
	return public, nil
}

// ReleaseSocket closes the socket, cancelling whatever is pending on it, and drops it from the pool.
func (f *Factory) ReleaseSocket(socket base.Socket) error {
	for i, e := range f.sockets {
		if e.public == socket {
			f.sockets = append(f.sockets[:i], f.sockets[i+1:]...)
			_ = e.core.Close()
			e.core.released = true
			return nil
		}
	}
	f.logf("Release of unknown socket refused")
	return base.ErrUnknownSocket
}

func (f *Factory) Len() int {
	return len(f.sockets)
}

// Process drains ready completions of every socket without blocking. It returns true while
// some socket still waits for a connect, a read, a write or undrained completions.
func (f *Factory) Process() bool {
	pending := false
	// callbacks may create or release sockets
	snapshot := append([]entry(nil), f.sockets...)
	for _, e := range snapshot {
		e.core.drain(f.batch)
		if e.core.busy() {
			pending = true
		}
	}
	return pending
}
