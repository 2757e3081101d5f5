// Package poller reads the registered meters in passes. Every meter of a pass gets its own
// socket and association: open, read the identification object, release, close.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/registry"
	"github.com/cybroslabs/dlms-accesspoint-go/internal/report"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

const (
	DefaultInterval = 1500 * time.Millisecond
	DefaultTimeout  = 40 * time.Second

	releaseTimeout = 5 * time.Second
)

// DisconnectControl is the disconnect control object, method 1 disconnects and 2 reconnects.
var DisconnectControl = apdu.MethodDescriptor{ClassID: 70, Instance: "0-0:96.3.10*255"}

type Options struct {
	Medium base.Medium
	Family base.AddressFamily
	Serial base.SerialSettings

	ClientAddress   uint16
	ServerAddress   uint16
	LogicalAddress  uint16 // hdlc
	PhysicalAddress uint16 // hdlc
	MaxPduSize      uint16
	Password        string

	// Timeout bounds one meter from connect to release.
	Timeout  time.Duration
	Interval time.Duration
	// KeepMeters keeps the registered meters for the next pass, otherwise a pass consumes them.
	KeepMeters bool
}

func DefaultOptions() Options {
	return Options{
		Medium:          base.MediumNetwork,
		Family:          base.FamilyAny,
		Serial:          base.DefaultSerialSettings(),
		ClientAddress:   1,
		ServerAddress:   1,
		LogicalAddress:  1,
		PhysicalAddress: 17,
		MaxPduSize:      640,
		Timeout:         DefaultTimeout,
		Interval:        DefaultInterval,
	}
}

type Option func(*Poller)

func WithLogger(logger *zap.SugaredLogger) Option {
	return func(p *Poller) {
		p.logger = logger
	}
}

func WithClock(c clock.Clock) Option {
	return func(p *Poller) {
		p.clock = c
	}
}

// Poller owns one transport factory, every use of it is serialized by mu.
type Poller struct {
	mu      sync.Mutex
	opts    Options
	factory base.Factory
	reg     *registry.Registry
	pub     report.Publisher
	logger  *zap.SugaredLogger
	clock   clock.Clock
}

// New creates a poller over factory, which must produce sockets of opts.Medium. pub may be nil.
func New(factory base.Factory, reg *registry.Registry, pub report.Publisher, opts Options, o ...Option) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.ClientAddress == 0 {
		opts.ClientAddress = 1
	}
	p := &Poller{
		opts:    opts,
		factory: factory,
		reg:     reg,
		pub:     pub,
		clock:   clock.RealClock{},
	}
	for _, f := range o {
		f(p)
	}
	return p
}

func (p *Poller) logf(format string, v ...any) {
	if p.logger != nil {
		p.logger.Infof(format, v...)
	}
}

// Run polls until ctx is done, pausing Interval between passes.
func (p *Poller) Run(ctx context.Context) error {
	for {
		p.Pass(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.opts.Interval):
		}
	}
}

// Pass polls every meter of the current registry snapshot once and publishes the report.
func (p *Poller) Pass(ctx context.Context) report.Report {
	snap := p.reg.Snapshot()
	p.logf("There are %d registered meters", snap.Len())
	r := report.Report{MeterData: make([]report.Reading, 0, snap.Len())}
	attr := snap.Payload.Attribute()
	for _, meter := range snap.Meters {
		if ctx.Err() != nil {
			break
		}
		r.MeterData = append(r.MeterData, p.ReadMeter(ctx, meter, attr))
	}
	if !p.opts.KeepMeters {
		p.reg.ClearIf(snap)
	}
	if p.pub != nil && len(r.MeterData) > 0 {
		if err := p.pub.Publish(ctx, r); err != nil {
			p.logf("Publishing report: %v", err)
		}
	}
	return r
}

// ReadMeter reads one attribute of a meter as a report entry.
func (p *Poller) ReadMeter(ctx context.Context, meter string, attr apdu.AttributeDescriptor) report.Reading {
	p.logf("Trying to connect to meter at %s", meter)
	d, err := p.Read(ctx, meter, attr)
	if err != nil {
		p.logf("Reading %s from %s failed: %v", attr, meter, err)
		return report.Reading{Meter: meter, Error: err.Error()}
	}
	p.logf("Saving %s", d)
	return report.Reading{Meter: meter, Data: d.String()}
}

// Read associates with the meter, reads one attribute and releases.
func (p *Poller) Read(ctx context.Context, meter string, attr apdu.AttributeDescriptor) (apdu.Data, error) {
	var out apdu.Data
	err := p.withSession(ctx, meter, func(ctx context.Context, s *session) error {
		d, err := s.get(ctx, attr)
		out = d
		return err
	})
	return out, err
}

// Invoke associates with the meter, calls one method and releases. The result is the
// optional return data of the method.
func (p *Poller) Invoke(ctx context.Context, meter string, method apdu.MethodDescriptor, param *apdu.Data) (*apdu.Data, error) {
	var out *apdu.Data
	err := p.withSession(ctx, meter, func(ctx context.Context, s *session) error {
		d, err := s.action(ctx, method, param)
		out = d
		return err
	})
	return out, err
}

// ServiceConnect operates the disconnect control of a meter.
func (p *Poller) ServiceConnect(ctx context.Context, meter string, reconnect bool) error {
	m := DisconnectControl
	m.Method = 1
	if reconnect {
		m.Method = 2
	}
	param := apdu.NewInteger(0)
	_, err := p.Invoke(ctx, meter, m, &param)
	return err
}

func (p *Poller) withSession(ctx context.Context, meter string, fn func(context.Context, *session) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()
	s, err := p.dial(ctx, meter)
	if err != nil {
		return err
	}
	err = fn(ctx, s)

	rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer rcancel()
	s.close(rctx)
	return err
}
