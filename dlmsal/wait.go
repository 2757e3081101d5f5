package dlmsal

import (
	"context"
	"fmt"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
)

const busyPollInterval = time.Millisecond

// Await drives proc until cond holds or ctx ends. While the processor reports work in flight it
// is polled every millisecond, otherwise every poll interval.
func (c *Client) Await(ctx context.Context, proc base.Processor, cond func() bool) error {
	for {
		busy := proc.Process()
		if cond() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := c.pollInterval
		if busy {
			wait = busyPollInterval
		}
		select {
		case <-ctx.Done():
			if cond() {
				return nil
			}
			return ctx.Err()
		case <-c.clock.After(wait):
		}
	}
}

// OpenWhenReady waits for the transport and submits Open. Failing to get the transport up
// before ctx ends is reported as ErrConnectTimeout, a failed connect as ErrConnectFailed.
// The association result arrives later as a confirmation.
func (c *Client) OpenWhenReady(ctx context.Context, proc base.Processor, destination uint16, sec SecurityOptions, init InitiateParameters) error {
	c.connectErr = nil
	err := c.Await(ctx, proc, func() bool {
		return c.IsTransportConnected() || c.connectErr != nil || c.closed
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectTimeout, err)
	}
	if c.connectErr != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, c.connectErr)
	}
	return c.Open(destination, sec, init)
}

// OpenPending is the poll style form of OpenWhenReady for callers running their own loop.
type OpenPending struct {
	c           *Client
	proc        base.Processor
	destination uint16
	sec         SecurityOptions
	init        InitiateParameters
	deadline    time.Time
	done        bool
	err         error
}

// BeginOpen starts waiting for the transport, Poll submits Open once it is ready.
func (c *Client) BeginOpen(proc base.Processor, destination uint16, sec SecurityOptions, init InitiateParameters, timeout time.Duration) *OpenPending {
	c.connectErr = nil
	return &OpenPending{
		c:           c,
		proc:        proc,
		destination: destination,
		sec:         sec,
		init:        init,
		deadline:    c.clock.Now().Add(timeout),
	}
}

// Poll advances the wait by one Process call, done reports Open was submitted or failed.
func (p *OpenPending) Poll() (done bool, err error) {
	if p.done {
		return true, p.err
	}
	p.proc.Process()
	c := p.c
	switch {
	case c.IsTransportConnected():
		p.err = c.Open(p.destination, p.sec, p.init)
	case c.connectErr != nil:
		p.err = fmt.Errorf("%w: %w", ErrConnectFailed, c.connectErr)
	case c.closed:
		p.err = ErrClosed
	case !c.clock.Now().Before(p.deadline):
		p.err = ErrConnectTimeout
	default:
		return false, nil
	}
	p.done = true
	return true, p.err
}
