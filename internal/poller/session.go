package poller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/dlmsal"
	"github.com/cybroslabs/dlms-accesspoint-go/hdlc"
	"github.com/cybroslabs/dlms-accesspoint-go/wrapper"
)

var (
	ErrNotAssociated  = errors.New("association not established")
	ErrRequestFailed  = errors.New("request failed")
	ErrNoConfirmation = errors.New("no confirmation")
)

// SplitAddress splits "host", "host:port" or "[ipv6]:port". A bare IPv6 address yields port 0,
// the transport default.
func SplitAddress(meter string) (string, int, error) {
	meter = strings.TrimSpace(meter)
	if meter == "" {
		return "", 0, fmt.Errorf("%w: empty meter address", base.ErrInvalidDestination)
	}
	if strings.HasPrefix(meter, "[") || strings.Count(meter, ":") == 1 {
		host, p, err := net.SplitHostPort(meter)
		if err != nil {
			return "", 0, fmt.Errorf("%w: %w", base.ErrInvalidDestination, err)
		}
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return "", 0, fmt.Errorf("%w: port %q", base.ErrInvalidDestination, p)
		}
		return host, port, nil
	}
	return meter, 0, nil
}

// session is one meter association on a socket of the poller's factory. It is used only while
// the poller lock is held.
type session struct {
	p      *Poller
	meter  string
	client *dlmsal.Client

	gets    map[dlmsal.RequestToken]dlmsal.GetConfirmation
	actions map[dlmsal.RequestToken]dlmsal.ActionConfirmation
	abort   *dlmsal.AbortIndication
}

func (p *Poller) framer() (base.Framer, error) {
	if p.opts.Medium == base.MediumSerial {
		return hdlc.New(&hdlc.Settings{
			Logical:  p.opts.LogicalAddress,
			Physical: p.opts.PhysicalAddress,
			Client:   byte(p.opts.ClientAddress),
			Logger:   p.logger,
		})
	}
	return wrapper.NewWithLogger(p.opts.ClientAddress, p.logger), nil
}

func (p *Poller) socketOptions() base.Options {
	if p.opts.Medium == base.MediumSerial {
		return base.Options{Medium: base.MediumSerial, Serial: p.opts.Serial, DialTimeout: p.opts.Timeout}
	}
	return base.Options{Medium: base.MediumNetwork, Family: p.opts.Family, DialTimeout: p.opts.Timeout}
}

// dial connects to the meter and establishes the association.
func (p *Poller) dial(ctx context.Context, meter string) (*session, error) {
	host, port := meter, 0
	if p.opts.Medium != base.MediumSerial {
		var err error
		if host, port, err = SplitAddress(meter); err != nil {
			return nil, err
		}
	}
	framer, err := p.framer()
	if err != nil {
		return nil, err
	}
	socket, err := p.factory.CreateSocket(p.socketOptions())
	if err != nil {
		return nil, err
	}
	s := &session{
		p:       p,
		meter:   meter,
		gets:    map[dlmsal.RequestToken]dlmsal.GetConfirmation{},
		actions: map[dlmsal.RequestToken]dlmsal.ActionConfirmation{},
	}
	s.client = dlmsal.New(socket, framer, s.handle,
		dlmsal.WithFactory(p.factory),
		dlmsal.WithLogger(p.logger))
	if err := socket.Open(host, port); err != nil {
		_ = s.client.Close()
		return nil, err
	}

	sec := dlmsal.NewSecurityNone()
	if p.opts.Password != "" {
		sec = dlmsal.NewSecurityLow(p.opts.Password)
	}
	params := dlmsal.InitiateParameters{MaxPduSize: p.opts.MaxPduSize}
	if err := s.client.OpenWhenReady(ctx, p.factory, p.opts.ServerAddress, sec, params); err != nil {
		_ = s.client.Close()
		return nil, err
	}
	err = s.client.Await(ctx, p.factory, func() bool { return s.client.State() != dlmsal.StateOpening })
	if err == nil && !s.client.IsOpen() {
		err = s.abortErr()
	}
	if err != nil {
		_ = s.client.Close()
		return nil, err
	}
	p.logf("Associated with %s", meter)
	return s, nil
}

func (s *session) handle(c dlmsal.Confirmation) bool {
	switch v := c.(type) {
	case dlmsal.GetConfirmation:
		s.gets[v.Token] = v
	case dlmsal.ActionConfirmation:
		s.actions[v.Token] = v
	case dlmsal.AbortIndication:
		s.abort = &v
	case dlmsal.OpenConfirmation, dlmsal.ReleaseConfirmation:
	default:
		return false
	}
	return true
}

func (s *session) abortErr() error {
	if s.abort != nil && s.abort.Reason != nil {
		return fmt.Errorf("%w: %w", ErrNotAssociated, s.abort.Reason)
	}
	return ErrNotAssociated
}

// settled holds once nothing is pending or the association is gone.
func (s *session) settled() bool {
	return s.client.Pending() == 0 || !s.client.IsOpen()
}

func (s *session) get(ctx context.Context, desc apdu.AttributeDescriptor) (apdu.Data, error) {
	token, err := s.client.Get(desc)
	if err != nil {
		return apdu.Data{}, err
	}
	answered := func() bool {
		_, ok := s.gets[token]
		return ok || s.settled()
	}
	if err := s.client.Await(ctx, s.p.factory, answered); err != nil {
		return apdu.Data{}, err
	}
	c, ok := s.gets[token]
	if !ok {
		if !s.client.IsOpen() {
			return apdu.Data{}, s.abortErr()
		}
		return apdu.Data{}, ErrNoConfirmation
	}
	delete(s.gets, token)
	switch {
	case c.Result.Success:
		return c.Result.Data, nil
	case c.Result.Exception != nil:
		return apdu.Data{}, fmt.Errorf("%w: %w", ErrRequestFailed, c.Result.Exception)
	}
	return apdu.Data{}, fmt.Errorf("%w: %s", ErrRequestFailed, c.Result.Error)
}

func (s *session) action(ctx context.Context, desc apdu.MethodDescriptor, param *apdu.Data) (*apdu.Data, error) {
	token, err := s.client.Action(desc, param)
	if err != nil {
		return nil, err
	}
	answered := func() bool {
		_, ok := s.actions[token]
		return ok || s.settled()
	}
	if err := s.client.Await(ctx, s.p.factory, answered); err != nil {
		return nil, err
	}
	c, ok := s.actions[token]
	if !ok {
		if !s.client.IsOpen() {
			return nil, s.abortErr()
		}
		return nil, ErrNoConfirmation
	}
	delete(s.actions, token)
	switch {
	case c.Success:
		return c.ReturnData, nil
	case c.Exception != nil:
		return nil, fmt.Errorf("%w: %w", ErrRequestFailed, c.Exception)
	case c.Code != nil:
		return nil, fmt.Errorf("%w: %s", ErrRequestFailed, *c.Code)
	}
	return nil, ErrRequestFailed
}

// close releases the association if still open and hands the socket back to the factory.
func (s *session) close(ctx context.Context) {
	if s.client.IsOpen() {
		if err := s.client.Release(nil); err != nil {
			s.p.logf("Release of %s failed: %v", s.meter, err)
		} else if err := s.client.Await(ctx, s.p.factory, func() bool { return s.client.State() != dlmsal.StateReleasing }); err != nil {
			s.p.logf("Release of %s not confirmed: %v", s.meter, err)
		}
	}
	if err := s.client.Close(); err != nil {
		s.p.logf("Closing %s: %v", s.meter, err)
	}
}
