package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cybroslabs/dlms-accesspoint-go/base"
	"github.com/cybroslabs/dlms-accesspoint-go/reactor"
)

type tcp struct {
	keepalive time.Duration
}

// NewFactory creates a factory of network sockets.
func NewFactory(opts ...reactor.Option) *reactor.Factory {
	return reactor.NewFactory(&tcp{keepalive: 30 * time.Second}, opts...)
}

// Options builds socket options for the network medium.
func Options(family base.AddressFamily, timeout time.Duration) base.Options {
	return base.Options{
		Medium:      base.MediumNetwork,
		Family:      family,
		DialTimeout: timeout,
	}
}

func (t *tcp) Medium() base.Medium {
	return base.MediumNetwork
}

func (t *tcp) Resolve(destination string, port int, options base.Options) (string, error) {
	host := strings.TrimSpace(destination)
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return "", fmt.Errorf("%w: empty host", base.ErrInvalidDestination)
	}
	if strings.ContainsAny(host, " /") {
		return "", fmt.Errorf("%w: %q", base.ErrInvalidDestination, destination)
	}
	if port <= 0 {
		port = base.DefaultPort
	}
	if port > 65535 {
		return "", fmt.Errorf("%w: port %d", base.ErrInvalidDestination, port)
	}
	if ip := net.ParseIP(host); ip != nil {
		switch options.Family {
		case base.FamilyIPv4:
			if ip.To4() == nil {
				return "", fmt.Errorf("%w: %s is not an IPv4 address", base.ErrInvalidDestination, host)
			}
		case base.FamilyIPv6:
			if ip.To4() != nil {
				return "", fmt.Errorf("%w: %s is not an IPv6 address", base.ErrInvalidDestination, host)
			}
		}
	}
	return net.JoinHostPort(host, strconv.Itoa(port)), nil
}

func network(family base.AddressFamily) string {
	switch family {
	case base.FamilyIPv4:
		return "tcp4"
	case base.FamilyIPv6:
		return "tcp6"
	default:
		return "tcp"
	}
}

func (t *tcp) Dial(ctx context.Context, address string, options base.Options) (io.ReadWriteCloser, error) {
	d := net.Dialer{
		Timeout:   options.DialTimeout,
		KeepAlive: t.keepalive,
	}
	conn, err := d.DialContext(ctx, network(options.Family), address)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return conn, nil
}
