// Package registry holds the set of meters to poll. Readers take an immutable snapshot, every
// registration replaces the snapshot as a whole.
package registry

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/cybroslabs/dlms-accesspoint-go/apdu"
	"go.uber.org/zap"
)

var (
	ErrInvalidLine    = errors.New("invalid registration line")
	ErrInvalidPayload = errors.New("invalid payload size")
)

// Payload selects which identification object is read from every meter.
type Payload int

const (
	PayloadSmall Payload = iota
	PayloadMedium
	PayloadLarge
)

func (p Payload) String() string {
	switch p {
	case PayloadSmall:
		return "small"
	case PayloadMedium:
		return "medium"
	case PayloadLarge:
		return "large"
	}
	return fmt.Sprintf("payload(%d)", int(p))
}

func ParsePayload(s string) (Payload, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "small":
		return PayloadSmall, nil
	case "medium":
		return PayloadMedium, nil
	case "large":
		return PayloadLarge, nil
	}
	return PayloadSmall, fmt.Errorf("%w: %q", ErrInvalidPayload, s)
}

// Attribute is the data object value read for the payload size.
func (p Payload) Attribute() apdu.AttributeDescriptor {
	instance := "0-0:96.1.0*255"
	switch p {
	case PayloadMedium:
		instance = "0-0:96.1.4*255"
	case PayloadLarge:
		instance = "0-0:96.1.9*255"
	}
	return apdu.AttributeDescriptor{ClassID: 1, Instance: instance, Attribute: 2}
}

// Snapshot must not be modified once published.
type Snapshot struct {
	Payload Payload
	Meters  []string
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Meters)
}

func (s *Snapshot) String() string {
	return s.Payload.String() + "," + strings.Join(s.Meters, ",")
}

// ParseLine parses "<size>,<meter>[,<meter>...]". Empty meter entries are skipped.
func ParseLine(line string) (*Snapshot, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidLine)
	}
	for _, r := range line {
		if !unicode.IsPrint(r) {
			return nil, fmt.Errorf("%w: non printable character", ErrInvalidLine)
		}
	}
	parts := strings.Split(line, ",")
	payload, err := ParsePayload(parts[0])
	if err != nil {
		return nil, err
	}
	s := &Snapshot{Payload: payload, Meters: make([]string, 0, len(parts)-1)}
	for _, m := range parts[1:] {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		s.Meters = append(s.Meters, m)
	}
	return s, nil
}

type Registry struct {
	current atomic.Pointer[Snapshot]
	logger  *zap.SugaredLogger
}

// New creates an empty registry with the small payload.
func New(logger *zap.SugaredLogger) *Registry {
	r := &Registry{logger: logger}
	r.current.Store(&Snapshot{Payload: PayloadSmall})
	return r
}

func (r *Registry) logf(format string, v ...any) {
	if r.logger != nil {
		r.logger.Infof(format, v...)
	}
}

// Snapshot never returns nil.
func (r *Registry) Snapshot() *Snapshot {
	return r.current.Load()
}

func (r *Registry) Replace(s *Snapshot) {
	if s == nil {
		s = &Snapshot{Payload: PayloadSmall}
	}
	r.current.Store(s)
}

// Interpret applies one registration line, an invalid line leaves the registry untouched.
func (r *Registry) Interpret(line string) error {
	s, err := ParseLine(line)
	if err != nil {
		return err
	}
	r.Replace(s)
	r.logf("Registered %d meters, payload %s", s.Len(), s.Payload)
	return nil
}

// Clear drops the meters and keeps the payload size.
func (r *Registry) Clear() {
	for {
		old := r.current.Load()
		if r.current.CompareAndSwap(old, &Snapshot{Payload: old.Payload}) {
			return
		}
	}
}

// ClearIf drops the meters only when s is still the current snapshot, it reports whether it did.
// A registration that arrived meanwhile is kept.
func (r *Registry) ClearIf(s *Snapshot) bool {
	return r.current.CompareAndSwap(s, &Snapshot{Payload: s.Payload})
}
