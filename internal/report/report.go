package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// Reading is the outcome of polling one meter. Error is set when nothing could be read.
type Reading struct {
	Meter string `json:"meter"`
	Data  string `json:"data"`
	Error string `json:"error,omitempty"`
}

// Report is the result of one polling pass, in meter order of the pass.
type Report struct {
	MeterData []Reading `json:"meterdata"`
}

func (r Report) MarshalJSON() ([]byte, error) {
	type plain Report
	p := plain(r)
	if p.MeterData == nil {
		p.MeterData = []Reading{}
	}
	return json.Marshal(p)
}

// Latest is the most recent reading of a meter.
type Latest struct {
	Reading
	Time time.Time `json:"time"`
}

// Store keeps the latest reading per meter, safe for concurrent use.
type Store struct {
	m *xsync.MapOf[string, Latest]
}

func NewStore() *Store {
	return &Store{m: xsync.NewMapOf[string, Latest]()}
}

func (s *Store) Put(r Reading, at time.Time) {
	s.m.Store(r.Meter, Latest{Reading: r, Time: at})
}

// Merge stores every reading of the report, a failed reading keeps the last good data.
func (s *Store) Merge(r Report, at time.Time) {
	for _, rd := range r.MeterData {
		s.m.Compute(rd.Meter, func(old Latest, loaded bool) (Latest, bool) {
			if rd.Error != "" && loaded && old.Data != "" {
				old.Error = rd.Error
				old.Time = at
				return old, false
			}
			return Latest{Reading: rd, Time: at}, false
		})
	}
}

func (s *Store) Get(meter string) (Latest, bool) {
	return s.m.Load(meter)
}

func (s *Store) Delete(meter string) {
	s.m.Delete(meter)
}

func (s *Store) Len() int {
	return s.m.Size()
}

// All returns the latest readings ordered by meter.
func (s *Store) All() []Latest {
	out := make([]Latest, 0, s.m.Size())
	s.m.Range(func(_ string, v Latest) bool {
		out = append(out, v)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Meter < out[j].Meter })
	return out
}

type Publisher interface {
	Publish(ctx context.Context, r Report) error
}

// Publishers fans a report out to every publisher and joins their errors.
type Publishers []Publisher

func (p Publishers) Publish(ctx context.Context, r Report) error {
	var errs []error
	for _, pub := range p {
		if err := pub.Publish(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// WriterPublisher writes each report as one JSON document followed by a newline.
type WriterPublisher struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterPublisher(w io.Writer) *WriterPublisher {
	return &WriterPublisher{w: w}
}

func (p *WriterPublisher) Publish(_ context.Context, r Report) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err = p.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}

// StorePublisher records reports into a store.
type StorePublisher struct {
	Store *Store
	Now   func() time.Time
}

func (p StorePublisher) Publish(_ context.Context, r Report) error {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	p.Store.Merge(r, now())
	return nil
}
