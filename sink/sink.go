// Package sink provides destinations for events leaving an environment.
//
// Every type here implements warden.Sink. Sinks are used in two places: the
// Vault writes every ingested event to its sink, and the emit transform of
// an output asset writes to a sink looked up by name in a Registry.
package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/ezachrisen/warden"
	"github.com/nats-io/nats.go"
)

// ErrUnknownSink is returned by Lookup for a name with no sink.
var ErrUnknownSink = errors.New("unknown sink")

// Record is the JSON document written for each event. Outcome is empty for
// events emitted from inside a traversal.
type Record struct {
	Environment string        `json:"environment,omitempty"`
	Version     string        `json:"version,omitempty"`
	Outcome     string        `json:"outcome,omitempty"`
	Matched     []string      `json:"matched,omitempty"`
	Event       *warden.Event `json:"event"`
}

// NewRecord builds the record for an event and its result; r may be nil.
func NewRecord(e *warden.Event, r *warden.Result) Record {
	rec := Record{Event: e}
	if r != nil {
		rec.Environment = r.Environment
		rec.Version = r.Version
		rec.Outcome = r.Outcome.String()
		rec.Matched = r.Matched()
	}
	return rec
}

// Writer writes one JSON record per line to an io.Writer.
type Writer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	written int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{enc: json.NewEncoder(w)}
}

func (w *Writer) Write(_ context.Context, e *warden.Event, r *warden.Result) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.enc.Encode(NewRecord(e, r)); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	w.written++
	return nil
}

// Written returns the number of records written.
func (w *Writer) Written() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// File is a Writer appending to a file.
type File struct {
	*Writer
	f *os.File
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening output file: %w", err)
	}
	return &File{Writer: NewWriter(f), f: f}, nil
}

func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.f.Close()
}

// Publisher is the part of *nats.Conn used by NATS.
type Publisher interface {
	Publish(subject string, data []byte) error
}

var _ Publisher = (*nats.Conn)(nil)

// NATS publishes each record to a subject.
type NATS struct {
	pub     Publisher
	subject string
}

func NewNATS(pub Publisher, subject string) *NATS {
	return &NATS{pub: pub, subject: subject}
}

func (n *NATS) Write(_ context.Context, e *warden.Event, r *warden.Result) error {
	data, err := json.Marshal(NewRecord(e, r))
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	if err := n.pub.Publish(n.subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", n.subject, err)
	}
	return nil
}

// Multi writes to every sink in turn. All sinks are written even when one
// fails; the errors are joined.
type Multi []warden.Sink

func (m Multi) Write(ctx context.Context, e *warden.Event, r *warden.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, e, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard warden.Sink = discard{}

type discard struct{}

func (discard) Write(context.Context, *warden.Event, *warden.Result) error { return nil }

// Registry holds named sinks. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	sinks map[string]warden.Sink
}

func NewRegistry() *Registry {
	return &Registry{sinks: map[string]warden.Sink{}}
}

// Register adds or replaces the sink with the given name.
func (r *Registry) Register(name string, s warden.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[name] = s
}

func (r *Registry) Lookup(name string) (warden.Sink, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSink, name)
	}
	return s, nil
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sinks))
	for k := range r.sinks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
