package event

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream protocol errors.
var (
	// ErrStreamExpired is returned by Next, Commit and Abort once a stream
	// has been terminated by either of Commit or Abort.
	ErrStreamExpired = errors.New("stream expired")

	// ErrWaiting is returned by a host while the owning plugin is paused or
	// otherwise temporarily unable to serve the call.
	ErrWaiting = errors.New("plugin is waiting")
)

// Host is the contract a plugin handle provides to its streams. Usually
// implemented by the plugin sandbox, which forwards to the buffer and stamps
// provenance stages on the way out.
type Host interface {
	// StreamNext returns the next event matching the plugin's flow policy,
	// or nil if none is available within timeout. A timeout <= 0 means a
	// single non-blocking sweep.
	StreamNext(s *Stream, timeout time.Duration) (*Event, error)
	StreamCommit(s *Stream) error
	StreamAbort(s *Stream) error

	// Flushing reports whether the plugin is currently being flushed.
	Flushing() bool

	// Done is closed when the node is stopping; blocking waits must observe
	// it promptly.
	Done() <-chan struct{}
}

// Stream is a scoped, single-use grant letting one plugin pull events from
// the buffer and terminate the batch with exactly one of Commit or Abort.
type Stream struct {
	host Host
	id   string

	mu         sync.Mutex
	count      int
	terminated bool
}

// NewStream wraps a host grant in a plugin-facing stream.
func NewStream(host Host) *Stream {
	return &Stream{host: host, id: uuid.NewString()}
}

// ID returns the unique id of this stream grant.
func (s *Stream) ID() string { return s.id }

// Count returns the number of events retrieved so far.
func (s *Stream) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Next returns the next available event, or nil if none is available within
// timeout. Fails with ErrStreamExpired once the stream has terminated.
func (s *Stream) Next(timeout time.Duration) (*Event, error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil, ErrStreamExpired
	}
	s.mu.Unlock()

	ev, err := s.host.StreamNext(s, timeout)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		s.mu.Lock()
		s.count++
		s.mu.Unlock()
	}
	return ev, nil
}

// Commit marks the current batch as successfully processed. Terminal and not
// idempotent: a second call fails with ErrStreamExpired.
func (s *Stream) Commit() error {
	if err := s.terminate(); err != nil {
		return err
	}
	return s.host.StreamCommit(s)
}

// Abort marks the current batch as failed; the batch will be redelivered on
// the next stream. Terminal and not idempotent.
func (s *Stream) Abort() error {
	if err := s.terminate(); err != nil {
		return err
	}
	return s.host.StreamAbort(s)
}

func (s *Stream) terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminated {
		return ErrStreamExpired
	}
	s.terminated = true
	return nil
}
