package event

import "time"

// Iterator defaults. Blocking iterators are bounded by DefaultTimeout so a
// plugin cannot accidentally wait forever.
const (
	DefaultTimeout  = 30 * time.Second
	DefaultInterval = time.Second
)

// IterOptions controls an Iterator. The zero value yields a blocking iterator
// with the default timeout and poll interval and no event count bound.
type IterOptions struct {
	// NonBlocking ends the sequence on the first empty poll instead of
	// sleeping and retrying.
	NonBlocking bool

	// Timeout bounds a blocking iterator, measured from iterator creation
	// and including time the caller spends on yielded events.
	Timeout time.Duration

	// Interval is the sleep between empty polls of a blocking iterator.
	Interval time.Duration

	// Count ends the sequence after this many yielded events; 0 = unbounded.
	Count int
}

// Iterator produces a lazy, finite-by-default sequence of events by
// repeatedly polling a Stream. It lets an output plugin either drain what is
// available now (NonBlocking) or wait productively for a trickle of new
// events, with one abstraction.
type Iterator struct {
	stream  *Stream
	opts    IterOptions
	start   time.Time
	yielded int
}

// NewIterator creates an Iterator over stream. Zero option fields take the
// documented defaults.
func NewIterator(stream *Stream, opts IterOptions) *Iterator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	return &Iterator{stream: stream, opts: opts, start: time.Now()}
}

// Next returns the next event, or ok=false when the sequence ends. The
// sequence ends when the count bound is reached, a blocking iterator exceeds
// its timeout, the plugin is paused, the stream has terminated, or a poll
// comes up empty while the iterator is non-blocking or the plugin reports a
// flushing state. A flush never cuts off events that are already available;
// it only turns the empty-poll wait into an immediate end of sequence, so
// the backlog keeps draining until the buffer runs dry.
func (it *Iterator) Next() (*Event, bool) {
	for {
		if it.opts.Count > 0 && it.yielded >= it.opts.Count {
			return nil, false
		}
		if !it.opts.NonBlocking && time.Since(it.start) >= it.opts.Timeout {
			return nil, false
		}

		ev, err := it.stream.Next(0)
		if err != nil {
			// Paused or expired: end the sequence, not an error.
			return nil, false
		}
		if ev != nil {
			it.yielded++
			return ev, true
		}

		if it.opts.NonBlocking || it.stream.host.Flushing() {
			return nil, false
		}
		select {
		case <-it.stream.host.Done():
			return nil, false
		case <-time.After(it.opts.Interval):
		}
	}
}

// Yielded returns the number of events yielded so far.
func (it *Iterator) Yielded() int { return it.yielded }
