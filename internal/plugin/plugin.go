package plugin

import (
	"time"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/pkg/log"
)

// Kind tags a plugin type with its capability set.
type Kind int

const (
	KindBuffer Kind = iota
	KindInput
	KindOutput
)

// String returns the configuration-facing name of the kind.
func (k Kind) String() string {
	switch k {
	case KindBuffer:
		return "buffer"
	case KindInput:
		return "input"
	case KindOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Plugin is the lifecycle contract every plugin implements. The sandbox runs
// SetUp once, then Main on its own goroutine until the plugin is asked to
// stop, then TearDown.
type Plugin interface {
	SetUp() error
	Main()
	TearDown() error
}

// Progress is a consumer's position through the buffer: how many events it
// has committed, and how many exist in total.
type Progress struct {
	Completed int64 `json:"completed"`
	Total     int64 `json:"total"`
}

// EventStream is the buffer-side grant backing one plugin stream. Next
// returns nil when no event is currently available. Commit and Abort are
// terminal; any call after termination fails with event.ErrStreamExpired.
type EventStream interface {
	Next() (*event.Event, error)
	Commit() error
	Abort() error
}

// Buffer is the capability set of a buffer plugin: durable produce, named
// per-consumer streams, and maintenance.
type Buffer interface {
	Plugin
	Produce(events []*event.Event) error
	Consume(name string) (EventStream, error)
	AddConsumer(name string) error
	RemoveConsumer(name string) error
	ListConsumers() (map[string]Progress, error)
}

// API is the surface a plugin handle exposes to plugin code. All methods are
// gated by the handle's state machine; calls from a stopped plugin fail with
// ErrUnexpectedAccess, and calls during a paused window fail with
// event.ErrWaiting.
type API interface {
	// Emit routes events from an input plugin into the buffer. Failure is
	// fatal for this invocation only, not for the node.
	Emit(events []*event.Event) error

	// NewStream opens a pull stream for an output plugin. At most one open
	// stream per plugin at a time.
	NewStream() (*event.Stream, error)

	// Store is the plugin's persisted key-value store; SaveStore writes it
	// to disk atomically.
	Store() *Store
	SaveStore() error

	// DataDir is the plugin's private working directory.
	DataDir() string

	// NodeID returns the id of this Instalog node.
	NodeID() string

	// IsStopping reports whether the plugin has been asked to stop; Main
	// loops must poll it.
	IsStopping() bool

	// IsFlushing reports whether a flush is in progress and unfinished.
	IsFlushing() bool

	// Sleep blocks for d or until the plugin is asked to stop, whichever
	// comes first. Returns false when interrupted by a stop.
	Sleep(d time.Duration) bool

	// Logger is the plugin's structured logger.
	Logger() log.Logger
}
