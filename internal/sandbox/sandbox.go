// Package sandbox hosts one running plugin instance: it owns the plugin's
// lifecycle state machine, runs SetUp, Main and TearDown on their own
// goroutines, and implements the API surface the plugin calls back into.
//
// Lifecycle commands (Start, Stop, Pause, Flush) only request a transition;
// an external loop must call AdvanceState periodically to carry pending
// transitions out. Plugin API calls, in contrast, are safe from any number
// of plugin goroutines.
package sandbox

import (
	"fmt"
	"sync"
	"time"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/flowpolicy"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

// maxUnexpectedAccesses bounds the access-violation ring kept for debugging.
const maxUnexpectedAccesses = 5

// flushPollInterval is how often a synchronous flush rechecks progress.
const flushPollInterval = 500 * time.Millisecond

// Core is the surface a sandbox needs from the orchestrator.
type Core interface {
	// Emit routes events into the buffer on behalf of the plugin.
	Emit(s *Sandbox, events []*event.Event) error

	// NewStream opens a buffer stream for the plugin's consumer.
	NewStream(s *Sandbox) (plugin.EventStream, error)

	// Progress reports the plugin's consumer progress through the buffer.
	Progress(s *Sandbox) (plugin.Progress, error)

	// NodeID identifies this node.
	NodeID() string
}

// UnexpectedAccess records one rejected plugin API call.
type UnexpectedAccess struct {
	Caller string    `json:"caller"`
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
}

// Config carries everything needed to host one plugin entry.
type Config struct {
	PluginType string
	PluginID   string
	Kind       plugin.Kind
	Args       map[string]interface{}
	Policy     *flowpolicy.Policy
	StorePath  string
	DataDir    string
	Core       Core
	Logger     log.Logger
}

// Sandbox hosts a single plugin instance.
type Sandbox struct {
	pluginType string
	pluginID   string
	kind       plugin.Kind
	args       map[string]interface{}
	policy     *flowpolicy.Policy
	store      *plugin.Store
	dataDir    string
	core       Core
	logger     log.Logger
	factory    plugin.Factory

	mu      sync.Mutex
	state   State
	plug    plugin.Plugin
	streams map[*event.Stream]plugin.EventStream

	// stopCh is recreated on Start and closed on entry to Stopping, so
	// plugin Sleep calls and blocking stream reads wake promptly.
	stopCh     chan struct{}
	stopClosed bool

	flushTarget   int64 // -1 when no flush is active
	flushDeadline time.Time

	lastErr      error
	setupDone    chan struct{}
	mainDone     chan struct{}
	teardownDone chan struct{}

	unexpected []UnexpectedAccess
}

// New builds a sandbox for the given plugin entry. The plugin itself is not
// instantiated until Start.
func New(cfg Config) (*Sandbox, error) {
	factory, kind, err := plugin.Lookup(cfg.PluginType)
	if err != nil {
		return nil, err
	}
	if kind != cfg.Kind {
		return nil, fmt.Errorf("plugin %s: type %s is a %s plugin, not %s",
			cfg.PluginID, cfg.PluginType, kind, cfg.Kind)
	}
	policy := cfg.Policy
	if policy == nil {
		policy, err = flowpolicy.New(nil, nil)
		if err != nil {
			return nil, err
		}
	}
	store, err := plugin.OpenStore(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}
	return &Sandbox{
		pluginType:  cfg.PluginType,
		pluginID:    cfg.PluginID,
		kind:        cfg.Kind,
		args:        cfg.Args,
		policy:      policy,
		store:       store,
		dataDir:     cfg.DataDir,
		core:        cfg.Core,
		logger:      logger.WithComponent(cfg.PluginID),
		factory:     factory,
		state:       Down,
		streams:     map[*event.Stream]plugin.EventStream{},
		flushTarget: -1,
	}, nil
}

// ID returns the plugin entry's unique id.
func (s *Sandbox) ID() string { return s.pluginID }

// Type returns the plugin's type name.
func (s *Sandbox) Type() string { return s.pluginType }

// Kind returns the plugin's capability kind.
func (s *Sandbox) Kind() plugin.Kind { return s.kind }

// State returns the current lifecycle state.
func (s *Sandbox) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsLoaded reports whether the plugin is in any state other than Down.
func (s *Sandbox) IsLoaded() bool { return s.State() != Down }

// Plugin returns the live plugin instance, or nil when Down. Used by the
// orchestrator to call buffer capabilities.
func (s *Sandbox) Plugin() plugin.Plugin {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plug
}

// Progress reports the plugin's consumer progress through the buffer.
func (s *Sandbox) Progress() (plugin.Progress, error) {
	return s.core.Progress(s)
}

// UnexpectedAccesses returns the most recent rejected plugin API calls.
func (s *Sandbox) UnexpectedAccesses() []UnexpectedAccess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]UnexpectedAccess, len(s.unexpected))
	copy(out, s.unexpected)
	return out
}

func (s *Sandbox) checkStateCommand(command string, allowed ...State) error {
	for _, st := range allowed {
		if s.state == st {
			return nil
		}
	}
	return &StateCommandError{PluginID: s.pluginID, State: s.state, Command: command}
}

// Start instantiates the plugin and requests the Starting transition.
func (s *Sandbox) Start(sync bool) error {
	s.mu.Lock()
	if err := s.checkStateCommand("Start", Down); err != nil {
		s.mu.Unlock()
		return err
	}
	plug, err := s.factory(s, s.args)
	if err != nil {
		s.mu.Unlock()
		return plugin.NewCallError(s.pluginID, "New", err)
	}
	s.plug = plug
	s.stopCh = make(chan struct{})
	s.stopClosed = false
	s.lastErr = nil
	s.state = Starting
	s.mu.Unlock()
	if sync {
		s.AdvanceState(true)
	}
	return nil
}

// Stop requests the Stopping transition.
func (s *Sandbox) Stop(sync bool) error {
	s.mu.Lock()
	if err := s.checkStateCommand("Stop", Up, Paused); err != nil {
		s.mu.Unlock()
		return err
	}
	s.setStateLocked(Stopping)
	s.mu.Unlock()
	if sync {
		s.AdvanceState(true)
	}
	return nil
}

// Flush asks the plugin to catch up to the buffer's current tail within
// timeout. In sync mode it blocks and reports whether the target was
// reached.
func (s *Sandbox) Flush(timeout time.Duration, sync bool) (bool, error) {
	s.mu.Lock()
	if err := s.checkStateCommand("Flush", Up, Paused); err != nil {
		s.mu.Unlock()
		return false, err
	}
	s.mu.Unlock()

	progress, err := s.core.Progress(s)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.flushDeadline = time.Now().Add(timeout)
	s.flushTarget = progress.Total
	target := s.flushTarget
	s.state = Flushing
	s.mu.Unlock()

	if !sync {
		return false, nil
	}
	s.AdvanceState(true)
	current, err := s.core.Progress(s)
	if err != nil {
		return false, err
	}
	return current.Completed >= target, nil
}

// Pause requests the Pausing transition; the plugin lands in Paused once its
// open streams have drained.
func (s *Sandbox) Pause(sync bool) error {
	s.mu.Lock()
	if err := s.checkStateCommand("Pause", Up); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = Pausing
	s.mu.Unlock()
	if sync {
		s.AdvanceState(true)
	}
	return nil
}

// Unpause requests the Unpausing transition.
func (s *Sandbox) Unpause(sync bool) error {
	s.mu.Lock()
	if err := s.checkStateCommand("Unpause", Paused); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = Unpausing
	s.mu.Unlock()
	if sync {
		s.AdvanceState(true)
	}
	return nil
}

// TogglePause pauses an Up plugin or unpauses a Paused one.
func (s *Sandbox) TogglePause(sync bool) error {
	switch s.State() {
	case Up:
		return s.Pause(sync)
	case Paused:
		return s.Unpause(sync)
	default:
		return &StateCommandError{PluginID: s.pluginID, State: s.State(), Command: "TogglePause"}
	}
}

// setStateLocked transitions state, closing stopCh on entry to Stopping.
func (s *Sandbox) setStateLocked(st State) {
	s.state = st
	if st == Stopping && s.stopCh != nil && !s.stopClosed {
		close(s.stopCh)
		s.stopClosed = true
	}
}

func (s *Sandbox) setLastErr(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = plugin.NewCallError(s.pluginID, op, err)
}

// spawn runs fn on its own goroutine, capturing errors and panics into
// lastErr for the next AdvanceState to handle.
func (s *Sandbox) spawn(op string, fn func() error) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("plugin panicked", log.Str("op", op), log.Any("panic", r))
				s.setLastErr(op, fmt.Errorf("panic: %v", r))
			}
		}()
		if err := fn(); err != nil {
			s.logger.Error("plugin call failed", log.Str("op", op), log.Err(err))
			s.setLastErr(op, err)
		}
	}()
	return done
}

func done(ch chan struct{}) bool {
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// AdvanceState runs pending state machine transitions. With sync set it
// blocks until the requested transition completes (for example, not
// returning from Stopping until the plugin is Down).
func (s *Sandbox) AdvanceState(sync bool) {
	s.mu.Lock()

	// A goroutine failure forces the plugin down.
	if s.lastErr != nil {
		err := s.lastErr
		s.lastErr = nil
		if s.state == Down {
			s.logger.Error("plugin failed while down", log.Err(err))
		} else {
			s.logger.Error("plugin failed, forcing stop", log.Err(err))
			s.setStateLocked(Stopping)
		}
	}

	// Main returning while the plugin should be live means it crashed or
	// exited early.
	if (s.state == Up || s.state == Pausing || s.state == Paused) && done(s.mainDone) {
		s.logger.Error("main loop exited unexpectedly, forcing stop")
		s.setStateLocked(Stopping)
	}

	switch s.state {
	case Starting:
		if s.setupDone == nil {
			plug := s.plug
			s.setupDone = s.spawn("SetUp", plug.SetUp)
		}
		setupDone := s.setupDone
		if sync {
			s.mu.Unlock()
			<-setupDone
			s.mu.Lock()
		}
		if done(s.setupDone) {
			s.setupDone = nil
			plug := s.plug
			s.mainDone = s.spawn("Main", func() error {
				plug.Main()
				return nil
			})
			s.state = Up
		}
		s.mu.Unlock()

	case Stopping:
		if s.mainDone != nil {
			if sync {
				mainDone := s.mainDone
				s.mu.Unlock()
				<-mainDone
				s.mu.Lock()
			}
			if done(s.mainDone) {
				s.mainDone = nil
			}
		}
		// Main is gone (or never ran, if SetUp failed); tear down.
		if s.mainDone == nil && s.teardownDone == nil && s.plug != nil {
			s.setupDone = nil
			plug := s.plug
			s.teardownDone = s.spawn("TearDown", plug.TearDown)
		}
		if s.teardownDone != nil {
			if sync {
				teardownDone := s.teardownDone
				s.mu.Unlock()
				<-teardownDone
				s.mu.Lock()
			}
			if done(s.teardownDone) {
				s.teardownDone = nil
				s.plug = nil
				s.state = Down
			}
		}
		s.mu.Unlock()

	case Flushing:
		if s.flushTarget < 0 || s.flushDeadline.IsZero() {
			s.flushTarget = -1
			s.flushDeadline = time.Time{}
			s.state = Up
			s.mu.Unlock()
			return
		}
		target := s.flushTarget
		deadline := s.flushDeadline
		s.mu.Unlock()

		reached := func() bool {
			progress, err := s.core.Progress(s)
			return err == nil && progress.Completed >= target
		}
		if sync {
			for !reached() && time.Now().Before(deadline) {
				time.Sleep(flushPollInterval)
			}
		}
		if reached() || !time.Now().Before(deadline) {
			s.mu.Lock()
			s.flushTarget = -1
			s.flushDeadline = time.Time{}
			if s.state == Flushing {
				s.state = Up
			}
			s.mu.Unlock()
		}

	case Pausing:
		if len(s.streams) == 0 {
			s.state = Paused
		}
		s.mu.Unlock()

	case Unpausing:
		s.state = Up
		s.mu.Unlock()

	default:
		s.mu.Unlock()
	}
}
