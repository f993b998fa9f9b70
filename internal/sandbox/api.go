package sandbox

import (
	"fmt"
	"time"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

// This file implements the call surface plugins use: plugin.API for plugin
// code, and event.Host for the streams it holds. Every entry point asks the
// gatekeeper first, so a stopped or paused plugin cannot slip work through.

func (s *Sandbox) askGatekeeper(caller string, table map[State]action) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch table[s.state] {
	case actAllow:
		return nil
	case actWait:
		s.logger.Debug("plugin call deferred",
			log.Str("caller", caller), log.Str("state", string(s.state)))
		return event.ErrWaiting
	default:
		s.recordUnexpectedAccessLocked(caller)
		s.logger.Warn("unexpected plugin access",
			log.Str("caller", caller), log.Str("state", string(s.state)))
		return plugin.ErrUnexpectedAccess
	}
}

func (s *Sandbox) recordUnexpectedAccessLocked(caller string) {
	s.unexpected = append([]UnexpectedAccess{{
		Caller: caller,
		State:  s.state,
		Time:   time.Now(),
	}}, s.unexpected...)
	if len(s.unexpected) > maxUnexpectedAccesses {
		s.unexpected = s.unexpected[:maxUnexpectedAccesses]
	}
}

// Emit stamps each event with a buffer-target stage and routes the batch
// into the buffer.
func (s *Sandbox) Emit(events []*event.Event) error {
	if err := s.askGatekeeper("Emit", gateAllowUp); err != nil {
		return err
	}
	stage := event.ProcessStage{
		NodeID:     s.core.NodeID(),
		Time:       time.Now(),
		PluginID:   s.pluginID,
		PluginType: s.pluginType,
		Target:     event.TargetBuffer,
	}
	for _, ev := range events {
		ev.AppendStage(stage)
	}
	return s.core.Emit(s, events)
}

// NewStream opens a pull stream backed by the plugin's buffer consumer.
func (s *Sandbox) NewStream() (*event.Stream, error) {
	if err := s.askGatekeeper("NewStream", gateAllowUpPausingStopping); err != nil {
		return nil, err
	}
	bufStream, err := s.core.NewStream(s)
	if err != nil {
		return nil, err
	}
	if bufStream == nil {
		return nil, fmt.Errorf("plugin %s: previous stream still open", s.pluginID)
	}
	ps := event.NewStream(s)
	s.mu.Lock()
	s.streams[ps] = bufStream
	s.mu.Unlock()
	return ps, nil
}

// Store returns the plugin's persisted key-value store.
func (s *Sandbox) Store() *plugin.Store { return s.store }

// SaveStore persists the plugin store to disk.
func (s *Sandbox) SaveStore() error {
	if err := s.askGatekeeper("SaveStore", gateAllowAll); err != nil {
		return err
	}
	return s.store.Save()
}

// DataDir returns the plugin's private working directory.
func (s *Sandbox) DataDir() string { return s.dataDir }

// NodeID returns the node's id.
func (s *Sandbox) NodeID() string { return s.core.NodeID() }

// IsStopping reports whether the plugin has been asked to stop.
func (s *Sandbox) IsStopping() bool { return s.State() == Stopping }

// IsFlushing reports whether a flush is active and its target not yet
// reached.
func (s *Sandbox) IsFlushing() bool {
	s.mu.Lock()
	if s.state != Flushing {
		s.mu.Unlock()
		return false
	}
	target := s.flushTarget
	s.mu.Unlock()
	if target < 0 {
		return false
	}
	// The state may lag behind the actual progress; check the target.
	progress, err := s.core.Progress(s)
	if err != nil {
		return true
	}
	return progress.Completed < target
}

// Flushing implements event.Host.
func (s *Sandbox) Flushing() bool { return s.IsFlushing() }

// Done implements event.Host: closed once the plugin enters Stopping.
func (s *Sandbox) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCh
}

// Sleep blocks for d or until the plugin is asked to stop. Returns false
// when interrupted by a stop.
func (s *Sandbox) Sleep(d time.Duration) bool {
	stopCh := s.Done()
	if stopCh == nil {
		return true
	}
	select {
	case <-time.After(d):
		return true
	case <-stopCh:
		return false
	}
}

// Logger returns the plugin's structured logger.
func (s *Sandbox) Logger() log.Logger { return s.logger }

func (s *Sandbox) lookupStream(ps *event.Stream) (plugin.EventStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bufStream, ok := s.streams[ps]
	return bufStream, ok
}

func (s *Sandbox) releaseStream(ps *event.Stream) (plugin.EventStream, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bufStream, ok := s.streams[ps]
	if ok {
		delete(s.streams, ps)
	}
	return bufStream, ok
}

// streamPollInterval spaces out empty-buffer rechecks while a StreamNext
// call with a positive timeout waits for new events.
const streamPollInterval = 50 * time.Millisecond

// StreamNext returns the next event passing the plugin's flow policy, or nil
// when none arrives within timeout. Events hidden by the policy are consumed
// and skipped, as many per call as the buffer can serve, so a heavily
// filtered consumer still advances past hidden records at full speed. The
// returned event carries an external-target stage.
func (s *Sandbox) StreamNext(ps *event.Stream, timeout time.Duration) (*event.Event, error) {
	if err := s.askGatekeeper("StreamNext", gateAllowUp); err != nil {
		return nil, err
	}
	bufStream, ok := s.lookupStream(ps)
	if !ok {
		return nil, plugin.ErrUnexpectedAccess
	}

	deadline := time.Now().Add(timeout)
	for {
		ev, err := bufStream.Next()
		if err != nil {
			return nil, err
		}
		if ev == nil {
			if timeout <= 0 || !time.Now().Before(deadline) {
				return nil, nil
			}
			if !s.Sleep(streamPollInterval) {
				return nil, nil
			}
			continue
		}
		if s.policy.MatchEvent(ev) {
			ev.AppendStage(event.ProcessStage{
				NodeID:     s.core.NodeID(),
				Time:       time.Now(),
				PluginID:   s.pluginID,
				PluginType: s.pluginType,
				Target:     event.TargetExternal,
			})
			return ev, nil
		}
	}
}

// StreamCommit commits the plugin stream's underlying buffer grant.
func (s *Sandbox) StreamCommit(ps *event.Stream) error {
	if err := s.askGatekeeper("StreamCommit", gateAllowUpPausingStopping); err != nil {
		return err
	}
	bufStream, ok := s.releaseStream(ps)
	if !ok {
		return plugin.ErrUnexpectedAccess
	}
	return bufStream.Commit()
}

// StreamAbort aborts the plugin stream's buffer grant. A stream that yielded
// no events commits instead: the skipped window may hold only policy-hidden
// events, and the consumer must still advance past them or the buffer could
// never truncate.
func (s *Sandbox) StreamAbort(ps *event.Stream) error {
	if err := s.askGatekeeper("StreamAbort", gateAllowUpPausingStopping); err != nil {
		return err
	}
	bufStream, ok := s.releaseStream(ps)
	if !ok {
		return plugin.ErrUnexpectedAccess
	}
	if ps.Count() == 0 {
		return bufStream.Commit()
	}
	return bufStream.Abort()
}
