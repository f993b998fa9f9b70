package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/arccode/instalog/internal/config"
	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/flowpolicy"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/internal/sandbox"
	"github.com/arccode/instalog/pkg/log"
)

// State of the node as a whole.
type State string

const (
	Starting State = "STARTING"
	Up       State = "UP"
	Stopping State = "STOPPING"
	Down     State = "DOWN"
)

// BufferID is the plugin ID the buffer entry is hosted under. It is reserved
// by config validation, so it can never collide with an input or output.
const BufferID = "buffer"

const (
	// advanceInterval is how often the run loop steps every sandbox.
	advanceInterval = time.Second

	// startPollInterval is how often Stop rechecks a node still starting.
	startPollInterval = 500 * time.Millisecond
)

// Status is a point-in-time snapshot of the node and its plugins.
type Status struct {
	NodeID  string            `json:"node_id"`
	State   State             `json:"state"`
	Plugins map[string]string `json:"plugins"`
}

// Flush outcomes.
const (
	FlushSuccess = "success"
	FlushTimeout = "timeout"
	FlushError   = "error"
)

// FlushResult reports the outcome of flushing one output plugin. Result
// distinguishes a consumer that never caught up (timeout) from a flush the
// plugin rejected outright (error).
type FlushResult struct {
	Result         string `json:"result"`
	Error          string `json:"error,omitempty"`
	CompletedCount int64  `json:"completed_count"`
	TotalCount     int64  `json:"total_count"`
}

// Instalog is the node orchestrator. It implements sandbox.Core.
type Instalog struct {
	nodeID  string
	dataDir string
	logger  log.Logger

	buffer  *sandbox.Sandbox
	plugins map[string]*sandbox.Sandbox

	// rpcMu serializes externally driven commands (Stop, Flush) so two
	// admin requests cannot interleave state transitions.
	rpcMu sync.Mutex

	stateMu    sync.Mutex
	state      State
	lastStates map[string]sandbox.State

	done chan struct{}
}

// New builds a node from a validated config. It creates the data directory
// tree and a sandbox per plugin entry, but starts nothing; call Run.
func New(cfg config.Config, logger log.Logger) (*Instalog, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNop()
	}
	ins := &Instalog{
		nodeID:     cfg.NodeID,
		dataDir:    cfg.DataDir,
		logger:     logger.WithComponent("core"),
		plugins:    map[string]*sandbox.Sandbox{},
		state:      Down,
		lastStates: map[string]sandbox.State{},
		done:       make(chan struct{}),
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	var err error
	ins.buffer, err = ins.newSandbox(BufferID, plugin.KindBuffer, cfg.Buffer)
	if err != nil {
		return nil, err
	}
	for id, entry := range cfg.Input {
		sb, err := ins.newSandbox(id, plugin.KindInput, entry)
		if err != nil {
			return nil, err
		}
		ins.plugins[id] = sb
	}
	for id, entry := range cfg.Output {
		sb, err := ins.newSandbox(id, plugin.KindOutput, entry)
		if err != nil {
			return nil, err
		}
		ins.plugins[id] = sb
	}
	return ins, nil
}

// newSandbox wires one config entry into a sandbox with its own data
// directory, persistent store and flow policy.
func (ins *Instalog) newSandbox(id string, kind plugin.Kind, entry *config.PluginEntry) (*sandbox.Sandbox, error) {
	dataDir := filepath.Join(ins.dataDir, id)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir for %s: %w", id, err)
	}
	var policy *flowpolicy.Policy
	if kind == plugin.KindOutput {
		deny := entry.Deny
		if !entry.EnableRecursion {
			// An output that re-emits what it consumes would loop
			// forever without this.
			deny = append(append([]map[string]interface{}{}, deny...),
				map[string]interface{}{
					"rule":      "history",
					"node_id":   ins.nodeID,
					"plugin_id": id,
				})
		}
		var err error
		policy, err = flowpolicy.New(entry.Allow, deny)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", id, err)
		}
	}
	return sandbox.New(sandbox.Config{
		PluginType: entry.Plugin,
		PluginID:   id,
		Kind:       kind,
		Args:       entry.Args,
		Policy:     policy,
		StorePath:  filepath.Join(ins.dataDir, id+".json"),
		DataDir:    dataDir,
		Core:       ins,
		Logger:     ins.logger,
	})
}

// State returns the node state.
func (ins *Instalog) State() State {
	ins.stateMu.Lock()
	defer ins.stateMu.Unlock()
	return ins.state
}

// IsUp reports whether the node finished starting and is serving.
func (ins *Instalog) IsUp() bool { return ins.State() == Up }

// Done is closed once the node reaches Down.
func (ins *Instalog) Done() <-chan struct{} { return ins.done }

func (ins *Instalog) setState(st State) {
	ins.stateMu.Lock()
	defer ins.stateMu.Unlock()
	ins.state = st
}

// Run starts the buffer and all plugins, then drives every sandbox state
// machine until Stop is called. It blocks until the node is fully down.
func (ins *Instalog) Run() error {
	ins.setState(Starting)
	startErr := ins.start()
	if startErr != nil {
		ins.logger.Error("node start failed", log.Err(startErr))
		ins.setState(Stopping)
	}
	for {
		st := ins.State()
		if st != Starting && st != Up {
			break
		}
		ins.advanceAll()
		if st == Starting && ins.allStarted() {
			ins.setState(Up)
			ins.logger.Info("node up", log.Str("node_id", ins.nodeID))
		}
		if ins.buffer.State() != sandbox.Up && st == Up {
			ins.logger.Error("buffer plugin left the UP state, stopping node",
				log.Str("state", string(ins.buffer.State())))
			ins.setState(Stopping)
		}
		time.Sleep(advanceInterval)
	}
	ins.shutdown()
	close(ins.done)
	return startErr
}

// start brings the buffer up synchronously, reconciles its consumer list
// with the configured outputs, then launches every plugin.
func (ins *Instalog) start() error {
	if err := ins.buffer.Start(true); err != nil {
		return err
	}
	// A failed SetUp leaves the sandbox nominally Up with a pending
	// error; one more advance surfaces it.
	ins.buffer.AdvanceState(false)
	if ins.buffer.State() != sandbox.Up {
		return fmt.Errorf("buffer plugin failed to start")
	}
	if err := ins.syncConsumers(); err != nil {
		return err
	}
	for id, sb := range ins.plugins {
		if err := sb.Start(false); err != nil {
			ins.logger.Error("plugin start rejected", log.Str("plugin_id", id), log.Err(err))
		}
	}
	return nil
}

// syncConsumers makes the buffer's consumer set match the configured output
// plugins, creating missing consumers and dropping stale ones.
func (ins *Instalog) syncConsumers() error {
	buf, err := ins.bufferPlugin()
	if err != nil {
		return err
	}
	want := map[string]bool{}
	for id, sb := range ins.plugins {
		if sb.Kind() == plugin.KindOutput {
			want[id] = true
		}
	}
	have, err := buf.ListConsumers()
	if err != nil {
		return plugin.NewCallError(BufferID, "ListConsumers", err)
	}
	for name := range have {
		if !want[name] {
			ins.logger.Info("removing stale buffer consumer", log.Str("consumer", name))
			if err := buf.RemoveConsumer(name); err != nil {
				return plugin.NewCallError(BufferID, "RemoveConsumer", err)
			}
		}
	}
	for name := range want {
		if _, ok := have[name]; !ok {
			if err := buf.AddConsumer(name); err != nil {
				return plugin.NewCallError(BufferID, "AddConsumer", err)
			}
		}
	}
	return nil
}

// advanceAll steps every sandbox state machine once and logs transitions.
func (ins *Instalog) advanceAll() {
	ins.advanceOne(BufferID, ins.buffer)
	for id, sb := range ins.plugins {
		ins.advanceOne(id, sb)
	}
}

func (ins *Instalog) advanceOne(id string, sb *sandbox.Sandbox) {
	sb.AdvanceState(false)
	st := sb.State()
	ins.stateMu.Lock()
	prev, seen := ins.lastStates[id]
	ins.lastStates[id] = st
	ins.stateMu.Unlock()
	if seen && prev != st {
		ins.logger.Info("plugin state changed",
			log.Str("plugin_id", id),
			log.Str("from", string(prev)),
			log.Str("to", string(st)))
	}
}

// allStarted reports whether every plugin has left the Starting state.
func (ins *Instalog) allStarted() bool {
	for _, sb := range ins.plugins {
		if sb.State() == sandbox.Starting {
			return false
		}
	}
	return true
}

// Stop takes the node down. With sync it blocks until everything is torn
// down; otherwise the run loop finishes the job. Stop during startup waits
// for startup to settle first.
func (ins *Instalog) Stop(sync bool) {
	if !sync {
		go ins.Stop(true)
		return
	}
	ins.rpcMu.Lock()
	defer ins.rpcMu.Unlock()
	for ins.State() == Starting {
		time.Sleep(startPollInterval)
	}
	if ins.State() == Up {
		ins.setState(Stopping)
	}
	if ins.State() == Down {
		// Nothing to wait for unless a run loop is mid-shutdown.
		select {
		case <-ins.done:
		default:
		}
		return
	}
	<-ins.done
}

// shutdown stops every plugin, then the buffer. Plugins go first so nothing
// emits into or consumes from a dead buffer.
func (ins *Instalog) shutdown() {
	ins.setState(Stopping)
	for id, sb := range ins.plugins {
		if !sb.IsLoaded() {
			continue
		}
		if st := sb.State(); st != sandbox.Up && st != sandbox.Paused {
			// Settle transitional states (Starting, Flushing) so Stop
			// is a legal command.
			sb.AdvanceState(true)
		}
		if err := sb.Stop(false); err != nil {
			ins.logger.Error("plugin stop rejected", log.Str("plugin_id", id), log.Err(err))
		}
	}
	for _, sb := range ins.plugins {
		if sb.IsLoaded() {
			sb.AdvanceState(true)
		}
	}
	if ins.buffer.IsLoaded() {
		if err := ins.buffer.Stop(true); err != nil {
			ins.logger.Error("buffer stop failed", log.Err(err))
		}
	}
	ins.setState(Down)
	ins.logger.Info("node down", log.Str("node_id", ins.nodeID))
}

// Inspect resolves a JSON path inside a plugin's persistent store and
// returns the value re-encoded as JSON.
func (ins *Instalog) Inspect(pluginID, path string) (string, error) {
	sb := ins.sandboxByID(pluginID)
	if sb == nil {
		return "", fmt.Errorf("no plugin %q", pluginID)
	}
	v, err := walkJSONPath(path, sb.Store().Snapshot())
	if err != nil {
		return "", err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Flush pushes one output plugin through its backlog, waiting up to timeout
// for the consumer to catch up to the buffer head.
func (ins *Instalog) Flush(pluginID string, timeout time.Duration) (FlushResult, error) {
	ins.rpcMu.Lock()
	defer ins.rpcMu.Unlock()
	sb, ok := ins.plugins[pluginID]
	if !ok || sb.Kind() != plugin.KindOutput {
		return FlushResult{}, fmt.Errorf("no output plugin %q", pluginID)
	}
	success, err := sb.Flush(timeout, true)
	res := FlushResult{Result: FlushSuccess}
	switch {
	case err != nil:
		res.Result = FlushError
		res.Error = err.Error()
	case !success:
		res.Result = FlushTimeout
	}
	if pr, perr := sb.Progress(); perr == nil {
		res.CompletedCount = pr.Completed
		res.TotalCount = pr.Total
	}
	return res, nil
}

// FlushAll flushes every output plugin with the same timeout.
func (ins *Instalog) FlushAll(timeout time.Duration) (map[string]FlushResult, error) {
	results := map[string]FlushResult{}
	var firstErr error
	for id, sb := range ins.plugins {
		if sb.Kind() != plugin.KindOutput {
			continue
		}
		res, err := ins.Flush(id, timeout)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		results[id] = res
	}
	return results, firstErr
}

// GetAllProgress reports every buffer consumer's position.
func (ins *Instalog) GetAllProgress() (map[string]plugin.Progress, error) {
	buf, err := ins.bufferPlugin()
	if err != nil {
		return nil, err
	}
	all, err := buf.ListConsumers()
	if err != nil {
		return nil, plugin.NewCallError(BufferID, "ListConsumers", err)
	}
	return all, nil
}

// GetStatus snapshots the node and plugin states.
func (ins *Instalog) GetStatus() Status {
	st := Status{
		NodeID:  ins.nodeID,
		State:   ins.State(),
		Plugins: map[string]string{BufferID: string(ins.buffer.State())},
	}
	for id, sb := range ins.plugins {
		st.Plugins[id] = string(sb.State())
	}
	return st
}

func (ins *Instalog) sandboxByID(pluginID string) *sandbox.Sandbox {
	if pluginID == BufferID {
		return ins.buffer
	}
	return ins.plugins[pluginID]
}

func (ins *Instalog) bufferPlugin() (plugin.Buffer, error) {
	plug := ins.buffer.Plugin()
	if plug == nil {
		return nil, fmt.Errorf("buffer plugin not loaded")
	}
	buf, ok := plug.(plugin.Buffer)
	if !ok {
		return nil, fmt.Errorf("buffer plugin does not implement the buffer interface")
	}
	return buf, nil
}

// NodeID implements sandbox.Core.
func (ins *Instalog) NodeID() string { return ins.nodeID }

// Emit implements sandbox.Core by producing into the buffer.
func (ins *Instalog) Emit(s *sandbox.Sandbox, events []*event.Event) error {
	buf, err := ins.bufferPlugin()
	if err != nil {
		return err
	}
	if err := buf.Produce(events); err != nil {
		return plugin.NewCallError(BufferID, "Produce", err)
	}
	return nil
}

// NewStream implements sandbox.Core by opening the plugin's buffer consumer
// stream.
func (ins *Instalog) NewStream(s *sandbox.Sandbox) (plugin.EventStream, error) {
	buf, err := ins.bufferPlugin()
	if err != nil {
		return nil, err
	}
	bs, err := buf.Consume(s.ID())
	if err != nil {
		return nil, plugin.NewCallError(BufferID, "Consume", err)
	}
	return bs, nil
}

// Progress implements sandbox.Core by reading the plugin's consumer
// position from the buffer.
func (ins *Instalog) Progress(s *sandbox.Sandbox) (plugin.Progress, error) {
	buf, err := ins.bufferPlugin()
	if err != nil {
		return plugin.Progress{}, err
	}
	all, err := buf.ListConsumers()
	if err != nil {
		return plugin.Progress{}, plugin.NewCallError(BufferID, "ListConsumers", err)
	}
	pr, ok := all[s.ID()]
	if !ok {
		return plugin.Progress{}, fmt.Errorf("no buffer consumer for %q", s.ID())
	}
	return pr, nil
}
