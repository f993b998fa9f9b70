package sandbox

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/flowpolicy"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

// behavior scripts the fake plugin for one test.
type behavior struct {
	setupErr    error
	teardownErr error
	mainExit    chan struct{} // closed to make Main return early

	mu          sync.Mutex
	setupRan    bool
	teardownRan bool
	mainStarted bool
}

type fakePlugin struct {
	api plugin.API
	b   *behavior
}

func (p *fakePlugin) SetUp() error {
	p.b.mu.Lock()
	p.b.setupRan = true
	p.b.mu.Unlock()
	return p.b.setupErr
}

func (p *fakePlugin) Main() {
	p.b.mu.Lock()
	p.b.mainStarted = true
	p.b.mu.Unlock()
	for !p.api.IsStopping() {
		select {
		case <-p.b.mainExit:
			return
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func (p *fakePlugin) TearDown() error {
	p.b.mu.Lock()
	p.b.teardownRan = true
	p.b.mu.Unlock()
	return p.b.teardownErr
}

func init() {
	plugin.Register("test_plugin", plugin.KindInput, func(api plugin.API, args map[string]interface{}) (plugin.Plugin, error) {
		return &fakePlugin{api: api, b: args["behavior"].(*behavior)}, nil
	})
}

type fakeBufStream struct {
	mu        sync.Mutex
	queue     []*event.Event
	committed bool
	aborted   bool
}

func (s *fakeBufStream) Next() (*event.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, nil
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, nil
}

func (s *fakeBufStream) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = true
	return nil
}

func (s *fakeBufStream) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

type fakeCore struct {
	mu       sync.Mutex
	emitted  []*event.Event
	stream   *fakeBufStream
	progress plugin.Progress
}

func (c *fakeCore) Emit(s *Sandbox, events []*event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.emitted = append(c.emitted, events...)
	return nil
}

func (c *fakeCore) NewStream(s *Sandbox) (plugin.EventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, nil
	}
	return c.stream, nil
}

func (c *fakeCore) Progress(s *Sandbox) (plugin.Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress, nil
}

func (c *fakeCore) NodeID() string { return "node1" }

func newTestSandbox(t *testing.T, b *behavior, core *fakeCore) *Sandbox {
	t.Helper()
	if b.mainExit == nil {
		b.mainExit = make(chan struct{})
	}
	sb, err := New(Config{
		PluginType: "test_plugin",
		PluginID:   "test_in",
		Kind:       plugin.KindInput,
		Args:       map[string]interface{}{"behavior": b},
		StorePath:  t.TempDir() + "/store.json",
		DataDir:    t.TempDir(),
		Core:       core,
		Logger:     log.NewNop(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return sb
}

func advanceUntil(t *testing.T, sb *Sandbox, want State) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sb.AdvanceState(false)
		if sb.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", sb.State(), want)
}

func TestLifecycle(t *testing.T) {
	b := &behavior{}
	sb := newTestSandbox(t, b, &fakeCore{})

	if sb.State() != Down {
		t.Fatalf("initial state = %s", sb.State())
	}
	if err := sb.Start(true); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sb.State() != Up {
		t.Fatalf("state after Start = %s", sb.State())
	}
	b.mu.Lock()
	if !b.setupRan {
		t.Fatal("SetUp did not run")
	}
	b.mu.Unlock()

	if err := sb.Stop(true); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if sb.State() != Down {
		t.Fatalf("state after Stop = %s", sb.State())
	}
	b.mu.Lock()
	if !b.teardownRan {
		t.Fatal("TearDown did not run")
	}
	b.mu.Unlock()
}

func TestStateCommandErrors(t *testing.T) {
	sb := newTestSandbox(t, &behavior{}, &fakeCore{})

	if err := sb.Stop(false); err == nil {
		t.Fatal("Stop from Down succeeded")
	}
	if err := sb.Pause(false); err == nil {
		t.Fatal("Pause from Down succeeded")
	}
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	if err := sb.Start(false); err == nil {
		t.Fatal("Start from Up succeeded")
	}
	var cmdErr *StateCommandError
	if err := sb.Unpause(false); !errors.As(err, &cmdErr) {
		t.Fatalf("Unpause from Up = %v, want StateCommandError", err)
	}
	sb.Stop(true)
}

func TestSetUpFailureEndsDown(t *testing.T) {
	b := &behavior{setupErr: errors.New("no such host")}
	sb := newTestSandbox(t, b, &fakeCore{})

	if err := sb.Start(false); err != nil {
		t.Fatal(err)
	}
	advanceUntil(t, sb, Down)
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.teardownRan {
		t.Fatal("TearDown not run after failed SetUp")
	}
}

func TestMainExitForcesStop(t *testing.T) {
	b := &behavior{}
	sb := newTestSandbox(t, b, &fakeCore{})
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	close(b.mainExit)
	advanceUntil(t, sb, Down)
}

func TestEmitStampsBufferStage(t *testing.T) {
	core := &fakeCore{}
	sb := newTestSandbox(t, &behavior{}, core)
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer sb.Stop(true)

	ev := event.New(map[string]interface{}{"k": "v"}, nil)
	if err := sb.Emit([]*event.Event{ev}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(ev.History) != 1 {
		t.Fatalf("history length = %d", len(ev.History))
	}
	stage := ev.History[0]
	if stage.NodeID != "node1" || stage.PluginID != "test_in" || stage.Target != event.TargetBuffer {
		t.Fatalf("stage = %+v", stage)
	}
	core.mu.Lock()
	defer core.mu.Unlock()
	if len(core.emitted) != 1 {
		t.Fatalf("emitted %d events", len(core.emitted))
	}
}

func TestGatekeeperRejectsAndDefers(t *testing.T) {
	sb := newTestSandbox(t, &behavior{}, &fakeCore{})

	// Down rejects.
	if err := sb.Emit(nil); !errors.Is(err, plugin.ErrUnexpectedAccess) {
		t.Fatalf("Emit while Down = %v", err)
	}
	if len(sb.UnexpectedAccesses()) != 1 {
		t.Fatal("unexpected access not recorded")
	}

	// Paused defers.
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	if err := sb.Pause(true); err != nil {
		t.Fatal(err)
	}
	if sb.State() != Paused {
		t.Fatalf("state = %s", sb.State())
	}
	if err := sb.Emit(nil); !errors.Is(err, event.ErrWaiting) {
		t.Fatalf("Emit while Paused = %v", err)
	}
	sb.Stop(true)
}

func TestStreamNextFiltersAndStamps(t *testing.T) {
	hidden := event.New(map[string]interface{}{"n": 0}, nil)
	hidden.History = []event.ProcessStage{{NodeID: "node1", PluginID: "secret_in"}}
	visible := event.New(map[string]interface{}{"n": 1}, nil)
	visible.History = []event.ProcessStage{{NodeID: "node1", PluginID: "open_in"}}

	core := &fakeCore{stream: &fakeBufStream{queue: []*event.Event{hidden, visible}}}
	sb := newTestSandbox(t, &behavior{}, core)
	policy, err := flowpolicy.New(nil, []map[string]interface{}{
		{"rule": "history", "plugin_id": "secret_in"},
	})
	if err != nil {
		t.Fatal(err)
	}
	sb.policy = policy

	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer sb.Stop(true)

	ps, err := sb.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	ev, err := ps.Next(time.Second)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev == nil || ev.Get("n") != 1 {
		t.Fatalf("got %v, want the visible event", ev)
	}
	last := ev.History[len(ev.History)-1]
	if last.Target != event.TargetExternal || last.PluginID != "test_in" {
		t.Fatalf("external stage = %+v", last)
	}
	if err := ps.Commit(); err != nil {
		t.Fatal(err)
	}
	if !core.stream.committed {
		t.Fatal("buffer stream not committed")
	}
}

func TestStreamNextSkipsHiddenRunInOneCall(t *testing.T) {
	var queue []*event.Event
	for i := 0; i < 50; i++ {
		hidden := event.New(map[string]interface{}{"n": i}, nil)
		hidden.History = []event.ProcessStage{{NodeID: "node1", PluginID: "secret_in"}}
		queue = append(queue, hidden)
	}
	visible := event.New(map[string]interface{}{"n": 50}, nil)
	visible.History = []event.ProcessStage{{NodeID: "node1", PluginID: "open_in"}}
	queue = append(queue, visible)

	core := &fakeCore{stream: &fakeBufStream{queue: queue}}
	sb := newTestSandbox(t, &behavior{}, core)
	policy, err := flowpolicy.New(nil, []map[string]interface{}{
		{"rule": "history", "plugin_id": "secret_in"},
	})
	if err != nil {
		t.Fatal(err)
	}
	sb.policy = policy

	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer sb.Stop(true)

	ps, err := sb.NewStream()
	if err != nil {
		t.Fatalf("NewStream: %v", err)
	}
	// A non-blocking sweep must chew through the whole hidden run, not
	// stop after the first filtered record.
	start := time.Now()
	ev, err := ps.Next(0)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev == nil || ev.Get("n") != 50 {
		t.Fatalf("got %v, want the visible event behind the hidden run", ev)
	}
	if elapsed := time.Since(start); elapsed >= 100*time.Millisecond {
		t.Fatalf("skipping the hidden run took %v", elapsed)
	}
	if err := ps.Commit(); err != nil {
		t.Fatal(err)
	}
}

func TestAbortWithoutEventsCommits(t *testing.T) {
	core := &fakeCore{stream: &fakeBufStream{}}
	sb := newTestSandbox(t, &behavior{}, core)
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer sb.Stop(true)

	ps, err := sb.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	if err := ps.Abort(); err != nil {
		t.Fatal(err)
	}
	// Zero events were read, so the consumer still advances past any
	// policy-hidden window.
	if !core.stream.committed || core.stream.aborted {
		t.Fatalf("committed=%v aborted=%v, want commit",
			core.stream.committed, core.stream.aborted)
	}
}

func TestAbortWithEventsAborts(t *testing.T) {
	core := &fakeCore{stream: &fakeBufStream{
		queue: []*event.Event{event.New(nil, nil)},
	}}
	sb := newTestSandbox(t, &behavior{}, core)
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer sb.Stop(true)

	ps, _ := sb.NewStream()
	if ev, _ := ps.Next(time.Second); ev == nil {
		t.Fatal("no event")
	}
	if err := ps.Abort(); err != nil {
		t.Fatal(err)
	}
	if !core.stream.aborted {
		t.Fatal("buffer stream not aborted")
	}
}

func TestPauseWaitsForOpenStreams(t *testing.T) {
	core := &fakeCore{stream: &fakeBufStream{}}
	sb := newTestSandbox(t, &behavior{}, core)
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer func() {
		if sb.State() != Down {
			sb.Stop(true)
		}
	}()

	ps, err := sb.NewStream()
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Pause(false); err != nil {
		t.Fatal(err)
	}
	sb.AdvanceState(false)
	if sb.State() != Pausing {
		t.Fatalf("state with open stream = %s, want Pausing", sb.State())
	}
	if err := ps.Commit(); err != nil {
		t.Fatal(err)
	}
	advanceUntil(t, sb, Paused)
	if err := sb.Unpause(true); err != nil {
		t.Fatal(err)
	}
	if sb.State() != Up {
		t.Fatalf("state after Unpause = %s", sb.State())
	}
}

func TestFlushReachesTarget(t *testing.T) {
	core := &fakeCore{progress: plugin.Progress{Completed: 10, Total: 10}}
	sb := newTestSandbox(t, &behavior{}, core)
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer sb.Stop(true)

	ok, err := sb.Flush(time.Second, true)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if !ok {
		t.Fatal("flush did not reach target")
	}
	if sb.State() != Up {
		t.Fatalf("state after flush = %s", sb.State())
	}
	if sb.IsFlushing() {
		t.Fatal("IsFlushing true after flush finished")
	}
}

func TestFlushTimeout(t *testing.T) {
	core := &fakeCore{progress: plugin.Progress{Completed: 3, Total: 10}}
	sb := newTestSandbox(t, &behavior{}, core)
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	defer sb.Stop(true)

	ok, err := sb.Flush(10*time.Millisecond, true)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if ok {
		t.Fatal("flush reported success despite lagging consumer")
	}
	if sb.State() != Up {
		t.Fatalf("state after flush timeout = %s", sb.State())
	}
}

func TestSleepInterruptedByStop(t *testing.T) {
	sb := newTestSandbox(t, &behavior{}, &fakeCore{})
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}

	done := make(chan bool, 1)
	go func() {
		done <- sb.Sleep(10 * time.Second)
	}()
	time.Sleep(10 * time.Millisecond)
	if err := sb.Stop(true); err != nil {
		t.Fatal(err)
	}
	select {
	case finished := <-done:
		if finished {
			t.Fatal("Sleep claims it ran to completion")
		}
	case <-time.After(time.Second):
		t.Fatal("Sleep not interrupted by Stop")
	}
}

func TestStoreSurvivesRestart(t *testing.T) {
	b := &behavior{}
	core := &fakeCore{}
	storePath := t.TempDir() + "/store.json"
	sb, err := New(Config{
		PluginType: "test_plugin",
		PluginID:   "test_in",
		Kind:       plugin.KindInput,
		Args:       map[string]interface{}{"behavior": b},
		StorePath:  storePath,
		DataDir:    t.TempDir(),
		Core:       core,
		Logger:     log.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := sb.Start(true); err != nil {
		t.Fatal(err)
	}
	sb.Store().Set("offset", 42)
	if err := sb.SaveStore(); err != nil {
		t.Fatalf("SaveStore: %v", err)
	}
	sb.Stop(true)

	sb2, err := New(Config{
		PluginType: "test_plugin",
		PluginID:   "test_in",
		Kind:       plugin.KindInput,
		Args:       map[string]interface{}{"behavior": &behavior{mainExit: make(chan struct{})}},
		StorePath:  storePath,
		DataDir:    t.TempDir(),
		Core:       core,
		Logger:     log.NewNop(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := sb2.Store().Get("offset"); !ok || v.(float64) != 42 {
		t.Fatalf("restored offset = %v, %v", v, ok)
	}
}
