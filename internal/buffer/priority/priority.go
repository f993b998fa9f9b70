// Package priority implements the buffer_priority plugin: a multi-cell
// buffer that partitions events into priority levels, each spread over
// several shards so concurrent producers rarely contend on one file.
//
// Event order is preserved only within a single cell; across priorities and
// shards it is not guaranteed.
package priority

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/arccode/instalog/internal/buffer/cell"
	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

const (
	// Levels is the number of priority levels. Level 0 is the most urgent;
	// events without a valid "priority" payload key land on the last level.
	Levels = event.PriorityLevels

	// Shards is the number of cells per level. A producer locks one shard
	// and writes each event to that shard's cell for its level.
	Shards = 4

	attachmentsTmpDir = "attachments_tmp"
	metadataTmpDir    = "metadata_tmp"

	defaultLockRounds = 25
	defaultLockWait   = 100 * time.Millisecond
)

func init() {
	plugin.Register("buffer_priority", plugin.KindBuffer, New)
}

// Buffer is the buffer_priority plugin.
type Buffer struct {
	api    plugin.API
	logger log.Logger

	truncateInterval time.Duration
	copyAttachments  bool
	enableFsync      bool
	lockRounds       int
	lockWait         time.Duration

	cells [Levels][Shards]*cell.Cell
	// Shard locks as capacity-1 channels so acquisition can time out.
	shardLocks [Shards]chan struct{}

	attachmentsTmp string
	metadataTmp    string

	consumers map[string]*Consumer
}

// New constructs the plugin from its configuration arguments.
func New(api plugin.API, args map[string]interface{}) (plugin.Plugin, error) {
	interval, err := plugin.ArgFloat(args, "truncate_interval", 0)
	if err != nil {
		return nil, err
	}
	copyAtt, err := plugin.ArgBool(args, "copy_attachments", false)
	if err != nil {
		return nil, err
	}
	fsync, err := plugin.ArgBool(args, "enable_fsync", true)
	if err != nil {
		return nil, err
	}
	rounds, err := plugin.ArgInt(args, "lock_rounds", defaultLockRounds)
	if err != nil {
		return nil, err
	}
	waitMS, err := plugin.ArgInt(args, "lock_wait_ms", int(defaultLockWait/time.Millisecond))
	if err != nil {
		return nil, err
	}
	if interval < 0 || rounds < 1 || waitMS < 1 {
		return nil, fmt.Errorf("buffer_priority: invalid lock or truncate settings")
	}
	return &Buffer{
		api:              api,
		logger:           api.Logger(),
		truncateInterval: time.Duration(interval * float64(time.Second)),
		copyAttachments:  copyAtt,
		enableFsync:      fsync,
		lockRounds:       rounds,
		lockWait:         time.Duration(waitMS) * time.Millisecond,
		consumers:        map[string]*Consumer{},
	}, nil
}

// SetUp recovers any interrupted produce, then opens all cells.
func (b *Buffer) SetUp() error {
	dataDir := b.api.DataDir()

	// Staged attachments from a previous run are garbage.
	b.attachmentsTmp = filepath.Join(dataDir, attachmentsTmpDir)
	if err := os.RemoveAll(b.attachmentsTmp); err != nil {
		return err
	}
	if err := os.MkdirAll(b.attachmentsTmp, 0o755); err != nil {
		return err
	}

	// Leftover metadata snapshots mean a produce died mid-write; roll the
	// affected cells' metadata back before opening them.
	b.metadataTmp = filepath.Join(dataDir, metadataTmpDir)
	if err := os.MkdirAll(b.metadataTmp, 0o755); err != nil {
		return err
	}
	entries, err := os.ReadDir(b.metadataTmp)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(b.metadataTmp, e.Name())
		if err := b.recoverSidecar(path); err != nil {
			return fmt.Errorf("recover metadata snapshot %s: %w", path, err)
		}
	}

	for p := 0; p < Levels; p++ {
		for s := 0; s < Shards; s++ {
			dir := filepath.Join(dataDir, fmt.Sprintf("%d_%d", p, s))
			c, err := cell.Open(dir, b.logger, cell.Options{EnableFsync: b.enableFsync})
			if err != nil {
				return fmt.Errorf("open cell %d_%d: %w", p, s, err)
			}
			b.cells[p][s] = c
		}
	}

	for s := 0; s < Shards; s++ {
		b.shardLocks[s] = make(chan struct{}, 1)
	}

	// Consumer registrations are identical across cells; any one of them
	// knows the full set.
	for name := range b.cells[0][0].ListConsumers() {
		b.consumers[name] = &Consumer{name: name, buffer: b}
	}
	return nil
}

// Main periodically truncates the cells, or just idles when truncation is
// disabled.
func (b *Buffer) Main() {
	for !b.api.IsStopping() {
		if b.truncateInterval == 0 {
			b.api.Sleep(100 * time.Second)
			continue
		}
		if err := b.Truncate(); err != nil {
			b.logger.Error("truncate pass failed", log.Err(err))
		}
		b.api.Sleep(b.truncateInterval)
	}
}

func (b *Buffer) TearDown() error { return nil }

// Truncate rewrites every cell to drop fully consumed records. Each shard is
// locked for the duration of its pass so producers see consistent cells.
func (b *Buffer) Truncate() error {
	var firstErr error
	for s := 0; s < Shards; s++ {
		b.shardLocks[s] <- struct{}{}
		for p := 0; p < Levels; p++ {
			if err := b.cells[p][s].Truncate(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("truncate cell %d_%d: %w", p, s, err)
			}
		}
		<-b.shardLocks[s]
	}
	return firstErr
}

// EventLevel returns the priority level used to place ev in a cell.
func EventLevel(ev *event.Event) int { return ev.Priority() }

func partitionEvents(events []*event.Event) [Levels][]*event.Event {
	var out [Levels][]*event.Event
	for _, ev := range events {
		l := EventLevel(ev)
		out[l] = append(out[l], ev)
	}
	return out
}

// acquireShard returns a locked shard index, or -1 when every shard stayed
// busy for the whole retry budget.
func (b *Buffer) acquireShard() int {
	for s := 0; s < Shards; s++ {
		select {
		case b.shardLocks[s] <- struct{}{}:
			return s
		default:
		}
	}
	for i := 0; i < b.lockRounds; i++ {
		for s := 0; s < Shards; s++ {
			select {
			case b.shardLocks[s] <- struct{}{}:
				return s
			case <-time.After(b.lockWait):
			}
		}
	}
	return -1
}

func (b *Buffer) releaseShard(s int) {
	<-b.shardLocks[s]
}

// Produce stores events atomically: either every event and attachment lands
// in the buffer, or none do. Events are first staged (attachments copied to
// a scratch directory), then written to one locked shard with the shard's
// prior metadata snapshotted so a crash or write failure can be rolled back.
func (b *Buffer) Produce(events []*event.Event) error {
	if len(events) == 0 {
		return nil
	}
	scratch := filepath.Join(b.attachmentsTmp, uuid.NewString())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return err
	}
	defer os.RemoveAll(scratch)

	// Step 1: stage attachments so the originals stay intact until the
	// write is known good.
	var sourcePaths []string
	for _, ev := range events {
		for attID, attPath := range ev.Attachments {
			sourcePaths = append(sourcePaths, attPath)
			ev.Attachments[attID] = stagedPath(scratch, attPath)
		}
	}
	if err := stageAttachments(sourcePaths, scratch, b.enableFsync); err != nil {
		return fmt.Errorf("stage attachments: %w", err)
	}

	// Step 2: lock a shard.
	shard := b.acquireShard()
	if shard < 0 {
		return fmt.Errorf("all %d shards busy after %d rounds", Shards, b.lockRounds)
	}
	defer b.releaseShard(shard)

	// Step 3: snapshot the shard's metadata, then write.
	sidecar, err := b.saveSidecar(shard)
	if err != nil {
		return fmt.Errorf("snapshot metadata: %w", err)
	}
	if err := b.produceToShard(shard, events); err != nil {
		b.rollbackShard(shard, sidecar)
		return err
	}

	// Step 4: the write is durable; drop the sources and the snapshot.
	if !b.copyAttachments {
		for _, path := range sourcePaths {
			if err := os.Remove(path); err != nil {
				b.logger.Warn("source attachment could not be deleted",
					log.Str("path", path), log.Err(err))
			}
		}
	}
	if err := os.Remove(sidecar); err != nil {
		b.logger.Warn("metadata snapshot could not be deleted",
			log.Str("path", sidecar), log.Err(err))
	}
	return nil
}

func (b *Buffer) produceToShard(shard int, events []*event.Event) error {
	partitioned := partitionEvents(events)
	for p := 0; p < Levels; p++ {
		if len(partitioned[p]) == 0 {
			continue
		}
		if err := b.cells[p][shard].Produce(partitioned[p]); err != nil {
			return fmt.Errorf("produce to cell %d_%d: %w", p, shard, err)
		}
	}
	return nil
}

// rollbackShard restores the shard's metadata files from the snapshot and
// reloads the affected cells. Data file appends beyond the restored end
// position are torn tails; they are dropped on the next produce.
func (b *Buffer) rollbackShard(shard int, sidecar string) {
	if err := b.recoverSidecar(sidecar); err != nil {
		b.logger.Error("metadata rollback failed", log.Str("path", sidecar), log.Err(err))
		return
	}
	for p := 0; p < Levels; p++ {
		if err := b.cells[p][shard].RestoreMetadata(); err != nil {
			b.logger.Error("cell metadata reload failed",
				log.Int("priority", p), log.Int("shard", shard), log.Err(err))
		}
	}
}

// AddConsumer registers name on every cell.
func (b *Buffer) AddConsumer(name string) error {
	if _, ok := b.consumers[name]; ok {
		return fmt.Errorf("consumer %s already exists", name)
	}
	for p := 0; p < Levels; p++ {
		for s := 0; s < Shards; s++ {
			if err := b.cells[p][s].AddConsumer(name); err != nil {
				return err
			}
		}
	}
	b.consumers[name] = &Consumer{name: name, buffer: b}
	return nil
}

// RemoveConsumer unregisters name from every cell.
func (b *Buffer) RemoveConsumer(name string) error {
	if _, ok := b.consumers[name]; !ok {
		return fmt.Errorf("consumer %s does not exist", name)
	}
	for p := 0; p < Levels; p++ {
		for s := 0; s < Shards; s++ {
			if err := b.cells[p][s].RemoveConsumer(name); err != nil {
				return err
			}
		}
	}
	delete(b.consumers, name)
	return nil
}

// ListConsumers sums each consumer's progress across all cells.
func (b *Buffer) ListConsumers() (map[string]plugin.Progress, error) {
	out := make(map[string]plugin.Progress, len(b.consumers))
	for name := range b.consumers {
		out[name] = plugin.Progress{}
	}
	for p := 0; p < Levels; p++ {
		for s := 0; s < Shards; s++ {
			for name, progress := range b.cells[p][s].ListConsumers() {
				sum, ok := out[name]
				if !ok {
					continue
				}
				sum.Completed += progress.Completed
				sum.Total += progress.Total
				out[name] = sum
			}
		}
	}
	return out, nil
}

// Consume opens a stream over all cells for the named consumer, or returns
// (nil, nil) while a previous stream is still open.
func (b *Buffer) Consume(name string) (plugin.EventStream, error) {
	cons, ok := b.consumers[name]
	if !ok {
		return nil, fmt.Errorf("consumer %s does not exist", name)
	}
	if s := cons.createStream(); s != nil {
		return s, nil
	}
	return nil, nil
}
