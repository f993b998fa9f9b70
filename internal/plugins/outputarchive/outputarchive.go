// Package outputarchive drains events into a local Pebble archive. Events
// and their attachment bytes land in one batch per stream window, committed
// to the archive before the stream commits; a crash between the two
// re-delivers the window, so the archive is at-least-once.
package outputarchive

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/plugin"
	pebblestore "github.com/arccode/instalog/internal/storage/pebble"
	"github.com/arccode/instalog/pkg/log"
)

const (
	defaultInterval  = 30.0
	defaultBatchSize = 500
)

func init() {
	plugin.Register("output_archive", plugin.KindOutput, New)
}

type archiveStats struct {
	Events  int64 `json:"events"`
	Bytes   int64 `json:"bytes"`
	Batches int64 `json:"batches"`
}

type archiveOutput struct {
	api       plugin.API
	interval  time.Duration
	batchSize int
	fsync     pebblestore.FsyncMode

	db     *pebblestore.DB
	nextID int64
	stats  archiveStats
}

// New builds the plugin from its config args.
func New(api plugin.API, args map[string]interface{}) (plugin.Plugin, error) {
	interval, err := plugin.ArgFloat(args, "interval", defaultInterval)
	if err != nil {
		return nil, err
	}
	if interval <= 0 {
		return nil, fmt.Errorf("interval must be positive")
	}
	batchSize, err := plugin.ArgInt(args, "batch_size", defaultBatchSize)
	if err != nil {
		return nil, err
	}
	if batchSize < 1 {
		return nil, fmt.Errorf("batch_size must be at least 1")
	}
	fsyncStr, err := plugin.ArgString(args, "fsync", "interval")
	if err != nil {
		return nil, err
	}
	fsync, err := pebblestore.ParseFsyncMode(fsyncStr)
	if err != nil {
		return nil, err
	}
	return &archiveOutput{
		api:       api,
		interval:  time.Duration(interval * float64(time.Second)),
		batchSize: batchSize,
		fsync:     fsync,
	}, nil
}

func (p *archiveOutput) SetUp() error {
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir: filepath.Join(p.api.DataDir(), "archive"),
		Fsync:   p.fsync,
	})
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	p.db = db
	// The store comes back from JSON, so numbers are float64.
	if v, ok := p.api.Store().Get("next_id"); ok {
		if f, ok := v.(float64); ok {
			p.nextID = int64(f)
		}
	}
	if v, ok := p.api.Store().Get("stats"); ok {
		if m, ok := v.(map[string]interface{}); ok {
			if f, ok := m["events"].(float64); ok {
				p.stats.Events = int64(f)
			}
			if f, ok := m["bytes"].(float64); ok {
				p.stats.Bytes = int64(f)
			}
			if f, ok := m["batches"].(float64); ok {
				p.stats.Batches = int64(f)
			}
		}
	}
	return nil
}

func (p *archiveOutput) Main() {
	for !p.api.IsStopping() {
		n, err := p.archiveBatch()
		if err != nil {
			p.api.Logger().Error("archive batch failed", log.Err(err))
			if !p.api.Sleep(time.Second) {
				return
			}
			continue
		}
		if n == 0 {
			// The iterator already waited; this only paces the loop
			// when it returns immediately, as during a flush.
			p.api.Sleep(100 * time.Millisecond)
		}
	}
}

func (p *archiveOutput) TearDown() error {
	if p.db != nil {
		return p.db.Close()
	}
	return nil
}

// archiveBatch pulls one stream window into a single Pebble batch and
// commits archive-first, stream-second.
func (p *archiveOutput) archiveBatch() (int, error) {
	stream, err := p.api.NewStream()
	if err != nil {
		return 0, err
	}
	it := event.NewIterator(stream, event.IterOptions{
		Timeout: p.interval,
		Count:   p.batchSize,
	})
	batch := p.db.NewBatch()
	defer batch.Close()

	abort := func(err error) (int, error) {
		_ = stream.Abort()
		return 0, err
	}

	var batchBytes int64
	n := 0
	for {
		ev, ok := it.Next()
		if !ok {
			break
		}
		id := p.nextID + int64(n)
		for attID, path := range ev.Attachments {
			data, err := os.ReadFile(path)
			if err != nil {
				return abort(fmt.Errorf("read attachment %s: %w", attID, err))
			}
			key := attachmentKey(p.api.NodeID(), id, attID)
			if err := batch.Set(key, data, nil); err != nil {
				return abort(err)
			}
			// The archived event references the archive key, not the
			// buffer-owned file that truncation will remove.
			ev.Attachments[attID] = string(key)
			batchBytes += int64(len(data))
		}
		raw, err := ev.Serialize()
		if err != nil {
			return abort(fmt.Errorf("serialize event: %w", err))
		}
		if err := batch.Set(eventKey(p.api.NodeID(), id), raw, nil); err != nil {
			return abort(err)
		}
		batchBytes += int64(len(raw))
		n++
	}
	if n == 0 {
		// Release the grant so the cursor still advances past any
		// policy-hidden events in the window.
		return 0, stream.Abort()
	}
	if err := p.db.CommitBatch(batch); err != nil {
		return abort(err)
	}
	if err := stream.Commit(); err != nil {
		return 0, err
	}
	p.nextID += int64(n)
	p.stats.Events += int64(n)
	p.stats.Bytes += batchBytes
	p.stats.Batches++
	p.api.Store().Set("next_id", p.nextID)
	p.api.Store().Set("stats", p.stats)
	if err := p.api.SaveStore(); err != nil {
		p.api.Logger().Error("save store failed", log.Err(err))
	}
	return n, nil
}

func eventKey(nodeID string, id int64) []byte {
	return []byte(fmt.Sprintf("event/%s/%016d", nodeID, id))
}

func attachmentKey(nodeID string, id int64, attID string) []byte {
	return []byte(fmt.Sprintf("att/%s/%016d/%s", nodeID, id, attID))
}
