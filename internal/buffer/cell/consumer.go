package cell

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/pkg/log"
)

// readAheadBytes bounds how much of the data file one buffer refill reads.
const readAheadBytes = 4 * 1024

type bufferedRecord struct {
	seq    int64
	record string
	// size includes the bytes of any corrupt lines skipped immediately
	// before this record, so cursor advancement stays position-accurate.
	size int64
}

type consumerMeta struct {
	CurSeq *int64 `json:"cur_seq"`
	CurPos *int64 `json:"cur_pos"`
}

// Consumer is a named cursor into a cell, doubling as its event stream.
// Because the cell has a single data file there can be at most one live
// stream per consumer; CreateStream take-locks the consumer and returns it,
// and Commit or Abort release it.
type Consumer struct {
	name         string
	cell         *Cell
	metadataPath string
	logger       log.Logger

	// streamMu is held for the lifetime of an open stream.
	streamMu sync.Mutex
	active   atomic.Bool

	// readMu blocks data file reads while Truncate swaps the file.
	readMu sync.Mutex

	readBuf []bufferedRecord

	// posMu guards the cursor fields. cur* is the committed cursor; new*
	// tracks uncommitted reads of the open stream.
	posMu  sync.Mutex
	curSeq int64
	curPos int64
	newSeq int64
	newPos int64
}

func (c *Cell) newConsumer(name string) (*Consumer, error) {
	_, firstSeq, _, startPos, _ := c.snapshot()
	cons := &Consumer{
		name:         name,
		cell:         c,
		metadataPath: filepath.Join(c.dir, "consumer_"+name+".json"),
		logger:       c.logger,
		curSeq:       firstSeq,
		curPos:       startPos,
	}
	cons.newSeq = cons.curSeq
	cons.newPos = cons.curPos
	if err := cons.restoreMetadata(); err != nil {
		return nil, err
	}
	if err := cons.saveMetadata(); err != nil {
		return nil, err
	}
	return cons, nil
}

// Name returns the consumer's name.
func (c *Consumer) Name() string { return c.name }

// MetadataPath returns the path of the consumer's cursor file.
func (c *Consumer) MetadataPath() string { return c.metadataPath }

func (c *Consumer) cursor() (int64, int64) {
	c.posMu.Lock()
	defer c.posMu.Unlock()
	return c.curSeq, c.curPos
}

func (c *Consumer) saveMetadata() error {
	c.posMu.Lock()
	seq, pos := c.curSeq, c.curPos
	c.posMu.Unlock()
	raw, err := json.Marshal(map[string]int64{"cur_seq": seq, "cur_pos": pos})
	if err != nil {
		return err
	}
	return atomicWrite(c.metadataPath, raw, true)
}

// restoreMetadata loads the cursor file, clamping it into the window of
// records currently on disk. The cursor can fall outside that window when a
// consumer was removed, its pending records truncated, and the same name
// re-added later.
func (c *Consumer) restoreMetadata() error {
	raw, err := os.ReadFile(c.metadataPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var meta consumerMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("consumer %s: parse cursor file: %w", c.name, err)
	}
	if meta.CurSeq == nil || meta.CurPos == nil {
		c.logger.Error("consumer cursor file invalid; resetting", log.Str("consumer", c.name))
		return nil
	}
	_, firstSeq, lastSeq, startPos, endPos := c.cell.snapshot()
	c.posMu.Lock()
	defer c.posMu.Unlock()
	c.curSeq = clamp(*meta.CurSeq, firstSeq, lastSeq+1)
	c.curPos = clamp(*meta.CurPos, startPos, endPos)
	if *meta.CurSeq != c.curSeq {
		c.logger.Error("consumer cursor out of buffer range; corrected",
			log.Str("consumer", c.name),
			log.Int64("stored", *meta.CurSeq), log.Int64("corrected", c.curSeq))
	}
	c.newSeq = c.curSeq
	c.newPos = c.curPos
	return nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// CreateStream marks the consumer's stream as in use and returns it, or nil
// if a stream is already outstanding.
func (c *Consumer) CreateStream() *Consumer {
	if !c.streamMu.TryLock() {
		return nil
	}
	c.active.Store(true)
	return c
}

// fill refills the read buffer from the data file when it is empty. Corrupt
// lines are skipped with their byte size folded into the following valid
// record.
func (c *Consumer) fill() error {
	if len(c.readBuf) > 0 {
		return nil
	}
	version, _, _, startPos, endPos := c.cell.snapshot()
	if version == "" {
		return nil
	}
	c.readMu.Lock()
	defer c.readMu.Unlock()

	f, err := os.Open(c.cell.dataPath)
	if err != nil {
		return err
	}
	defer f.Close()
	cur := c.newPos - startPos
	if _, err := f.Seek(cur, io.SeekStart); err != nil {
		return err
	}
	r := bufio.NewReader(f)
	var totalBytes, skipped int64
	for totalBytes <= readAheadBytes {
		line, rerr := r.ReadString('\n')
		if line != "" {
			size := int64(len(line))
			cur += size
			if cur > endPos-startPos {
				break
			}
			seq, record, ok := parseRecord(line)
			if !ok {
				c.logger.Warn("skipping corrupt record", log.Int64("pos", cur-size))
				skipped += size
			} else {
				totalBytes += size
				c.readBuf = append(c.readBuf, bufferedRecord{
					seq:    seq,
					record: record,
					size:   size + skipped,
				})
				skipped = 0
			}
		}
		if rerr != nil {
			break
		}
	}
	return nil
}

// Next returns the next unread event, or nil when none are pending. The
// returned event's attachment paths are absolute.
func (c *Consumer) Next() (*event.Event, error) {
	if !c.active.Load() {
		return nil, event.ErrStreamExpired
	}
	if err := c.fill(); err != nil {
		return nil, err
	}
	if len(c.readBuf) == 0 {
		return nil, nil
	}
	rec := c.readBuf[0]
	c.readBuf = c.readBuf[1:]
	c.posMu.Lock()
	c.newSeq = rec.seq + 1
	c.newPos += rec.size
	c.posMu.Unlock()
	ev, err := event.Deserialize([]byte(rec.record))
	if err != nil {
		return nil, fmt.Errorf("consumer %s: seq %d: %w", c.name, rec.seq, err)
	}
	return c.cell.externalizeEvent(ev), nil
}

// Commit advances the durable cursor past all events returned by Next and
// releases the stream. A cursor write failure is logged rather than
// returned; the events will simply be delivered again after a restart.
func (c *Consumer) Commit() error {
	if !c.active.Load() {
		return event.ErrStreamExpired
	}
	c.posMu.Lock()
	c.curSeq = c.newSeq
	c.curPos = c.newPos
	c.posMu.Unlock()
	if err := c.saveMetadata(); err != nil {
		c.logger.Error("cursor write failed; events may be delivered again",
			log.Str("consumer", c.name), log.Err(err))
	}
	c.active.Store(false)
	c.streamMu.Unlock()
	return nil
}

// Abort rewinds uncommitted reads and releases the stream.
func (c *Consumer) Abort() error {
	if !c.active.Load() {
		return event.ErrStreamExpired
	}
	c.posMu.Lock()
	c.newSeq = c.curSeq
	c.newPos = c.curPos
	c.posMu.Unlock()
	c.readBuf = nil
	c.active.Store(false)
	c.streamMu.Unlock()
	return nil
}
