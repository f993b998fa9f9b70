package cell

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

// Options tunes cell behavior.
type Options struct {
	// EnableFsync syncs the data file and directory after each produce.
	EnableFsync bool
}

type versionMeta struct {
	FirstSeq int64 `json:"first_seq"`
	LastSeq  int64 `json:"last_seq"`
	StartPos int64 `json:"start_pos"`
	EndPos   int64 `json:"end_pos"`
}

// Cell is a single-file buffer. See the package comment for the on-disk
// layout.
type Cell struct {
	dir            string
	logger         log.Logger
	opts           Options
	dataPath       string
	metadataPath   string
	consumersPath  string
	attachmentsDir string

	// writeMu serializes writers of the data file (Produce, Truncate).
	writeMu sync.Mutex

	// consumerMu guards the consumers map.
	consumerMu sync.Mutex
	consumers  map[string]*Consumer

	// metaMu guards the version and position fields below.
	metaMu   sync.RWMutex
	version  string
	firstSeq int64
	lastSeq  int64
	startPos int64
	endPos   int64
	old      *versionMeta
	oldVer   string
}

// Open loads or initializes the cell rooted at dir.
func Open(dir string, logger log.Logger, opts Options) (*Cell, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	c := &Cell{
		dir:            abs,
		logger:         logger,
		opts:           opts,
		dataPath:       filepath.Join(abs, "data.log"),
		metadataPath:   filepath.Join(abs, "metadata.json"),
		consumersPath:  filepath.Join(abs, "consumers.json"),
		attachmentsDir: filepath.Join(abs, "attachments"),
		consumers:      map[string]*Consumer{},
		firstSeq:       1,
	}
	if err := os.MkdirAll(c.attachmentsDir, 0o755); err != nil {
		return nil, err
	}
	if err := c.RestoreMetadata(); err != nil {
		return nil, err
	}
	if c.version != "" {
		if err := c.saveMetadata(); err != nil {
			return nil, err
		}
	}
	if err := c.restoreConsumers(); err != nil {
		return nil, err
	}
	// Clean up attachments left behind by an interrupted truncate.
	c.truncateAttachments()
	return c, nil
}

// MetadataPath returns the path of the cell's metadata file. Callers that
// snapshot metadata across multiple cells read this file directly.
func (c *Cell) MetadataPath() string { return c.metadataPath }

func (c *Cell) snapshot() (version string, firstSeq, lastSeq, startPos, endPos int64) {
	c.metaMu.RLock()
	defer c.metaMu.RUnlock()
	return c.version, c.firstSeq, c.lastSeq, c.startPos, c.endPos
}

// saveMetadata writes the current (and any pending old) metadata version to
// disk, then drops the old version.
func (c *Cell) saveMetadata() error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.saveMetadataLocked()
}

func (c *Cell) saveMetadataLocked() error {
	if c.version == "" {
		return fmt.Errorf("cell %s: no version available for metadata save", c.dir)
	}
	data := map[string]versionMeta{
		c.version: {
			FirstSeq: c.firstSeq,
			LastSeq:  c.lastSeq,
			StartPos: c.startPos,
			EndPos:   c.endPos,
		},
	}
	if c.oldVer != "" && c.old != nil {
		data[c.oldVer] = *c.old
	}
	c.oldVer = ""
	c.old = nil
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return atomicWrite(c.metadataPath, raw, true)
}

// RestoreMetadata reloads cell metadata from disk, picking the version that
// matches the data file's first line. Missing metadata is not an error; the
// cell starts empty, including any in-memory state, so a rollback that
// removed the metadata file leaves no trace of the rolled-back records.
func (c *Cell) RestoreMetadata() error {
	raw, err := os.ReadFile(c.metadataPath)
	if os.IsNotExist(err) {
		c.metaMu.Lock()
		c.version = ""
		c.firstSeq, c.lastSeq = 1, 0
		c.startPos, c.endPos = 0, 0
		c.oldVer, c.old = "", nil
		c.metaMu.Unlock()
		return nil
	}
	if err != nil {
		return err
	}
	var data map[string]versionMeta
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("cell %s: parse metadata: %w", c.dir, err)
	}

	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if err := c.restoreVersionLocked(); err != nil {
		c.logger.Error("data file unexpectedly missing; keeping default metadata",
			log.Str("dir", c.dir), log.Err(err))
		return nil
	}
	meta, ok := data[c.version]
	if !ok {
		versions := make([]string, 0, len(data))
		for v := range data {
			versions = append(versions, v)
		}
		c.logger.Error("metadata version not found; recovering from data file",
			log.Str("want", c.version), log.Str("available", strings.Join(versions, ", ")))
		return c.recoverMetadataLocked()
	}
	if len(data) > 1 {
		c.logger.Info("metadata contains multiple versions",
			log.Str("chosen", c.version))
	}
	c.firstSeq = meta.FirstSeq
	c.lastSeq = meta.LastSeq
	c.startPos = meta.StartPos
	c.endPos = meta.EndPos
	fi, err := os.Stat(c.dataPath)
	if err != nil {
		return err
	}
	if c.endPos > c.startPos+fi.Size() {
		c.logger.Error("restored end_pos exceeds data file; recovering from data file",
			log.Int64("end_pos", c.endPos), log.Int64("file_size", fi.Size()))
		return c.recoverMetadataLocked()
	}
	return nil
}

// restoreVersionLocked recomputes the version from the data file first line.
func (c *Cell) restoreVersionLocked() error {
	f, err := os.Open(c.dataPath)
	if err != nil {
		return err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return err
	}
	c.version = checksum(line)
	return nil
}

// recoverMetadataLocked rebuilds metadata by scanning the data file for the
// first and last valid records.
func (c *Cell) recoverMetadataLocked() error {
	f, err := os.Open(c.dataPath)
	if err != nil {
		return err
	}
	defer f.Close()

	c.firstSeq, c.lastSeq, c.startPos, c.endPos = 1, 0, 0, 0
	sawFirst := false
	var pos int64
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			seq, _, ok := parseRecord(line)
			if ok && !sawFirst {
				c.firstSeq = seq
				c.startPos = pos
				sawFirst = true
			}
			pos += int64(len(line))
			if ok {
				c.lastSeq = seq
				c.endPos = pos
			}
		}
		if err != nil {
			break
		}
	}
	c.logger.Info("recovered metadata from data file",
		log.Int64("first_seq", c.firstSeq), log.Int64("last_seq", c.lastSeq))
	return nil
}

func (c *Cell) saveConsumersLocked() error {
	names := make([]string, 0, len(c.consumers))
	for name := range c.consumers {
		names = append(names, name)
	}
	raw, err := json.Marshal(names)
	if err != nil {
		return err
	}
	return atomicWrite(c.consumersPath, raw, true)
}

func (c *Cell) restoreConsumers() error {
	raw, err := os.ReadFile(c.consumersPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var names []string
	if err := json.Unmarshal(raw, &names); err != nil {
		return fmt.Errorf("cell %s: parse consumer list: %w", c.dir, err)
	}
	for _, name := range names {
		cons, err := c.newConsumer(name)
		if err != nil {
			return err
		}
		c.consumers[name] = cons
	}
	return nil
}

// truncateAttachments removes attachment files whose sequence numbers fall
// outside the records currently on disk.
func (c *Cell) truncateAttachments() {
	_, firstSeq, lastSeq, _, _ := c.snapshot()
	entries, err := os.ReadDir(c.attachmentsDir)
	if err != nil {
		c.logger.Warn("cannot list attachments", log.Err(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		i := strings.Index(name, "_")
		if i <= 0 {
			continue
		}
		seq, err := strconv.ParseInt(name[:i], 10, 64)
		if err != nil {
			continue
		}
		if seq < firstSeq || seq > lastSeq {
			c.logger.Debug("truncating attachment", log.Str("name", name))
			os.Remove(filepath.Join(c.attachmentsDir, name))
		}
	}
}

// externalizeEvent rewrites attachment names to absolute on-disk paths so
// downstream plugins can read them.
func (c *Cell) externalizeEvent(ev *event.Event) *event.Event {
	for attID, name := range ev.Attachments {
		ev.Attachments[attID] = filepath.Join(c.attachmentsDir, name)
	}
	return ev
}

// Produce appends events to the data file, moving each attachment into the
// attachments directory under its assigned sequence number. Event attachment
// maps are rewritten in place to the stored names.
func (c *Cell) Produce(events []*event.Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_, _, lastSeq, startPos, endPos := c.snapshot()

	f, err := os.OpenFile(c.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	// Drop any torn tail left by an interrupted produce.
	if err := f.Truncate(endPos - startPos); err != nil {
		return err
	}
	curPos, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if curPos != endPos-startPos {
		return fmt.Errorf("cell %s: data file size %d does not match end_pos %d",
			c.dir, curPos, endPos-startPos)
	}

	curSeq := lastSeq + 1
	var newVersion string
	for _, ev := range events {
		for attID, attPath := range ev.Attachments {
			targetName := fmt.Sprintf("%d_%s", curSeq, attID)
			targetPath := filepath.Join(c.attachmentsDir, targetName)
			c.logger.Debug("relocating attachment",
				log.Str("att_id", attID), log.Str("target", targetPath))
			if err := os.Rename(attPath, targetPath); err != nil {
				return err
			}
			ev.Attachments[attID] = targetName
		}
		serialized, err := ev.Serialize()
		if err != nil {
			return err
		}
		line := formatRecord(curSeq, string(serialized))
		if curPos == 0 {
			newVersion = checksum(line)
		}
		if _, err := f.WriteString(line); err != nil {
			return err
		}
		curSeq++
		curPos += int64(len(line))
	}

	if c.opts.EnableFsync {
		if err := f.Sync(); err != nil {
			return err
		}
		if err := syncDir(c.dir); err != nil {
			return err
		}
	}

	c.metaMu.Lock()
	if newVersion != "" {
		c.version = newVersion
	}
	c.lastSeq = curSeq - 1
	c.endPos = c.startPos + curPos
	err = c.saveMetadataLocked()
	c.metaMu.Unlock()
	return err
}

// firstUnconsumedLocked returns the earliest cursor over all consumers.
// Callers hold consumerMu.
func (c *Cell) firstUnconsumedLocked() (int64, int64) {
	_, _, lastSeq, _, endPos := c.snapshot()
	minSeq := lastSeq + 1
	minPos := endPos
	for _, cons := range c.consumers {
		seq, pos := cons.cursor()
		if seq < minSeq {
			minSeq = seq
		}
		if pos < minPos {
			minPos = pos
		}
	}
	return minSeq, minPos
}

// Truncate rewrites the data file to contain only unconsumed records. On
// error, in-memory metadata is reloaded from disk since the write may or may
// not have landed.
func (c *Cell) Truncate() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.consumerMu.Lock()
	defer c.consumerMu.Unlock()

	if ver, _, _, _, _ := c.snapshot(); ver == "" {
		return nil
	}

	// Block reads while the data file is being swapped.
	for _, cons := range c.consumers {
		cons.readMu.Lock()
	}
	defer func() {
		for _, cons := range c.consumers {
			cons.readMu.Unlock()
		}
	}()

	if err := c.truncateLocked(); err != nil {
		c.logger.Error("truncate failed; restoring metadata", log.Err(err))
		if rerr := c.RestoreMetadata(); rerr != nil {
			c.logger.Error("metadata restore failed", log.Err(rerr))
		}
		return err
	}
	c.truncateAttachments()
	return nil
}

func (c *Cell) truncateLocked() error {
	minSeq, minPos := c.firstUnconsumedLocked()
	c.logger.Debug("truncating", log.Int64("min_seq", minSeq), log.Int64("min_pos", minPos))

	c.metaMu.Lock()
	c.oldVer = c.version
	c.old = &versionMeta{
		FirstSeq: c.firstSeq,
		LastSeq:  c.lastSeq,
		StartPos: c.startPos,
		EndPos:   c.endPos,
	}
	oldStartPos := c.startPos
	c.firstSeq = minSeq
	c.startPos = minPos
	c.metaMu.Unlock()

	old, err := os.Open(c.dataPath)
	if err != nil {
		return err
	}
	defer old.Close()
	if _, err := old.Seek(minPos-oldStartPos, io.SeekStart); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(c.dir, "data.log.tmp*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	r := bufio.NewReader(old)
	firstLine, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		tmp.Close()
		return err
	}
	c.metaMu.Lock()
	c.version = checksum(firstLine)
	c.metaMu.Unlock()
	if _, err := tmp.WriteString(firstLine); err != nil {
		tmp.Close()
		return err
	}
	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	// Write the dual-version metadata before replacing the data file, so a
	// crash on either side of the rename finds a matching version.
	if err := c.saveMetadata(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, c.dataPath); err != nil {
		return err
	}
	return syncDir(c.dir)
}

// AddConsumer registers a new named consumer. An existing on-disk cursor
// under the same name is reused.
func (c *Cell) AddConsumer(name string) error {
	c.consumerMu.Lock()
	defer c.consumerMu.Unlock()
	if _, ok := c.consumers[name]; ok {
		return fmt.Errorf("consumer %s already exists", name)
	}
	cons, err := c.newConsumer(name)
	if err != nil {
		return err
	}
	c.consumers[name] = cons
	return c.saveConsumersLocked()
}

// RemoveConsumer unregisters a consumer. Its cursor file stays on disk and
// is reused if the consumer is ever re-added.
func (c *Cell) RemoveConsumer(name string) error {
	c.consumerMu.Lock()
	defer c.consumerMu.Unlock()
	if _, ok := c.consumers[name]; !ok {
		return fmt.Errorf("consumer %s does not exist", name)
	}
	delete(c.consumers, name)
	return c.saveConsumersLocked()
}

// ListConsumers reports per-consumer progress as (last completed seq,
// last stored seq).
func (c *Cell) ListConsumers() map[string]plugin.Progress {
	c.consumerMu.Lock()
	defer c.consumerMu.Unlock()
	completed := make(map[string]int64, len(c.consumers))
	for name, cons := range c.consumers {
		seq, _ := cons.cursor()
		completed[name] = seq - 1
	}
	// Read last_seq after the cursors so progress never exceeds the total.
	_, _, lastSeq, _, _ := c.snapshot()
	out := make(map[string]plugin.Progress, len(completed))
	for name, done := range completed {
		out[name] = plugin.Progress{Completed: done, Total: lastSeq}
	}
	return out
}

// Consumer returns the registered consumer by name.
func (c *Cell) Consumer(name string) (*Consumer, error) {
	c.consumerMu.Lock()
	defer c.consumerMu.Unlock()
	cons, ok := c.consumers[name]
	if !ok {
		return nil, fmt.Errorf("consumer %s does not exist", name)
	}
	return cons, nil
}

// Consume opens a stream for the named consumer, or nil if the consumer's
// stream is already in use.
func (c *Cell) Consume(name string) (plugin.EventStream, error) {
	cons, err := c.Consumer(name)
	if err != nil {
		return nil, err
	}
	if s := cons.CreateStream(); s != nil {
		return s, nil
	}
	return nil, nil
}
