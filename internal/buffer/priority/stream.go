package priority

import (
	"sync"

	"github.com/arccode/instalog/internal/event"
	"github.com/arccode/instalog/internal/plugin"
	"github.com/arccode/instalog/pkg/log"
)

// Consumer fans one named consumer out over every cell. A stream is granted
// only when all underlying cell streams can be acquired; a partial grant is
// released immediately so no cell stays half-locked.
type Consumer struct {
	name   string
	buffer *Buffer

	mu      sync.Mutex
	streams []plugin.EventStream
}

// createStream acquires streams on all cells in fixed priority-then-shard
// order, or returns nil when any cell is busy.
func (c *Consumer) createStream() plugin.EventStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) > 0 {
		return nil
	}
	var acquired []plugin.EventStream
	for p := 0; p < Levels; p++ {
		for s := 0; s < Shards; s++ {
			stream, err := c.buffer.cells[p][s].Consume(c.name)
			if err != nil || stream == nil {
				if err != nil {
					c.buffer.logger.Error("cell stream acquisition failed",
						log.Str("consumer", c.name), log.Err(err))
				}
				for _, got := range acquired {
					got.Abort()
				}
				return nil
			}
			acquired = append(acquired, stream)
		}
	}
	c.streams = acquired
	return c
}

// Next returns the next event from the first cell that has one, scanning
// high priorities first.
func (c *Consumer) Next() (*event.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return nil, event.ErrStreamExpired
	}
	for _, stream := range c.streams {
		ev, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if ev != nil {
			return ev, nil
		}
	}
	return nil, nil
}

// Commit commits every cell stream and releases the fan-out.
func (c *Consumer) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return event.ErrStreamExpired
	}
	for _, stream := range c.streams {
		if err := stream.Commit(); err != nil {
			c.buffer.logger.Error("cell stream commit failed",
				log.Str("consumer", c.name), log.Err(err))
		}
	}
	c.streams = nil
	return nil
}

// Abort aborts every cell stream and releases the fan-out.
func (c *Consumer) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.streams) == 0 {
		return event.ErrStreamExpired
	}
	for _, stream := range c.streams {
		if err := stream.Abort(); err != nil {
			c.buffer.logger.Error("cell stream abort failed",
				log.Str("consumer", c.name), log.Err(err))
		}
	}
	c.streams = nil
	return nil
}
