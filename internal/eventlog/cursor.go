package eventlog

import (
	"context"

	"optical_bench/internal/models"
)

// Cursor reads the log sequentially. It is not safe for concurrent use; open
// one cursor per reader.
type Cursor struct {
	sink *Sink
	next uint64 // Seq of the next entry to return
}

// Replay opens a cursor at the first entry.
func (s *Sink) Replay() *Cursor {
	return &Cursor{sink: s, next: 1}
}

// Tail opens a cursor that only sees entries recorded after this call.
func (s *Sink) Tail() *Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &Cursor{sink: s, next: uint64(len(s.entries)) + 1}
}

// Next blocks until the next entry exists or ctx ends.
func (c *Cursor) Next(ctx context.Context) (models.LogEntry, error) {
	for {
		e, ok, wait := c.peek()
		if ok {
			return e, nil
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return models.LogEntry{}, ctx.Err()
		}
	}
}

// TryNext returns the next entry if it already exists.
func (c *Cursor) TryNext() (models.LogEntry, bool) {
	e, ok, _ := c.peek()
	return e, ok
}

// Rewind restarts the cursor from the first entry.
func (c *Cursor) Rewind() {
	c.next = 1
}

// Position returns the Seq the cursor will return next.
func (c *Cursor) Position() uint64 {
	return c.next
}

func (c *Cursor) peek() (models.LogEntry, bool, <-chan struct{}) {
	c.sink.mu.Lock()
	defer c.sink.mu.Unlock()
	if c.next <= uint64(len(c.sink.entries)) {
		e := c.sink.entries[c.next-1]
		c.next++
		return e, true, nil
	}
	return models.LogEntry{}, false, c.sink.notify
}
