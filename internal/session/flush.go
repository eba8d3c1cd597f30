package session

import (
	"context"
	"strings"
	"time"
)

// flushFunc persists one part's accumulated text. full is the complete
// text so far; delta is only the portion not yet handed to a previous
// flush.
type flushFunc func(ctx context.Context, partID, full, delta string) error

// flushBuffer coalesces streaming text deltas so that persistence runs
// at most once per interval instead of once per chunk. Chunks are kept
// as a slice and joined only when a flush or finalize actually needs
// the text.
type flushBuffer struct {
	interval time.Duration
	flush    flushFunc
	entries  map[string]*flushEntry
	timer    *time.Timer
	armed    bool
}

type flushEntry struct {
	chunks  []string
	flushed int // count of chunks already handed to the flush callback
}

func newFlushBuffer(interval time.Duration, flush flushFunc) *flushBuffer {
	timer := time.NewTimer(interval)
	if !timer.Stop() {
		<-timer.C
	}
	return &flushBuffer{
		interval: interval,
		flush:    flush,
		entries:  make(map[string]*flushEntry),
		timer:    timer,
	}
}

// append records a delta for the given part and arms the flush timer if
// it is not already counting down.
func (b *flushBuffer) append(partID, delta string) {
	if delta == "" {
		return
	}
	e := b.entries[partID]
	if e == nil {
		e = &flushEntry{}
		b.entries[partID] = e
	}
	e.chunks = append(e.chunks, delta)
	if !b.armed {
		b.timer.Reset(b.interval)
		b.armed = true
	}
}

// due returns the timer channel while a flush is pending, nil otherwise.
// A nil channel blocks forever in a select, so callers can include it
// unconditionally.
func (b *flushBuffer) due() <-chan time.Time {
	if !b.armed {
		return nil
	}
	return b.timer.C
}

// flushAll persists every entry that gained chunks since its last
// flush. Entries with nothing new are skipped.
func (b *flushBuffer) flushAll(ctx context.Context) error {
	b.armed = false
	for id, e := range b.entries {
		if e.flushed == len(e.chunks) {
			continue
		}
		full := strings.Join(e.chunks, "")
		delta := strings.Join(e.chunks[e.flushed:], "")
		e.flushed = len(e.chunks)
		if err := b.flush(ctx, id, full, delta); err != nil {
			return err
		}
	}
	return nil
}

// finalize joins and returns the complete text for a part and drops its
// entry. The second result is false when the part never buffered
// anything.
func (b *flushBuffer) finalize(partID string) (string, bool) {
	e, ok := b.entries[partID]
	if !ok {
		return "", false
	}
	delete(b.entries, partID)
	return strings.Join(e.chunks, ""), true
}
