// ABOUTME: Bounded ring buffer of agent output lines with snapshot and follow reads.
// ABOUTME: Single writer appends, many readers replay from a cursor and tail live output.

package buffer

import (
	"context"
	"sync"
	"time"
)

// DefaultCapacity is used when a Buffer is created with a non-positive capacity.
const DefaultCapacity = 2000

// streamBufferSize is the channel buffer for each StreamFrom consumer.
const streamBufferSize = 64

// Line is a single line of agent output with its position in the stream.
// Seq is monotonically increasing and never reused, so a consumer can use
// it as a resume cursor after disconnecting.
type Line struct {
	Seq  int64
	Text string
	Time time.Time
}

// Buffer is a fixed-capacity ring of output lines. When full, the oldest
// line is evicted to make room. Append never blocks on readers.
type Buffer struct {
	mu       sync.Mutex
	lines    []Line
	start    int // index of the oldest retained line
	count    int
	nextSeq  int64
	capacity int

	// notify is closed and replaced on every append so that blocked
	// followers wake up. Readers grab the current channel under the lock.
	notify chan struct{}
}

// New creates a Buffer retaining at most capacity lines.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		lines:    make([]Line, capacity),
		capacity: capacity,
		notify:   make(chan struct{}),
	}
}

// Append adds a line to the buffer, evicting the oldest line if at capacity.
func (b *Buffer) Append(text string) {
	b.mu.Lock()
	line := Line{
		Seq:  b.nextSeq,
		Text: text,
		Time: time.Now(),
	}
	b.nextSeq++

	if b.count == b.capacity {
		// Overwrite the oldest slot
		b.lines[b.start] = line
		b.start = (b.start + 1) % b.capacity
	} else {
		b.lines[(b.start+b.count)%b.capacity] = line
		b.count++
	}

	notify := b.notify
	b.notify = make(chan struct{})
	b.mu.Unlock()

	close(notify)
}

// LastLines returns the most recent n lines, oldest first. The result is a
// consistent snapshot; concurrent appends never produce a partial read.
func (b *Buffer) LastLines(n int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n > b.count {
		n = b.count
	}
	if n <= 0 {
		return nil
	}

	out := make([]Line, n)
	first := b.count - n
	for i := 0; i < n; i++ {
		out[i] = b.lines[(b.start+first+i)%b.capacity]
	}
	return out
}

// Len returns the number of lines currently retained.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// NextSeq returns the sequence number the next appended line will receive.
// Passing it to StreamFrom yields only lines appended after this call.
func (b *Buffer) NextSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Clear discards all retained lines. Sequence numbers are not reset, so
// existing cursors remain valid and simply skip the discarded range.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.start = 0
	b.count = 0
}

// collectFrom returns retained lines with Seq >= cursor and the channel to
// wait on if the caller is caught up.
func (b *Buffer) collectFrom(cursor int64, filter func(Line) bool) ([]Line, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Line
	for i := 0; i < b.count; i++ {
		line := b.lines[(b.start+i)%b.capacity]
		if line.Seq < cursor {
			continue
		}
		if filter != nil && !filter(line) {
			continue
		}
		out = append(out, line)
	}
	return out, b.notify
}

// StreamFrom returns a channel that replays retained lines starting at
// cursor, then follows new appends until ctx is cancelled. Lines older than
// the retention window are skipped silently. A nil filter passes every line.
// The returned channel is closed when ctx is done.
func (b *Buffer) StreamFrom(ctx context.Context, cursor int64, filter func(Line) bool) <-chan Line {
	out := make(chan Line, streamBufferSize)

	go func() {
		defer close(out)

		next := cursor
		for {
			lines, notify := b.collectFrom(next, filter)
			for _, line := range lines {
				select {
				case out <- line:
					next = line.Seq + 1
				case <-ctx.Done():
					return
				}
			}
			if len(lines) > 0 {
				// Re-scan immediately in case more arrived while sending
				continue
			}

			select {
			case <-notify:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
