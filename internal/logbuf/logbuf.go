package logbuf

import "sync"

// Capacity is the fixed number of lines a Buffer retains. Once full,
// every append evicts the oldest line.
const Capacity = 1000

// Line is one captured output line tagged with the stream it came from.
type Line struct {
	Stream string // "stdout" or "stderr"
	Text   string
}

func (l Line) String() string { return "[" + l.Stream + "] " + l.Text }

// Buffer is a bounded FIFO of process output lines. It is shared between
// the two drain goroutines of a managed process (writers) and log readers.
type Buffer struct {
	mu    sync.Mutex
	ring  []Line
	head  int // index of the oldest retained line
	count int
}

func New() *Buffer { return &Buffer{ring: make([]Line, Capacity)} }

// Append adds a line, evicting the oldest one when the buffer is full.
func (b *Buffer) Append(stream, text string) {
	b.mu.Lock()
	if b.count < len(b.ring) {
		b.ring[(b.head+b.count)%len(b.ring)] = Line{Stream: stream, Text: text}
		b.count++
	} else {
		b.ring[b.head] = Line{Stream: stream, Text: text}
		b.head = (b.head + 1) % len(b.ring)
	}
	b.mu.Unlock()
}

// Tail returns the most recent max lines in append order. max <= 0 or
// max >= Len returns every retained line.
func (b *Buffer) Tail(max int) []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]Line, n)
	for i := 0; i < n; i++ {
		out[i] = b.ring[(b.head+b.count-n+i)%len(b.ring)]
	}
	return out
}

// Len reports the number of retained lines.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}
