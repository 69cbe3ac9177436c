// Package stream holds the per-connection accumulation buffer that sits
// between a TCP reader and a frame decoder.
package stream

// Buffer is a growable byte store with an explicit read cursor.
// Bytes are appended at the tail and consumed from the head; consumed
// bytes are never handed out again. A Buffer must only be touched by one
// goroutine at a time.
type Buffer struct {
	data []byte
	head int
	// scan is an offset relative to head below which a forward scan has
	// already come up empty. Cleared whenever the head moves.
	scan int
}

// NewBuffer creates a buffer with the given initial capacity
func NewBuffer(size int) *Buffer {
	return &Buffer{data: make([]byte, 0, size)}
}

// Wrap creates a buffer holding a copy of p
func Wrap(p []byte) *Buffer {
	b := NewBuffer(len(p))
	b.Append(p)
	return b
}

// Append adds p at the tail
func (b *Buffer) Append(p []byte) {
	b.data = append(b.data, p...)
}

// Bytes returns the unconsumed region. The slice aliases the buffer and
// is only valid until the next Append, Compact or Reset.
func (b *Buffer) Bytes() []byte {
	return b.data[b.head:]
}

// Len returns the number of unconsumed bytes
func (b *Buffer) Len() int {
	return len(b.data) - b.head
}

// Cap returns the capacity of the backing array
func (b *Buffer) Cap() int {
	return cap(b.data)
}

// Consume advances the head by n bytes
func (b *Buffer) Consume(n int) {
	if n <= 0 {
		return
	}
	if n > b.Len() {
		n = b.Len()
	}
	b.head += n
	b.scan = 0
	if b.head == len(b.data) {
		b.data = b.data[:0]
		b.head = 0
	}
}

// Compact moves the unconsumed region to the start of the backing array
func (b *Buffer) Compact() {
	if b.head == 0 {
		return
	}
	n := copy(b.data, b.data[b.head:])
	b.data = b.data[:n]
	b.head = 0
}

// Reset drops all buffered bytes
func (b *Buffer) Reset() {
	b.data = b.data[:0]
	b.head = 0
	b.scan = 0
}

// ScanFrom returns the offset from which a forward delimiter scan should resume
func (b *Buffer) ScanFrom() int {
	if b.scan > b.Len() {
		return 0
	}
	return b.scan
}

// SetScanFrom records that no delimiter exists before offset i
func (b *Buffer) SetScanFrom(i int) {
	if i < 0 || i > b.Len() {
		i = 0
	}
	b.scan = i
}
