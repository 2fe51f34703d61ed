package loopdetect

// StreamBuffer is a bounded window over the most recent runes of a stream.
//
// Positions are absolute: the first rune ever appended is position 0. Once
// the window is full the oldest runes are discarded, but at least
// 2*maxPatternLength trailing runes are always kept so that the matcher can
// recover both windows of any in-flight comparison.
type StreamBuffer struct {
	data  []rune
	start int   // index in data of the oldest retained rune
	total int64 // runes ever appended
	limit int
}

// NewStreamBuffer creates a buffer that holds bufferSize runes, or
// 2*maxPatternLength runes if that is larger.
func NewStreamBuffer(bufferSize, maxPatternLength int) *StreamBuffer {
	if bufferSize < 1 {
		bufferSize = 1
	}
	limit := max(bufferSize, 2*maxPatternLength)
	return &StreamBuffer{limit: limit}
}

// Append adds one rune, evicting the oldest rune on overflow.
func (b *StreamBuffer) Append(r rune) {
	b.data = append(b.data, r)
	b.total++
	if len(b.data)-b.start > b.limit {
		b.start = len(b.data) - b.limit
	}
	// Compact once the dead prefix is as large as the window so the
	// backing array stays under twice the limit.
	if b.start >= b.limit {
		n := copy(b.data, b.data[b.start:])
		b.data = b.data[:n]
		b.start = 0
	}
}

// AppendString appends every rune of s.
func (b *StreamBuffer) AppendString(s string) {
	for _, r := range s {
		b.Append(r)
	}
}

// Len returns the number of retained runes.
func (b *StreamBuffer) Len() int { return len(b.data) - b.start }

// Cap returns the maximum number of retained runes.
func (b *StreamBuffer) Cap() int { return b.limit }

// Total returns the number of runes appended since creation or the last Reset.
func (b *StreamBuffer) Total() int64 { return b.total }

// Oldest returns the absolute position of the oldest retained rune.
func (b *StreamBuffer) Oldest() int64 { return b.total - int64(b.Len()) }

// tail returns the last n retained runes without copying. The slice is only
// valid until the next Append.
func (b *StreamBuffer) tail(n int) []rune {
	if n > b.Len() {
		n = b.Len()
	}
	if n <= 0 {
		return nil
	}
	return b.data[len(b.data)-n:]
}

// Tail returns the last n retained runes as a string.
func (b *StreamBuffer) Tail(n int) string { return string(b.tail(n)) }

// Slice returns the runes in the absolute range [from, to). It reports false
// if any part of the range has been evicted or not yet written.
func (b *StreamBuffer) Slice(from, to int64) (string, bool) {
	if from < b.Oldest() || to > b.total || from > to {
		return "", false
	}
	off := b.start + int(from-b.Oldest())
	return string(b.data[off : off+int(to-from)]), true
}

// String returns the whole retained window.
func (b *StreamBuffer) String() string { return string(b.data[b.start:]) }

// Reset empties the buffer and rewinds absolute positions to zero.
func (b *StreamBuffer) Reset() {
	b.data = b.data[:0]
	b.start = 0
	b.total = 0
}
