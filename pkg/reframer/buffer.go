package reframer

// Buffer is a fixed-capacity, growing receive buffer for one session.
// It owns the compaction and overflow policy the framing design
// assigns to "the caller": drop bytes that have been consumed, drop
// noise that can never become a frame, and reset entirely rather than
// stall if a frame never terminates before the buffer fills.
type Buffer struct {
	data []byte
	cap  int
}

// NewBuffer allocates a Buffer with the given capacity. Sessions use
// gbtframe.MaxFrameSize per §3's invariant that a slot's receive buffer
// capacity is at least that large.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{data: make([]byte, 0, capacity), cap: capacity}
}

// Len reports how many bytes are currently buffered.
func (b *Buffer) Len() int { return len(b.data) }

// Cap reports the buffer's fixed capacity.
func (b *Buffer) Cap() int { return b.cap }

// Append adds bytes received from the socket to the tail of the
// buffer. If they would overflow capacity, the buffer is reset: loss
// is preferred over stalling, per §4.C's overflow rule.
func (b *Buffer) Append(p []byte) (overflowed bool) {
	if len(b.data)+len(p) > b.cap {
		b.data = b.data[:0]
		overflowed = true
		// A single read is never larger than the caller's socket
		// buffer; if even a fresh write overflows capacity, keep only
		// the tail that could possibly matter.
		if len(p) > b.cap {
			p = p[len(p)-b.cap:]
		}
	}
	b.data = append(b.data, p...)
	return overflowed
}

// Next pulls one complete candidate frame out of the buffer, if one is
// available. It discards noise ahead of (and, on success, including)
// the extracted frame, so repeated calls drain the buffer without the
// caller managing offsets itself.
//
// Next performs no CRC or escape validation; Decode does that. A
// Found result with a frame that fails to Decode does not stop later
// calls from yielding subsequent frames, matching the robustness rule
// that a bad frame must not desynchronize the stream.
func (b *Buffer) Next() (frame []byte, ok bool) {
	res := Extract(b.data)
	switch {
	case res.Outcome == Found:
		frame = append([]byte(nil), b.data[res.Start:res.Start+res.Len]...)
		b.consume(res.Start + res.Len)
		return frame, true
	case res.Start > 0 && res.Start <= len(b.data):
		// Noise ahead of a delimiter we're still waiting to terminate,
		// or (Start == len(b.data)) no delimiter anywhere: either way
		// drop the dead prefix so it isn't rescanned every call.
		b.consume(res.Start)
		return nil, false
	default:
		return nil, false
	}
}

// consume removes the first n bytes from the buffer.
func (b *Buffer) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(b.data) {
		b.data = b.data[:0]
		return
	}
	copy(b.data, b.data[n:])
	b.data = b.data[:len(b.data)-n]
}

// TailCapacity reports how many more bytes can be appended before the
// next Append would trigger an overflow reset.
func (b *Buffer) TailCapacity() int { return b.cap - len(b.data) }
