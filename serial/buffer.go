// Package serial turns discrete, out-of-order BLE notification payloads into
// a linear byte stream with destructive, non-blocking reads.
package serial

import "sync"

// Buffer is an append-only receive queue. Bytes are appended at the tail as
// notifications arrive and consumed destructively from the head, in the
// exact order received. There is no size bound at this layer.
type Buffer struct {
	mu   sync.RWMutex
	data []byte

	// onData, when set, is invoked after every append with the appended
	// length. It runs on the appender's goroutine.
	onData func(n int)
}

// NewBuffer creates an empty buffer. onData may be nil.
func NewBuffer(onData func(n int)) *Buffer {
	return &Buffer{
		data:   make([]byte, 0),
		onData: onData,
	}
}

// Append adds p to the tail and notifies the delegate with len(p).
// Appending an empty slice is a no-op.
func (b *Buffer) Append(p []byte) {
	if len(p) == 0 {
		return
	}

	b.mu.Lock()
	b.data = append(b.data, p...)
	b.mu.Unlock()

	if b.onData != nil {
		b.onData(len(p))
	}
}

// Len returns the current buffered byte count.
func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.data)
}

// HasBytes reports whether at least one byte is buffered.
func (b *Buffer) HasBytes() bool {
	return b.Len() > 0
}

// ReadByte removes and returns the head byte. ok is false when empty.
func (b *Buffer) ReadByte() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 {
		return 0, false
	}
	v := b.data[0]
	b.data = b.data[1:]
	return v, true
}

// ReadBytes removes and returns up to max bytes, or all buffered bytes when
// max <= 0. Returns nil when the buffer is empty; never partially fails.
func (b *Buffer) ReadBytes(max int) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.clamp(max)
	if n == 0 {
		return nil
	}

	out := make([]byte, n)
	copy(out, b.data[:n])
	b.data = b.data[n:]
	return out
}

// ReadText decodes up to max buffered bytes (all when max <= 0) using enc.
// On success the consumed bytes are removed and the text returned. On decode
// failure no bytes are removed and ok is false: a caller that buffered a
// not-yet-complete multi-byte sequence can retry once more bytes arrive
// without loss or duplication.
func (b *Buffer) ReadText(enc Encoding, max int) (string, bool) {
	if enc == nil {
		enc = UTF8
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	n := b.clamp(max)
	if n == 0 {
		return "", false
	}

	text, err := enc.Decode(b.data[:n])
	if err != nil {
		return "", false
	}

	b.data = b.data[n:]
	return text, true
}

// Clear discards all buffered bytes.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = b.data[:0]
}

// clamp returns the read size for max under the current length.
// Caller must hold mu.
func (b *Buffer) clamp(max int) int {
	n := len(b.data)
	if max > 0 && max < n {
		n = max
	}
	return n
}
