package supervisor

import "sync"

// bufferCap is how much recent child output detection sees. Prompts
// live at the tail of the stream; anything older is noise.
const bufferCap = 4096

// rollingBuffer keeps the last bufferCap bytes of PTY output. Safe for
// concurrent use: the reader goroutine writes, the watchdog and
// detector read.
type rollingBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func newRollingBuffer() *rollingBuffer {
	return &rollingBuffer{buf: make([]byte, 0, bufferCap)}
}

// Write appends p, discarding the oldest bytes beyond capacity.
func (b *rollingBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(p) >= bufferCap {
		b.buf = append(b.buf[:0], p[len(p)-bufferCap:]...)
		return
	}
	overflow := len(b.buf) + len(p) - bufferCap
	if overflow > 0 {
		b.buf = b.buf[:copy(b.buf, b.buf[overflow:])]
	}
	b.buf = append(b.buf, p...)
}

// String returns the current contents.
func (b *rollingBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// Tail returns up to the last n bytes.
func (b *rollingBuffer) Tail(n int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n >= len(b.buf) {
		return string(b.buf)
	}
	return string(b.buf[len(b.buf)-n:])
}

// Clear empties the buffer. Called after an injection so stale prompt
// text cannot re-trigger detection.
func (b *rollingBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = b.buf[:0]
}

// Len returns the buffered byte count.
func (b *rollingBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}
