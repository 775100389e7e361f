package audio

import (
	"sync"
)

// RingBuffer is a thread-safe byte ring for PCM data. One slot is kept free to
// tell full from empty, so a buffer created with size n holds n-1 bytes.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewRingBuffer creates a new ring buffer with the specified size
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// NewRingBufferFor creates a ring buffer holding exactly capacity bytes
func NewRingBufferFor(capacity int) *RingBuffer {
	return NewRingBuffer(capacity + 1)
}

// Write appends data until the buffer is full.
// Returns the number of bytes written (less than len(data) if the buffer filled up)
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for _, b := range data {
		if rb.fullLocked() {
			break
		}
		rb.buffer[rb.write] = b
		rb.write = (rb.write + 1) % rb.size
		written++
	}
	return written
}

// WriteOverwrite appends all of data, discarding the oldest bytes when the
// buffer is full. Returns the number of bytes discarded.
func (rb *RingBuffer) WriteOverwrite(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	// Only the tail of an oversized write can survive
	capacity := rb.size - 1
	dropped := 0
	if len(data) > capacity {
		dropped = len(data) - capacity
		dropped += rb.availableLocked()
		data = data[len(data)-capacity:]
		rb.read, rb.write = 0, 0
	}

	for _, b := range data {
		if rb.fullLocked() {
			rb.read = (rb.read + 1) % rb.size
			dropped++
		}
		rb.buffer[rb.write] = b
		rb.write = (rb.write + 1) % rb.size
	}
	return dropped
}

// Read consumes up to len(data) bytes.
// Returns the number of bytes read
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := range data {
		if rb.read == rb.write {
			break
		}
		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}
	return read
}

// Peek returns a copy of the buffered bytes, oldest first, without consuming them
func (rb *RingBuffer) Peek() []byte {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	out := make([]byte, rb.availableLocked())
	if rb.write >= rb.read {
		copy(out, rb.buffer[rb.read:rb.write])
		return out
	}
	n := copy(out, rb.buffer[rb.read:])
	copy(out[n:], rb.buffer[:rb.write])
	return out
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.availableLocked()
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size - rb.availableLocked() - 1
}

// Capacity returns the maximum number of bytes the buffer holds
func (rb *RingBuffer) Capacity() int {
	return rb.size - 1
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.fullLocked()
}

func (rb *RingBuffer) availableLocked() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

func (rb *RingBuffer) fullLocked() bool {
	return (rb.write+1)%rb.size == rb.read
}
