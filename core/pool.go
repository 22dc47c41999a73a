package core

import (
	"bytes"
	"sync"
	"sync/atomic"
)

// bufferPool is a mutex-protected pool of reusable byte buffers. Unlike
// sync.Pool, its contents are not cleared by the garbage collector between
// GC cycles, which keeps decompression buffers warm across the many small
// manifest/snapshot envelopes a single Store.get traversal can decode.
type bufferPool struct {
	mu      sync.Mutex
	items   []*bytes.Buffer
	newFunc func() *bytes.Buffer

	hits    atomic.Uint64
	misses  atomic.Uint64
	created atomic.Uint64
}

// DefaultEnvelopeBufferSize is a reasonable starting capacity for buffers
// used to hold a decompressed snapshot or manifest payload.
const DefaultEnvelopeBufferSize = 32 * 1024

// BufferPool is the process-wide pool used by the envelope decoder.
var BufferPool = NewBufferPool(DefaultEnvelopeBufferSize)

// NewBufferPool creates a buffer pool whose buffers are pre-allocated to
// the given capacity.
func NewBufferPool(initialCapacity int) *bufferPool {
	bp := &bufferPool{}
	bp.newFunc = func() *bytes.Buffer {
		bp.created.Add(1)
		return bytes.NewBuffer(make([]byte, 0, initialCapacity))
	}
	return bp
}

// Get retrieves a buffer from the pool, allocating a new one if empty.
func (bp *bufferPool) Get() *bytes.Buffer {
	bp.mu.Lock()
	if len(bp.items) == 0 {
		bp.mu.Unlock()
		bp.misses.Add(1)
		return bp.newFunc()
	}
	bp.hits.Add(1)
	item := bp.items[len(bp.items)-1]
	bp.items = bp.items[:len(bp.items)-1]
	bp.mu.Unlock()
	return item
}

// Put resets and returns a buffer to the pool.
func (bp *bufferPool) Put(buf *bytes.Buffer) {
	buf.Reset()
	bp.mu.Lock()
	bp.items = append(bp.items, buf)
	bp.mu.Unlock()
}

// Metrics reports pool hit/miss/created counters, exposed over expvar by
// the debug server.
func (bp *bufferPool) Metrics() (hits, misses, created uint64) {
	return bp.hits.Load(), bp.misses.Load(), bp.created.Load()
}
