package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out pooled byte buffers sized for preload samples. Buffers come from
// valyala/bytebufferpool, which calibrates its default size from returned buffers.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool whose buffers start with at least bufferSize capacity.
func NewBufferPool(bufferSize int64) *BufferPool {
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves an empty buffer from the pool.
func (bp *BufferPool) Get() *bytebufferpool.ByteBuffer {
	buf := bp.pool.Get()
	buf.Reset()
	if cap(buf.B) < bp.bufferSize {
		buf.B = make([]byte, 0, bp.bufferSize)
	}
	return buf
}

// Put returns a buffer to the pool.
func (bp *BufferPool) Put(buf *bytebufferpool.ByteBuffer) {
	if buf != nil {
		bp.pool.Put(buf)
	}
}

// SampleBuffer accumulates the first bytes of a preloaded source up to a cap. It is
// written by one download goroutine and read concurrently for progress accounting.
type SampleBuffer struct {
	pool     *BufferPool
	buf      *bytebufferpool.ByteBuffer
	limit    int64
	written  atomic.Int64
	released atomic.Bool
	mu       sync.Mutex
}

// NewSampleBuffer takes a pooled buffer that will hold at most limit bytes.
func (bp *BufferPool) NewSampleBuffer(limit int64) *SampleBuffer {
	return &SampleBuffer{
		pool:  bp,
		buf:   bp.Get(),
		limit: limit,
	}
}

// Write stores as much of p as fits under the cap and always reports len(p) consumed,
// so it can sit at the end of an io.Copy without failing the download.
func (sb *SampleBuffer) Write(p []byte) (int, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if sb.released.Load() || sb.buf == nil {
		return len(p), nil
	}

	room := sb.limit - int64(len(sb.buf.B))
	if room > 0 {
		chunk := p
		if int64(len(chunk)) > room {
			chunk = chunk[:room]
		}
		sb.buf.B = append(sb.buf.B, chunk...)
	}
	sb.written.Add(int64(len(p)))
	return len(p), nil
}

// Written is the total number of bytes offered to the buffer.
func (sb *SampleBuffer) Written() int64 {
	return sb.written.Load()
}

// Full reports whether the cap has been reached.
func (sb *SampleBuffer) Full() bool {
	return sb.written.Load() >= sb.limit
}

// retained returns a copy of the kept sample.
func (sb *SampleBuffer) retained() []byte {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.buf == nil {
		return nil
	}
	out := make([]byte, len(sb.buf.B))
	copy(out, sb.buf.B)
	return out
}

// Release returns the storage to the pool. Safe to call more than once.
func (sb *SampleBuffer) Release() {
	if !sb.released.CompareAndSwap(false, true) {
		return
	}
	sb.mu.Lock()
	defer sb.mu.Unlock()
	sb.pool.Put(sb.buf)
	sb.buf = nil
}
