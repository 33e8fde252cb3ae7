package buffer

import (
	"github.com/valyala/bytebufferpool"
)

// BufferPool hands out copy buffers of a fixed minimum size for relaying
// segment bodies. Buffers come from a valyala/bytebufferpool pool, so
// steady-state relaying allocates nothing per chunk.
type BufferPool struct {
	pool       *bytebufferpool.Pool
	bufferSize int
}

// NewBufferPool creates a pool of buffers holding at least bufferSize bytes.
func NewBufferPool(bufferSize int64) *BufferPool {
	if bufferSize <= 0 {
		bufferSize = 32 * 1024
	}
	return &BufferPool{
		bufferSize: int(bufferSize),
		pool:       &bytebufferpool.Pool{},
	}
}

// Get retrieves a buffer from the pool. Its B field has capacity of at least
// the configured size; callers use B[:cap(B)] as scratch space.
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

// Size returns the configured buffer size in bytes.
func (bp *BufferPool) Size() int {
	return bp.bufferSize
}

// Scratch returns the full-capacity slice of buf for use with io.CopyBuffer.
func Scratch(buf *bytebufferpool.ByteBuffer) []byte {
	return buf.B[:cap(buf.B)]
}
