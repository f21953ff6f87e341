// Package bufferpool recycles the fixed-size chunks used to copy data channel bytes.
package bufferpool

import (
	"io"
	"sync"
)

// DefaultSize is the chunk size used when none is configured.
const DefaultSize = 32 * 1024

// BufferPool hands out byte slices of one fixed size.
type BufferPool struct {
	size int
	pool sync.Pool
}

// New creates a pool of size-byte buffers; size <= 0 selects DefaultSize.
func New(size int) *BufferPool {
	if size <= 0 {
		size = DefaultSize
	}
	bp := &BufferPool{size: size}
	bp.pool.New = func() any {
		buf := make([]byte, size)
		return &buf
	}
	return bp
}

// Size reports the chunk size.
func (bp *BufferPool) Size() int { return bp.size }

// Get returns a buffer of Size bytes.
func (bp *BufferPool) Get() []byte {
	return *bp.pool.Get().(*[]byte)
}

// Put recycles buf; buffers smaller than Size are dropped.
func (bp *BufferPool) Put(buf []byte) {
	if cap(buf) < bp.size {
		return
	}
	buf = buf[:bp.size]
	bp.pool.Put(&buf)
}

// Copy moves src to dst one chunk at a time, writing each chunk as soon as it
// is read. Unlike io.CopyBuffer it never delegates to ReaderFrom/WriterTo,
// so onChunk sees every chunk.
func (bp *BufferPool) Copy(dst io.Writer, src io.Reader, onChunk func(n int)) (int64, error) {
	buf := bp.Get()
	defer bp.Put(buf)
	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			if nw > 0 {
				written += int64(nw)
				if onChunk != nil {
					onChunk(nw)
				}
			}
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}
