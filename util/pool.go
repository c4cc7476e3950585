package util

import "sync"

// DefaultBufSize is the standard read buffer size for client
// connections (16 KiB).
const DefaultBufSize = 16 * 1024

// BufPool provides reusable byte buffers for connection reads, reducing
// GC pressure when many short-lived sessions come and go.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves a buffer of at least size bytes.  Buffers of the
// default size come from the pool; callers must return them with
// [PutBuf] when finished.
func GetBuf(size int) *[]byte {
	if size <= 0 || size == DefaultBufSize {
		return BufPool.Get().(*[]byte)
	}
	buf := make([]byte, size)
	return &buf
}

// PutBuf returns a buffer to the pool for reuse.  Buffers that were not
// allocated at the pool's size are left to the garbage collector.
func PutBuf(buf *[]byte) {
	if buf == nil || len(*buf) != DefaultBufSize {
		return
	}
	BufPool.Put(buf)
}
