// Package perf holds the buffer pool used on the streaming hot path.
package perf

import (
	"bytes"
	"sync"
)

// maxPooledFrame keeps one oversized frame (a large tool result) from pinning memory.
const maxPooledFrame = 64 * 1024

var frameBufferPool = sync.Pool{
	New: func() any {
		return bytes.NewBuffer(make([]byte, 0, 1024))
	},
}

// AcquireFrameBuffer gets an empty buffer for encoding one frame.
func AcquireFrameBuffer() *bytes.Buffer {
	return frameBufferPool.Get().(*bytes.Buffer)
}

// ReleaseFrameBuffer resets b and returns it to the pool.
func ReleaseFrameBuffer(b *bytes.Buffer) {
	if b == nil || b.Cap() > maxPooledFrame {
		return
	}
	b.Reset()
	frameBufferPool.Put(b)
}
