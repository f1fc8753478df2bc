package wsclient

import "github.com/valyala/bytebufferpool"

// Buffer pooling for message accumulation (assembler.go) and outbound
// fragmentation staging (sender.go). bytebufferpool gives a variably sized,
// growable, reusable buffer without pre-choosing a bucket size, which suits
// message sizes that are unknown until the FIN frame arrives.
var bufferPool bytebufferpool.Pool

func getBuffer() *bytebufferpool.ByteBuffer {
	return bufferPool.Get()
}

func putBuffer(b *bytebufferpool.ByteBuffer) {
	if b == nil {
		return
	}
	b.Reset()
	bufferPool.Put(b)
}
