// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package dmabuf provides a small first-fit allocator for DMA-safe scratch
// buffers, carved out of a single backing array so their addresses are
// stable for the duration of a transfer. The SPI driver uses it for the
// 16-byte CSD/CID register reads, so those reads are DMA-eligible even
// though they are not a caller's own read/write buffer.
package dmabuf

import (
	"container/list"
	"fmt"
	"sync"
	"unsafe"
)

type block struct {
	buf []byte
	off int
}

// Pool is a fixed-capacity, alignment-aware arena carved out of a single
// backing array.
type Pool struct {
	mu sync.Mutex

	backing []byte
	align   int
	free    *list.List // of *block
}

// NewPool reserves size bytes of backing storage for align-aligned
// allocations.
func NewPool(size int, align int) *Pool {
	if align <= 0 {
		align = 1
	}

	p := &Pool{
		// pad so that any offset within backing can be rounded up to an
		// align boundary without running past the end.
		backing: make([]byte, size+align),
		align:   align,
		free:    list.New(),
	}

	p.free.PushFront(&block{off: 0, buf: p.backing})

	return p
}

func alignUp(off int, align int) int {
	if r := off % align; r != 0 {
		return off + (align - r)
	}
	return off
}

// Reserve returns a zeroed, align-aligned slice of n bytes carved out of the
// pool, or an error if the pool has no contiguous free space left. The
// returned slice's capacity equals n, so Release can recover its exact
// extent.
func (p *Pool) Reserve(n int) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	base := uintptr(unsafe.Pointer(&p.backing[0]))

	for e := p.free.Front(); e != nil; e = e.Next() {
		b := e.Value.(*block)

		// align the slice's address, not just its offset into backing
		mis := int((base + uintptr(b.off)) % uintptr(p.align))
		pad := alignUp(mis, p.align) - mis
		start := b.off + pad

		if len(b.buf)-pad < n {
			continue
		}

		buf := b.buf[pad : pad+n : pad+n]

		remainder := b.buf[pad+n:]
		if len(remainder) == 0 {
			p.free.Remove(e)
		} else {
			b.buf = remainder
			b.off = start + n
		}

		for i := range buf {
			buf[i] = 0
		}

		return buf, nil
	}

	return nil, fmt.Errorf("dmabuf: out of space for %d byte allocation", n)
}

// Release returns a previously reserved slice to the pool. Only slices
// returned by Reserve on the same Pool may be passed.
func (p *Pool) Release(buf []byte) {
	if cap(buf) == 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	buf = buf[:cap(buf)]
	off := int(uintptr(unsafe.Pointer(&buf[0])) - uintptr(unsafe.Pointer(&p.backing[0])))

	p.free.PushBack(&block{off: off, buf: buf})
}
