// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package cache provides data cache maintenance primitives for DMA buffers
// on platforms with a data cache, generalizing the single-address
// clean/flush routines of bare metal ARM targets to arbitrary byte ranges.
package cache

import "unsafe"

// LineSize is the data cache line size assumed for alignment and range
// rounding purposes.
const LineSize = 32

// cleanLine and invalidateLine perform the actual maintenance operation on
// one cache line. On a bare metal ARM target these would issue the
// corresponding CP15 MCR instruction; the portable implementation here is a
// no-op, which is correct for the periph.io-backed targets this driver
// otherwise runs on, where the kernel's own SPI/DMA glue already provides
// coherency and the hook exists only so the transport layer's call sites
// match the structure of a bare metal driver.
func cleanLine(addr unsafe.Pointer)      {}
func invalidateLine(addr unsafe.Pointer) {}

// round expands [start, start+size) to the enclosing cache line boundaries.
func round(start uintptr, size int) (from uintptr, to uintptr) {
	from = start &^ uintptr(LineSize-1)
	end := start + uintptr(size)
	to = (end + uintptr(LineSize-1)) &^ uintptr(LineSize-1)
	return
}

// Clean writes back the cache lines covering buf to memory, so that a DMA
// engine reading the same physical address observes the CPU's writes. It is
// used before a DMA transmit.
func Clean(buf []byte) {
	if len(buf) == 0 {
		return
	}

	start := uintptr(unsafe.Pointer(&buf[0]))
	from, to := round(start, len(buf))

	for addr := from; addr < to; addr += LineSize {
		cleanLine(unsafe.Pointer(addr))
	}
}

// Invalidate discards the cache lines covering buf, so that a subsequent CPU
// read observes memory written by a DMA engine. It is used both before a DMA
// receive (to avoid a dirty line being written back over the incoming data)
// and after (to discard any speculative prefetch).
func Invalidate(buf []byte) {
	if len(buf) == 0 {
		return
	}

	start := uintptr(unsafe.Pointer(&buf[0]))
	from, to := round(start, len(buf))

	for addr := from; addr < to; addr += LineSize {
		invalidateLine(unsafe.Pointer(addr))
	}
}

// Aligned reports whether buf starts at an address aligned to align bytes,
// as required before a buffer is eligible for the DMA path.
func Aligned(buf []byte, align int) bool {
	if len(buf) == 0 {
		return false
	}

	return uintptr(unsafe.Pointer(&buf[0]))&uintptr(align-1) == 0
}
