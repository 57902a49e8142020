// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import (
	"fmt"
	"time"

	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"

	"github.com/f-secure-foundry/sdspi/internal/cache"
	"github.com/f-secure-foundry/sdspi/internal/dmabuf"
)

// identClockHz is the conservative clock rate mandated during card
// identification, before CMD0/CMD8/ACMD41 have completed, p236, 7.1,
// SD-PL-7.10.
const identClockHz = 400 * physic.KiloHertz

// scratchPoolSize bounds the scratch arena used for small, DMA-eligible
// register buffers; it comfortably holds the 16-byte CSD/CID reads, the
// only buffers reserved from it.
const scratchPoolSize = 4096

func (h *Handle) setupTransport() error {
	conn, err := h.cfg.Port.Connect(identClockHz, spi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("sdspi: connect: %w", err)
	}

	h.conn = conn
	h.scratch = dmabuf.NewPool(scratchPoolSize, h.cfg.dmaAlignment())

	// CS idles high (deasserted); the SPI port's own chip-select handling
	// is bypassed in favor of driving the line manually, since the
	// protocol holds CS asserted across waits that span multiple Tx calls.
	return h.cfg.CS.Out(true)
}

// raiseClock switches the bus to the operating clock rate once the card has
// left identification mode.
func (h *Handle) raiseClock() error {
	rate := h.cfg.ClockHz
	if rate == 0 {
		rate = 25 * physic.MegaHertz
	}

	conn, err := h.cfg.Port.Connect(rate, spi.Mode0, 8)
	if err != nil {
		return fmt.Errorf("sdspi: raise clock: %w", err)
	}

	h.conn = conn

	return nil
}

// assert drives CS low (active) and emits one dummy clock, per the SPI-mode
// convention that CS transitions need a clock edge to take effect on some
// cards.
func (h *Handle) assert() error {
	if err := h.cfg.CS.Out(false); err != nil {
		return err
	}

	return h.txByte(0xFF)
}

// deassert releases the bus: one trailing 0xFF clock byte to advance the
// card's internal state machine, then CS high.
func (h *Handle) deassert() error {
	_ = h.txByte(0xFF)
	return h.cfg.CS.Out(true)
}

// useDMA decides, for a given buffer, whether the DMA-backed path is both
// available and eligible: the platform must have a DMA engine, the caller
// must have opted in, and the buffer must meet the alignment the platform
// requires.
func (h *Handle) useDMA(buf []byte) bool {
	if !h.cfg.HasDMA || !h.cfg.UseDMA {
		return false
	}

	return cache.Aligned(buf, h.cfg.dmaAlignment())
}

// transmit writes buf to the bus, discarding whatever comes back on MISO.
// It takes the DMA path when eligible, performing the cache maintenance the
// platform requires; otherwise it falls back to a polled transfer.
func (h *Handle) transmit(buf []byte) error {
	return h.transmitReceive(buf, nil)
}

// receive reads len(buf) bytes from the bus while holding MOSI high
// (0xFF), filling buf.
func (h *Handle) receive(buf []byte) error {
	for i := range buf {
		buf[i] = 0xFF
	}
	return h.transmitReceive(buf, buf)
}

// transmitReceive is the one full-duplex primitive every higher layer is
// built on. tx is the data to write; if rx is non-nil the bytes read back
// are stored there (rx may alias tx).
func (h *Handle) transmitReceive(tx []byte, rx []byte) error {
	if len(tx) == 0 {
		return nil
	}

	if h.useDMA(tx) {
		return h.transmitReceiveDMA(tx, rx)
	}

	return h.transmitReceivePolled(tx, rx)
}

func (h *Handle) transmitReceivePolled(tx []byte, rx []byte) error {
	out := rx
	if out == nil {
		out = make([]byte, len(tx))
	}

	done := make(chan error, 1)

	go func() {
		done <- h.conn.Tx(tx, out)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("sdspi: spi io: %w", ErrGeneric)
		}
		return nil
	case <-time.After(h.cfg.SPIIOTimeout):
		return ErrTimeout
	}
}

// transmitReceiveDMA performs the same transfer as transmitReceivePolled but
// first cleans the write-back cache over tx (so the DMA engine observes the
// CPU's writes) and invalidates it over rx both before and after the
// transfer (so the CPU doesn't observe a stale or speculatively-prefetched
// line).
func (h *Handle) transmitReceiveDMA(tx []byte, rx []byte) error {
	cache.Clean(tx)

	if rx != nil {
		cache.Invalidate(rx)
	}

	// drain any stale completion before issuing
	h.txDone.drain()
	h.rxDone.drain()

	out := rx
	if out == nil {
		out = make([]byte, len(tx))
	}

	errc := make(chan error, 1)

	go func() {
		err := h.conn.Tx(tx, out)
		h.txDone.give()
		h.rxDone.give()
		errc <- err
	}()

	if !h.txDone.wait(h.cfg.DMATimeout, h.cfg.RTOSEnabled) {
		return ErrTimeout
	}

	if !h.rxDone.wait(h.cfg.DMATimeout, h.cfg.RTOSEnabled) {
		return ErrTimeout
	}

	if rx != nil {
		cache.Invalidate(rx)
	}

	if err := <-errc; err != nil {
		return fmt.Errorf("sdspi: dma io: %w", ErrGeneric)
	}

	return nil
}

func (h *Handle) txByte(b byte) error {
	buf := [1]byte{b}
	return h.transmitReceive(buf[:], nil)
}

func (h *Handle) rxByte() (byte, error) {
	buf := [1]byte{0xFF}
	if err := h.transmitReceive(buf[:], buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}
