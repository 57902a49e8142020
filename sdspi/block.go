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
)

// address translates a logical block number into the argument a command
// expects: SDHC/SDXC cards are addressed in blocks, SDSC cards in bytes
// (p17, 4.3.14, SD-PL-7.10).
func (h *Handle) address(lba uint32) uint32 {
	if h.cardType == CardSDHC {
		return lba
	}
	return lba * BlockSize
}

// checkReady validates the handle/argument preconditions common to every
// block I/O operation: the handle must be initialized, a card must be
// present, and the buffer must be a non-empty, exact multiple of BlockSize.
// A missing card clears the initialized flag, forcing the next I/O through
// Initialize again.
func (h *Handle) checkReady(buf []byte) error {
	h.mus.Lock()
	initialized := h.initialized
	h.mus.Unlock()

	if !initialized {
		return ErrGeneric
	}

	if !h.Present() {
		h.mus.Lock()
		h.initialized = false
		h.mus.Unlock()
		return ErrNoMedia
	}

	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return ErrParam
	}

	return nil
}

// ReadBlocks reads len(buf)/BlockSize blocks starting at lba into buf. A
// single block uses CMD17; more than one uses CMD18 followed by CMD12, per
// p243-244, 7.2.3 Data Read, SD-PL-7.10.
func (h *Handle) ReadBlocks(lba uint32, buf []byte) error {
	return h.readBlocks(lba, buf, false)
}

func (h *Handle) readBlocks(lba uint32, buf []byte, isr bool) error {
	if err := h.lock(isr); err != nil {
		return err
	}
	defer h.unlock()

	err := h.checkReady(buf)
	if err != nil {
		h.setLastStatus(err)
		return err
	}

	count := len(buf) / BlockSize
	if count == 1 {
		err = h.readSingleWithRetry(lba, buf)
	} else {
		err = h.readMultiple(lba, buf)
	}

	h.setLastStatus(err)

	h.mus.Lock()
	h.stats.ReadOps++
	h.stats.BlocksRead += uint64(count)
	h.stats.recordOutcome(err)
	h.mus.Unlock()

	return err
}

func (h *Handle) readSingleWithRetry(lba uint32, buf []byte) error {
	var err error

	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Millisecond)
		}

		if err = h.assert(); err != nil {
			return err
		}

		err = h.readOneBlock(lba, buf)
		h.deassert()

		if err == nil {
			return nil
		}
	}

	return err
}

func (h *Handle) readOneBlock(lba uint32, buf []byte) error {
	r1, err := h.sendCommand(cmdReadSingleBlock, h.address(lba))
	if err != nil {
		return err
	}
	if err := r1Error(r1); err != nil {
		return err
	}

	return h.readDataPacket(buf)
}

func (h *Handle) readMultiple(lba uint32, buf []byte) error {
	if err := h.assert(); err != nil {
		return err
	}
	defer h.deassert()

	r1, err := h.sendCommand(cmdReadMultipleBlock, h.address(lba))
	if err != nil {
		return err
	}
	if err := r1Error(r1); err != nil {
		return err
	}

	count := len(buf) / BlockSize

	for i := 0; i < count; i++ {
		if err := h.readDataPacket(buf[i*BlockSize : (i+1)*BlockSize]); err != nil {
			h.sendCommand(cmdStopTransmission, 0)
			return err
		}
	}

	r1, err = h.sendCommand(cmdStopTransmission, 0)
	if err != nil {
		return err
	}

	return r1Error(r1 &^ r1InIdleState)
}

// readDataPacket reads one block plus its 2 byte CRC trailer after the
// start token has been awaited.
func (h *Handle) readDataPacket(buf []byte) error {
	if err := h.waitDataToken(h.cfg.DataTokenTimeout); err != nil {
		return err
	}

	if err := h.receive(buf); err != nil {
		return err
	}

	var crc [2]byte
	return h.receive(crc[:])
}

// WriteBlocks writes len(buf)/BlockSize blocks starting at lba from buf. A
// single block uses CMD24; more than one uses CMD25 with a stop transfer
// token, per p241-242, 7.2.4 Data Write, SD-PL-7.10.
func (h *Handle) WriteBlocks(lba uint32, buf []byte) error {
	return h.writeBlocks(lba, buf, false)
}

func (h *Handle) writeBlocks(lba uint32, buf []byte, isr bool) error {
	if err := h.lock(isr); err != nil {
		return err
	}
	defer h.unlock()

	err := h.checkReady(buf)
	if err != nil {
		h.setLastStatus(err)
		return err
	}

	count := len(buf) / BlockSize
	if count == 1 {
		err = h.writeSingleWithRetry(lba, buf)
	} else {
		err = h.writeMultiple(lba, buf)
	}

	h.setLastStatus(err)

	h.mus.Lock()
	h.stats.WriteOps++
	h.stats.BlocksWritten += uint64(count)
	h.stats.recordOutcome(err)
	h.mus.Unlock()

	return err
}

func (h *Handle) writeSingleWithRetry(lba uint32, buf []byte) error {
	var err error

	for attempt := 0; attempt <= h.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Millisecond)
		}

		if err = h.assert(); err != nil {
			return err
		}

		err = h.writeOneBlock(lba, buf)
		h.deassert()

		if err == nil {
			return nil
		}
	}

	return err
}

func (h *Handle) writeOneBlock(lba uint32, buf []byte) error {
	r1, err := h.sendCommand(cmdWriteBlock, h.address(lba))
	if err != nil {
		return err
	}
	if err := r1Error(r1); err != nil {
		return err
	}

	return h.writeDataPacket(tokenStartBlock, buf)
}

func (h *Handle) writeMultiple(lba uint32, buf []byte) error {
	if err := h.assert(); err != nil {
		return err
	}
	defer h.deassert()

	r1, err := h.sendCommand(cmdWriteMultiBlock, h.address(lba))
	if err != nil {
		return err
	}
	if err := r1Error(r1); err != nil {
		return err
	}

	count := len(buf) / BlockSize

	for i := 0; i < count; i++ {
		if err := h.writeDataPacket(tokenStartBlockMulti, buf[i*BlockSize:(i+1)*BlockSize]); err != nil {
			// abort the stream so the card leaves receive mode, then
			// report the original failure
			h.txByte(tokenStopTran)
			h.waitReady(h.cfg.WriteBusyTimeout)
			return err
		}
	}

	if err := h.txByte(tokenStopTran); err != nil {
		return err
	}

	return h.waitReady(h.cfg.WriteBusyTimeout)
}

// writeDataPacket sends one start token, the block, a CRC trailer (real or
// filler per h.crcEnabled), and classifies the card's data-response token,
// then waits for the card to clear its busy signal, per p241-242,
// SD-PL-7.10.
func (h *Handle) writeDataPacket(token byte, buf []byte) error {
	if err := h.txByte(token); err != nil {
		return err
	}

	if err := h.transmit(buf); err != nil {
		return err
	}

	crc := h.dataCRC(buf)
	if err := h.transmit(crc[:]); err != nil {
		return err
	}

	resp, err := h.rxByte()
	if err != nil {
		return err
	}

	if status := classifyDataResponse(resp); status != nil {
		return fmt.Errorf("sdspi: write rejected (response %#02x): %w", resp, status)
	}

	return h.waitReady(h.cfg.WriteBusyTimeout)
}

// Sync asserts CS, waits for the card to clear any pending write-busy
// condition, and deasserts CS. It has no SD command of its own; it exists
// for callers (the diskio bridge's SYNC ioctl) that want an explicit flush
// point, and it is gated by card presence like every other public
// operation.
func (h *Handle) Sync() error {
	return h.sync(false)
}

func (h *Handle) sync(isr bool) error {
	if err := h.lock(isr); err != nil {
		return err
	}
	defer h.unlock()

	var err error
	if !h.Present() {
		h.mus.Lock()
		h.initialized = false
		h.mus.Unlock()
		err = ErrNoMedia
	} else if err = h.assert(); err == nil {
		err = h.waitReady(h.cfg.WriteBusyTimeout)
		h.deassert()
	}

	h.setLastStatus(err)

	h.mus.Lock()
	h.stats.recordOutcome(err)
	h.mus.Unlock()

	return err
}
