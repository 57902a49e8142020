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

// voltagePattern is the CMD8 argument/check pattern from p113, 4.3.13,
// SD-PL-7.10: a fixed low byte that the card must echo back unchanged, with
// the 2.7-3.6V voltage range indicated in bits 11:8.
const voltagePattern = 0x1AA

// ocrCCS is bit 30 of the OCR register, set once ACMD41 completes on a
// high/extended-capacity card, p128, 5.1 OCR register, SD-PL-7.10.
const ocrCCS = 1 << 30

// Initialize runs the card identification and discovery sequence: 74+ init
// clocks, CMD0 reset, CMD8 voltage check, the CMD55/ACMD41 polling loop,
// OCR/CCS capacity-class detection, SET_BLOCKLEN for byte-addressed cards,
// and CSD/CID reads to compute capacity. On success the handle transitions
// to initialized and the operating clock rate is raised.
func (h *Handle) Initialize() error {
	return h.initialize(false)
}

func (h *Handle) initialize(isr bool) error {
	if err := h.lock(isr); err != nil {
		return err
	}
	defer h.unlock()

	h.mus.Lock()
	h.stats.InitAttempts++
	h.mus.Unlock()

	err := h.initializeLocked()
	h.setLastStatus(err)

	if err != nil {
		h.mus.Lock()
		h.stats.recordOutcome(err)
		h.mus.Unlock()
	}

	return err
}

func (h *Handle) initializeLocked() error {
	if !h.Present() {
		return ErrNoMedia
	}

	h.logf("sdspi: initializing")

	deadline := time.Now().Add(h.cfg.InitTimeout)

	// p241, 7.2.1 Power On/Reset: the card needs at least 74 clocks with CS
	// and MOSI high before the first command.
	if err := h.cfg.CS.Out(true); err != nil {
		return err
	}
	idle := make([]byte, 10)
	for i := range idle {
		idle[i] = 0xFF
	}
	if err := h.transmit(idle); err != nil {
		return err
	}

	if err := h.assert(); err != nil {
		return err
	}
	defer h.deassert()

	if err := h.resetUntil(deadline); err != nil {
		return err
	}

	hc, err := h.checkVoltage()
	if err != nil {
		return err
	}

	if err := h.waitNotIdle(deadline, hc); err != nil {
		return err
	}

	isSDHC, err := h.readOCR()
	if err != nil {
		return err
	}

	if !isSDHC {
		r1, err := h.sendCommand(cmdSetBlocklen, BlockSize)
		if err != nil {
			return err
		}
		if err := r1Error(r1); err != nil {
			return err
		}
	}

	csd, err := h.readCSD()
	if err != nil {
		return err
	}

	cid, err := h.readCID()
	if err != nil {
		return err
	}

	if err := h.raiseClock(); err != nil {
		return err
	}

	h.mus.Lock()
	h.cardType = CardSDSC
	if isSDHC {
		h.cardType = CardSDHC
	}
	h.capacityBlks = csd.CapacityBlocks
	h.csd = csd
	h.cid = cid
	h.initialized = true
	h.mus.Unlock()

	h.logf("sdspi: initialized type=%s blocks=%d", h.cardType, csd.CapacityBlocks)

	return nil
}

// resetUntil retries CMD0 until the card answers "idle" (R1 == 0x01) or the
// deadline passes, per p241, 7.2.1, SD-PL-7.10.
func (h *Handle) resetUntil(deadline time.Time) error {
	for {
		r1, err := h.sendCommand(cmdGoIdleState, 0)
		if err == nil && r1 == r1InIdleState {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("sdspi: CMD0 reset: %w", ErrTimeout)
		}

		time.Sleep(time.Millisecond)
	}
}

// checkVoltage issues CMD8 to discover whether the card supports the
// physical layer 2.0 voltage-check handshake (and is therefore eligible for
// high-capacity addressing via ACMD41's HCS bit), p113, SD-PL-7.10. A card
// that rejects CMD8 with r1IllegalCommand, or that fails to echo the check
// pattern, is a legacy (Ver1.x) card with no HC support.
func (h *Handle) checkVoltage() (hc bool, err error) {
	r1, trailing, err := h.sendCommandExpectR7(voltagePattern)
	if err != nil {
		return false, err
	}

	if r1&r1IllegalCommand != 0 {
		return false, nil
	}

	if err := r1Error(r1); err != nil {
		return false, err
	}

	echoed := uint32(trailing[2])<<8 | uint32(trailing[3])
	if r1 != r1InIdleState || echoed != voltagePattern {
		h.logf("sdspi: CMD8 voltage pattern mismatch (r1=%#02x echo=%#03x), assuming Ver1.x card", r1, echoed)
		return false, nil
	}

	return true, nil
}

func (h *Handle) sendCommandExpectR7(arg uint32) (byte, [4]byte, error) {
	if err := h.awaitCommandSlot(); err != nil {
		return 0, [4]byte{}, err
	}

	frame := [6]byte{0x40 | cmdSendIfCond, byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg), 0}
	frame[5] = h.cmdCRC(cmdSendIfCond, frame[:5])

	if err := h.transmit(frame[:]); err != nil {
		return 0, [4]byte{}, err
	}

	return h.readR3R7()
}

// waitNotIdle polls CMD55/ACMD41 until the card leaves idle state, per
// p131, 4.2.3 Initialization Command (ACMD41), SD-PL-7.10. hc requests
// high-capacity support via the HCS bit (bit 30); it must only be set for
// cards that answered CMD8, Ver1.x cards treat a non-zero ACMD41 argument
// as illegal.
func (h *Handle) waitNotIdle(deadline time.Time, hc bool) error {
	var arg uint32
	if hc {
		arg = ocrCCS
	}

	for {
		r1, err := h.sendAppCommand(acmdSDSendOpCond, arg)
		if err != nil {
			return err
		}

		if r1&r1InIdleState == 0 {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("sdspi: ACMD41: %w", ErrTimeout)
		}

		time.Sleep(time.Millisecond)
	}
}

// readOCR issues CMD58 and reports whether the card identifies itself as
// high/extended capacity (CCS bit set), per p128, 5.1, SD-PL-7.10. A Ver1.x
// card leaves CCS clear and is therefore byte addressed.
func (h *Handle) readOCR() (isSDHC bool, err error) {
	if err := h.awaitCommandSlot(); err != nil {
		return false, err
	}

	frame := [6]byte{0x40 | cmdReadOCR, 0, 0, 0, 0, 0}
	frame[5] = h.cmdCRC(cmdReadOCR, frame[:5])

	if err := h.transmit(frame[:]); err != nil {
		return false, err
	}

	r1, trailing, err := h.readR3R7()
	if err != nil {
		return false, err
	}
	if err := r1Error(r1); err != nil {
		return false, err
	}

	ocr := uint32(trailing[0])<<24 | uint32(trailing[1])<<16 | uint32(trailing[2])<<8 | uint32(trailing[3])

	return ocr&ocrCCS != 0, nil
}

// readCSD issues CMD9 and parses the returned CSD register into a capacity.
func (h *Handle) readCSD() (CSD, error) {
	raw, err := h.readRegister(cmdSendCSD)
	if err != nil {
		return CSD{}, err
	}

	return parseCSD(raw)
}

// readCID issues CMD10 and parses the returned CID register.
func (h *Handle) readCID() (CID, error) {
	raw, err := h.readRegister(cmdSendCID)
	if err != nil {
		return CID{}, err
	}

	return parseCID(raw)
}

// readRegister is the common CMD9/CMD10 flow: issue the command, wait for
// the data start token, read the 16 byte register plus its 2 byte CRC
// trailer, per p149, 7.3.3.1 CSD/CID register read, SD-PL-7.10.
func (h *Handle) readRegister(index byte) ([]byte, error) {
	r1, err := h.sendCommand(index, 0)
	if err != nil {
		return nil, err
	}
	if err := r1Error(r1); err != nil {
		return nil, err
	}

	if err := h.waitDataToken(h.cfg.DataTokenTimeout); err != nil {
		return nil, err
	}

	// CSD/CID registers are small and infrequent enough to route through
	// the scratch arena rather than a plain make([]byte, 16): a pool
	// allocation is always aligned to the platform's DMA requirement, so
	// this read becomes DMA-eligible on platforms with HasDMA/UseDMA set,
	// where a fresh heap slice might not be.
	buf, err := h.scratch.Reserve(16)
	if err != nil {
		return nil, err
	}
	defer h.scratch.Release(buf)

	if err := h.receive(buf); err != nil {
		return nil, err
	}

	raw := make([]byte, 16)
	copy(raw, buf)

	var crc [2]byte
	if err := h.receive(crc[:]); err != nil {
		return nil, err
	}

	return raw, nil
}

// CID returns the card identification register captured during Initialize.
func (h *Handle) CID() (CID, error) {
	h.mus.Lock()
	defer h.mus.Unlock()

	if !h.initialized {
		return CID{}, fmt.Errorf("sdspi: card not initialized: %w", ErrGeneric)
	}

	return h.cid, nil
}
