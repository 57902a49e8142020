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

	"github.com/sigurn/crc16"

	"github.com/f-secure-foundry/sdspi/internal/crc7"
)

var crc16CCITT = crc16.MakeTable(crc16.CRC16_XMODEM)

// Command indices used by this driver, p240 Table 7-3/7-4, SD-PL-7.10.
const (
	cmdGoIdleState       = 0  // CMD0
	cmdSendIfCond        = 8  // CMD8
	cmdSendCSD           = 9  // CMD9
	cmdSendCID           = 10 // CMD10
	cmdStopTransmission  = 12 // CMD12
	cmdSetBlocklen       = 16 // CMD16
	cmdReadSingleBlock   = 17 // CMD17
	cmdReadMultipleBlock = 18 // CMD18
	cmdWriteBlock        = 24 // CMD24
	cmdWriteMultiBlock   = 25 // CMD25
	cmdAppCmd            = 55 // CMD55
	cmdReadOCR           = 58 // CMD58
	cmdCRCOnOff          = 59 // CMD59
	acmdSDSendOpCond     = 41 // ACMD41, sent after CMD55
)

// Data tokens, p241 7.3.3.2, SD-PL-7.10.
const (
	tokenStartBlock      = 0xFE // single block read/write, CMD9/CMD10 read
	tokenStartBlockMulti = 0xFC // CMD25 multi-block write
	tokenStopTran        = 0xFD // CMD25 stop
)

// R1 status bits, p144 7.3.2.1, SD-PL-7.10.
const (
	r1InIdleState     = 1 << 0
	r1IllegalCommand  = 1 << 2
	r1CommandCRCError = 1 << 3
	r1AddressError    = 1 << 5
	r1ParameterError  = 1 << 6
)

// r1Error reports whether an R1 byte indicates a command-level failure, as
// opposed to the expected "still initializing" idle bit.
func r1Error(r1 byte) error {
	switch {
	case r1&r1ParameterError != 0, r1&r1AddressError != 0:
		return ErrParam
	case r1&r1CommandCRCError != 0:
		return ErrCRC
	case r1&r1IllegalCommand != 0:
		return fmt.Errorf("sdspi: illegal command: %w", ErrUnsupported)
	}

	return nil
}

// cmdCRC returns the checksum byte for a command frame. SPI mode only
// verifies the CRC on CMD0 and CMD8, whose values are fixed constants; all
// other commands accept 0xFF unless the host has placed the card into real
// CRC mode with CMD59.
func (h *Handle) cmdCRC(index byte, frame []byte) byte {
	switch {
	case h.crcEnabled:
		return crc7.Checksum(frame)
	case index == cmdGoIdleState:
		return 0x95
	case index == cmdSendIfCond:
		return 0x87
	default:
		return 0xFF
	}
}

// awaitCommandSlot waits for the card to signal ready (release MISO to
// 0xFF) and sends one leading dummy 0xFF, as required before framing any
// command, per p241, 7.2.3 Bus Transfer Arbitration, SD-PL-7.10.
func (h *Handle) awaitCommandSlot() error {
	if err := h.waitReady(h.cfg.CmdTimeout); err != nil {
		return err
	}

	return h.transmit([]byte{0xFF})
}

// sendCommand issues a command frame and returns its R1 response; CS must
// already be asserted by the caller.
// CMD12 is sent to interrupt an in-progress multi-block transfer, so unlike
// every other command it skips the ready wait: the card is mid-stream, not
// idle at 0xFF, when STOP_TRANSMISSION needs to be framed.
func (h *Handle) sendCommand(index byte, arg uint32) (byte, error) {
	if index != cmdStopTransmission {
		if err := h.awaitCommandSlot(); err != nil {
			return 0, err
		}
	}

	frame := [6]byte{
		0x40 | index,
		byte(arg >> 24),
		byte(arg >> 16),
		byte(arg >> 8),
		byte(arg),
		0,
	}
	frame[5] = h.cmdCRC(index, frame[:5])

	if err := h.transmit(frame[:]); err != nil {
		return 0, err
	}

	return h.readR1()
}

// sendAppCommand issues CMD55 followed by the given ACMD, per p131, 4.3.9
// Application-Specific Commands, SD-PL-7.10.
func (h *Handle) sendAppCommand(index byte, arg uint32) (byte, error) {
	r1, err := h.sendCommand(cmdAppCmd, 0)
	if err != nil {
		return 0, err
	}
	if r1&^r1InIdleState != 0 {
		return r1, r1Error(r1)
	}

	return h.sendCommand(index, arg)
}

// readR1 polls for the single-byte R1 response that follows every command,
// per p144: the card may hold MISO high for a few clocks before responding,
// so up to 10 bytes are read looking for one with the high bit clear.
func (h *Handle) readR1() (byte, error) {
	deadline := time.Now().Add(h.cfg.CmdTimeout)

	for i := 0; i < 10; i++ {
		b, err := h.rxByte()
		if err != nil {
			return 0, err
		}

		if b&0x80 == 0 {
			return b, nil
		}

		if time.Now().After(deadline) {
			break
		}
	}

	return 0, ErrTimeout
}

// readR3R7 reads an R1 response followed by the 4 trailing bytes used by
// CMD8 (R7, echoes the voltage pattern) and CMD58 (R3, OCR register), per
// p146-147, SD-PL-7.10.
func (h *Handle) readR3R7() (r1 byte, trailing [4]byte, err error) {
	if r1, err = h.readR1(); err != nil {
		return
	}

	err = h.receive(trailing[:])

	return
}

// dataCRC returns the 2 byte trailer appended after a data block. SPI mode
// does not require the card to check it unless CMD59 put the card into real
// CRC mode, matching cmdCRC's treatment of command frames.
func (h *Handle) dataCRC(buf []byte) [2]byte {
	if !h.crcEnabled {
		return [2]byte{0xFF, 0xFF}
	}

	sum := crc16.Checksum(buf, crc16CCITT)

	return [2]byte{byte(sum >> 8), byte(sum)}
}

// waitReady polls MISO until the card releases the bus (0xFF), as required
// after a write's busy token and before a subsequent command, per p241,
// 7.2.4 Data Write, SD-PL-7.10.
func (h *Handle) waitReady(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		b, err := h.rxByte()
		if err != nil {
			return err
		}

		if b == 0xFF {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		time.Sleep(time.Millisecond)
	}
}

// waitDataToken polls for a data start token (0xFE for a read, or an error
// token if the card reports a read failure), per p242, 7.3.3.2, SD-PL-7.10.
// The low nibble of a non-0xFF, non-token byte is a read error token; any
// such byte is reported as ErrGeneric.
func (h *Handle) waitDataToken(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		b, err := h.rxByte()
		if err != nil {
			return err
		}

		switch {
		case b == tokenStartBlock:
			return nil
		case b != 0xFF:
			return fmt.Errorf("sdspi: read error token %#02x: %w", b, ErrGeneric)
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		time.Sleep(time.Millisecond)
	}
}
