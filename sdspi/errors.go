// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdspi

import "errors"

// Status is the outcome taxonomy of the card protocol. Every error that
// originates in the protocol, block I/O or locking paths is one of these
// values, optionally wrapped with fmt.Errorf("%w", ...) for extra context,
// so callers can recover the classification with errors.Is. Errors from
// New, from the SPI port (connecting or changing the clock rate), from
// driving the chip-select pin and from the scratch buffer pool are returned
// as those report them, without one of these classifications.
type Status error

// The status kinds. Success is represented by a nil error, never by okErr;
// it exists only so last-status bookkeeping has a concrete value to store.
var (
	okErr          Status = errors.New("ok")
	ErrGeneric     Status = errors.New("sdspi: generic protocol or peripheral error")
	ErrTimeout     Status = errors.New("sdspi: operation timed out")
	ErrBusy        Status = errors.New("sdspi: handle busy")
	ErrParam       Status = errors.New("sdspi: invalid argument")
	ErrNoMedia     Status = errors.New("sdspi: no card present")
	ErrCRC         Status = errors.New("sdspi: data CRC error")
	ErrWrite       Status = errors.New("sdspi: write rejected by card")
	ErrUnsupported Status = errors.New("sdspi: unsupported operation")
)

// classifyDataResponse maps the 5 low bits of a write data-response byte to
// a Status, per p247, 7.3.3.1, SD-PL-7.10: 0x05 accepted (nil), 0x0B CRC
// error, 0x0D write error. Unrecognized patterns are conservatively treated
// as write errors.
func classifyDataResponse(b byte) Status {
	switch b & 0x1F {
	case 0x05:
		return nil
	case 0x0B:
		return ErrCRC
	default:
		return ErrWrite
	}
}
