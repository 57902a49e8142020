// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package diskio bridges a single sdspi.Handle to the 5-operation
// block-device contract (status/initialize/read/write/ioctl) that a FAT
// filesystem layer expects.
package diskio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/f-secure-foundry/sdspi/sdspi"
)

// Status is the FAT-style disk status bitfield, p18, disk_status, FatFs.
type Status byte

const (
	StaNoInit  Status = 1 << 0
	StaNoDisk  Status = 1 << 1
	StaProtect Status = 1 << 2
)

// Result is the FatFs-style DRESULT returned by Read/Write/Ioctl: exactly
// OK, PARERR, NOTRDY or ERROR, with no room for a driver error value to
// leak through untranslated.
type Result int

const (
	ResultOK Result = iota
	ResultError
	ResultNotReady
	ResultParamError
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "OK"
	case ResultParamError:
		return "PARERR"
	case ResultNotReady:
		return "NOTRDY"
	default:
		return "ERROR"
	}
}

// toResult classifies an sdspi error into a Result: PARERR for bad
// arguments, NOTRDY for an absent/uninitialized card or a lock
// timeout, ERROR for everything else. checkReady's bare ErrGeneric (not
// wrapped) is its "uninitialized" sentinel; any other, wrapped use of
// ErrGeneric is a genuine protocol/peripheral failure and maps to ERROR.
func toResult(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, sdspi.ErrParam):
		return ResultParamError
	case errors.Is(err, sdspi.ErrNoMedia), errors.Is(err, sdspi.ErrBusy), err == sdspi.ErrGeneric: //nolint:errorlint
		return ResultNotReady
	default:
		return ResultError
	}
}

// Ioctl command codes understood by Ioctl.
const (
	CtrlSync       = 0
	GetSectorCount = 1
	GetSectorSize  = 2
	GetBlockSize   = 3
)

var (
	mu     sync.Mutex
	handle *sdspi.Handle
)

// Bind installs the Handle that Drive 0 delegates to. Call it once during
// board bring-up, before the FAT layer issues its first Status/Initialize.
func Bind(h *sdspi.Handle) {
	mu.Lock()
	handle = h
	mu.Unlock()
}

func current() (*sdspi.Handle, error) {
	mu.Lock()
	h := handle
	mu.Unlock()

	if h == nil {
		return nil, fmt.Errorf("diskio: no handle bound")
	}

	return h, nil
}

// DiskStatus reports the drive's current status without performing I/O,
// mirroring FatFs's disk_status(drv).
func DiskStatus(drive int) Status {
	if drive != 0 {
		return StaNoDisk
	}

	h, err := current()
	if err != nil {
		return StaNoDisk
	}

	if !h.Present() {
		return StaNoDisk
	}

	if !h.Initialized() {
		return StaNoInit
	}

	return 0
}

// DiskInitialize runs card discovery and returns the resulting status,
// mirroring FatFs's disk_initialize(drv).
func DiskInitialize(drive int) Status {
	if drive != 0 {
		return StaNoDisk
	}

	h, err := current()
	if err != nil {
		return StaNoDisk
	}

	if !h.Present() {
		return StaNoDisk
	}

	if err := h.Initialize(); err != nil {
		return StaNoInit
	}

	return 0
}

// DiskRead reads count sectors starting at lba into buf, mirroring FatFs's
// disk_read(drv, buf, sector, count). The return value is always one of the
// Result constants.
func DiskRead(drive int, buf []byte, lba uint32, count int) Result {
	if drive != 0 || count <= 0 || buf == nil || len(buf) < count*sdspi.BlockSize {
		return ResultParamError
	}

	h, err := current()
	if err != nil {
		return ResultNotReady
	}

	return toResult(h.ReadBlocks(lba, buf[:count*sdspi.BlockSize]))
}

// DiskWrite writes count sectors starting at lba from buf, mirroring
// FatFs's disk_write(drv, buf, sector, count). The return value is always
// one of the Result constants.
func DiskWrite(drive int, buf []byte, lba uint32, count int) Result {
	if drive != 0 || count <= 0 || buf == nil || len(buf) < count*sdspi.BlockSize {
		return ResultParamError
	}

	h, err := current()
	if err != nil {
		return ResultNotReady
	}

	return toResult(h.WriteBlocks(lba, buf[:count*sdspi.BlockSize]))
}

// DiskIoctl implements the subset of FatFs's disk_ioctl(drv, cmd, buf) this
// driver supports: CTRL_SYNC, GET_SECTOR_COUNT, GET_SECTOR_SIZE and
// GET_BLOCK_SIZE. Any other command returns ResultParamError. The return
// value is always one of the Result constants.
func DiskIoctl(drive int, cmd int, out *uint32) Result {
	if drive != 0 {
		return ResultParamError
	}

	h, err := current()
	if err != nil {
		return ResultNotReady
	}

	switch cmd {
	case CtrlSync:
		return toResult(h.Sync())
	case GetSectorCount:
		blocks := h.Info().CapacityBlocks
		if blocks == 0 {
			return ResultError
		}
		*out = blocks
		return ResultOK
	case GetSectorSize:
		*out = sdspi.BlockSize
		return ResultOK
	case GetBlockSize:
		*out = 1
		return ResultOK
	default:
		return ResultParamError
	}
}
