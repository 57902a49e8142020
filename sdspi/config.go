// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdspi implements a driver for SD/SDHC/SDXC cards operated in SPI
// mode, as specified by the SD Physical Layer Simplified Specification's
// SPI bus mode annex (SD-PL-7.10, chapter 7).
//
// It is built around periph.io/x/periph's portable spi.Conn and gpio.PinIO
// interfaces so that the same protocol, state machine and block I/O engine
// run both on a Linux host talking to a real SPI device and, with a thin
// platform shim, on a bare metal target.
package sdspi

import (
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
)

// BlockSize is the fixed logical block size this driver operates on.
const BlockSize = 512

// Configuration defaults.
const (
	DefaultSPIIOTimeout        = 50 * time.Millisecond
	DefaultCmdTimeout          = 100 * time.Millisecond
	DefaultDataTokenTimeout    = 200 * time.Millisecond
	DefaultWriteBusyTimeout    = 500 * time.Millisecond
	DefaultInitTimeout         = 1000 * time.Millisecond
	DefaultDMATimeout          = 500 * time.Millisecond
	DefaultMutexTimeout        = 1000 * time.Millisecond
	DefaultMaxRetries          = 2
	DefaultDMAAlignmentCache   = 32
	DefaultDMAAlignmentNoCache = 4
)

// Config carries the policy and transport binding for a Handle: everything
// board-specific (which SPI port, which GPIO line is CS) is assembled once
// by the host and handed to New.
type Config struct {
	// Port is the SPI bus the card is wired to.
	Port spi.Port
	// ClockHz is the SPI clock rate used once the card has left
	// identification mode; a conservative default is used if zero.
	ClockHz physic.Frequency

	// CS is the active-low chip select line. The driver drives it itself
	// rather than relying on the port's own CS handling, because the
	// protocol requires CS to remain asserted across multi-byte waits
	// that a plain Connect/TxPackets transaction would not allow.
	CS gpio.PinOut

	// CardDetect, if non-nil, is polled for card presence. CardDetectLow
	// inverts the polarity: when true, a Low reading means "card present".
	CardDetect    gpio.PinIn
	CardDetectLow bool

	// UseDMA requests the DMA path whenever a transfer buffer happens to
	// be aligned; it has no effect on platforms without a DMA-capable SPI
	// peripheral (HasDMA false).
	UseDMA bool
	// HasDMA indicates the platform has a DMA engine behind the SPI
	// peripheral at all. False forces the polled path unconditionally.
	HasDMA bool
	// HasDataCache indicates the platform has a data cache requiring
	// clean/invalidate maintenance around DMA buffers.
	HasDataCache bool

	// RTOSEnabled selects how a goroutine blocks on a DMA completion
	// signal: true rendezvous on a channel given by the completion
	// callback (the preemptive-scheduler path), false polls a flag with a
	// short backoff (the fallback for platforms without a scheduler
	// integration). See signal.wait in isr.go.
	RTOSEnabled bool

	// MaxRetries bounds the retry count for single-block read/write.
	MaxRetries int

	// Per-phase timeouts; every blocking primitive in the driver is
	// bounded by exactly one of these.
	SPIIOTimeout     time.Duration
	CmdTimeout       time.Duration
	DataTokenTimeout time.Duration
	WriteBusyTimeout time.Duration
	InitTimeout      time.Duration
	DMATimeout       time.Duration
	MutexTimeout     time.Duration

	// Logger receives a line when initialization starts, when a CMD8
	// voltage-check mismatch makes the driver treat the card as Ver1.x, and
	// when initialization completes. Retries and timeouts are not logged.
	// A nil Logger disables logging.
	Logger Logger
}

// DefaultConfig returns the default constant table as a Config, with Port
// and CS left unset (the caller must always supply these).
func DefaultConfig() Config {
	return Config{
		ClockHz:          25 * physic.MegaHertz,
		UseDMA:           true,
		MaxRetries:       DefaultMaxRetries,
		SPIIOTimeout:     DefaultSPIIOTimeout,
		CmdTimeout:       DefaultCmdTimeout,
		DataTokenTimeout: DefaultDataTokenTimeout,
		WriteBusyTimeout: DefaultWriteBusyTimeout,
		InitTimeout:      DefaultInitTimeout,
		DMATimeout:       DefaultDMATimeout,
		MutexTimeout:     DefaultMutexTimeout,
	}
}

// dmaAlignment returns the buffer alignment the DMA engine requires with
// this configuration: one cache line when a data cache is present, one
// bus word otherwise.
func (c *Config) dmaAlignment() int {
	if c.HasDataCache {
		return DefaultDMAAlignmentCache
	}
	return DefaultDMAAlignmentNoCache
}
