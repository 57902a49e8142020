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
	"sync"
	"time"

	"periph.io/x/periph/conn/spi"

	"github.com/f-secure-foundry/sdspi/internal/dmabuf"
)

// CardType distinguishes the addressing/initialization scheme negotiated
// during card discovery.
type CardType int

const (
	// CardUnknown is the zero value, before Initialize has run.
	CardUnknown CardType = iota
	// CardSDSC is a standard-capacity card: byte addressed, requires
	// SET_BLOCKLEN.
	CardSDSC
	// CardSDHC is a high/extended-capacity card: sector addressed.
	CardSDHC
)

func (t CardType) String() string {
	switch t {
	case CardSDSC:
		return "SDSC"
	case CardSDHC:
		return "SDHC/SDXC"
	default:
		return "unknown"
	}
}

// CardInfo is a snapshot of the discovered card properties.
type CardInfo struct {
	Type           CardType
	CapacityBlocks uint32
	CID            CID
	CSD            CSD
}

// Handle drives a single SD card over SPI. It is constructed once by the
// host (New) and thereafter shared by reference among any number of
// goroutines; Handle.mu totally orders every observable effect on the card
// and on the handle's own bookkeeping.
type Handle struct {
	cfg Config

	conn    spi.Conn
	scratch *dmabuf.Pool

	mu chan struct{} // binary mutex; receive to acquire, send to release

	txDone *signal
	rxDone *signal

	// discovered state, valid only once initialized is true
	mus          sync.Mutex // guards the fields below together with mu
	initialized  bool
	cardType     CardType
	capacityBlks uint32
	cid          CID
	csd          CSD
	lastStatus   error

	stats Stats

	crcEnabled bool
}

// New constructs a Handle bound to the given transport and policy. The
// returned handle is not yet initialized; call Initialize before any I/O.
func New(cfg Config) (*Handle, error) {
	if cfg.Port == nil {
		return nil, fmt.Errorf("sdspi: Config.Port is required")
	}

	if cfg.CS == nil {
		return nil, fmt.Errorf("sdspi: Config.CS is required")
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}

	if cfg.SPIIOTimeout == 0 {
		cfg.SPIIOTimeout = DefaultSPIIOTimeout
	}
	if cfg.CmdTimeout == 0 {
		cfg.CmdTimeout = DefaultCmdTimeout
	}
	if cfg.DataTokenTimeout == 0 {
		cfg.DataTokenTimeout = DefaultDataTokenTimeout
	}
	if cfg.WriteBusyTimeout == 0 {
		cfg.WriteBusyTimeout = DefaultWriteBusyTimeout
	}
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.DMATimeout == 0 {
		cfg.DMATimeout = DefaultDMATimeout
	}
	if cfg.MutexTimeout == 0 {
		cfg.MutexTimeout = DefaultMutexTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = nopLogger{}
	}

	h := &Handle{
		cfg:    cfg,
		mu:     make(chan struct{}, 1),
		txDone: newSignal(),
		rxDone: newSignal(),
	}
	h.mu <- struct{}{} // start unlocked

	if err := h.setupTransport(); err != nil {
		return nil, err
	}

	registerOwner(h)

	return h, nil
}

// Close releases the handle's concurrency resources and clears initialized
// state. It deasserts CS and unregisters the completion interrupt owner;
// the Handle must not be used afterwards.
func (h *Handle) Close() error {
	unregisterOwner(h)

	h.mus.Lock()
	h.initialized = false
	h.mus.Unlock()

	h.cfg.CS.Out(true) // deasserted (active low)

	return nil
}

// lock acquires the handle mutex, honoring MutexTimeout. isr selects the
// non-blocking variant for interrupt context, where the caller can never
// be suspended: acquisition either succeeds immediately or fails with
// ErrBusy.
func (h *Handle) lock(isr bool) error {
	if isr {
		select {
		case <-h.mu:
			return nil
		default:
			return ErrBusy
		}
	}

	select {
	case <-h.mu:
		return nil
	case <-time.After(h.cfg.MutexTimeout):
		return ErrBusy
	}
}

func (h *Handle) unlock() {
	h.mu <- struct{}{}
}

// ISR returns a restricted view of the handle whose operations use the
// non-blocking lock acquisition required in interrupt context: every
// operation returns ErrBusy immediately if the handle is not free, rather
// than suspending the caller.
func (h *Handle) ISR() *ISR {
	return (*ISR)(h)
}

// ISR is Handle restricted to the non-blocking lock path, see Handle.ISR.
type ISR Handle

func (i *ISR) handle() *Handle { return (*Handle)(i) }

// Initialize is the interrupt-context variant of Handle.Initialize.
func (i *ISR) Initialize() error {
	return i.handle().initialize(true)
}

// ReadBlocks is the interrupt-context variant of Handle.ReadBlocks.
func (i *ISR) ReadBlocks(lba uint32, buf []byte) error {
	return i.handle().readBlocks(lba, buf, true)
}

// WriteBlocks is the interrupt-context variant of Handle.WriteBlocks.
func (i *ISR) WriteBlocks(lba uint32, buf []byte) error {
	return i.handle().writeBlocks(lba, buf, true)
}

// Sync is the interrupt-context variant of Handle.Sync.
func (i *ISR) Sync() error {
	return i.handle().sync(true)
}

// Info returns a snapshot of the discovered card properties.
func (h *Handle) Info() CardInfo {
	h.mus.Lock()
	defer h.mus.Unlock()

	return CardInfo{
		Type:           h.cardType,
		CapacityBlocks: h.capacityBlks,
		CID:            h.cid,
		CSD:            h.csd,
	}
}

// Initialized reports whether card discovery has successfully completed.
func (h *Handle) Initialized() bool {
	h.mus.Lock()
	defer h.mus.Unlock()

	return h.initialized
}

// LastStatus returns the outcome of the most recently completed public
// operation.
func (h *Handle) LastStatus() error {
	h.mus.Lock()
	defer h.mus.Unlock()

	if h.lastStatus == okErr {
		return nil
	}

	return h.lastStatus
}

// Stats returns a copy of the handle's statistics counters.
func (h *Handle) Stats() Stats {
	h.mus.Lock()
	defer h.mus.Unlock()

	return h.stats
}

// Present reports card presence via the configured card-detect pin. When no
// card-detect line is wired, presence is always assumed true.
func (h *Handle) Present() bool {
	if h.cfg.CardDetect == nil {
		return true
	}

	level := h.cfg.CardDetect.Read()
	present := bool(level)

	if h.cfg.CardDetectLow {
		present = !present
	}

	return present
}

// EnableCRC switches the protocol layer from the SPI-mode CRC fillers
// (0xFF/0x95/0x87) to genuine CRC7/CRC16 computation. The host is
// responsible for having issued CMD59 (CRC_ON_OFF) on the card beforehand.
func (h *Handle) EnableCRC(enabled bool) {
	h.mus.Lock()
	h.crcEnabled = enabled
	h.mus.Unlock()
}

func (h *Handle) setLastStatus(err error) {
	h.mus.Lock()
	if err == nil {
		h.lastStatus = okErr
	} else {
		h.lastStatus = err
	}
	h.mus.Unlock()
}
