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
	"sync"
	"sync/atomic"
	"time"
)

// signal is a single binary completion signal rendezvousing a DMA
// completion interrupt with the goroutine that issued the transfer. It
// keeps two independent representations of "done":
//
//   - ch is the scheduler-backed binary semaphore: the ISR "gives" it (a
//     non-blocking send) and the initiator blocks on a timed receive.
//   - flag is the fallback for hosts without a scheduler integration: the
//     ISR sets it and the initiator polls it with a short backoff.
//
// Both are always updated together so that whichever path Config.RTOSEnabled
// selects observes a consistent state; see give/wait.
type signal struct {
	ch   chan struct{}
	flag int32
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{}, 1)}
}

// give is the ISR-safe completion notification: it never blocks and is
// safe to call from the SPI peripheral's completion callback.
func (s *signal) give() {
	atomic.StoreInt32(&s.flag, 1)

	select {
	case s.ch <- struct{}{}:
	default:
		// already given and not yet consumed; the flag alone carries the
		// completion for the polled fallback, and a duplicate give on the
		// channel would only matter if nobody is waiting.
	}
}

// drain discards any pending completion, on both representations, so that
// a new transfer starts with a clean rendezvous.
func (s *signal) drain() {
	atomic.StoreInt32(&s.flag, 0)

	select {
	case <-s.ch:
	default:
	}
}

// wait blocks the initiator until the signal is given or timeout elapses.
// When rtos is true it rendezvous on the channel (the preemptive-scheduler
// path); otherwise it polls the flag with a 1ms backoff.
func (s *signal) wait(timeout time.Duration, rtos bool) bool {
	defer atomic.StoreInt32(&s.flag, 0)

	if rtos {
		select {
		case <-s.ch:
			return true
		case <-time.After(timeout):
			return false
		}
	}

	deadline := time.Now().Add(timeout)

	for {
		if atomic.CompareAndSwapInt32(&s.flag, 1, 0) {
			// drain any stale give on the channel too, so a later rtos
			// wait doesn't observe a phantom completion.
			select {
			case <-s.ch:
			default:
			}
			return true
		}

		if time.Now().After(deadline) {
			return false
		}

		time.Sleep(time.Millisecond)
	}
}

// owner registers which Handle should receive DMA completion callbacks from
// the platform's SPI peripheral. A single process-wide pointer is
// sufficient for the single-card hosts this driver targets; a multi-card
// host would replace this with a map keyed by SPI bus identity.
var (
	ownerMu sync.Mutex
	owner   *Handle
)

func registerOwner(h *Handle) {
	ownerMu.Lock()
	owner = h
	ownerMu.Unlock()
}

func unregisterOwner(h *Handle) {
	ownerMu.Lock()
	if owner == h {
		owner = nil
	}
	ownerMu.Unlock()
}

// TxComplete and RxComplete are invoked by the platform's SPI completion
// interrupt (or its simulation) to release a pending DMA wait. They are
// ISR-safe: give never blocks.
func TxComplete() {
	ownerMu.Lock()
	h := owner
	ownerMu.Unlock()

	if h != nil {
		h.txDone.give()
	}
}

func RxComplete() {
	ownerMu.Lock()
	h := owner
	ownerMu.Unlock()

	if h != nil {
		h.rxDone.give()
	}
}

// TransferError is invoked by the platform on a peripheral error interrupt;
// it releases both signals so that a transfer waiting on either one wakes
// up and observes the error via the normal error return path.
func TransferError() {
	ownerMu.Lock()
	h := owner
	ownerMu.Unlock()

	if h != nil {
		h.txDone.give()
		h.rxDone.give()
	}
}
