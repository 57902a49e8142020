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

// Stats holds the handle's monotonic operation counters. All fields are
// only ever mutated with Handle.mus held, so a copy returned by
// Handle.Stats is always internally consistent.
type Stats struct {
	ReadOps       uint64
	WriteOps      uint64
	BlocksRead    uint64
	BlocksWritten uint64
	InitAttempts  uint64
	Errors        uint64
	Timeouts      uint64
}

// recordOutcome updates the error/timeout counters for a terminal status:
// any failure increments Errors, a timeout additionally increments
// Timeouts. Must be called with Handle.mus held.
func (s *Stats) recordOutcome(err error) {
	if err == nil {
		return
	}

	s.Errors++

	if errors.Is(err, ErrTimeout) {
		s.Timeouts++
	}
}
