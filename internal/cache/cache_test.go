// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cache

import "testing"

func TestAligned(t *testing.T) {
	if Aligned(nil, 32) {
		t.Fatal("Aligned(nil) = true, want false")
	}

	// every byte-aligned buffer is 1-aligned
	if !Aligned(make([]byte, 64), 1) {
		t.Fatal("Aligned(buf, 1) = false, want true")
	}
}

func TestRound(t *testing.T) {
	from, to := round(33, 10) // [33, 43) with a 32 byte line
	if from != 32 {
		t.Fatalf("from = %d, want 32", from)
	}
	if to != 64 {
		t.Fatalf("to = %d, want 64", to)
	}
}

func TestRoundAligned(t *testing.T) {
	from, to := round(32, 32)
	if from != 32 || to != 64 {
		t.Fatalf("round(32, 32) = (%d, %d), want (32, 64)", from, to)
	}
}

func TestCleanInvalidateDoNotPanic(t *testing.T) {
	buf := make([]byte, 128)

	Clean(buf)
	Invalidate(buf)
	Clean(nil)
	Invalidate(nil)
}
