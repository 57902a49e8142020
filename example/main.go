// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command sdspi-demo wires an sdspi.Handle to a host SPI port and GPIO
// lines discovered by periph.io's host package, reads the card's CSD and
// CID, and exercises a read/write round trip on the last block of the
// card.
package main

import (
	"bytes"
	"flag"
	"log"

	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi/spireg"
	"periph.io/x/periph/host"

	"github.com/f-secure-foundry/sdspi/diskio"
	"github.com/f-secure-foundry/sdspi/sdspi"
)

func main() {
	spiName := flag.String("spi", "", "SPI port name, e.g. /dev/spidev0.0")
	csName := flag.String("cs", "", "chip select GPIO pin name")
	cdName := flag.String("cd", "", "card detect GPIO pin name (optional)")
	flag.Parse()

	if _, err := host.Init(); err != nil {
		log.Fatalf("host.Init: %v", err)
	}

	port, err := spireg.Open(*spiName)
	if err != nil {
		log.Fatalf("spireg.Open(%q): %v", *spiName, err)
	}
	defer port.Close()

	cs := gpioreg.ByName(*csName)
	if cs == nil {
		log.Fatalf("no such GPIO pin %q", *csName)
	}

	cfg := sdspi.DefaultConfig()
	cfg.Port = port
	cfg.CS = cs
	cfg.ClockHz = 25 * physic.MegaHertz
	cfg.Logger = log.Default()

	if *cdName != "" {
		cd := gpioreg.ByName(*cdName)
		if cd == nil {
			log.Fatalf("no such GPIO pin %q", *cdName)
		}
		cfg.CardDetect = cd
		cfg.CardDetectLow = true
	}

	h, err := sdspi.New(cfg)
	if err != nil {
		log.Fatalf("sdspi.New: %v", err)
	}
	defer h.Close()

	if err := h.Initialize(); err != nil {
		log.Fatalf("Initialize: %v", err)
	}

	info := h.Info()
	log.Printf("card type %s, %d blocks (%d MiB)", info.Type, info.CapacityBlocks,
		uint64(info.CapacityBlocks)*sdspi.BlockSize/1024/1024)

	cid, err := h.CID()
	if err != nil {
		log.Fatalf("CID: %v", err)
	}
	log.Printf("manufacturer %#02x product %q serial %08x", cid.ManufacturerID, cid.ProductName, cid.SerialNumber)

	diskio.Bind(h)

	last := info.CapacityBlocks - 1

	want := make([]byte, sdspi.BlockSize)
	for i := range want {
		want[i] = byte(i)
	}

	if err := h.WriteBlocks(last, want); err != nil {
		log.Fatalf("WriteBlocks: %v", err)
	}

	got := make([]byte, sdspi.BlockSize)
	if err := h.ReadBlocks(last, got); err != nil {
		log.Fatalf("ReadBlocks: %v", err)
	}

	if !bytes.Equal(want, got) {
		log.Fatalf("round trip mismatch on block %d", last)
	}

	log.Printf("round trip ok, stats: %+v", h.Stats())
}
