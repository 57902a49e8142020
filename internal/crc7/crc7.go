// SD/MMC card driver, SPI mode
// https://github.com/f-secure-foundry/sdspi
//
// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package crc7 computes the 7-bit CRC used to frame SD/MMC commands.
//
// SPI mode bypasses CRC verification for every command except CMD0 and
// CMD8, whose values (0x95, 0x87) are well known constants. This package
// exists only for hosts that issue CMD59 (CRC_ON_OFF) and therefore need
// genuine CRC7 values on every command.
package crc7

// table is the standard CRC-7/MMC table (polynomial 0x09, as used for the
// SD/MMC command CRC, p43 4.5 CRC, SD-PL-7.10).
var table [256]byte

func init() {
	const poly = 0x09

	for i := 0; i < 256; i++ {
		crc := byte(i)
		for bit := 0; bit < 8; bit++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ (poly << 1)
			} else {
				crc = crc << 1
			}
		}
		table[i] = crc
	}
}

// Checksum computes the CRC7 of data and returns it left-shifted by one bit
// with the end bit set, ready to be placed as the final byte of an SD
// command packet.
func Checksum(data []byte) byte {
	var crc byte

	for _, b := range data {
		crc = table[crc^b]
	}

	return crc | 0x01
}
