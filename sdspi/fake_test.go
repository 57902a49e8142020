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
	"time"

	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/physic"
	"periph.io/x/periph/conn/spi"
)

// fakePin is a minimal gpio.PinIO good enough to stand in for a chip-select
// or card-detect line in tests.
type fakePin struct {
	name  string
	level gpio.Level
	onOut func(gpio.Level)
}

func (p *fakePin) String() string   { return p.name }
func (p *fakePin) Name() string     { return p.name }
func (p *fakePin) Number() int      { return -1 }
func (p *fakePin) Function() string { return "" }
func (p *fakePin) Halt() error      { return nil }

func (p *fakePin) In(gpio.Pull, gpio.Edge) error { return nil }
func (p *fakePin) Read() gpio.Level              { return p.level }
func (p *fakePin) WaitForEdge(time.Duration) bool { return false }
func (p *fakePin) Pull() gpio.Pull               { return gpio.PullNoChange }
func (p *fakePin) DefaultPull() gpio.Pull        { return gpio.PullNoChange }

func (p *fakePin) Out(l gpio.Level) error {
	p.level = l
	if p.onOut != nil {
		p.onOut(l)
	}
	return nil
}
func (p *fakePin) PWM(int) error { return nil }

// cardMode tracks what the simulated card expects next on the wire, beyond
// plain command framing.
type cardMode int

const (
	modeCommand cardMode = iota
	modeWriteData
	modeReadMulti
)

// fakeCard is a byte-level simulation of an SD card in SPI mode: enough of
// the CMD0/CMD8/ACMD41/CMD58/CMD9/CMD10/CMD16/CMD17/CMD18/CMD24/CMD25/CMD12
// flow to drive sdspi's state machine and block I/O engine end to end.
type fakeCard struct {
	sdhc     bool
	legacy   bool     // Ver1.x card: rejects CMD8 as illegal
	blocks   [][]byte // BlockSize each
	cid, csd [16]byte

	stuckBusy bool // hold MISO low forever once a write was accepted
	busyNow   bool

	lastCmd     [6]byte // most recent complete command frame
	lastDataCRC [2]byte // CRC trailer of the most recent write packet

	mode    cardMode
	cmdBuf  []byte
	out     []byte // pending output bytes, drained before generating more 0xFF
	wantLBA uint32
	wantMul bool
	wbuf    []byte

	cs bool

	acmdPending bool
	idleCalls   int // ACMD41 calls remaining before leaving idle
}

func newFakeCard(sdhc bool, numBlocks int) *fakeCard {
	c := &fakeCard{sdhc: sdhc, blocks: make([][]byte, numBlocks)}
	for i := range c.blocks {
		c.blocks[i] = make([]byte, BlockSize)
	}

	c.csd = fakeCSDV2(uint32(numBlocks))
	c.cid = [16]byte{0xAA, 'S', 'D', 'F', 'A', 'K', 'E', '1', 0x01, 0x01, 0x02, 0x03, 0x04, 0, 0, 0}

	return c
}

// fakeCSDV2 builds a CSD v2 register encoding the given capacity, inverting
// parseCSD's decoding. CSD v2 counts capacity in units of 1024 blocks, so
// only non-zero multiples of 1024 round-trip exactly.
func fakeCSDV2(numBlocks uint32) [16]byte {
	var csd [16]byte
	csd[0] = 1 << 6 // structure version 2

	cSize := numBlocks/1024 - 1
	csd[7] = byte(cSize >> 16 & 0x3F)
	csd[8] = byte(cSize >> 8)
	csd[9] = byte(cSize)

	return csd
}

func (c *fakeCard) csPin() *fakePin {
	return &fakePin{name: "CS", level: true, onOut: func(l gpio.Level) {
		c.cs = !bool(l)
	}}
}

// step processes a single byte clocked onto the bus and returns the byte
// simultaneously clocked back, implementing full duplex shift semantics one
// byte at a time regardless of how the caller chunked its Tx call.
func (c *fakeCard) step(in byte) byte {
	if len(c.out) > 0 {
		b := c.out[0]
		c.out = c.out[1:]
		return b
	}

	if c.busyNow {
		return 0x00
	}

	switch c.mode {
	case modeWriteData:
		return c.stepWrite(in)
	case modeReadMulti:
		if in&0xC0 == 0x40 {
			// the host is sending CMD12 (STOP_TRANSMISSION) between blocks.
			c.mode = modeCommand
			return c.stepCommand(in)
		}
		c.out = c.nextMultiBlock()
		b := c.out[0]
		c.out = c.out[1:]
		return b
	default:
		return c.stepCommand(in)
	}
}

// nextMultiBlock builds the token+data+CRC packet for the next block of an
// in-progress CMD18 stream.
func (c *fakeCard) nextMultiBlock() []byte {
	var out []byte

	if int(c.wantLBA) < len(c.blocks) {
		out = append([]byte{tokenStartBlock}, c.blocks[c.wantLBA]...)
		out = append(out, 0xFF, 0xFF)
	} else {
		out = []byte{0x04} // read error token: addressed past capacity
	}

	c.wantLBA++

	return out
}

func (c *fakeCard) stepCommand(in byte) byte {
	if len(c.cmdBuf) == 0 && in&0xC0 != 0x40 {
		return 0xFF
	}

	c.cmdBuf = append(c.cmdBuf, in)
	if len(c.cmdBuf) < 6 {
		return 0xFF
	}

	cmd := c.cmdBuf
	c.cmdBuf = nil
	copy(c.lastCmd[:], cmd)

	index := cmd[0] & 0x3F
	arg := uint32(cmd[1])<<24 | uint32(cmd[2])<<16 | uint32(cmd[3])<<8 | uint32(cmd[4])

	isACMD := c.acmdPending
	c.acmdPending = false

	if isACMD {
		c.dispatchACMD(index, arg)
	} else {
		c.dispatch(index, arg)
	}

	// the byte shifted back while the host clocks out the final frame byte
	// is still a filler; the queued R1 and trailing bytes drain on the
	// reads that follow.
	return 0xFF
}

func (c *fakeCard) dispatch(index byte, arg uint32) {
	switch index {
	case cmdGoIdleState:
		c.out = []byte{r1InIdleState}

	case cmdSendIfCond:
		if c.legacy {
			c.out = []byte{r1InIdleState | r1IllegalCommand}
			break
		}
		c.out = []byte{r1InIdleState, byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg)}

	case cmdAppCmd:
		c.acmdPending = true
		c.out = []byte{r1InIdleState}

	case cmdReadOCR:
		ocr := uint32(0x80000000) // power-up complete
		if c.sdhc {
			ocr |= ocrCCS
		}
		c.out = []byte{0, byte(ocr >> 24), byte(ocr >> 16), byte(ocr >> 8), byte(ocr)}

	case cmdSetBlocklen:
		c.out = []byte{0}

	case cmdSendCSD:
		c.out = append([]byte{0, tokenStartBlock}, append(append([]byte{}, c.csd[:]...), 0xFF, 0xFF)...)

	case cmdSendCID:
		c.out = append([]byte{0, tokenStartBlock}, append(append([]byte{}, c.cid[:]...), 0xFF, 0xFF)...)

	case cmdReadSingleBlock:
		c.out = c.readBlockResponse(c.lba(arg), false)

	case cmdReadMultipleBlock:
		c.out = c.readBlockResponse(c.lba(arg), false)
		c.wantLBA = c.lba(arg) + 1
		c.wantMul = true
		c.mode = modeReadMulti

	case cmdStopTransmission:
		c.wantMul = false
		c.out = []byte{0, 0xFF}

	case cmdWriteBlock:
		c.wantLBA = c.lba(arg)
		c.mode = modeWriteData
		c.wbuf = nil
		c.out = []byte{0}

	case cmdWriteMultiBlock:
		c.wantLBA = c.lba(arg)
		c.mode = modeWriteData
		c.wantMul = true
		c.wbuf = nil
		c.out = []byte{0}

	default:
		c.out = []byte{r1IllegalCommand}
	}
}

func (c *fakeCard) dispatchACMD(index byte, arg uint32) {
	if index != acmdSDSendOpCond {
		c.out = []byte{r1IllegalCommand}
		return
	}

	if c.idleCalls > 0 {
		c.idleCalls--
		c.out = []byte{r1InIdleState}
		return
	}

	c.out = []byte{0}
}

func (c *fakeCard) lba(arg uint32) uint32 {
	if c.sdhc {
		return arg
	}
	return arg / BlockSize
}

func (c *fakeCard) readBlockResponse(lba uint32, multi bool) []byte {
	if int(lba) >= len(c.blocks) {
		return []byte{0, 0x04} // generic read error token
	}

	out := []byte{0, tokenStartBlock}
	out = append(out, c.blocks[lba]...)
	out = append(out, 0xFF, 0xFF)

	return out
}

// stepWrite consumes the token, BlockSize data bytes and 2 CRC bytes of an
// incoming write, then queues the data-response token and a short busy
// window. A stop-tran token between packets ends the multi-write stream
// with a final busy window; 0xFF fillers between packets are ignored.
func (c *fakeCard) stepWrite(in byte) byte {
	if len(c.wbuf) == 0 {
		switch in {
		case tokenStopTran:
			c.mode = modeCommand
			c.wantMul = false
			c.out = []byte{0x00, 0xFF} // busy, then ready
			return 0xFF
		case 0xFF:
			return 0xFF
		}
	}

	c.wbuf = append(c.wbuf, in)

	want := 1 + BlockSize + 2
	if len(c.wbuf) < want {
		return 0xFF
	}

	data := append([]byte{}, c.wbuf[1:1+BlockSize]...)
	c.lastDataCRC = [2]byte{c.wbuf[1+BlockSize], c.wbuf[2+BlockSize]}
	c.wbuf = nil

	if int(c.wantLBA) < len(c.blocks) {
		c.blocks[c.wantLBA] = data
	}
	c.wantLBA++

	if !c.wantMul {
		c.mode = modeCommand
	}

	if c.stuckBusy {
		c.out = []byte{0x05}
		c.busyNow = true
		return 0xFF
	}

	c.out = []byte{0x05, 0x00, 0x00, 0xFF}

	return 0xFF
}

// fakeConn feeds every byte of every Tx call through the card's one-byte-at-
// a-time state machine.
type fakeConn struct {
	card *fakeCard
}

func (f *fakeConn) Tx(w, r []byte) error {
	for i := range w {
		b := f.card.step(w[i])
		if r != nil {
			r[i] = b
		}
	}
	return nil
}

func (f *fakeConn) TxPackets(p []spi.Packet) error {
	for _, pk := range p {
		if err := f.Tx(pk.W, pk.R); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeConn) String() string { return "fakeSPI" }
func (f *fakeConn) Duplex() conn.Duplex { return conn.Full }

type fakePort struct {
	conn *fakeConn
}

func (p *fakePort) String() string { return "fakePort" }
func (p *fakePort) Close() error   { return nil }

func (p *fakePort) Connect(maxHz physic.Frequency, mode spi.Mode, bits int) (spi.Conn, error) {
	return p.conn, nil
}

func (p *fakePort) LimitSpeed(maxHz physic.Frequency) error { return nil }

// newTestHandle wires a Handle against an in-memory card, with DMA disabled
// so every transfer takes the polled path the fake simulates.
func newTestHandle(sdhc bool, numBlocks int) (*Handle, *fakeCard) {
	card := newFakeCard(sdhc, numBlocks)
	port := &fakePort{conn: &fakeConn{card: card}}

	cfg := DefaultConfig()
	cfg.Port = port
	cfg.CS = card.csPin()
	cfg.HasDMA = false
	cfg.UseDMA = false
	cfg.MutexTimeout = 50 * time.Millisecond
	cfg.CmdTimeout = 50 * time.Millisecond
	cfg.DataTokenTimeout = 50 * time.Millisecond
	cfg.WriteBusyTimeout = 50 * time.Millisecond

	h, err := New(cfg)
	if err != nil {
		panic(err)
	}

	return h, card
}
