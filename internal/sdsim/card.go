/*
package sdsim simulates an SD or MMC card at the byte level of the SPI-mode
protocol. A *Card implements the driver's Transport, Clock and WriteProtector
contracts so the driver can be exercised without hardware: every byte the host
exchanges is parsed as it would be by a real card, and the card answers with
R1/R3/R7 responses, data tokens, data packets and busy signalling.

Time is virtual: each exchanged byte advances the card's clock by eight bit
periods at the configured link rate, so timeouts in the driver can be tested
deterministically.
*/
package sdsim

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"

	"github.com/soypat/sdcard/internal/sdproto"
)

const SectorSize = sdproto.BlockSize

// Kind selects the card generation being simulated.
type Kind uint8

const (
	KindMMC       Kind = iota
	KindSDv1           // SD version 1.x, byte addressed.
	KindSDv2Byte       // SD version 2 standard capacity, byte addressed.
	KindSDv2Block      // SDHC/SDXC, block addressed.
)

func (k Kind) isSD() bool { return k != KindMMC }
func (k Kind) isV2() bool { return k == KindSDv2Byte || k == KindSDv2Block }

// Faults injects misbehavior. Fields may be changed at any time.
type Faults struct {
	// NeverReady holds the data out line low forever while selected.
	NeverReady bool
	// RejectAll answers every command with an illegal command response.
	RejectAll bool
	// Mute never answers any command.
	Mute bool
	// BadReadToken sends an error token in place of the start block token.
	BadReadToken bool
	// NoDataToken answers read commands but never sends the data packet.
	NoDataToken bool
	// IfCondMismatch corrupts the check pattern echoed by CMD8.
	IfCondMismatch bool
	// RejectWriteBlock rejects the nth (1 based) data block of every write. 0 disables.
	RejectWriteBlock int
	// OpCondPolls is the number of ACMD41/CMD1 polls answered with the idle bit
	// set before the card reports it finished initializing.
	OpCondPolls int
	// Busy makes the transport report an in flight transfer.
	Busy bool
}

// Config configures a new Card.
type Config struct {
	Kind    Kind
	Storage Storage
	// Sectors is the advertised capacity. It is rounded down to what the CSD can encode.
	Sectors uint32
	// BusyBytes is the number of busy bytes after each programmed block. Defaults to 4.
	BusyBytes int
	// Serial is reported in the CID.
	Serial uint32
	Logger *slog.Logger
}

// Command is a command frame received by the card.
type Command struct {
	Index uint8
	Arg   uint32
	App   bool // Preceded by CMD55.
	CRC   byte
}

type mode uint8

const (
	modeCommand mode = iota
	modeWriteToken
	modeWriteData
	modeReadStream
)

// Card is a simulated SPI-mode card. It is not safe for concurrent use.
type Card struct {
	Faults Faults

	kind      Kind
	store     Storage
	sectors   uint32
	busyBytes int
	serial    uint32
	log       *slog.Logger

	present  bool
	wp       bool
	selected bool
	hz       uint32
	ns       uint64

	// Card protocol state.
	idle    bool
	appNext bool
	polls   int
	mode    mode
	multi   bool
	sector  uint32 // Next sector of a read stream or write.
	block   int    // Blocks received in the current write.
	wbuf    [SectorSize + 2]byte
	wpos    int
	eraseLo uint32
	eraseHi uint32

	frame  [sdproto.FrameLen]byte
	nframe int
	tx     []byte
	busy   int

	cmds   []Command
	tokens []byte
}

var (
	errNoStorage = errors.New("sdsim: nil storage")
	errCapacity  = errors.New("sdsim: capacity too small for card kind")
)

// New returns a powered down, present card.
func New(cfg Config) (*Card, error) {
	if cfg.Storage == nil {
		return nil, errNoStorage
	}
	c := &Card{
		kind:      cfg.Kind,
		store:     cfg.Storage,
		sectors:   cfg.Sectors,
		busyBytes: cfg.BusyBytes,
		serial:    cfg.Serial,
		log:       cfg.Logger,
		present:   true,
	}
	if c.busyBytes <= 0 {
		c.busyBytes = 4
	}
	if c.kind == KindSDv2Block {
		c.sectors &^= 1023
	} else if c.sectors >= 4 {
		csize, mult := csdV1Size(c.sectors)
		c.sectors = (uint32(csize) + 1) << (mult + 2)
	} else {
		c.sectors = 0
	}
	if c.sectors == 0 {
		return nil, errCapacity
	}
	c.reset()
	return c, nil
}

// Sectors returns the capacity the card advertises.
func (c *Card) Sectors() uint32 { return c.sectors }

// Kind returns the simulated card generation.
func (c *Card) Kind() Kind { return c.kind }

// Hz returns the configured link rate. 0 means powered off.
func (c *Card) Hz() uint32 { return c.hz }

// Selected reports whether chip select is asserted.
func (c *Card) Selected() bool { return c.selected }

// Commands returns the command frames received since the last ResetLog.
func (c *Card) Commands() []Command { return c.cmds }

// Tokens returns the write data tokens received since the last ResetLog.
func (c *Card) Tokens() []byte { return c.tokens }

// ResetLog clears the command and token logs.
func (c *Card) ResetLog() {
	c.cmds = c.cmds[:0]
	c.tokens = c.tokens[:0]
}

// SetPresent inserts or removes the card. Removal discards all protocol state.
func (c *Card) SetPresent(present bool) {
	c.present = present
	if !present {
		c.reset()
	}
}

// SetWriteProtected moves the socket's write protect switch.
func (c *Card) SetWriteProtected(wp bool) { c.wp = wp }

// reset returns the card to its power up state.
func (c *Card) reset() {
	c.idle = true
	c.appNext = false
	c.polls = 0
	c.abort()
	c.busy = 0
}

// abort drops any in progress frame, response or data phase.
func (c *Card) abort() {
	c.mode = modeCommand
	c.nframe = 0
	c.tx = c.tx[:0]
}

func (c *Card) Select() { c.selected = true }

func (c *Card) Deselect() {
	c.selected = false
	c.abort()
}

func (c *Card) Configure(hz uint32) error {
	if hz == 0 && c.hz != 0 {
		c.reset()
	}
	c.hz = hz
	return nil
}

func (c *Card) Busy() bool {
	if c.Faults.Busy {
		c.ns += 1_000_000
	}
	return c.Faults.Busy
}

func (c *Card) Present() bool { return c.present }

func (c *Card) WriteProtected() bool { return c.wp }

// Millis returns the card's virtual time.
func (c *Card) Millis() uint64 { return c.ns / 1_000_000 }

// Exchange clocks one byte in each direction. The byte returned was queued by
// earlier traffic; out is processed afterwards.
func (c *Card) Exchange(out byte) (in byte) {
	if c.hz == 0 {
		c.ns += 1000
		return sdproto.Idle
	}
	c.ns += 8_000_000_000 / uint64(c.hz)
	if !c.present {
		return sdproto.Idle
	}
	if !c.selected {
		if c.busy > 0 {
			c.busy--
		}
		return sdproto.Idle
	}
	in = c.next()
	c.consume(out)
	return in
}

func (c *Card) next() byte {
	if c.Faults.NeverReady {
		return 0
	}
	if len(c.tx) == 0 && c.busy > 0 {
		c.busy--
		return 0
	}
	if len(c.tx) == 0 && c.mode == modeReadStream {
		c.queueSector()
	}
	if len(c.tx) == 0 {
		return sdproto.Idle
	}
	b := c.tx[0]
	c.tx = c.tx[1:]
	return b
}

func (c *Card) consume(out byte) {
	switch c.mode {
	case modeWriteToken:
		c.writeToken(out)
		return
	case modeWriteData:
		c.wbuf[c.wpos] = out
		c.wpos++
		if c.wpos == len(c.wbuf) {
			c.commitBlock()
		}
		return
	}
	if c.nframe == 0 && out&0xc0 != sdproto.CmdStart {
		return
	}
	c.frame[c.nframe] = out
	c.nframe++
	if c.nframe == sdproto.FrameLen {
		c.nframe = 0
		c.command()
	}
}

func (c *Card) r1() byte {
	if c.idle {
		return sdproto.R1Idle
	}
	return 0
}

func (c *Card) respond(b ...byte) {
	c.tx = append(c.tx, sdproto.Idle) // Ncr gap.
	c.tx = append(c.tx, b...)
}

func (c *Card) command() {
	cmd := Command{
		Index: c.frame[0] & sdproto.CmdIndexMask,
		Arg:   binary.BigEndian.Uint32(c.frame[1:5]),
		App:   c.appNext,
		CRC:   c.frame[5],
	}
	c.appNext = false
	c.cmds = append(c.cmds, cmd)
	c.debug("sim:cmd", slog.Int("cmd", int(cmd.Index)), slog.Uint64("arg", uint64(cmd.Arg)), slog.Bool("app", cmd.App))
	if cmd.Index == sdproto.CmdStopTransmission {
		c.stop()
		return
	}
	c.tx = c.tx[:0]
	switch {
	case c.Faults.Mute:
		return
	case c.Faults.RejectAll:
		c.respond(c.r1() | sdproto.R1IllegalCmd)
		return
	}
	sealed := cmd.Index == sdproto.CmdGoIdleState || cmd.Index == sdproto.CmdSendIfCond
	if sealed && cmd.CRC != sdproto.CRC7(c.frame[:5]) {
		c.respond(c.r1() | sdproto.R1CRCError)
		return
	}
	illegal := c.r1() | sdproto.R1IllegalCmd
	switch cmd.Index {
	case sdproto.CmdGoIdleState:
		c.reset()
		c.respond(sdproto.R1Idle)
	case sdproto.CmdSendIfCond:
		if !c.kind.isV2() {
			c.respond(illegal)
			return
		}
		pattern := byte(cmd.Arg)
		if c.Faults.IfCondMismatch {
			pattern = ^pattern
		}
		c.respond(c.r1(), 0, 0, byte(cmd.Arg>>8)&0x0f, pattern)
	case sdproto.CmdAppCmd:
		if !c.kind.isSD() {
			c.respond(illegal)
			return
		}
		c.appNext = true
		c.respond(c.r1())
	case sdproto.CmdSendOpCondSD:
		if !cmd.App || !c.kind.isSD() {
			c.respond(illegal)
			return
		}
		c.opCond()
	case sdproto.CmdSendOpCondMMC:
		c.opCond()
	case sdproto.CmdReadOCR:
		ocr := c.ocr()
		c.respond(c.r1(), ocr[0], ocr[1], ocr[2], ocr[3])
	default:
		if c.idle {
			c.respond(illegal)
			return
		}
		c.transferCommand(cmd)
	}
}

func (c *Card) opCond() {
	if c.polls < c.Faults.OpCondPolls {
		c.polls++
		c.respond(sdproto.R1Idle)
		return
	}
	c.idle = false
	c.respond(0)
}

func (c *Card) ocr() [4]byte {
	// 2.7V to 3.6V window.
	ocr := [4]byte{0, 0xff, 0x80, 0}
	if !c.idle {
		ocr[0] |= 0x80
		if c.kind == KindSDv2Block {
			ocr[0] |= 0x40
		}
	}
	return ocr
}

// sectorOf converts a command argument into a sector number. ok is false for
// byte addresses that are not sector aligned.
func (c *Card) sectorOf(arg uint32) (sector uint32, ok bool) {
	if c.kind == KindSDv2Block {
		return arg, true
	}
	return arg / SectorSize, arg%SectorSize == 0
}

func (c *Card) transferCommand(cmd Command) {
	switch cmd.Index {
	case sdproto.CmdSetBlockLen:
		if cmd.Arg != SectorSize {
			c.respond(sdproto.R1ParamError)
			return
		}
		c.respond(0)
	case sdproto.CmdSendCSD:
		csd := c.csd()
		c.respond(0)
		c.queuePacket(csd[:])
	case sdproto.CmdSendCID:
		cid := c.cid()
		c.respond(0)
		c.queuePacket(cid[:])
	case sdproto.CmdSetWrBlkEraseCnt:
		if !cmd.App {
			c.respond(sdproto.R1IllegalCmd)
			return
		}
		c.respond(0)
	case sdproto.CmdReadSingleBlock, sdproto.CmdReadMultiBlock,
		sdproto.CmdWriteBlock, sdproto.CmdWriteMultiBlock:
		sector, ok := c.sectorOf(cmd.Arg)
		if !ok {
			c.respond(sdproto.R1AddressError)
			return
		} else if sector >= c.sectors {
			c.respond(sdproto.R1ParamError)
			return
		}
		c.respond(0)
		c.sector = sector
		c.multi = cmd.Index == sdproto.CmdReadMultiBlock || cmd.Index == sdproto.CmdWriteMultiBlock
		switch cmd.Index {
		case sdproto.CmdReadSingleBlock:
			c.queueSector()
		case sdproto.CmdReadMultiBlock:
			c.mode = modeReadStream
		default:
			c.block = 0
			c.mode = modeWriteToken
		}
	case sdproto.CmdEraseWrBlkStart, sdproto.CmdEraseWrBlkEnd:
		sector, ok := c.sectorOf(cmd.Arg)
		if !ok || sector >= c.sectors {
			c.respond(sdproto.R1AddressError)
			return
		}
		if cmd.Index == sdproto.CmdEraseWrBlkStart {
			c.eraseLo = sector
		} else {
			c.eraseHi = sector
		}
		c.respond(0)
	case sdproto.CmdErase:
		if c.eraseHi < c.eraseLo {
			c.respond(sdproto.R1EraseSeqError)
			return
		}
		if c.wp {
			c.respond(sdproto.R1EraseReset)
			return
		}
		var zero [SectorSize]byte
		for s := c.eraseLo; s <= c.eraseHi; s++ {
			if _, err := c.store.WriteAt(zero[:], int64(s)*SectorSize); err != nil {
				c.debug("sim:erase-storage", slog.Uint64("sector", uint64(s)), slog.String("err", err.Error()))
				c.respond(sdproto.R1ParamError)
				return
			}
		}
		c.respond(0)
		c.busy = c.busyBytes * int(c.eraseHi-c.eraseLo+1)
	default:
		c.respond(sdproto.R1IllegalCmd)
	}
}

// stop handles CMD12. The card ends any read stream, sends one stuff byte and then R1.
func (c *Card) stop() {
	c.mode = modeCommand
	c.tx = append(c.tx[:0], 0x5a, sdproto.Idle, 0)
}

// queuePacket queues a data packet: start token, payload and CRC16. CRC is not
// checked in SPI mode unless enabled with CMD59, so zeros are sent.
func (c *Card) queuePacket(payload []byte) {
	switch {
	case c.Faults.NoDataToken:
		return
	case c.Faults.BadReadToken:
		c.tx = append(c.tx, sdproto.Idle, 0x01) // Error token: generic error.
		return
	}
	c.tx = append(c.tx, sdproto.Idle, sdproto.TokenStartBlock)
	c.tx = append(c.tx, payload...)
	c.tx = append(c.tx, 0, 0)
}

func (c *Card) queueSector() {
	if c.sector >= c.sectors {
		c.tx = append(c.tx, sdproto.Idle, 0x08) // Error token: out of range.
		c.mode = modeCommand
		return
	}
	var buf [SectorSize]byte
	if _, err := c.store.ReadAt(buf[:], int64(c.sector)*SectorSize); err != nil {
		c.debug("sim:read-storage", slog.Uint64("sector", uint64(c.sector)), slog.String("err", err.Error()))
		c.tx = append(c.tx, sdproto.Idle, 0x01) // Error token: generic error.
		c.mode = modeCommand
		return
	}
	c.sector++
	c.queuePacket(buf[:])
}

func (c *Card) writeToken(out byte) {
	switch {
	case out == sdproto.Idle:
		return
	case !c.multi && out == sdproto.TokenStartBlock,
		c.multi && out == sdproto.TokenMultiWrite:
		c.tokens = append(c.tokens, out)
		c.mode = modeWriteData
		c.wpos = 0
	case c.multi && out == sdproto.TokenStopTran:
		c.tokens = append(c.tokens, out)
		c.mode = modeCommand
		c.tx = append(c.tx, sdproto.Idle)
		c.busy = c.busyBytes
	}
}

func (c *Card) commitBlock() {
	c.block++
	reject := c.wp || c.block == c.Faults.RejectWriteBlock || c.sector >= c.sectors
	if !reject {
		if _, err := c.store.WriteAt(c.wbuf[:SectorSize], int64(c.sector)*SectorSize); err != nil {
			c.debug("sim:write-storage", slog.Uint64("sector", uint64(c.sector)), slog.String("err", err.Error()))
			reject = true
		}
	}
	if reject {
		c.debug("sim:write-reject", slog.Uint64("sector", uint64(c.sector)))
		c.tx = append(c.tx, 0xe0|sdproto.DataResponseWriteErr)
	} else {
		c.sector++
		c.tx = append(c.tx, 0xe0|sdproto.DataResponseAccepted)
		c.busy = c.busyBytes
	}
	if c.multi {
		c.mode = modeWriteToken
	} else {
		c.mode = modeCommand
	}
}

func (c *Card) debug(msg string, attrs ...slog.Attr) {
	if c.log != nil {
		c.log.LogAttrs(context.Background(), slog.LevelDebug, msg, attrs...)
	}
}
