package sdcard

import (
	"log/slog"
	"math"

	"github.com/soypat/sdcard/internal/sdproto"
)

// receiveBlock reads a data packet into dst. The two trailing CRC bytes are
// discarded unverified. dst contents are unspecified on failure.
func (d *Device) receiveBlock(dst []byte) error {
	start := d.clock.Millis()
	token := d.recv()
	for token == sdproto.Idle && d.clock.Millis()-start < tokenTimeoutMs {
		token = d.recv()
	}
	if token == sdproto.Idle {
		return ErrTimeout
	} else if token != sdproto.TokenStartBlock {
		d.debug("rx:token", slog.Int("token", int(token)))
		return ErrRejected // Error token.
	}
	for i := range dst {
		dst[i] = d.recv()
	}
	d.recv() // CRC.
	d.recv()
	return nil
}

// transmitBlock sends token followed by one sector from src and checks the data
// response. The stop token carries no payload and src is ignored.
func (d *Device) transmitBlock(src []byte, token byte) error {
	if !d.waitReady(readyTimeoutMs) {
		return ErrTimeout
	}
	d.send(token)
	if token == sdproto.TokenStopTran {
		return nil
	}
	for _, b := range src[:BlockSize] {
		d.send(b)
	}
	d.send(sdproto.Idle) // Dummy CRC.
	d.send(sdproto.Idle)
	resp := d.recv()
	if resp&sdproto.DataResponseMask != sdproto.DataResponseAccepted {
		d.debug("tx:data-response", slog.Int("resp", int(resp)))
		return ErrRejected
	}
	return nil
}

// address converts a sector number into the command argument for the current
// card: block addressed cards take the sector itself, all others take its byte offset.
// Writing a byte offset to a block addressed card, or vice versa, silently
// corrupts data with no protocol error.
func (d *Device) address(sector int64, count int) (uint32, bool) {
	last := sector + int64(count) - 1
	if sector < 0 || count < 1 || last < sector {
		return 0, false
	}
	if d.ctype.BlockAddressed() {
		return uint32(sector), last <= math.MaxUint32
	}
	return uint32(sector) * BlockSize, last <= math.MaxUint32/BlockSize
}

// readSectors reads len(dst)/BlockSize consecutive sectors in one round trip.
func (d *Device) readSectors(dst []byte, sector int64) error {
	count := len(dst) / BlockSize
	addr, ok := d.address(sector, count)
	if !ok {
		return ErrParameter
	}
	done := 0
	d.bus.Select()
	var r1 byte
	var err error
	if count == 1 {
		r1, err = d.command(sdproto.CmdReadSingleBlock, addr)
		if err == nil && r1 != 0 {
			err = ErrRejected
		}
		if err == nil {
			err = d.receiveBlock(dst[:BlockSize])
		}
		if err == nil {
			done = 1
		}
	} else {
		r1, err = d.command(sdproto.CmdReadMultiBlock, addr)
		if err == nil && r1 != 0 {
			err = ErrRejected
		}
		if err == nil {
			for done < count {
				err = d.receiveBlock(dst[done*BlockSize : (done+1)*BlockSize])
				if err != nil {
					break
				}
				done++
			}
			if r1 := d.stopTransmission(); r1 != 0 {
				d.debug("rx:cmd12", slog.Int("r1", int(r1)))
			}
		}
	}
	d.release()
	if err == nil {
		err = d.waitFinished()
	}
	if err != nil {
		d.logerror("read:failed", slog.Int64("sector", sector), slog.Int("count", count), slog.Int("done", done), slog.Int("r1", int(r1)))
		return &TransferError{Op: "read", Sector: sector, Count: count, Done: done, Err: err}
	}
	return nil
}

// writeSectors writes len(src)/BlockSize consecutive sectors in one round trip.
func (d *Device) writeSectors(src []byte, sector int64) error {
	count := len(src) / BlockSize
	addr, ok := d.address(sector, count)
	if !ok {
		return ErrParameter
	}
	done := 0
	d.bus.Select()
	var r1 byte
	var err error
	if count == 1 {
		r1, err = d.command(sdproto.CmdWriteBlock, addr)
		if err == nil && r1 != 0 {
			err = ErrRejected
		}
		if err == nil {
			err = d.transmitBlock(src[:BlockSize], sdproto.TokenStartBlock)
		}
		if err == nil {
			done = 1
		}
	} else {
		if d.ctype.IsSD() {
			// Pre-erase hint. Cards that refuse it still accept the write.
			if r1, err := d.appCommand(sdproto.CmdSetWrBlkEraseCnt, uint32(count)); err != nil || r1 != 0 {
				d.debug("tx:acmd23", slog.Int("r1", int(r1)))
			}
		}
		r1, err = d.command(sdproto.CmdWriteMultiBlock, addr)
		if err == nil && r1 != 0 {
			err = ErrRejected
		}
		if err == nil {
			for done < count {
				err = d.transmitBlock(src[done*BlockSize:(done+1)*BlockSize], sdproto.TokenMultiWrite)
				if err != nil {
					break
				}
				done++
			}
			stopErr := d.transmitBlock(nil, sdproto.TokenStopTran)
			if err == nil {
				err = stopErr
			}
		}
	}
	d.release()
	if err == nil {
		err = d.waitFinished()
	}
	if err != nil {
		d.logerror("write:failed", slog.Int64("sector", sector), slog.Int("count", count), slog.Int("done", done), slog.Int("r1", int(r1)))
		return &TransferError{Op: "write", Sector: sector, Count: count, Done: done, Err: err}
	}
	return nil
}

// erase erases count sectors starting at sector.
func (d *Device) erase(sector int64, count int) error {
	first, ok := d.address(sector, count)
	if !ok {
		return ErrParameter
	}
	last, _ := d.address(sector+int64(count)-1, 1)
	d.bus.Select()
	var err error
	for _, c := range [...]struct {
		index uint8
		arg   uint32
	}{
		{sdproto.CmdEraseWrBlkStart, first},
		{sdproto.CmdEraseWrBlkEnd, last},
		{sdproto.CmdErase, 0},
	} {
		var r1 byte
		r1, err = d.command(c.index, c.arg)
		if err == nil && r1 != 0 {
			err = ErrRejected
		}
		if err != nil {
			break
		}
	}
	if err == nil && !d.waitReady(eraseTimeoutMs) {
		err = ErrTimeout
	}
	d.release()
	if err != nil {
		d.logerror("erase:failed", slog.Int64("sector", sector), slog.Int("count", count))
		return &TransferError{Op: "erase", Sector: sector, Count: count, Err: err}
	}
	return nil
}

// readRegister reads a 16 byte register (CSD or CID) sent as a data packet.
func (d *Device) readRegister(index uint8, dst *[16]byte) error {
	d.bus.Select()
	r1, err := d.command(index, 0)
	if err == nil && r1 != 0 {
		err = ErrRejected
	}
	if err == nil {
		err = d.receiveBlock(dst[:])
	}
	d.release()
	return err
}

func (d *Device) readOCR(dst *[4]byte) error {
	d.bus.Select()
	r1, err := d.command(sdproto.CmdReadOCR, 0)
	if err == nil && r1 != 0 {
		err = ErrRejected
	}
	if err == nil {
		d.readResponse(dst)
	}
	d.release()
	return err
}

// sync waits until the card finishes any internal programming.
func (d *Device) sync() error {
	d.bus.Select()
	ok := d.waitReady(readyTimeoutMs)
	d.release()
	if !ok {
		return ErrTimeout
	}
	return nil
}

// waitFinished waits for the transport to drain its in flight transfer.
func (d *Device) waitFinished() error {
	start := d.clock.Millis()
	for d.bus.Busy() {
		if d.clock.Millis()-start >= finishedTimeoutMs {
			return ErrTimeout
		}
	}
	return nil
}
