package sdcard

import (
	"log/slog"

	"github.com/soypat/sdcard/internal/sdproto"
)

// Init runs the card initialization handshake and classifies the card.
// It powers the link at the initialization rate and must be called again after a power cycle
// or card removal. On failure the link is powered off, the card type is
// CardUnknown and StatusNotInitialized stays set; Init may be retried.
func (d *Device) Init() error {
	d.ctype = CardUnknown
	d.status |= StatusNotInitialized
	// Drops the link to the initialization rate even if it was already powered.
	if err := d.PowerOn(); err != nil {
		return err
	}
	if !d.checkPresent() {
		return ErrNotReady
	}
	d.bus.Select()
	ctype, err := d.classify()
	d.release()
	if err != nil {
		d.logerror("init:failed", slog.String("err", err.Error()))
		d.PowerOff()
		return err
	}
	d.ctype = ctype
	d.status &^= StatusNotInitialized
	if wp, ok := d.bus.(WriteProtector); ok && wp.WriteProtected() {
		d.status |= StatusWriteProtected
	} else {
		d.status &^= StatusWriteProtected
	}
	if err := d.bus.Configure(d.maxHz); err != nil {
		d.logerror("init:max-speed", slog.String("err", err.Error()))
		d.PowerOff()
		return err
	}
	d.hz = d.maxHz
	d.info("init:ok", slog.String("type", ctype.String()), slog.Uint64("hz", uint64(d.hz)))
	return nil
}

// PowerOn configures the link at the initialization rate and clocks the card
// into SPI mode. On an already powered link it re-applies the current rate.
func (d *Device) PowerOn() error {
	hz := d.initHz
	if d.power == PowerOn && d.status&StatusNotInitialized == 0 {
		hz = d.hz
	}
	if err := d.bus.Configure(hz); err != nil {
		return err
	}
	d.hz = hz
	d.power = PowerOn
	d.selectSPIMode()
	return nil
}

// PowerOff disables the link and forgets the card classification. It is a no-op when already off.
func (d *Device) PowerOff() error {
	if d.power == PowerOff {
		return nil
	}
	err := d.bus.Configure(0)
	d.power = PowerOff
	d.hz = 0
	d.ctype = CardUnknown
	d.status |= StatusNotInitialized
	return err
}

// Present samples the card detect signal. A removed card powers the link off
// and invalidates the current classification so it is never reused for the next card.
func (d *Device) Present() bool { return d.checkPresent() }

func (d *Device) checkPresent() bool {
	if d.bus.Present() {
		d.status &^= StatusNoDisk
		return true
	}
	if d.status&StatusNoDisk == 0 {
		d.warn("card:removed", slog.String("type", d.ctype.String()))
	}
	// Type, status and power all return to their power up values.
	d.PowerOff()
	d.status |= StatusNoDisk | StatusNotInitialized
	d.ctype = CardUnknown
	return false
}

// selectSPIMode clocks the card with chip select and data in held high. A card
// fresh out of power up needs at least 74 clocks before it accepts a command.
func (d *Device) selectSPIMode() {
	d.bus.Deselect()
	for i := 0; i < spiModeClockBytes; i++ {
		d.recv()
	}
}

func (d *Device) classify() (CardType, error) {
	r1, err := d.command(sdproto.CmdGoIdleState, 0)
	if err != nil {
		return CardUnknown, err
	} else if r1 != sdproto.R1Idle {
		d.debug("init:cmd0", slog.Int("r1", int(r1)))
		return CardUnknown, ErrRejected
	}
	d.bus.Deselect()
	d.waitReady(readyTimeoutMs)
	d.bus.Select()

	r1, err = d.command(sdproto.CmdSendIfCond, sdproto.IfCondPattern)
	if err != nil {
		return CardUnknown, err
	}
	if r1 != sdproto.R1Idle {
		d.debug("init:legacy", slog.Int("r1", int(r1)))
		return d.classifyLegacy()
	}
	var r7 [4]byte
	d.readResponse(&r7)
	if r7[2] != sdproto.IfCondPattern>>8 || r7[3] != sdproto.IfCondPattern&0xff {
		// Version 2 card that can not operate in the offered voltage window.
		d.debug("init:cmd8-echo", slog.Int("vhs", int(r7[2])), slog.Int("pattern", int(r7[3])))
		return CardUnknown, ErrRejected
	}
	return d.classifyV2()
}

func (d *Device) classifyV2() (CardType, error) {
	start := d.clock.Millis()
	for {
		d.waitReady(readyTimeoutMs)
		r1, err := d.appCommand(sdproto.CmdSendOpCondSD, sdproto.OCRHighCapacity)
		if err == nil && r1 == 0 {
			break
		}
		if d.clock.Millis()-start >= opCondTimeoutMs {
			return CardUnknown, ErrTimeout
		}
	}
	r1, err := d.command(sdproto.CmdReadOCR, 0)
	if err != nil {
		return CardUnknown, err
	} else if r1 != 0 {
		return CardUnknown, ErrRejected
	}
	var ocr [4]byte
	d.readResponse(&ocr)
	if OCR(ocr).HighCapacity() {
		return CardSDv2Block, nil
	}
	return CardSDv2Byte, nil
}

func (d *Device) classifyLegacy() (CardType, error) {
	ctype := CardMMC
	if r1, err := d.appCommand(sdproto.CmdSendOpCondSD, 0); err == nil && r1 <= sdproto.R1Idle {
		ctype = CardSDv1
	}
	start := d.clock.Millis()
	for {
		var r1 byte
		var err error
		if ctype == CardSDv1 {
			r1, err = d.appCommand(sdproto.CmdSendOpCondSD, 0)
		} else {
			r1, err = d.command(sdproto.CmdSendOpCondMMC, 0)
		}
		if err == nil && r1 == 0 {
			break
		}
		if d.clock.Millis()-start >= opCondTimeoutMs {
			return CardUnknown, ErrTimeout
		}
	}
	r1, err := d.command(sdproto.CmdSetBlockLen, BlockSize)
	if err != nil {
		return CardUnknown, err
	} else if r1 != 0 {
		return CardUnknown, ErrRejected
	}
	return ctype, nil
}
