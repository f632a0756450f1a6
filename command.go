package sdcard

import (
	"log/slog"

	"github.com/soypat/sdcard/internal/sdproto"
)

func (d *Device) recv() byte { return d.bus.Exchange(sdproto.Idle) }

func (d *Device) send(b byte) { d.bus.Exchange(b) }

// release deselects the card and clocks one more byte so it lets go of the data out line.
func (d *Device) release() {
	d.bus.Deselect()
	d.recv()
}

// waitReady clocks idle bytes until the card stops holding the data line low.
func (d *Device) waitReady(timeoutMs uint64) bool {
	start := d.clock.Millis()
	d.recv()
	for {
		if d.recv() == sdproto.Idle {
			return true
		}
		if d.clock.Millis()-start >= timeoutMs {
			return false
		}
	}
}

// command sends a command frame and returns its R1 response. R1None is
// returned when the card never answered; callers treat it as a rejection.
// ErrTimeout is returned when the card stayed busy and the frame was never sent.
func (d *Device) command(index uint8, arg uint32) (r1 byte, err error) {
	if !d.waitReady(readyTimeoutMs) {
		d.debug("cmd:not-ready", slog.Int("cmd", int(index)))
		return sdproto.R1None, ErrTimeout
	}
	// Only commands that may be sent while the card still checks CRC are sealed.
	seal := index == sdproto.CmdGoIdleState || index == sdproto.CmdSendIfCond || index == sdproto.CmdSendOpCondSD
	sdproto.PutFrame(&d.frame, index, arg, seal)
	for _, b := range d.frame {
		d.send(b)
	}
	if index == sdproto.CmdStopTransmission {
		d.recv() // Stuff byte.
	}
	for i := 0; i < responsePollTries; i++ {
		r1 = d.recv()
		if r1&0x80 == 0 {
			return r1, nil
		}
	}
	return sdproto.R1None, nil
}

// appCommand sends CMD55 followed by the application specific command.
// The CMD55 response is returned if it was neither ready nor idle.
func (d *Device) appCommand(index uint8, arg uint32) (r1 byte, err error) {
	r1, err = d.command(sdproto.CmdAppCmd, 0)
	if err != nil || r1 > sdproto.R1Idle {
		return r1, err
	}
	return d.command(index, arg)
}

// stopTransmission terminates a multi block read. It is the only command sent
// while the card is streaming, so it skips the ready wait. Some cards omit the
// idle gap before the response, so a fixed number of bytes is read and the
// last non idle byte is taken as R1.
func (d *Device) stopTransmission() (r1 byte) {
	sdproto.PutFrame(&d.frame, sdproto.CmdStopTransmission, 0, false)
	for _, b := range d.frame {
		d.send(b)
	}
	for i := 0; i < stopResponseTrials; i++ {
		if v := d.recv(); v != sdproto.Idle {
			r1 = v
		}
	}
	return r1
}

// readResponse reads the trailing bytes of an R3 or R7 response into dst.
func (d *Device) readResponse(dst *[4]byte) {
	for i := range dst {
		dst[i] = d.recv()
	}
}
