package sdcard

import (
	"log/slog"

	"github.com/soypat/sdcard/internal/sdproto"
)

// IoctlOp is a drive control code accepted by [Device.Ioctl].
type IoctlOp uint8

const (
	IoctlPowerOff   IoctlOp = iota // Disable the link.
	IoctlPowerOn                   // Enable the link at the initialization rate.
	IoctlPowerGet                  // Returns 1 when the link is powered.
	IoctlBlockCount                // Returns the capacity in sectors.
	IoctlBlockSize                 // Returns 512.
	IoctlSync                      // Wait for the card to finish programming.
	IoctlGetCSD                    // Copy the raw CSD into arg, which must hold 16 bytes.
	IoctlGetCID                    // Copy the raw CID into arg, which must hold 16 bytes.
	IoctlGetOCR                    // Copy the raw OCR into arg, which must hold 4 bytes.
	IoctlInit                      // Run Init and return the resulting Status.
	IoctlDeinit                    // Power off and forget the card.
)

func (op IoctlOp) String() string {
	switch op {
	case IoctlPowerOff:
		return "power-off"
	case IoctlPowerOn:
		return "power-on"
	case IoctlPowerGet:
		return "power-get"
	case IoctlBlockCount:
		return "block-count"
	case IoctlBlockSize:
		return "block-size"
	case IoctlSync:
		return "sync"
	case IoctlGetCSD:
		return "get-csd"
	case IoctlGetCID:
		return "get-cid"
	case IoctlGetOCR:
		return "get-ocr"
	case IoctlInit:
		return "init"
	case IoctlDeinit:
		return "deinit"
	}
	return "unknown"
}

// Ioctl performs a drive control operation. Power, init and deinit codes work
// in any state; the rest need an initialized card and fail with ErrNotReady
// otherwise. Unknown codes fail with ErrParameter.
func (d *Device) Ioctl(op IoctlOp, arg []byte) (int64, error) {
	switch op {
	case IoctlPowerOff, IoctlDeinit:
		return 0, d.PowerOff()
	case IoctlPowerOn:
		return 0, d.PowerOn()
	case IoctlPowerGet:
		if d.power == PowerOn {
			return 1, nil
		}
		return 0, nil
	case IoctlInit:
		err := d.Init()
		return int64(d.status), err
	case IoctlBlockCount, IoctlBlockSize, IoctlSync, IoctlGetCSD, IoctlGetCID, IoctlGetOCR:
	default:
		d.debug("ioctl:unknown", slog.Int("op", int(op)))
		return 0, ErrParameter
	}

	if err := d.ready(); err != nil {
		return 0, err
	}
	switch op {
	case IoctlBlockSize:
		return BlockSize, nil
	case IoctlSync:
		return 0, d.sync()
	case IoctlBlockCount:
		var raw [16]byte
		if err := d.readRegister(sdproto.CmdSendCSD, &raw); err != nil {
			return 0, err
		}
		return int64(DecodeCSD(raw).SectorCount()), nil
	case IoctlGetCSD, IoctlGetCID:
		if len(arg) < 16 {
			return 0, ErrParameter
		}
		index := uint8(sdproto.CmdSendCSD)
		if op == IoctlGetCID {
			index = sdproto.CmdSendCID
		}
		err := d.readRegister(index, (*[16]byte)(arg))
		return 16, err
	default: // IoctlGetOCR.
		if len(arg) < 4 {
			return 0, ErrParameter
		}
		err := d.readOCR((*[4]byte)(arg))
		return 4, err
	}
}
