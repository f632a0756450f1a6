package sdcard

import (
	"log/slog"
	"math"

	"github.com/soypat/sdcard/internal/sdproto"
)

// Info summarizes an initialized card.
type Info struct {
	Type        CardType
	Sectors     uint32 // Capacity in 512 byte sectors.
	CSDVersion  int
	MaxRate     uint32 // Maximum transfer rate advertised by the CSD in bits per second.
	LinkHz      uint32 // Current link rate.
	WriteLocked bool   // Write protect switch or CSD write protect bits.
}

// ready fails fast with ErrNotReady before any byte is sent to an absent or
// uninitialized card.
func (d *Device) ready() error {
	if !d.checkPresent() || d.power == PowerOff || d.status&StatusNotInitialized != 0 {
		return ErrNotReady
	}
	return nil
}

func checkTransfer(buf []byte, startBlock int64) error {
	if len(buf) == 0 || len(buf)%BlockSize != 0 || startBlock < 0 {
		return ErrParameter
	}
	return nil
}

// ReadBlocks reads len(dst)/512 consecutive sectors starting at startBlock.
// len(dst) must be a positive multiple of [BlockSize].
func (d *Device) ReadBlocks(dst []byte, startBlock int64) error {
	if err := checkTransfer(dst, startBlock); err != nil {
		return err
	} else if err = d.ready(); err != nil {
		return err
	}
	d.debug("sd:read", slog.Int64("sector", startBlock), slog.Int("count", len(dst)/BlockSize))
	return d.readAligned(dst, startBlock)
}

// WriteBlocks writes len(data)/512 consecutive sectors starting at startBlock.
// When a multi sector write fails the returned error is a [*TransferError]
// reporting how many sectors the card accepted.
func (d *Device) WriteBlocks(data []byte, startBlock int64) error {
	if err := checkTransfer(data, startBlock); err != nil {
		return err
	} else if err = d.ready(); err != nil {
		return err
	} else if d.status&StatusWriteProtected != 0 {
		return ErrWriteProtected
	}
	d.debug("sd:write", slog.Int64("sector", startBlock), slog.Int("count", len(data)/BlockSize))
	return d.writeAligned(data, startBlock)
}

// EraseSectors erases numBlocks sectors starting at startBlock. Erased sectors
// read back as all zeros or all ones depending on the card.
func (d *Device) EraseSectors(startBlock, numBlocks int64) error {
	if startBlock < 0 || numBlocks < 1 || numBlocks > math.MaxInt32 {
		return ErrParameter
	} else if err := d.ready(); err != nil {
		return err
	} else if d.status&StatusWriteProtected != 0 {
		return ErrWriteProtected
	}
	return d.erase(startBlock, int(numBlocks))
}

// Mode returns 0 when no card is usable, 1 when it is read only and 3 when
// it is readable and writable.
func (d *Device) Mode() uint8 {
	if d.ready() != nil {
		return 0
	} else if d.status&StatusWriteProtected != 0 {
		return 1
	}
	return 3
}

// BlockSize returns the sector size. It is always 512.
func (d *Device) BlockSize() int { return BlockSize }

// Size returns the card capacity in bytes as advertised by the CSD.
func (d *Device) Size() (int64, error) {
	csd, err := d.ReadCSD()
	if err != nil {
		return 0, err
	}
	return int64(csd.SectorCount()) * BlockSize, nil
}

// ReadCSD reads and decodes the Card-Specific Data register.
func (d *Device) ReadCSD() (CSD, error) {
	var raw [16]byte
	if err := d.readRawCSD(&raw); err != nil {
		return nil, err
	}
	return DecodeCSD(raw), nil
}

func (d *Device) readRawCSD(raw *[16]byte) error {
	if err := d.ready(); err != nil {
		return err
	}
	return d.readRegister(sdproto.CmdSendCSD, raw)
}

// ReadCID reads the Card Identification register.
func (d *Device) ReadCID() (cid CID, err error) {
	if err = d.ready(); err != nil {
		return cid, err
	}
	raw := (*[16]byte)(&cid)
	err = d.readRegister(sdproto.CmdSendCID, raw)
	return cid, err
}

// ReadOCR reads the Operation Conditions Register.
func (d *Device) ReadOCR() (ocr OCR, err error) {
	if err = d.ready(); err != nil {
		return ocr, err
	}
	raw := (*[4]byte)(&ocr)
	err = d.readOCR(raw)
	return ocr, err
}

// Info reads the CSD and reports the card geometry and classification.
func (d *Device) Info() (Info, error) {
	csd, err := d.ReadCSD()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Type:        d.ctype,
		Sectors:     csd.SectorCount(),
		CSDVersion:  csd.Version(),
		MaxRate:     csd.MaxTransferRate(),
		LinkHz:      d.hz,
		WriteLocked: d.status&StatusWriteProtected != 0 || csd.WriteProtected(),
	}, nil
}
