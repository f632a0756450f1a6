package sdcard

import (
	"encoding/binary"
	"strings"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// CSD is the decoded Card-Specific Data register, either [CSDv1] or [CSDv2].
// The layout is selected by the CSD_STRUCTURE field in the top two bits of the first byte.
type CSD interface {
	// Version returns 1 for standard capacity layouts (MMC and SD v1/v2) and 2 for SDHC/SDXC.
	Version() int
	// SectorCount returns the card capacity in 512 byte sectors.
	SectorCount() uint32
	// MaxTransferRate returns the maximum data transfer rate in bits per second.
	MaxTransferRate() uint32
	// WriteProtected reports the permanent or temporary write protect bits.
	WriteProtected() bool
}

// DecodeCSD decodes a raw CSD register as read with CMD9.
func DecodeCSD(raw [16]byte) CSD {
	if raw[0]>>6 == 1 {
		return decodeCSDv2(raw)
	}
	return decodeCSDv1(raw)
}

type csdCommon struct {
	TranSpeed        uint8  // TRAN_SPEED encoded rate.
	CCC              uint16 // Card command classes.
	ReadBlLen        uint8  // log2 of the maximum read block length.
	PermWriteProtect bool
	TmpWriteProtect  bool
}

// CSDv1 is the CSD layout of MMC and standard capacity SD cards.
type CSDv1 struct {
	csdCommon
	CSize     uint16 // 12 bit device size.
	CSizeMult uint8  // 3 bit device size multiplier.
}

// CSDv2 is the CSD layout of SDHC and SDXC cards.
type CSDv2 struct {
	csdCommon
	CSize uint32 // 22 bit device size in 512KiB units, minus one.
}

func decodeCommon(raw *[16]byte) csdCommon {
	return csdCommon{
		TranSpeed:        raw[3],
		CCC:              uint16(raw[4])<<4 | uint16(raw[5]>>4),
		ReadBlLen:        raw[5] & 0x0f,
		PermWriteProtect: raw[14]&0x20 != 0,
		TmpWriteProtect:  raw[14]&0x10 != 0,
	}
}

func decodeCSDv1(raw [16]byte) CSDv1 {
	return CSDv1{
		csdCommon: decodeCommon(&raw),
		CSize:     uint16(raw[6]&3)<<10 | uint16(raw[7])<<2 | uint16(raw[8]>>6),
		CSizeMult: (raw[9]&3)<<1 | raw[10]>>7,
	}
}

func decodeCSDv2(raw [16]byte) CSDv2 {
	return CSDv2{
		csdCommon: decodeCommon(&raw),
		CSize:     uint32(raw[7]&0x3f)<<16 | uint32(raw[8])<<8 | uint32(raw[9]),
	}
}

func (CSDv1) Version() int { return 1 }
func (CSDv2) Version() int { return 2 }

// SectorCount returns (C_SIZE+1) * 2^(C_SIZE_MULT+2) * 2^READ_BL_LEN / 512.
func (c CSDv1) SectorCount() uint32 {
	n := uint(c.ReadBlLen) + uint(c.CSizeMult) + 2
	blocks := uint32(c.CSize) + 1
	if n < 9 {
		return blocks >> (9 - n)
	}
	return blocks << (n - 9)
}

// SectorCount returns (C_SIZE+1) * 1024.
func (c CSDv2) SectorCount() uint32 { return (c.CSize + 1) << 10 }

// Multipliers are scaled by 10 to keep them integral.
var tranSpeedMult = [16]uint32{0, 10, 12, 13, 15, 20, 25, 30, 35, 40, 45, 50, 55, 60, 70, 80}

func (c csdCommon) MaxTransferRate() uint32 {
	unit := c.TranSpeed & 7
	if unit > 3 {
		return 0 // Reserved.
	}
	base := uint32(10_000)
	for ; unit > 0; unit-- {
		base *= 10
	}
	return tranSpeedMult[(c.TranSpeed>>3)&0xf] * base
}

func (c csdCommon) WriteProtected() bool { return c.PermWriteProtect || c.TmpWriteProtect }

// CID is the raw Card Identification register as read with CMD10.
type CID [16]byte

// ManufacturerID returns the card manufacturer ID assigned by the SD Association.
func (c *CID) ManufacturerID() uint8 { return c[0] }

// OEMID returns the two character OEM/application ID.
func (c *CID) OEMID() string { return cidString(c[1:3]) }

// ProductName returns the five character product name.
func (c *CID) ProductName() string { return cidString(c[3:8]) }

// Revision returns the product revision as a major.minor BCD pair.
func (c *CID) Revision() (major, minor uint8) { return c[8] >> 4, c[8] & 0x0f }

// SerialNumber returns the 32 bit product serial number.
func (c *CID) SerialNumber() uint32 { return binary.BigEndian.Uint32(c[9:13]) }

// ManufactureDate returns the year and month the card was made.
func (c *CID) ManufactureDate() (year int, month time.Month) {
	mdt := uint16(c[13]&0x0f)<<8 | uint16(c[14])
	return 2000 + int(mdt>>4), time.Month(mdt & 0x0f)
}

// cidString decodes a fixed width CID text field. Vendors fill it with
// Latin-1 bytes padded with spaces or zeros.
func cidString(b []byte) string {
	s, err := charmap.ISO8859_1.NewDecoder().Bytes(b)
	if err != nil {
		return ""
	}
	return strings.TrimRight(string(s), " \x00")
}

// OCR is the raw Operation Conditions Register as read with CMD58.
type OCR [4]byte

// PowerUpDone reports whether the card finished its power up routine.
func (o OCR) PowerUpDone() bool { return o[0]&0x80 != 0 }

// HighCapacity reports the card capacity status bit. Only valid once PowerUpDone is set.
func (o OCR) HighCapacity() bool { return o[0]&0x40 != 0 }

// VoltageWindow returns the supported VDD bits 23..15 (2.7V to 3.6V in 100mV steps).
func (o OCR) VoltageWindow() uint16 {
	return uint16(binary.BigEndian.Uint32(o[:])>>15) & 0x1ff
}
