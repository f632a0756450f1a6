package sdsim

import (
	"encoding/binary"

	"github.com/soypat/sdcard/internal/sdproto"
)

const (
	tranSpeed25MHz = 0x32
	cccClasses     = 0x5b5
	readBlLen512   = 9
	manufacturerID = 0x03
)

// csdV1Size picks C_SIZE and C_SIZE_MULT for a standard capacity layout with
// 512 byte blocks. The smallest multiplier whose C_SIZE fits in 12 bits is used.
func csdV1Size(sectors uint32) (csize uint16, mult uint8) {
	for mult = 0; mult < 7; mult++ {
		if sectors>>(mult+2) <= 4096 {
			break
		}
	}
	n := sectors >> (mult + 2)
	if n == 0 {
		return 0, mult
	} else if n > 4096 {
		n = 4096
	}
	return uint16(n - 1), mult
}

func (c *Card) csd() (raw [16]byte) {
	raw[1] = 0x0e // TAAC
	raw[3] = tranSpeed25MHz
	raw[4] = byte(cccClasses >> 4)
	raw[5] = byte(cccClasses&0xf)<<4 | readBlLen512
	if c.kind == KindSDv2Block {
		raw[0] = 1 << 6
		size := c.sectors/1024 - 1
		raw[7] = byte(size>>16) & 0x3f
		raw[8] = byte(size >> 8)
		raw[9] = byte(size)
	} else {
		csize, mult := csdV1Size(c.sectors)
		raw[6] = byte(csize>>10) & 3
		raw[7] = byte(csize >> 2)
		raw[8] = byte(csize&3) << 6
		raw[9] = (mult >> 1) & 3
		raw[10] = (mult & 1) << 7
	}
	if c.wp {
		raw[14] |= 0x10 // TMP_WRITE_PROTECT
	}
	raw[15] = sdproto.CRC7(raw[:15])
	return raw
}

func (c *Card) cid() (raw [16]byte) {
	raw[0] = manufacturerID
	copy(raw[1:3], "SD")
	name := "SDSIM"
	if c.kind == KindMMC {
		name = "MMSIM"
	}
	copy(raw[3:8], name)
	raw[8] = 0x10 // Revision 1.0
	binary.BigEndian.PutUint32(raw[9:13], c.serial)
	// Manufactured January 2024.
	const mdt uint16 = (2024-2000)<<4 | 1
	raw[13] = byte(mdt>>8) & 0x0f
	raw[14] = byte(mdt & 0xff)
	raw[15] = sdproto.CRC7(raw[:15])
	return raw
}
