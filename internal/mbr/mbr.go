/*
package mbr decodes and encodes the Master Boot Record partition table found
in the first sector of a card.
*/
package mbr

import (
	"encoding/binary"
	"errors"
	"strconv"
)

const (
	SectorSize       = 512
	diskIDOff        = 440
	pteOff           = 446
	pteLen           = 16 // partition table entry length
	bootSignatureOff = 510
	BootSignature    = 0xAA55
)

var (
	errShort     = errors.New("mbr: sector too short")
	errSignature = errors.New("mbr: missing boot signature")
)

// PartitionType is the system ID byte of a partition table entry.
type PartitionType byte

const (
	TypeUnused     PartitionType = 0x00
	TypeFAT12      PartitionType = 0x01
	TypeFAT16      PartitionType = 0x04
	TypeExtended   PartitionType = 0x05
	TypeNTFS       PartitionType = 0x07 // Also exFAT.
	TypeFAT32CHS   PartitionType = 0x0B
	TypeFAT32LBA   PartitionType = 0x0C
	TypeLinux      PartitionType = 0x83
	TypeFreeBSD    PartitionType = 0xA5
	TypeAppleHFS   PartitionType = 0xAF
	TypeProtective PartitionType = 0xEE // GPT protective MBR.
)

func (pt PartitionType) String() string {
	switch pt {
	case TypeUnused:
		return "unused"
	case TypeFAT12:
		return "FAT12"
	case TypeFAT16:
		return "FAT16"
	case TypeExtended:
		return "extended"
	case TypeNTFS:
		return "NTFS/exFAT"
	case TypeFAT32CHS, TypeFAT32LBA:
		return "FAT32"
	case TypeLinux:
		return "Linux"
	case TypeFreeBSD:
		return "FreeBSD"
	case TypeAppleHFS:
		return "HFS"
	case TypeProtective:
		return "GPT protective"
	}
	return "0x" + strconv.FormatUint(uint64(pt), 16)
}

// Entry is one of the four primary partition table entries. CHS fields are
// ignored on decode and encoded as zero.
type Entry struct {
	Bootable bool
	Type     PartitionType
	StartLBA uint32
	Sectors  uint32
}

// Empty reports whether the entry describes no partition.
func (e Entry) Empty() bool { return e.Type == TypeUnused || e.Sectors == 0 }

// Table is a decoded MBR partition table.
type Table struct {
	DiskID  uint32
	Entries [4]Entry
}

// Decode parses the partition table in sector, which must hold at least 512
// bytes starting at the first byte of the MBR.
func Decode(sector []byte) (Table, error) {
	var t Table
	if len(sector) < SectorSize {
		return t, errShort
	} else if binary.LittleEndian.Uint16(sector[bootSignatureOff:]) != BootSignature {
		return t, errSignature
	}
	t.DiskID = binary.LittleEndian.Uint32(sector[diskIDOff:])
	for i := range t.Entries {
		pte := sector[pteOff+i*pteLen : pteOff+(i+1)*pteLen]
		t.Entries[i] = Entry{
			Bootable: pte[0]&0x80 != 0,
			Type:     PartitionType(pte[4]),
			StartLBA: binary.LittleEndian.Uint32(pte[8:12]),
			Sectors:  binary.LittleEndian.Uint32(pte[12:16]),
		}
	}
	return t, nil
}

// Protective reports whether the table is a GPT protective MBR.
func (t *Table) Protective() bool {
	for _, e := range t.Entries {
		if e.Type == TypeProtective {
			return true
		}
	}
	return false
}

// Put encodes the table and boot signature into sector. Bootstrap code bytes are left untouched.
func (t *Table) Put(sector []byte) error {
	if len(sector) < SectorSize {
		return errShort
	}
	binary.LittleEndian.PutUint32(sector[diskIDOff:], t.DiskID)
	sector[diskIDOff+4], sector[diskIDOff+5] = 0, 0
	for i, e := range t.Entries {
		pte := sector[pteOff+i*pteLen : pteOff+(i+1)*pteLen]
		clear(pte)
		if e.Bootable {
			pte[0] = 0x80
		}
		pte[4] = byte(e.Type)
		binary.LittleEndian.PutUint32(pte[8:12], e.StartLBA)
		binary.LittleEndian.PutUint32(pte[12:16], e.Sectors)
	}
	binary.LittleEndian.PutUint16(sector[bootSignatureOff:], BootSignature)
	return nil
}
