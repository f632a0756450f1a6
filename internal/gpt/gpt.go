/*
package gpt decodes and encodes GUID Partition Table headers and entries.
*/
package gpt

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"hash/crc32"

	"golang.org/x/text/encoding/unicode"
)

const (
	// Signature is the 8 byte magic at the start of a GPT header.
	Signature  = "EFI PART"
	HeaderSize = 92
	EntrySize  = 128
	nameOff    = 56
	nameLen    = 72
)

var (
	errShort     = errors.New("gpt: buffer too short")
	errSignature = errors.New("gpt: bad header signature")
	errCRC       = errors.New("gpt: header CRC mismatch")
	errGUID      = errors.New("gpt: malformed GUID")
)

var utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)

// GUID is a GPT GUID in its on-disk mixed endian layout.
type GUID [16]byte

// Well known partition type GUIDs.
var (
	TypeEFISystem  = MustParseGUID("C12A7328-F81F-11D2-BA4B-00A0C93EC93B")
	TypeBasicData  = MustParseGUID("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")
	TypeLinuxFS    = MustParseGUID("0FC63DAF-8483-4772-8E79-3D69D8477DE4")
	TypeLinuxSwap  = MustParseGUID("0657FD6D-A4AB-43C4-84E5-0933C84B4F4F")
	TypeUnusedGUID GUID
)

// ParseGUID parses the canonical textual form XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX.
func ParseGUID(s string) (g GUID, err error) {
	if len(s) != 36 || s[8] != '-' || s[13] != '-' || s[18] != '-' || s[23] != '-' {
		return g, errGUID
	}
	var raw [16]byte
	_, err = hex.Decode(raw[:], []byte(s[0:8]+s[9:13]+s[14:18]+s[19:23]+s[24:]))
	if err != nil {
		return g, errGUID
	}
	// First three groups are stored little endian.
	g[0], g[1], g[2], g[3] = raw[3], raw[2], raw[1], raw[0]
	g[4], g[5] = raw[5], raw[4]
	g[6], g[7] = raw[7], raw[6]
	copy(g[8:], raw[8:])
	return g, nil
}

// MustParseGUID is like ParseGUID but panics on malformed input.
func MustParseGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}

func (g GUID) String() string {
	raw := [16]byte{g[3], g[2], g[1], g[0], g[5], g[4], g[7], g[6]}
	copy(raw[8:], g[8:])
	var buf [36]byte
	hex.Encode(buf[0:8], raw[0:4])
	buf[8] = '-'
	hex.Encode(buf[9:13], raw[4:6])
	buf[13] = '-'
	hex.Encode(buf[14:18], raw[6:8])
	buf[18] = '-'
	hex.Encode(buf[19:23], raw[8:10])
	buf[23] = '-'
	hex.Encode(buf[24:], raw[10:])
	return string(bytes.ToUpper(buf[:]))
}

// Header is a decoded GPT header.
type Header struct {
	Revision       uint32
	Size           uint32
	CurrentLBA     int64
	BackupLBA      int64
	FirstUsableLBA int64
	LastUsableLBA  int64
	DiskGUID       GUID
	EntriesLBA     int64 // Usually 2: LBA 0 holds the protective MBR and LBA 1 the header.
	NumEntries     uint32
	EntrySize      uint32 // Usually 128.
	EntriesCRC     uint32
}

// DecodeHeader parses and validates the header at the start of b.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, errShort
	} else if string(b[0:8]) != Signature {
		return h, errSignature
	}
	h.Size = binary.LittleEndian.Uint32(b[12:16])
	if h.Size < HeaderSize || int(h.Size) > len(b) {
		return h, errShort
	}
	if crc := binary.LittleEndian.Uint32(b[16:20]); crc != headerCRC(b[:h.Size]) {
		return h, errCRC
	}
	h.Revision = binary.LittleEndian.Uint32(b[8:12])
	h.CurrentLBA = int64(binary.LittleEndian.Uint64(b[24:32]))
	h.BackupLBA = int64(binary.LittleEndian.Uint64(b[32:40]))
	h.FirstUsableLBA = int64(binary.LittleEndian.Uint64(b[40:48]))
	h.LastUsableLBA = int64(binary.LittleEndian.Uint64(b[48:56]))
	copy(h.DiskGUID[:], b[56:72])
	h.EntriesLBA = int64(binary.LittleEndian.Uint64(b[72:80]))
	h.NumEntries = binary.LittleEndian.Uint32(b[80:84])
	h.EntrySize = binary.LittleEndian.Uint32(b[84:88])
	h.EntriesCRC = binary.LittleEndian.Uint32(b[88:92])
	return h, nil
}

// headerCRC computes the header CRC32 with the CRC field taken as zero.
func headerCRC(hdr []byte) uint32 {
	crc := crc32.Update(0, crc32.IEEETable, hdr[:16])
	crc = crc32.Update(crc, crc32.IEEETable, []byte{0, 0, 0, 0})
	return crc32.Update(crc, crc32.IEEETable, hdr[20:])
}

// Put encodes the header into b including its CRC. Size is forced to HeaderSize.
func (h *Header) Put(b []byte) error {
	if len(b) < HeaderSize {
		return errShort
	}
	clear(b[:HeaderSize])
	copy(b[0:8], Signature)
	binary.LittleEndian.PutUint32(b[8:12], h.Revision)
	binary.LittleEndian.PutUint32(b[12:16], HeaderSize)
	binary.LittleEndian.PutUint64(b[24:32], uint64(h.CurrentLBA))
	binary.LittleEndian.PutUint64(b[32:40], uint64(h.BackupLBA))
	binary.LittleEndian.PutUint64(b[40:48], uint64(h.FirstUsableLBA))
	binary.LittleEndian.PutUint64(b[48:56], uint64(h.LastUsableLBA))
	copy(b[56:72], h.DiskGUID[:])
	binary.LittleEndian.PutUint64(b[72:80], uint64(h.EntriesLBA))
	binary.LittleEndian.PutUint32(b[80:84], h.NumEntries)
	binary.LittleEndian.PutUint32(b[84:88], h.EntrySize)
	binary.LittleEndian.PutUint32(b[88:92], h.EntriesCRC)
	binary.LittleEndian.PutUint32(b[16:20], headerCRC(b[:HeaderSize]))
	return nil
}

// EntriesCRC computes the CRC32 of a partition entry array.
func EntriesCRC(entries []byte) uint32 { return crc32.ChecksumIEEE(entries) }

// Entry is a decoded partition entry.
type Entry struct {
	Type       GUID
	ID         GUID
	FirstLBA   int64
	LastLBA    int64 // Inclusive.
	Attributes uint64
	Name       string
}

// Empty reports whether the entry slot is unused.
func (e *Entry) Empty() bool { return e.Type == TypeUnusedGUID }

// Sectors returns the number of sectors spanned by the partition.
func (e *Entry) Sectors() int64 { return e.LastLBA - e.FirstLBA + 1 }

// DecodeEntry parses one partition entry. The UTF-16LE name is converted to UTF-8.
func DecodeEntry(b []byte) (Entry, error) {
	var e Entry
	if len(b) < EntrySize {
		return e, errShort
	}
	copy(e.Type[:], b[0:16])
	copy(e.ID[:], b[16:32])
	e.FirstLBA = int64(binary.LittleEndian.Uint64(b[32:40]))
	e.LastLBA = int64(binary.LittleEndian.Uint64(b[40:48]))
	e.Attributes = binary.LittleEndian.Uint64(b[48:56])
	name := b[nameOff : nameOff+nameLen]
	n := 0
	for n+1 < len(name) && (name[n] != 0 || name[n+1] != 0) {
		n += 2
	}
	utf8, err := utf16le.NewDecoder().Bytes(name[:n])
	if err != nil {
		return e, err
	}
	e.Name = string(utf8)
	return e, nil
}

// Put encodes the entry into b. Names longer than 36 UTF-16 code units are truncated.
func (e *Entry) Put(b []byte) error {
	if len(b) < EntrySize {
		return errShort
	}
	clear(b[:EntrySize])
	copy(b[0:16], e.Type[:])
	copy(b[16:32], e.ID[:])
	binary.LittleEndian.PutUint64(b[32:40], uint64(e.FirstLBA))
	binary.LittleEndian.PutUint64(b[40:48], uint64(e.LastLBA))
	binary.LittleEndian.PutUint64(b[48:56], e.Attributes)
	name, err := utf16le.NewEncoder().Bytes([]byte(e.Name))
	if err != nil {
		return err
	}
	copy(b[nameOff:nameOff+nameLen], name)
	return nil
}
