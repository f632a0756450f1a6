package sdcard

import (
	"errors"
	"io"

	"github.com/soypat/sdcard/internal/gpt"
	"github.com/soypat/sdcard/internal/mbr"
)

const maxGPTEntryBytes = 128 * 1024

var (
	errGPTEntries = errors.New("sdcard: GPT partition entry array corrupt")
	errWhence     = errors.New("sdcard: invalid whence")
	errSeek       = errors.New("sdcard: seek out of partition bounds")
)

// Partition is a contiguous sector range of a card described by its MBR or
// GPT partition table. It implements io.ReaderAt and io.ReadSeeker over the
// range by reading whole sectors through the underlying BlockDevice.
type Partition struct {
	Index    int    // Zero based table slot.
	Type     string // MBR system ID name or GPT type GUID.
	Name     string // GPT partition name, empty for MBR.
	Bootable bool   // MBR active flag.
	Start    int64  // First sector.
	Sectors  int64

	dev BlockDevice
	off int64
}

// ReadPartitions reads the partition table of dev. A protective MBR switches
// decoding to the GUID partition table that follows it. MBR extended partitions
// are listed but not descended into.
func ReadPartitions(dev BlockDevice) ([]*Partition, error) {
	sector := make([]byte, BlockSize)
	if err := dev.ReadBlocks(sector, 0); err != nil {
		return nil, err
	}
	table, err := mbr.Decode(sector)
	if err != nil {
		return nil, err
	}
	if table.Protective() {
		return readGPT(dev, sector)
	}
	var parts []*Partition
	for i, e := range table.Entries {
		if e.Empty() {
			continue
		}
		parts = append(parts, &Partition{
			Index:    i,
			Type:     e.Type.String(),
			Bootable: e.Bootable,
			Start:    int64(e.StartLBA),
			Sectors:  int64(e.Sectors),
			dev:      dev,
		})
	}
	return parts, nil
}

func readGPT(dev BlockDevice, sector []byte) ([]*Partition, error) {
	if err := dev.ReadBlocks(sector, 1); err != nil {
		return nil, err
	}
	hdr, err := gpt.DecodeHeader(sector)
	if err != nil {
		return nil, err
	}
	total := int64(hdr.NumEntries) * int64(hdr.EntrySize)
	if hdr.EntrySize < gpt.EntrySize || total > maxGPTEntryBytes {
		return nil, errGPTEntries
	}
	nsect := (total + BlockSize - 1) / BlockSize
	if nsect == 0 {
		return nil, nil
	}
	entries := make([]byte, nsect*BlockSize)
	if err = dev.ReadBlocks(entries, hdr.EntriesLBA); err != nil {
		return nil, err
	}
	if gpt.EntriesCRC(entries[:total]) != hdr.EntriesCRC {
		return nil, errGPTEntries
	}
	var parts []*Partition
	for i := 0; i < int(hdr.NumEntries); i++ {
		e, err := gpt.DecodeEntry(entries[i*int(hdr.EntrySize):])
		if err != nil {
			return nil, err
		}
		if e.Empty() {
			continue
		}
		parts = append(parts, &Partition{
			Index:   i,
			Type:    e.Type.String(),
			Name:    e.Name,
			Start:   e.FirstLBA,
			Sectors: e.Sectors(),
			dev:     dev,
		})
	}
	return parts, nil
}

// Size returns the partition size in bytes.
func (p *Partition) Size() int64 { return p.Sectors * BlockSize }

// ReadAt reads len(b) bytes starting at byte offset off within the partition.
func (p *Partition) ReadAt(b []byte, off int64) (n int, err error) {
	if off < 0 {
		return 0, errSeek
	}
	size := p.Size()
	if off >= size {
		return 0, io.EOF
	} else if len(b) == 0 {
		return 0, nil
	}
	want := len(b)
	if int64(want) > size-off {
		b = b[:size-off]
	}
	first := off / BlockSize
	last := (off + int64(len(b)) - 1) / BlockSize
	buf := make([]byte, (last-first+1)*BlockSize)
	err = p.dev.ReadBlocks(buf, p.Start+first)
	if err != nil {
		return 0, err
	}
	n = copy(b, buf[off-first*BlockSize:])
	if n < want {
		err = io.EOF
	}
	return n, err
}

// Read implements io.Reader from the current seek offset.
func (p *Partition) Read(b []byte) (int, error) {
	n, err := p.ReadAt(b, p.off)
	p.off += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, err
}

// Seek sets the offset for the next Read. Offsets outside [0, Size()] are rejected.
func (p *Partition) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = p.off + offset
	case io.SeekEnd:
		abs = p.Size() + offset
	default:
		return 0, errWhence
	}
	if abs < 0 || abs > p.Size() {
		return 0, errSeek
	}
	p.off = abs
	return abs, nil
}
