package sdsim

import (
	"errors"
	"io"
)

// Storage backs the simulated card's sectors. *os.File satisfies it.
type Storage interface {
	io.ReaderAt
	io.WriterAt
}

// Blocks is an in-memory Storage of a fixed number of sectors.
type Blocks struct {
	buf []byte
}

var errOutOfRange = errors.New("sdsim: access past end of storage")

// NewBlocks returns zeroed storage holding numBlocks sectors.
func NewBlocks(numBlocks int) *Blocks {
	return &Blocks{buf: make([]byte, numBlocks*SectorSize)}
}

// Bytes returns the backing buffer. Writes to it are visible to the card.
func (b *Blocks) Bytes() []byte { return b.buf }

// Sectors returns the storage capacity in sectors.
func (b *Blocks) Sectors() uint32 { return uint32(len(b.buf) / SectorSize) }

func (b *Blocks) ReadAt(dst []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(dst)) > int64(len(b.buf)) {
		return 0, errOutOfRange
	}
	return copy(dst, b.buf[off:]), nil
}

func (b *Blocks) WriteAt(data []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(data)) > int64(len(b.buf)) {
		return 0, errOutOfRange
	}
	return copy(b.buf[off:], data), nil
}
