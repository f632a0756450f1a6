package sdcard

import (
	"errors"
	"unsafe"
)

// maxAlignment bounds Config.Alignment so the bytes displaced by a shifted
// read fit in a stack buffer.
const maxAlignment = 64

type alignStrategy uint8

const (
	// alignDirect transfers straight into/out of the caller's buffer.
	alignDirect alignStrategy = iota
	// alignShift reads into the first aligned address inside the buffer's
	// capacity, then moves the data down to the buffer start. The pad bytes
	// past len(buf) that the window overlaps are saved and restored.
	alignShift
	// alignStage transfers one sector at a time through an aligned scratch sector.
	alignStage
)

type alignPlan struct {
	strategy alignStrategy
	pad      int // Distance from buffer start to the aligned window. alignShift only.
}

// planAlignment decides how to adapt a transfer of n bytes starting at addr with
// the given capacity to a transport that needs align-byte aligned buffers.
// Writes never shift since the caller's buffer must not be modified.
func planAlignment(addr uintptr, n, capacity int, align uintptr, write bool) alignPlan {
	if align <= 1 || addr%align == 0 {
		return alignPlan{strategy: alignDirect}
	} else if write {
		return alignPlan{strategy: alignStage}
	}
	pad := int(align - addr%align)
	if n+pad <= capacity {
		return alignPlan{strategy: alignShift, pad: pad}
	}
	return alignPlan{strategy: alignStage}
}

func bufaddr(b []byte) uintptr { return uintptr(unsafe.Pointer(unsafe.SliceData(b))) }

// alignedScratch allocates one aligned sector.
func (d *Device) alignedScratch() ([]byte, error) {
	raw := d.alloc(BlockSize + int(d.align) - 1)
	if len(raw) < BlockSize+int(d.align)-1 {
		return nil, ErrOutOfMemory
	}
	pad := int((d.align - bufaddr(raw)%d.align) % d.align)
	return raw[pad : pad+BlockSize : pad+BlockSize], nil
}

func (d *Device) readAligned(dst []byte, sector int64) error {
	plan := planAlignment(bufaddr(dst), len(dst), cap(dst), d.align, false)
	switch plan.strategy {
	case alignShift:
		n := len(dst)
		var saved [maxAlignment]byte
		full := dst[:n+plan.pad]
		copy(saved[:plan.pad], full[n:])
		err := d.readSectors(full[plan.pad:], sector)
		if err == nil {
			copy(full[:n], full[plan.pad:])
		}
		copy(full[n:], saved[:plan.pad])
		return err
	case alignStage:
		scratch, err := d.alignedScratch()
		if err != nil {
			return err
		}
		for i := 0; i < len(dst)/BlockSize; i++ {
			err = d.readSectors(scratch, sector+int64(i))
			if err != nil {
				return stagedError(err, sector, len(dst)/BlockSize, i)
			}
			copy(dst[i*BlockSize:], scratch)
		}
		return nil
	}
	return d.readSectors(dst, sector)
}

func (d *Device) writeAligned(src []byte, sector int64) error {
	plan := planAlignment(bufaddr(src), len(src), cap(src), d.align, true)
	if plan.strategy != alignStage {
		return d.writeSectors(src, sector)
	}
	scratch, err := d.alignedScratch()
	if err != nil {
		return err
	}
	for i := 0; i < len(src)/BlockSize; i++ {
		copy(scratch, src[i*BlockSize:])
		err = d.writeSectors(scratch, sector+int64(i))
		if err != nil {
			return stagedError(err, sector, len(src)/BlockSize, i)
		}
	}
	return nil
}

// stagedError reports the failure of one staged sector as a failure of the
// whole request, so Done counts sectors acknowledged by earlier round trips.
func stagedError(err error, sector int64, count, done int) error {
	var te *TransferError
	if !errors.As(err, &te) {
		return err
	}
	return &TransferError{Op: te.Op, Sector: sector, Count: count, Done: done + te.Done, Err: te.Err}
}
