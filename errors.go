package sdcard

import (
	"strconv"
)

// Error is the kind of a driver failure. Compare with errors.Is.
type Error uint8

const (
	errOK             Error = iota
	ErrNotReady             // device not initialized or no card in the socket
	ErrTimeout              // ready, data token or operating condition wait exceeded its bound
	ErrRejected             // card declined a command or a data block
	ErrParameter            // invalid count, buffer length or ioctl code
	ErrWriteProtected       // write attempted on a write protected card
	ErrOutOfMemory          // scratch sector allocation failed
)

func (e Error) Error() string {
	switch e {
	case ErrNotReady:
		return "sdcard: not ready"
	case ErrTimeout:
		return "sdcard: timeout"
	case ErrRejected:
		return "sdcard: rejected by card"
	case ErrParameter:
		return "sdcard: invalid parameter"
	case ErrWriteProtected:
		return "sdcard: write protected"
	case ErrOutOfMemory:
		return "sdcard: out of memory"
	}
	return "sdcard.err:" + strconv.Itoa(int(e))
}

// TransferError describes a failed sector transfer. Done counts the blocks the
// card acknowledged before the failure: for reads, blocks fully received; for
// writes, blocks whose data response signalled acceptance. A write with
// Done == Count failed while terminating the stream, so every block reached
// the card but programming of the last ones is not confirmed.
type TransferError struct {
	Op     string // "read", "write" or "erase".
	Sector int64
	Count  int
	Done   int
	Err    error
}

func (te *TransferError) Error() string {
	b := make([]byte, 0, 64)
	b = append(b, "sdcard: "...)
	b = append(b, te.Op...)
	b = append(b, " sector "...)
	b = strconv.AppendInt(b, te.Sector, 10)
	b = append(b, " count "...)
	b = strconv.AppendInt(b, int64(te.Count), 10)
	b = append(b, " done "...)
	b = strconv.AppendInt(b, int64(te.Done), 10)
	b = append(b, ": "...)
	b = append(b, te.Err.Error()...)
	return string(b)
}

func (te *TransferError) Unwrap() error { return te.Err }
