/*
package sdcard implements an SD/MMC card driver over a byte oriented SPI link.
It classifies the card during initialization (MMC, SD v1, SD v2 byte or block
addressed), then exposes the card as an array of 512 byte sectors through
[Device.ReadBlocks], [Device.WriteBlocks] and [Device.Ioctl].

The driver is single threaded and blocking. Callers sharing a [Device] between
goroutines must serialize all calls.
*/
package sdcard

import (
	"context"
	"log/slog"
	"time"

	"github.com/soypat/sdcard/internal/sdproto"
)

// BlockSize is the sector size in bytes. It is fixed by the SPI protocol binding.
const BlockSize = sdproto.BlockSize

// Transport is the SPI link to the card. Chip select, byte exchange and clock
// configuration are owned by the implementation.
type Transport interface {
	// Select asserts chip select (drives it low).
	Select()
	// Deselect releases chip select.
	Deselect()
	// Exchange transmits out and returns the byte clocked in during the same transfer.
	Exchange(out byte) (in byte)
	// Configure sets the link clock rate. A rate of 0 disables the link.
	Configure(hz uint32) error
	// Busy reports whether the peripheral still has a transfer in flight.
	Busy() bool
	// Present reports the card-detect signal.
	Present() bool
}

// Clock is a monotonic millisecond tick source used to bound every polling loop.
type Clock interface {
	Millis() uint64
}

// WriteProtector is implemented by transports wired to the socket's write protect switch.
type WriteProtector interface {
	WriteProtected() bool
}

// BlockDevice is the sector interface consumed by filesystems.
type BlockDevice interface {
	ReadBlocks(dst []byte, startBlock int64) error
	WriteBlocks(data []byte, startBlock int64) error
	EraseSectors(startBlock, numBlocks int64) error
	// Mode returns 0 for no connection/prohibited access, 1 for read-only, 3 for read-write.
	Mode() uint8
}

var _ BlockDevice = (*Device)(nil)

// CardType is the card classification made during initialization.
type CardType uint8

const (
	CardUnknown CardType = iota
	CardMMC
	CardSDv1
	CardSDv2Byte  // SD version 2 standard capacity, byte addressed.
	CardSDv2Block // SDHC/SDXC, block addressed.
)

// BlockAddressed reports whether commands take a sector index instead of a byte offset.
func (ct CardType) BlockAddressed() bool { return ct == CardSDv2Block }

// IsSD reports whether the card accepts application specific (ACMD) commands.
func (ct CardType) IsSD() bool { return ct >= CardSDv1 }

func (ct CardType) String() string {
	switch ct {
	case CardMMC:
		return "MMC"
	case CardSDv1:
		return "SDv1"
	case CardSDv2Byte:
		return "SDv2"
	case CardSDv2Block:
		return "SDHC/SDXC"
	}
	return "unknown"
}

// Status is the drive status bitset.
type Status uint8

const (
	StatusNotInitialized Status = 1 << iota
	StatusNoDisk
	StatusWriteProtected
)

// PowerState tracks whether the link is clocked and configured.
type PowerState uint8

const (
	PowerOff PowerState = iota
	PowerOn
)

// Config configures a [Device]. The zero value is usable.
type Config struct {
	// InitHz is the link rate during initialization. Defaults to 200kHz.
	InitHz uint32
	// MaxHz caps the rate after a successful initialization. Defaults to 12MHz.
	MaxHz uint32
	// SourceHz is the peripheral source clock. The operating rate is at most half of it.
	// Zero means unknown and MaxHz is used.
	SourceHz uint32
	// Alignment is the buffer alignment required by the transport. Defaults to 4, 1 disables adaptation.
	// Values above 64 are clamped.
	Alignment int
	// Clock bounds polling loops. If nil the transport is used when it implements
	// Clock, else the wall clock.
	Clock Clock
	// Alloc allocates scratch sectors for misaligned writes. Returning nil fails
	// the request with ErrOutOfMemory. Defaults to make.
	Alloc func(n int) []byte
	// Logger receives driver events. Nil disables logging.
	Logger *slog.Logger
}

const (
	defaultInitHz    = 200_000
	defaultMaxHz     = 12_000_000
	defaultAlignment = 4

	readyTimeoutMs     = 500
	tokenTimeoutMs     = 100
	opCondTimeoutMs    = 1000
	finishedTimeoutMs  = 60_000
	eraseTimeoutMs     = 10_000
	responsePollTries  = 10
	spiModeClockBytes  = 10 // 80 clocks, at least 74 required.
	stopResponseTrials = 10
)

// Device is an SD/MMC card on an SPI link. All card state lives here; create one per socket.
type Device struct {
	bus    Transport
	clock  Clock
	log    *slog.Logger
	alloc  func(n int) []byte
	initHz uint32
	maxHz  uint32
	align  uintptr

	ctype  CardType
	status Status
	power  PowerState
	hz     uint32 // Current link rate, 0 while powered off.
	frame  [sdproto.FrameLen]byte
}

// New returns a Device in the NotInitialized state with the link powered off.
func New(bus Transport, cfg Config) *Device {
	d := &Device{
		bus:    bus,
		clock:  cfg.Clock,
		log:    cfg.Logger,
		alloc:  cfg.Alloc,
		initHz: cfg.InitHz,
		maxHz:  cfg.MaxHz,
		status: StatusNotInitialized,
	}
	if d.clock == nil {
		if clk, ok := bus.(Clock); ok {
			d.clock = clk
		} else {
			d.clock = newWallClock()
		}
	}
	if d.alloc == nil {
		d.alloc = func(n int) []byte { return make([]byte, n) }
	}
	if d.initHz == 0 {
		d.initHz = defaultInitHz
	}
	if d.maxHz == 0 {
		d.maxHz = defaultMaxHz
	}
	if cfg.SourceHz != 0 && cfg.SourceHz/2 < d.maxHz {
		d.maxHz = cfg.SourceHz / 2
	}
	switch {
	case cfg.Alignment <= 0:
		d.align = defaultAlignment
	case cfg.Alignment > maxAlignment:
		d.align = maxAlignment
	default:
		d.align = uintptr(cfg.Alignment)
	}
	return d
}

// Type returns the card classification. CardUnknown until Init succeeds.
func (d *Device) Type() CardType { return d.ctype }

// Status returns the drive status bitset.
func (d *Device) Status() Status { return d.status }

// Power returns the link power state.
func (d *Device) Power() PowerState { return d.power }

type wallClock struct{ start time.Time }

func newWallClock() *wallClock { return &wallClock{start: time.Now()} }

func (c *wallClock) Millis() uint64 { return uint64(time.Since(c.start).Milliseconds()) }

func (d *Device) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if d.log != nil {
		d.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelDebug, msg, attrs...)
}
func (d *Device) info(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelInfo, msg, attrs...)
}
func (d *Device) warn(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelWarn, msg, attrs...)
}
func (d *Device) logerror(msg string, attrs ...slog.Attr) {
	d.logattrs(slog.LevelError, msg, attrs...)
}
