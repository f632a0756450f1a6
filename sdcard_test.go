package sdcard

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/soypat/sdcard/internal/sdproto"
	"github.com/soypat/sdcard/internal/sdsim"
)

const testSectors = 4096

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: slog.LevelError,
}))

func newSimDevice(t testing.TB, kind sdsim.Kind, cfg Config) (*Device, *sdsim.Card) {
	t.Helper()
	card, err := sdsim.New(sdsim.Config{
		Kind:    kind,
		Storage: sdsim.NewBlocks(testSectors),
		Sectors: testSectors,
		Serial:  0xdeadbeef,
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logger == nil {
		cfg.Logger = testLogger
	}
	return New(card, cfg), card
}

func initSimDevice(t testing.TB, kind sdsim.Kind) (*Device, *sdsim.Card) {
	t.Helper()
	d, card := newSimDevice(t, kind, Config{})
	if err := d.Init(); err != nil {
		t.Fatal("init:", err)
	}
	card.ResetLog()
	return d, card
}

var allKinds = []struct {
	kind sdsim.Kind
	want CardType
}{
	{sdsim.KindMMC, CardMMC},
	{sdsim.KindSDv1, CardSDv1},
	{sdsim.KindSDv2Byte, CardSDv2Byte},
	{sdsim.KindSDv2Block, CardSDv2Block},
}

// misaligned returns an n byte buffer that starts off a 4 byte boundary and has
// no spare capacity, so neither direct nor shifted transfers can serve it.
func misaligned(n int) []byte {
	raw := make([]byte, n+defaultAlignment)
	off := int((1 + defaultAlignment - bufaddr(raw)%defaultAlignment) % defaultAlignment)
	return raw[off : off+n : off+n]
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7) ^ seed ^ byte(i>>9)
	}
	return b
}

func TestInitClassifies(t *testing.T) {
	for _, tc := range allKinds {
		t.Run(tc.want.String(), func(t *testing.T) {
			d, card := newSimDevice(t, tc.kind, Config{})
			if err := d.Init(); err != nil {
				t.Fatal(err)
			}
			if d.Type() != tc.want {
				t.Errorf("type=%v, want %v", d.Type(), tc.want)
			}
			if d.Status() != 0 {
				t.Errorf("status=%b, want 0", d.Status())
			}
			if card.Hz() != defaultMaxHz {
				t.Errorf("link rate %d, want %d", card.Hz(), defaultMaxHz)
			}
			if card.Selected() {
				t.Error("chip select left asserted")
			}
		})
	}
}

func TestInitCapsRateBySourceClock(t *testing.T) {
	d, card := newSimDevice(t, sdsim.KindSDv2Block, Config{SourceHz: 16_000_000})
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if card.Hz() != 8_000_000 {
		t.Errorf("link rate %d, want half the source clock", card.Hz())
	}
}

func TestInitOpCondSecondAttempt(t *testing.T) {
	d, card := newSimDevice(t, sdsim.KindSDv2Block, Config{})
	card.Faults.OpCondPolls = 1
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if d.Type() != CardSDv2Block {
		t.Fatalf("type=%v, want %v", d.Type(), CardSDv2Block)
	}
	var acmd41 []sdsim.Command
	for _, c := range card.Commands() {
		if c.App && c.Index == sdproto.CmdSendOpCondSD {
			acmd41 = append(acmd41, c)
		}
	}
	if len(acmd41) != 2 {
		t.Fatalf("got %d ACMD41, want 2", len(acmd41))
	}
	for _, c := range acmd41 {
		if c.Arg != sdproto.OCRHighCapacity {
			t.Errorf("ACMD41 arg %#x, want HCS", c.Arg)
		}
	}
}

func TestInitFailures(t *testing.T) {
	tests := []struct {
		desc    string
		faults  sdsim.Faults
		wantErr error
	}{
		{desc: "rejects every command", faults: sdsim.Faults{RejectAll: true}, wantErr: ErrRejected},
		{desc: "never answers", faults: sdsim.Faults{Mute: true}, wantErr: ErrRejected},
		{desc: "never ready", faults: sdsim.Faults{NeverReady: true}, wantErr: ErrTimeout},
		{desc: "never leaves idle", faults: sdsim.Faults{OpCondPolls: 1 << 30}, wantErr: ErrTimeout},
		{desc: "voltage check echo mismatch", faults: sdsim.Faults{IfCondMismatch: true}, wantErr: ErrRejected},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			d, card := newSimDevice(t, sdsim.KindSDv2Block, Config{})
			card.Faults = tc.faults
			err := d.Init()
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("got %v, want %v", err, tc.wantErr)
			}
			if d.Type() != CardUnknown {
				t.Errorf("type=%v, want unknown", d.Type())
			}
			if d.Status()&StatusNotInitialized == 0 {
				t.Error("NotInitialized cleared after failed init")
			}
			if d.Power() != PowerOff || card.Hz() != 0 {
				t.Error("link left powered after failed init")
			}
		})
	}
}

func TestInitNoCard(t *testing.T) {
	d, card := newSimDevice(t, sdsim.KindSDv1, Config{})
	card.SetPresent(false)
	if err := d.Init(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want %v", err, ErrNotReady)
	}
	if d.Status()&StatusNoDisk == 0 {
		t.Error("NoDisk not set")
	}
	if d.Power() != PowerOff {
		t.Error("link left powered without a card")
	}
}

func TestReadyTimeoutBound(t *testing.T) {
	d, card := initSimDevice(t, sdsim.KindSDv2Block)
	card.Faults.NeverReady = true
	start := card.Millis()
	err := d.WriteBlocks(make([]byte, BlockSize), 0)
	elapsed := card.Millis() - start
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want %v", err, ErrTimeout)
	}
	if elapsed < readyTimeoutMs || elapsed > readyTimeoutMs+10 {
		t.Errorf("gave up after %dms, want about %dms", elapsed, readyTimeoutMs)
	}
	if len(card.Commands()) != 0 {
		t.Errorf("card received %d commands while busy", len(card.Commands()))
	}
}

func TestDataTokenTimeoutBound(t *testing.T) {
	d, card := initSimDevice(t, sdsim.KindSDv2Block)
	card.Faults.NoDataToken = true
	start := card.Millis()
	err := d.ReadBlocks(make([]byte, BlockSize), 0)
	elapsed := card.Millis() - start
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want %v", err, ErrTimeout)
	}
	if elapsed < tokenTimeoutMs || elapsed > tokenTimeoutMs+10 {
		t.Errorf("gave up after %dms, want about %dms", elapsed, tokenTimeoutMs)
	}
}

func TestBadReadToken(t *testing.T) {
	d, card := initSimDevice(t, sdsim.KindSDv1)
	card.Faults.BadReadToken = true
	err := d.ReadBlocks(make([]byte, 2*BlockSize), 0)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("got %v, want %v", err, ErrRejected)
	}
	var te *TransferError
	if !errors.As(err, &te) || te.Done != 0 {
		t.Errorf("got %#v, want TransferError with no blocks done", err)
	}
}

func TestAddressing(t *testing.T) {
	const sector = 3
	for _, tc := range allKinds {
		t.Run(tc.want.String(), func(t *testing.T) {
			d, card := initSimDevice(t, tc.kind)
			want := uint32(sector * BlockSize)
			if tc.want.BlockAddressed() {
				want = sector
			}
			buf := make([]byte, 2*BlockSize)
			if err := d.WriteBlocks(buf[:BlockSize], sector); err != nil {
				t.Fatal(err)
			}
			if err := d.WriteBlocks(buf, sector); err != nil {
				t.Fatal(err)
			}
			if err := d.ReadBlocks(buf[:BlockSize], sector); err != nil {
				t.Fatal(err)
			}
			if err := d.ReadBlocks(buf, sector); err != nil {
				t.Fatal(err)
			}
			for _, c := range card.Commands() {
				switch c.Index {
				case sdproto.CmdWriteBlock, sdproto.CmdWriteMultiBlock, sdproto.CmdReadSingleBlock, sdproto.CmdReadMultiBlock:
					if c.Arg != want {
						t.Errorf("CMD%d arg %d, want %d", c.Index, c.Arg, want)
					}
				}
			}
		})
	}
}

func TestPowerIdempotent(t *testing.T) {
	d, card := initSimDevice(t, sdsim.KindSDv2Byte)
	if err := d.PowerOn(); err != nil {
		t.Fatal(err)
	}
	if card.Hz() != defaultMaxHz || d.Type() != CardSDv2Byte {
		t.Errorf("power on while on changed state: rate %d type %v", card.Hz(), d.Type())
	}
	for i := 0; i < 2; i++ {
		if err := d.PowerOff(); err != nil {
			t.Fatal(err)
		}
		if d.Power() != PowerOff || card.Hz() != 0 {
			t.Fatalf("power off #%d left link on", i)
		}
	}
	if d.Type() != CardUnknown || d.Status()&StatusNotInitialized == 0 {
		t.Error("power off kept the card classification")
	}
	if err := d.ReadBlocks(make([]byte, BlockSize), 0); !errors.Is(err, ErrNotReady) {
		t.Errorf("read after power off: got %v, want %v", err, ErrNotReady)
	}
	for i := 0; i < 2; i++ {
		if err := d.PowerOn(); err != nil {
			t.Fatal(err)
		}
		if card.Hz() != defaultInitHz {
			t.Errorf("power on #%d rate %d, want init rate", i, card.Hz())
		}
	}
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
}

func TestRoundTripAlignment(t *testing.T) {
	for _, tc := range allKinds {
		d, _ := initSimDevice(t, tc.kind)
		for _, count := range []int{1, 2, 16} {
			for off := 0; off < 4; off++ {
				n := count * BlockSize
				sector := int64(10 + off*20)
				src := make([]byte, n+8)[off : off+n]
				copy(src, pattern(n, byte(count+off)))
				if err := d.WriteBlocks(src, sector); err != nil {
					t.Fatalf("%v count=%d off=%d write: %v", tc.want, count, off, err)
				}

				backing := make([]byte, n+8)
				for i := range backing {
					backing[i] = 0xa5
				}
				dst := backing[off : off+n]
				if err := d.ReadBlocks(dst, sector); err != nil {
					t.Fatalf("%v count=%d off=%d read: %v", tc.want, count, off, err)
				}
				if diff := cmp.Diff(src, dst); diff != "" {
					t.Fatalf("%v count=%d off=%d mismatch (-want +got):\n%s", tc.want, count, off, diff)
				}
				for i, b := range backing[off+n:] {
					if b != 0xa5 {
						t.Fatalf("%v count=%d off=%d clobbered byte %d past buffer end", tc.want, count, off, i)
					}
				}
			}
		}
	}
}

func TestReadStagedWithoutCapacity(t *testing.T) {
	d, _ := initSimDevice(t, sdsim.KindSDv2Block)
	src := pattern(3*BlockSize, 9)
	if err := d.WriteBlocks(src, 7); err != nil {
		t.Fatal(err)
	}
	dst := misaligned(3 * BlockSize)
	if bufaddr(dst)%defaultAlignment == 0 {
		t.Fatalf("buffer at %#x is aligned", bufaddr(dst))
	}
	if err := d.ReadBlocks(dst, 7); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Fatalf("mismatch (-want +got):\n%s", diff)
	}
}

func TestMisalignedWriteOutOfMemory(t *testing.T) {
	d, card := newSimDevice(t, sdsim.KindSDv2Block, Config{Alloc: func(int) []byte { return nil }})
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	card.ResetLog()
	src := misaligned(2 * BlockSize)
	if bufaddr(src)%defaultAlignment == 0 {
		t.Fatalf("buffer at %#x is aligned", bufaddr(src))
	}
	if err := d.WriteBlocks(src, 0); !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("got %v, want %v", err, ErrOutOfMemory)
	}
	if len(card.Tokens()) != 0 {
		t.Errorf("sectors written before allocation failure: %x", card.Tokens())
	}
}

func TestWriteTokens(t *testing.T) {
	tests := []struct {
		desc       string
		count      int
		misaligned bool
		want       []byte
	}{
		{desc: "single", count: 1, want: []byte{0xfe}},
		{desc: "multi", count: 3, want: []byte{0xfc, 0xfc, 0xfc, 0xfd}},
		{desc: "multi misaligned", count: 3, misaligned: true, want: []byte{0xfe, 0xfe, 0xfe}},
	}
	for _, tc := range tests {
		t.Run(tc.desc, func(t *testing.T) {
			d, card := initSimDevice(t, sdsim.KindSDv2Block)
			n := tc.count * BlockSize
			src := make([]byte, n)
			if tc.misaligned {
				src = misaligned(n)
			}
			if err := d.WriteBlocks(src, 1); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tc.want, card.Tokens()); diff != "" {
				t.Errorf("tokens (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMultiWritePreErase(t *testing.T) {
	for _, tc := range allKinds {
		d, card := initSimDevice(t, tc.kind)
		if err := d.WriteBlocks(make([]byte, 4*BlockSize), 0); err != nil {
			t.Fatal(err)
		}
		var found bool
		for _, c := range card.Commands() {
			if c.App && c.Index == sdproto.CmdSetWrBlkEraseCnt {
				found = c.Arg == 4
			}
		}
		if found != tc.want.IsSD() {
			t.Errorf("%v: ACMD23 sent=%v, want %v", tc.want, found, tc.want.IsSD())
		}
	}
}

func TestPartialMultiWrite(t *testing.T) {
	d, card := initSimDevice(t, sdsim.KindSDv2Block)
	card.Faults.RejectWriteBlock = 2
	src := pattern(3*BlockSize, 1)
	err := d.WriteBlocks(src, 20)
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("got %v, want *TransferError", err)
	}
	want := &TransferError{Op: "write", Sector: 20, Count: 3, Done: 1, Err: ErrRejected}
	if diff := cmp.Diff(want, te); diff != "" {
		t.Errorf("(-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0xfc, 0xfc, 0xfd}, card.Tokens()); diff != "" {
		t.Errorf("stream not terminated after rejection (-want +got):\n%s", diff)
	}
	card.Faults.RejectWriteBlock = 0
	got := make([]byte, BlockSize)
	if err := d.ReadBlocks(got, 20); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(src[:BlockSize], got); diff != "" {
		t.Errorf("acknowledged block not stored (-want +got):\n%s", diff)
	}
}

func TestStagedPartialTransfer(t *testing.T) {
	d, card := initSimDevice(t, sdsim.KindSDv2Block)
	// Third sector falls past the end of the card.
	const start = testSectors - 2
	src := misaligned(3 * BlockSize)
	copy(src, pattern(len(src), 3))
	err := d.WriteBlocks(src, start)
	var te *TransferError
	if !errors.As(err, &te) {
		t.Fatalf("write: got %v, want *TransferError", err)
	}
	want := &TransferError{Op: "write", Sector: start, Count: 3, Done: 2, Err: ErrRejected}
	if diff := cmp.Diff(want, te); diff != "" {
		t.Errorf("write (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]byte{0xfe, 0xfe}, card.Tokens()); diff != "" {
		t.Errorf("tokens (-want +got):\n%s", diff)
	}

	dst := misaligned(3 * BlockSize)
	err = d.ReadBlocks(dst, start)
	if !errors.As(err, &te) {
		t.Fatalf("read: got %v, want *TransferError", err)
	}
	want.Op = "read"
	if diff := cmp.Diff(want, te); diff != "" {
		t.Errorf("read (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(src[:2*BlockSize], dst[:2*BlockSize]); diff != "" {
		t.Errorf("acknowledged sectors (-want +got):\n%s", diff)
	}
}

func TestTransferParameters(t *testing.T) {
	d, _ := initSimDevice(t, sdsim.KindSDv2Byte)
	tests := []struct {
		desc   string
		buf    []byte
		sector int64
		want   error
	}{
		{desc: "empty", buf: nil, want: ErrParameter},
		{desc: "partial sector", buf: make([]byte, 100), want: ErrParameter},
		{desc: "negative sector", buf: make([]byte, BlockSize), sector: -1, want: ErrParameter},
		{desc: "byte address overflow", buf: make([]byte, BlockSize), sector: 1 << 24, want: ErrParameter},
		{desc: "past end of card", buf: make([]byte, BlockSize), sector: testSectors, want: ErrRejected},
	}
	for _, tc := range tests {
		if err := d.ReadBlocks(tc.buf, tc.sector); !errors.Is(err, tc.want) {
			t.Errorf("%s read: got %v, want %v", tc.desc, err, tc.want)
		}
		if err := d.WriteBlocks(tc.buf, tc.sector); !errors.Is(err, tc.want) {
			t.Errorf("%s write: got %v, want %v", tc.desc, err, tc.want)
		}
	}
}

func TestCardRemoval(t *testing.T) {
	d, card := initSimDevice(t, sdsim.KindSDv2Block)
	card.SetPresent(false)
	buf := make([]byte, BlockSize)
	if err := d.ReadBlocks(buf, 0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("got %v, want %v", err, ErrNotReady)
	}
	if d.Type() != CardUnknown || d.Status()&(StatusNoDisk|StatusNotInitialized) != StatusNoDisk|StatusNotInitialized {
		t.Errorf("removal kept state: type %v status %b", d.Type(), d.Status())
	}
	if d.Power() != PowerOff || card.Hz() != 0 {
		t.Errorf("removal left link powered: state %v rate %d", d.Power(), card.Hz())
	}
	card.SetPresent(true)
	if err := d.ReadBlocks(buf, 0); !errors.Is(err, ErrNotReady) {
		t.Fatalf("reinserted card used without init: %v", err)
	}
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if err := d.ReadBlocks(buf, 0); err != nil {
		t.Fatal(err)
	}
}

func TestWriteProtected(t *testing.T) {
	d, card := newSimDevice(t, sdsim.KindSDv1, Config{})
	card.SetWriteProtected(true)
	if err := d.Init(); err != nil {
		t.Fatal(err)
	}
	if d.Status()&StatusWriteProtected == 0 {
		t.Fatal("write protect switch not sampled")
	}
	if d.Mode() != 1 {
		t.Errorf("mode=%d, want read-only", d.Mode())
	}
	if err := d.WriteBlocks(make([]byte, BlockSize), 0); !errors.Is(err, ErrWriteProtected) {
		t.Errorf("got %v, want %v", err, ErrWriteProtected)
	}
	if err := d.EraseSectors(0, 1); !errors.Is(err, ErrWriteProtected) {
		t.Errorf("erase: got %v, want %v", err, ErrWriteProtected)
	}
	if err := d.ReadBlocks(make([]byte, BlockSize), 0); err != nil {
		t.Error(err)
	}
}

func TestEraseSectors(t *testing.T) {
	for _, tc := range allKinds {
		d, card := initSimDevice(t, tc.kind)
		src := pattern(4*BlockSize, 3)
		if err := d.WriteBlocks(src, 8); err != nil {
			t.Fatal(err)
		}
		card.ResetLog()
		if err := d.EraseSectors(9, 2); err != nil {
			t.Fatal(err)
		}
		got := make([]byte, 4*BlockSize)
		if err := d.ReadBlocks(got, 8); err != nil {
			t.Fatal(err)
		}
		want := append([]byte{}, src...)
		clear(want[BlockSize : 3*BlockSize])
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("%v: (-want +got):\n%s", tc.want, diff)
		}
		mul := uint32(BlockSize)
		if tc.want.BlockAddressed() {
			mul = 1
		}
		wantCmds := []sdsim.Command{
			{Index: sdproto.CmdEraseWrBlkStart, Arg: 9 * mul, CRC: 0xff},
			{Index: sdproto.CmdEraseWrBlkEnd, Arg: 10 * mul, CRC: 0xff},
			{Index: sdproto.CmdErase, CRC: 0xff},
		}
		if diff := cmp.Diff(wantCmds, card.Commands()[:3]); diff != "" {
			t.Errorf("%v: erase commands (-want +got):\n%s", tc.want, diff)
		}
	}
}

func TestInfoAndRegisters(t *testing.T) {
	for _, tc := range allKinds {
		d, card := initSimDevice(t, tc.kind)
		info, err := d.Info()
		if err != nil {
			t.Fatal(err)
		}
		wantVersion := 1
		if tc.want == CardSDv2Block {
			wantVersion = 2
		}
		want := Info{
			Type:       tc.want,
			Sectors:    card.Sectors(),
			CSDVersion: wantVersion,
			MaxRate:    25_000_000,
			LinkHz:     defaultMaxHz,
		}
		if diff := cmp.Diff(want, info); diff != "" {
			t.Errorf("%v info (-want +got):\n%s", tc.want, diff)
		}
		size, err := d.Size()
		if err != nil || size != int64(card.Sectors())*BlockSize {
			t.Errorf("%v size=%d err=%v", tc.want, size, err)
		}

		cid, err := d.ReadCID()
		if err != nil {
			t.Fatal(err)
		}
		if cid.OEMID() != "SD" || cid.SerialNumber() != 0xdeadbeef {
			t.Errorf("%v cid oem %q serial %#x", tc.want, cid.OEMID(), cid.SerialNumber())
		}
		ocr, err := d.ReadOCR()
		if err != nil {
			t.Fatal(err)
		}
		if !ocr.PowerUpDone() || ocr.HighCapacity() != tc.want.BlockAddressed() {
			t.Errorf("%v ocr %x", tc.want, ocr)
		}
	}
}
