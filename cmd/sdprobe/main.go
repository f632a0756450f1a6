// sdprobe initializes a simulated SD card backed by a disk image and reports
// what the driver learns from it: card type, registers, partitions and,
// optionally, the ext4 superblock of the first Linux partition.
package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dsoprea/go-ext4"
	"github.com/go-logr/logr"
	"github.com/soypat/sdcard"
	"github.com/soypat/sdcard/internal/gpt"
	"github.com/soypat/sdcard/internal/sdsim"
	"k8s.io/klog/v2"
)

var (
	image    = flag.String("image", "", "Path to the disk image backing the simulated card.")
	kind     = flag.String("kind", "sdhc", "Simulated card kind: mmc, sdv1, sdv2 or sdhc.")
	maxHz    = flag.Uint("max_hz", 0, "Cap on the link rate after initialization. 0 uses the driver default.")
	retries  = flag.Uint64("init_retries", 3, "Number of times a failed initialization is retried.")
	dump     = flag.Int64("dump", -1, "Hex dump this sector after probing. Negative disables.")
	readExt4 = flag.Bool("ext4", false, "Decode the ext4 superblock of the first Linux partition.")
	writable = flag.Bool("writable", false, "Open the image read-write. Otherwise the socket reports write protect.")
)

var kinds = map[string]sdsim.Kind{
	"mmc":  sdsim.KindMMC,
	"sdv1": sdsim.KindSDv1,
	"sdv2": sdsim.KindSDv2Byte,
	"sdhc": sdsim.KindSDv2Block,
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if *image == "" {
		klog.Exit("Missing required parameter 'image'")
	}
	k, ok := kinds[*kind]
	if !ok {
		klog.Exitf("Unknown card kind %q", *kind)
	}
	if err := run(k); err != nil {
		klog.Exitf("Probe failed: %v", err)
	}
}

func run(k sdsim.Kind) error {
	flags := os.O_RDONLY
	if *writable {
		flags = os.O_RDWR
	}
	f, err := os.OpenFile(*image, flags, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return err
	}
	logger := slog.New(logr.ToSlogHandler(klog.Background()))
	card, err := sdsim.New(sdsim.Config{
		Kind:    k,
		Storage: f,
		Sectors: uint32(st.Size() / sdsim.SectorSize),
		Logger:  logger.With(slog.String("side", "card")),
	})
	if err != nil {
		return fmt.Errorf("image %s: %w", *image, err)
	}
	card.SetWriteProtected(!*writable)
	if int64(card.Sectors())*sdsim.SectorSize != st.Size() {
		klog.Warningf("Card capacity rounded down to %d sectors", card.Sectors())
	}

	dev := sdcard.New(card, sdcard.Config{MaxHz: uint32(*maxHz), Logger: logger})
	initOp := func() error {
		err := dev.Init()
		if errors.Is(err, sdcard.ErrNotReady) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), *retries)
	err = backoff.RetryNotify(initOp, bo, func(err error, d time.Duration) {
		klog.Warningf("Init failed, retrying in %v: %v", d, err)
	})
	if err != nil {
		return fmt.Errorf("Init(): %w", err)
	}
	defer dev.PowerOff()

	if err := printCard(os.Stdout, dev); err != nil {
		return err
	}
	parts, err := sdcard.ReadPartitions(dev)
	if err != nil {
		klog.Warningf("No partition table: %v", err)
	}
	for _, p := range parts {
		fmt.Printf("part%d\t%-38s start=%-10d sectors=%-10d boot=%t %s\n", p.Index, p.Type, p.Start, p.Sectors, p.Bootable, p.Name)
	}
	if *readExt4 {
		if err := printExt4(os.Stdout, parts); err != nil {
			return err
		}
	}
	if *dump >= 0 {
		sector := make([]byte, sdcard.BlockSize)
		if err := dev.ReadBlocks(sector, *dump); err != nil {
			return fmt.Errorf("ReadBlocks(%d): %w", *dump, err)
		}
		fmt.Printf("sector %d:\n%s", *dump, hex.Dump(sector))
	}
	return nil
}

func printCard(w io.Writer, dev *sdcard.Device) error {
	info, err := dev.Info()
	if err != nil {
		return err
	}
	cid, err := dev.ReadCID()
	if err != nil {
		return err
	}
	ocr, err := dev.ReadOCR()
	if err != nil {
		return err
	}
	major, minor := cid.Revision()
	year, month := cid.ManufactureDate()
	fmt.Fprintf(w, "type\t%v\ncapacity\t%d sectors (%d MiB)\ncsd\tv%d max %d bit/s\nlink\t%d Hz\nlocked\t%t\n",
		info.Type, info.Sectors, int64(info.Sectors)*sdcard.BlockSize>>20, info.CSDVersion, info.MaxRate, info.LinkHz, info.WriteLocked)
	fmt.Fprintf(w, "cid\tmid=%#02x oem=%q product=%q rev=%d.%d serial=%#08x date=%s %d\n",
		cid.ManufacturerID(), cid.OEMID(), cid.ProductName(), major, minor, cid.SerialNumber(), month, year)
	fmt.Fprintf(w, "ocr\tpowered=%t ccs=%t window=%#04x\n", ocr.PowerUpDone(), ocr.HighCapacity(), ocr.VoltageWindow())
	return nil
}

var linuxTypes = map[string]bool{
	"Linux":                  true,
	gpt.TypeLinuxFS.String(): true,
}

func printExt4(w io.Writer, parts []*sdcard.Partition) error {
	for _, p := range parts {
		if !linuxTypes[p.Type] {
			continue
		}
		if _, err := p.Seek(ext4.Superblock0Offset, io.SeekStart); err != nil {
			return err
		}
		sb, err := ext4.NewSuperblockWithReader(p)
		if err != nil {
			return fmt.Errorf("part%d: ext4 superblock: %w", p.Index, err)
		}
		fmt.Fprintf(w, "ext4\tpart%d volume=%q block_size=%d blocks=%d\n", p.Index, sb.VolumeName(), sb.BlockSize(), sb.BlockCount())
		return nil
	}
	return errors.New("no Linux partition")
}
