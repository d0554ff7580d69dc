// Package emummc implements the emuMMC Post-processor (spec.md §4.G,
// Component G): detects the inner MBR+GPT offset a Switch emuMMC image
// carries, ensures it survives onto the target, and emits the
// bootloader's emuMMC/RAW1 configuration files on the target FAT32.
//
// Grounded on original_source/core/migration_engine.py's emuMMC
// handling (the 0xC001/0x4001 probe, the 0x8000 BOOT0 offset, and the
// raw_based/emummc.ini file shapes) and on internal/gptio for the inner
// GPT header/entries codecs — the inner structure is itself GPT, so no
// new wire format is needed, just a different base offset.
package emummc

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/nyxgpt/sdmigrate/internal/gptio"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// Known inner offsets, in sectors from the emuMMC partition's own start
// sector, per spec.md §4.G.
const (
	OffsetFullLayout      = 0xC001
	OffsetResizedLayout   = 0x4001
	innerMBRFullLayout    = 0x14000
	innerMBRResizedLayout = 0xC000
	// BOOT0Offset is the bootloader's canonical offset to BOOT0 within an
	// emuMMC partition; fixed regardless of detected_offset because the
	// inner structure is copied bit-exact from source.
	BOOT0Offset = 0x8000
)

// SectorReader/SectorWriter mirror the scanner/writer device interfaces,
// scoped to the emuMMC partition's own sector range (callers pass
// absolute device sectors; offsets in this package are relative to
// partition start and the caller adds partition.StartSector).
type SectorReader interface {
	Read(ctx context.Context, startSector, count uint64) ([]byte, error)
}
type SectorWriter interface {
	Write(ctx context.Context, startSector uint64, data []byte, skipPrepare bool) error
}

// Detect implements spec.md §4.G step 1: probe for "EFI PART" at the two
// known offsets, falling back to an inner-MBR-signature search one
// sector before the GPT offset. partitionStart is the emuMMC partition's
// absolute start sector. found is true only when an "EFI PART" header is
// found. When only an inner MBR matches (0x14000 is probed before
// 0xC000), offset is the sector after it and found is false; when
// nothing matches, offset is 0 and found is false.
func Detect(ctx context.Context, dev SectorReader, partitionStart uint64) (offset uint64, found bool, err error) {
	for _, o := range []uint64{OffsetFullLayout, OffsetResizedLayout} {
		sec, rerr := dev.Read(ctx, partitionStart+o, 1)
		if rerr != nil {
			return 0, false, errors.Wrapf(rerr, "probing offset 0x%X", o)
		}
		if string(sec[0:8]) == "EFI PART" {
			return o, true, nil
		}
	}

	for _, mbrOffset := range []uint64{innerMBRFullLayout, innerMBRResizedLayout} {
		sec, rerr := dev.Read(ctx, partitionStart+mbrOffset, 1)
		if rerr != nil {
			return 0, false, errors.Wrapf(rerr, "probing inner MBR at 0x%X", mbrOffset)
		}
		if sec[510] == 0x55 && sec[511] == 0xAA {
			return mbrOffset + 1, false, nil
		}
	}
	return 0, false, nil
}

// TargetHasInnerGPT checks whether the target already carries "EFI PART"
// at dstStart+detectedOffset (spec.md §4.G step 2) — true when the raw
// sector copy already preserved it bit-exact.
func TargetHasInnerGPT(ctx context.Context, dev SectorReader, dstStart, detectedOffset uint64) (bool, error) {
	sec, err := dev.Read(ctx, dstStart+detectedOffset, 1)
	if err != nil {
		return false, errors.Wrap(err, "reading target inner GPT signature")
	}
	return string(sec[0:8]) == "EFI PART", nil
}

// standardUserBackupLBA is the backup GPT LBA for a standard ~29.1 GiB
// Switch emuMMC USER volume, used only when synthesizing a minimal inner
// GPT from scratch (no inner GPT on source at all).
const standardUserBackupLBA = 0x1B4E000

// diskGUIDTag marks a synthesized inner GPT as this tool's own, the same
// convention internal/gptio uses for the outer disk GUID.
const diskGUIDTag = "NYXGPT"

// WriteInnerGPT implements spec.md §4.G step 3. If sourceHadGPT is true,
// it writes the 1-sector inner GPT header and its 32 sectors of entries
// to the target at dstStart+detectedOffset. Otherwise it synthesizes a
// minimal valid inner GPT (fixed my_lba=0xC001, a backup LBA matching a
// standard USER volume, entries-CRC over an all-zero 16 KiB region) and
// writes it at dstStart+OffsetFullLayout, whatever detectedOffset is.
func WriteInnerGPT(ctx context.Context, dev SectorWriter, dstStart, detectedOffset uint64, sourceHeader []byte, sourceEntries []byte, sourceHadGPT bool) error {
	if sourceHadGPT {
		if err := dev.Write(ctx, dstStart+detectedOffset, sourceHeader, true); err != nil {
			return errors.Wrap(err, "writing inner GPT header")
		}
		if err := dev.Write(ctx, dstStart+detectedOffset+1, sourceEntries, true); err != nil {
			return errors.Wrap(err, "writing inner GPT entries")
		}
		return nil
	}

	emptyEntries := make([]byte, 32*sector.Size)
	var guid [16]byte
	copy(guid[10:], diskGUIDTag)

	h, err := gptio.GPTHeader{
		Revision:              0x00010000,
		HeaderSize:            92,
		MyLBA:                 OffsetFullLayout,
		AlternateLBA:          standardUserBackupLBA,
		FirstUsableLBA:        innerMBRResizedLayout + 34, // 0xC000 + 34
		LastUsableLBA:         standardUserBackupLBA - 32,
		DiskGUID:              guid,
		PartitionEntryLBA:     OffsetFullLayout + 1,
		// NumPartitionEntries tracks partitions actually packed, the same
		// convention buildGPTHeader uses (internal/writer/writer.go) —
		// a synthesized inner GPT packs none, so this is 0, not the
		// entries region's 128-slot capacity.
		NumPartitionEntries:   0,
		SizeOfPartitionEntry:  128,
		PartitionEntriesCRC32: gptio.EntriesCRC32(emptyEntries),
	}.Marshal()
	if err != nil {
		return errors.Wrap(err, "synthesizing inner GPT header")
	}

	if err := dev.Write(ctx, dstStart+OffsetFullLayout, h, true); err != nil {
		return errors.Wrap(err, "writing synthesized inner GPT header")
	}
	if err := dev.Write(ctx, dstStart+OffsetFullLayout+1, emptyEntries, true); err != nil {
		return errors.Wrap(err, "writing synthesized inner GPT entries")
	}
	return nil
}

// RawBasedBytes returns the 4-byte little-endian raw_based file content
// for an emuMMC partition starting at dstStart (spec.md §4.G step 4).
func RawBasedBytes(dstStart uint64) []byte {
	v := uint32(dstStart + BOOT0Offset)
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// folderID reads a 4-character folder name as a little-endian 32-bit
// integer, the way the bootloader's emummc.ini "id=" field encodes
// "RAW1" as a four-character code.
func folderID(name string) uint32 {
	b := []byte(name)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// EmummcINI returns the emummc.ini contents for an emuMMC partition
// starting at dstStart, folder name "RAW1" (spec.md §4.G step 4).
func EmummcINI(dstStart uint64) string {
	sectorVal := dstStart + BOOT0Offset
	return fmt.Sprintf(
		"[emummc]\nenabled=1\nsector=0x%X\nid=0x%X\npath=emuMMC/RAW1\nnintendo_path=emuMMC/RAW1/Nintendo\n",
		sectorVal, folderID("RAW1"),
	)
}

// ConfigMismatch describes one field of an on-disk raw_based/emummc.ini
// pair that disagrees with what RawBasedBytes/EmummcINI would produce for
// the partition it claims to describe.
type ConfigMismatch struct {
	Field string
	Want  string
	Got   string
}

// VerifyConfig re-derives the expected emuMMC/RAW1 configuration for a
// partition already on disk at dstStart and reports where an existing
// emummc.ini/raw_based pair under fat32Mount disagrees with it. This is
// the standalone `sdmigrate check-emummc` operation (SPEC_FULL.md's
// supplemented check_emummc.py equivalent): unlike postProcessOneEmuMMC
// it never writes anything, only reports.
func VerifyConfig(fat32Mount string, dstStart uint64) ([]ConfigMismatch, error) {
	rawDir := filepath.Join(fat32Mount, "emuMMC", "RAW1")

	wantRawBased := RawBasedBytes(dstStart)
	gotRawBased, err := os.ReadFile(filepath.Join(rawDir, "raw_based"))
	if err != nil {
		return nil, errors.Wrap(err, "reading raw_based")
	}

	wantINI := EmummcINI(dstStart)
	gotINI, err := os.ReadFile(filepath.Join(fat32Mount, "emuMMC", "emummc.ini"))
	if err != nil {
		return nil, errors.Wrap(err, "reading emummc.ini")
	}

	var mismatches []ConfigMismatch
	if string(gotRawBased) != string(wantRawBased) {
		mismatches = append(mismatches, ConfigMismatch{
			Field: "raw_based",
			Want:  fmt.Sprintf("% x", wantRawBased),
			Got:   fmt.Sprintf("% x", gotRawBased),
		})
	}

	wantSector := parseINIField(wantINI, "sector")
	gotSector := parseINIField(string(gotINI), "sector")
	if !strings.EqualFold(wantSector, gotSector) {
		mismatches = append(mismatches, ConfigMismatch{Field: "sector", Want: wantSector, Got: gotSector})
	}
	wantID := parseINIField(wantINI, "id")
	gotID := parseINIField(string(gotINI), "id")
	if !strings.EqualFold(wantID, gotID) {
		mismatches = append(mismatches, ConfigMismatch{Field: "id", Want: wantID, Got: gotID})
	}
	return mismatches, nil
}

func parseINIField(ini, key string) string {
	for _, line := range strings.Split(ini, "\n") {
		k, v, ok := strings.Cut(line, "=")
		if ok && k == key {
			return v
		}
	}
	return ""
}
