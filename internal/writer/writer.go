// Package writer implements the Partition Writer (spec.md §4.E,
// Component E): builds the on-disk MBR, and—when the layout calls for
// it—the primary and backup GPT header/entries pairs, from a
// diskmodel.DiskLayout, and writes them to a device.
//
// Grounded on gokrazy-tools' packer/packer.go (writeMBRPartitionTable,
// writeGPT) for the overall write order and random disk-signature/GUID
// generation, rebuilt around internal/gptio's struct codecs instead of
// the teacher's inline byte-slice field pokes, and around an arbitrary
// diskmodel.DiskLayout instead of one fixed four-partition board layout.
package writer

import (
	"context"
	"crypto/rand"

	"github.com/pkg/errors"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
	"github.com/nyxgpt/sdmigrate/internal/gptio"
	"github.com/nyxgpt/sdmigrate/internal/sector"
)

// SectorWriter is the minimal write surface the writer needs.
// gateway.Gateway satisfies this; tests use an in-memory fake.
type SectorWriter interface {
	Write(ctx context.Context, startSector uint64, data []byte, skipPrepare bool) error
}

const (
	entriesPerSector = 4 // 128-byte GPT entries per 512-byte sector
	entrySectors     = 32
	entriesBytes     = entrySectors * sector.Size // 16 KiB
)

// WriteTable writes layout's MBR and, if layout.HasGPT, the primary and
// backup GPT pairs, to dev. All writes after the first go with
// skipPrepare=true: spec.md §4.A's reprepare-on-retry dance only needs to
// run once per write_table call, not once per sector range.
func WriteTable(ctx context.Context, dev SectorWriter, layout diskmodel.DiskLayout) error {
	mbr, err := buildMBR(layout)
	if err != nil {
		return errors.Wrap(err, "building MBR")
	}
	if err := dev.Write(ctx, 0, mbr, false); err != nil {
		return errors.Wrap(err, "writing MBR")
	}

	if !layout.HasGPT {
		return nil
	}

	diskGUID := gptio.NewDiskGUID()
	entries, numEntries, err := buildGPTEntries(layout)
	if err != nil {
		return errors.Wrap(err, "building GPT entries")
	}

	lastSector := layout.TotalSectors - 1
	primaryHeader, err := buildGPTHeader(layout, diskGUID, entries, numEntries, 1, lastSector, 2)
	if err != nil {
		return errors.Wrap(err, "building primary GPT header")
	}
	backupEntriesLBA := layout.TotalSectors - 1 - entrySectors
	backupHeader, err := buildGPTHeader(layout, diskGUID, entries, numEntries, lastSector, 1, backupEntriesLBA)
	if err != nil {
		return errors.Wrap(err, "building backup GPT header")
	}

	if err := dev.Write(ctx, 2, entries, true); err != nil {
		return errors.Wrap(err, "writing primary GPT entries")
	}
	if err := dev.Write(ctx, backupEntriesLBA, entries, true); err != nil {
		return errors.Wrap(err, "writing backup GPT entries")
	}
	if err := dev.Write(ctx, 1, primaryHeader, true); err != nil {
		return errors.Wrap(err, "writing primary GPT header")
	}
	if err := dev.Write(ctx, lastSector, backupHeader, true); err != nil {
		return errors.Wrap(err, "writing backup GPT header")
	}
	return nil
}

// buildMBR implements spec.md §4.E's MBR construction rule: zero all 512
// bytes, a random disk signature at 0x1B8, up to three MBR-visible
// partitions (FAT32, Linux, emuMMC, in that category order) plus a
// protective 0xEE entry when layout.HasGPT, CHS fields forced to
// 0xFFFFFF, and the 0x55AA boot signature.
func buildMBR(layout diskmodel.DiskLayout) ([]byte, error) {
	buf := make([]byte, sector.Size)
	if _, err := rand.Read(buf[0x1B8:0x1BC]); err != nil {
		return nil, errors.Wrap(err, "generating disk signature")
	}

	slot := 0
	writeEntry := func(e gptio.MBREntry) error {
		if slot >= 4 {
			return errors.New("MBR has no free slot left")
		}
		raw, err := e.Marshal()
		if err != nil {
			return err
		}
		copy(buf[0x1BE+slot*16:], raw)
		slot++
		return nil
	}

	for _, p := range mbrVisibleInOrder(layout) {
		e := gptio.MBREntry{
			Status:      0,
			CHSFirst:    [3]byte{0xFF, 0xFF, 0xFF},
			Type:        mbrTypeFor(p),
			CHSLast:     [3]byte{0xFF, 0xFF, 0xFF},
			StartLBA:    uint32(p.StartSector),
			SizeSectors: uint32(p.SizeSectors),
		}
		if err := writeEntry(e); err != nil {
			return nil, err
		}
	}

	if layout.HasGPT {
		protective := gptio.MBREntry{
			Status:      0,
			CHSFirst:    [3]byte{0xFF, 0xFF, 0xFF},
			Type:        0xEE,
			CHSLast:     [3]byte{0xFF, 0xFF, 0xFF},
			StartLBA:    1,
			SizeSectors: uint32(layout.TotalSectors - 1),
		}
		if err := writeEntry(protective); err != nil {
			return nil, err
		}
	}

	buf[510] = 0x55
	buf[511] = 0xAA
	return buf, nil
}

// mbrVisibleInOrder returns layout's MBR-visible partitions (InMBR true),
// ordered FAT32 → Linux → emuMMC per spec.md §4.E.
func mbrVisibleInOrder(layout diskmodel.DiskLayout) []diskmodel.Partition {
	var out []diskmodel.Partition
	for _, cat := range []diskmodel.Category{diskmodel.FAT32, diskmodel.Linux, diskmodel.EmuMMC} {
		for _, p := range layout.Partitions {
			if p.Category == cat && p.InMBR {
				out = append(out, p)
			}
		}
	}
	return out
}

func mbrTypeFor(p diskmodel.Partition) byte {
	switch p.Category {
	case diskmodel.FAT32:
		return 0x0C
	case diskmodel.Linux:
		return 0x83
	case diskmodel.EmuMMC:
		return 0xE0
	default:
		return 0
	}
}

// buildGPTEntries packs every in_gpt partition into the 16 KiB entries
// region (spec.md §4.E "GPT entries"). count is the number of partitions
// actually packed, not entriesBytes/128 — the rest of the buffer is
// zero-padded unused slots.
func buildGPTEntries(layout diskmodel.DiskLayout) (entries []byte, count int, err error) {
	buf := make([]byte, entriesBytes)
	i := 0
	for _, p := range layout.Partitions {
		if !p.InGPT {
			continue
		}
		guid := gptio.NewRandomGUID()
		e := gptio.GPTEntry{
			TypeGUID:   gptio.TypeGUIDForCategory(p.Category),
			UniqueGUID: guid,
			FirstLBA:   p.StartSector,
			LastLBA:    p.EndSector(),
			Attributes: 0,
			NameUTF16:  gptio.EncodeName(p.Name),
		}
		raw, err := e.Marshal()
		if err != nil {
			return nil, 0, errors.Wrapf(err, "packing GPT entry for %s", p.Name)
		}
		copy(buf[i*128:], raw)
		i++
	}
	return buf, i, nil
}

// buildGPTHeader builds one GPT header (primary or backup) per spec.md
// §4.E "GPT header": myLBA/alternateLBA/partitionEntryLBA are supplied by
// the caller since the roles swap between the primary and backup copies.
// numEntries is the count buildGPTEntries actually packed, per spec.md
// §4.E's num_entries= field, not the fixed entries-buffer capacity.
func buildGPTHeader(layout diskmodel.DiskLayout, diskGUID [16]byte, entries []byte, numEntries int, myLBA, alternateLBA, partitionEntryLBA uint64) ([]byte, error) {
	h := gptio.GPTHeader{
		Revision:              0x00010000,
		HeaderSize:            92,
		MyLBA:                 myLBA,
		AlternateLBA:          alternateLBA,
		FirstUsableLBA:        sector.GPTHeadSectors,
		LastUsableLBA:         layout.TotalSectors - sector.GPTHeadSectors,
		DiskGUID:              diskGUID,
		PartitionEntryLBA:     partitionEntryLBA,
		NumPartitionEntries:   uint32(numEntries),
		SizeOfPartitionEntry:  128,
		PartitionEntriesCRC32: gptio.EntriesCRC32(entries),
	}
	return h.Marshal()
}
