// Package gptio holds the on-disk struct layouts shared by the scanner
// (internal/scanner) and the writer (internal/writer): the MBR partition
// entry, the GPT header and entry, and the FAT32 BPB fields the migration
// engine's post-format fixup rewrites. Structs are (de)serialized with
// go-restruct, the way dsoprea-go-exfat packs/unpacks its exFAT boot
// sector header, instead of hand-rolled binary.Read/Write field-by-field
// code.
package gptio

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/go-restruct/restruct"
	"github.com/pkg/errors"
)

// MBREntry is one of the four 16-byte MBR partition table entries at
// offset 0x1BE.
type MBREntry struct {
	Status      byte
	CHSFirst    [3]byte
	Type        byte
	CHSLast     [3]byte
	StartLBA    uint32
	SizeSectors uint32
}

// Marshal packs an MBREntry into its 16-byte wire form.
func (e MBREntry) Marshal() ([]byte, error) {
	b, err := restruct.Pack(binary.LittleEndian, &e)
	return b, errors.Wrap(err, "packing MBR entry")
}

// UnmarshalMBREntry unpacks a 16-byte MBR entry.
func UnmarshalMBREntry(raw []byte) (MBREntry, error) {
	var e MBREntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &e); err != nil {
		return MBREntry{}, errors.Wrap(err, "unpacking MBR entry")
	}
	return e, nil
}

// Empty reports whether this MBR slot is unused (spec.md §4.C step 2).
func (e MBREntry) Empty() bool { return e.Type == 0 || e.SizeSectors == 0 }

// Protective reports whether this is a GPT-protective MBR entry.
func (e MBREntry) Protective() bool { return e.Type == 0xEE }

// GPTHeader is the 92-byte-meaningful GPT header; the struct is
// sized to the full 512-byte sector so restruct can unpack it in one
// shot, with the unused tail simply discarded on read and zero-filled on
// write.
type GPTHeader struct {
	Signature           [8]byte
	Revision            uint32
	HeaderSize          uint32
	HeaderCRC32         uint32
	Reserved            uint32
	MyLBA               uint64
	AlternateLBA        uint64
	FirstUsableLBA      uint64
	LastUsableLBA       uint64
	DiskGUID            [16]byte
	PartitionEntryLBA   uint64
	NumPartitionEntries uint32
	SizeOfPartitionEntry uint32
	PartitionEntriesCRC32 uint32
	_                   [420]byte // padding to the end of the 512-byte sector
}

var gptSignature = [8]byte{'E', 'F', 'I', ' ', 'P', 'A', 'R', 'T'}

// ValidSignature reports whether this header begins with "EFI PART".
func (h GPTHeader) ValidSignature() bool { return h.Signature == gptSignature }

// Marshal packs a GPTHeader into its 512-byte sector, with HeaderCRC32
// computed over the first HeaderSize bytes with the CRC field zeroed, per
// spec.md §4.E.
func (h GPTHeader) Marshal() ([]byte, error) {
	h.Signature = gptSignature
	h.HeaderCRC32 = 0
	raw, err := restruct.Pack(binary.LittleEndian, &h)
	if err != nil {
		return nil, errors.Wrap(err, "packing GPT header")
	}
	h.HeaderCRC32 = crc32.ChecksumIEEE(raw[:h.HeaderSize])
	raw, err = restruct.Pack(binary.LittleEndian, &h)
	if err != nil {
		return nil, errors.Wrap(err, "packing GPT header (with CRC)")
	}
	return raw, nil
}

// UnmarshalGPTHeader unpacks a 512-byte GPT header sector.
func UnmarshalGPTHeader(raw []byte) (GPTHeader, error) {
	var h GPTHeader
	if err := restruct.Unpack(raw, binary.LittleEndian, &h); err != nil {
		return GPTHeader{}, errors.Wrap(err, "unpacking GPT header")
	}
	return h, nil
}

// VerifyHeaderCRC recomputes the header CRC32 with the stored CRC field
// zeroed and compares it to the value on disk (testable property 3).
func (h GPTHeader) VerifyHeaderCRC(raw []byte) bool {
	want := h.HeaderCRC32
	scratch := make([]byte, len(raw))
	copy(scratch, raw)
	// zero the HeaderCRC32 field at its known offset (16 bytes in)
	for i := 16; i < 20; i++ {
		scratch[i] = 0
	}
	return crc32.ChecksumIEEE(scratch[:h.HeaderSize]) == want
}

// GPTEntry is one 128-byte GPT partition entry.
type GPTEntry struct {
	TypeGUID   [16]byte
	UniqueGUID [16]byte
	FirstLBA   uint64
	LastLBA    uint64
	Attributes uint64
	NameUTF16  [72]byte // 36 UTF-16LE code units
}

// Marshal packs a GPTEntry into its 128-byte wire form.
func (e GPTEntry) Marshal() ([]byte, error) {
	b, err := restruct.Pack(binary.LittleEndian, &e)
	return b, errors.Wrap(err, "packing GPT entry")
}

// UnmarshalGPTEntry unpacks a 128-byte GPT entry.
func UnmarshalGPTEntry(raw []byte) (GPTEntry, error) {
	var e GPTEntry
	if err := restruct.Unpack(raw, binary.LittleEndian, &e); err != nil {
		return GPTEntry{}, errors.Wrap(err, "unpacking GPT entry")
	}
	return e, nil
}

// ZeroGUID is the type/unique GUID value GPT uses to mark an entry slot
// unused.
var ZeroGUID [16]byte

// Used reports whether this entry slot holds a real partition.
func (e GPTEntry) Used() bool { return e.TypeGUID != ZeroGUID }

// EntriesCRC32 computes the CRC32 over the full entries region (spec.md
// §4.E/§6: "the full 16 KiB region, including zeros beyond num_entries").
func EntriesCRC32(entriesRegion []byte) uint32 {
	return crc32.ChecksumIEEE(entriesRegion)
}

// FAT32BPB is the subset of the FAT32 BIOS Parameter Block the post-format
// fixup (spec.md §4.F) reads and rewrites. Only the fields the fixup
// touches are named; everything else is preserved via the Rest
// passthrough bytes so a round-trip Marshal reproduces the untouched
// fields byte-for-byte.
type FAT32BPB struct {
	JumpBoot        [3]byte
	OEMName         [8]byte
	BytesPerSector  uint16
	SectorsPerCluster byte
	ReservedSectors uint16
	NumFATs         byte
	RootEntries     uint16
	TotalSectors16  uint16
	MediaType       byte
	FATSize16       uint16
	SectorsPerTrack uint16
	NumHeads        uint16
	HiddenSectors   uint32
	TotalSectors32  uint32
	FATSize32       uint32
	Rest            [472]byte // ExtFlags..end of boot sector, preserved verbatim
}

// Marshal packs a FAT32BPB into its 512-byte boot sector form.
func (b FAT32BPB) Marshal() ([]byte, error) {
	raw, err := restruct.Pack(binary.LittleEndian, &b)
	return raw, errors.Wrap(err, "packing FAT32 BPB")
}

// UnmarshalFAT32BPB unpacks a 512-byte FAT32 boot sector.
func UnmarshalFAT32BPB(raw []byte) (FAT32BPB, error) {
	var b FAT32BPB
	if err := restruct.Unpack(raw, binary.LittleEndian, &b); err != nil {
		return FAT32BPB{}, errors.Wrap(err, "unpacking FAT32 BPB")
	}
	return b, nil
}
