package gptio

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/nyxgpt/sdmigrate/internal/diskmodel"
)

// ParseGUID parses a canonical "XXXXXXXX-XXXX-XXXX-XXXX-XXXXXXXXXXXX"
// GUID string into its 16-byte mixed-endian GPT wire form (first three
// fields little-endian, last two big-endian), the way the teacher's
// mustParseGUID does for its hardcoded partition type GUIDs.
func ParseGUID(s string) [16]byte {
	var (
		timeLow            uint32
		timeMid            uint16
		timeHighAndVersion uint16
		clockSeqHi         uint8
		clockSeqLow        uint8
		node               []byte
	)
	_, err := fmt.Sscanf(s, "%08x-%04x-%04x-%02x%02x-%012x",
		&timeLow, &timeMid, &timeHighAndVersion, &clockSeqHi, &clockSeqLow, &node)
	if err != nil {
		panic(fmt.Sprintf("gptio: invalid GUID %q: %v", s, err))
	}
	var out [16]byte
	binary.LittleEndian.PutUint32(out[0:4], timeLow)
	binary.LittleEndian.PutUint16(out[4:6], timeMid)
	binary.LittleEndian.PutUint16(out[6:8], timeHighAndVersion)
	out[8] = clockSeqHi
	out[9] = clockSeqLow
	copy(out[10:], node)
	return out
}

// Type GUIDs recognized by the scanner and emitted by the writer, per
// spec.md §4.C/§4.E/§6.
var (
	// TypeFAT32 is the Microsoft basic data GUID; FAT32 GPT entries use
	// it per §4.C.
	TypeFAT32 = ParseGUID("EBD0A0A2-B9E5-4433-87C0-68B6B72699C7")

	// TypeLinuxFilesystem is used by Linux, Android (legacy and
	// dynamic) GPT entries alike; category is disambiguated by name
	// (spec.md §4.C step 6, §6).
	TypeLinuxFilesystem = ParseGUID("0FC63DAF-8483-4772-8E79-3D69D8477DE4")

	// TypeEmuMMC is the vendor-specific GUID whose trailing bytes spell
	// "emuMMC", per spec.md §4.C step 6 and §6.
	TypeEmuMMC = [16]byte{
		0x00, 0x7E, 0xCA, 0x11, 0x00, 0x00, 0x00, 0x00,
		0x00, 0x00, 'e', 'm', 'u', 'M', 'M', 'C',
	}
)

// NewRandomGUID returns a random 16-byte partition GUID with the
// attribute byte at offset 7 cleared, per spec.md §4.E.
func NewRandomGUID() [16]byte {
	id := uuid.New()
	var out [16]byte
	copy(out[:], id[:])
	out[7] = 0 // clear Windows attribute byte, per spec.md §4.E
	return out
}

// diskGUIDTag is the ASCII marker this tool's Disk GUIDs end in, per
// spec.md §6: "Disk GUID's last six ASCII bytes are 'NYXGPT' for tables
// produced by this tool."
const diskGUIDTag = "NYXGPT"

// NewDiskGUID returns a 16-byte disk GUID: 10 random bytes followed by
// the ASCII tag "NYXGPT".
func NewDiskGUID() [16]byte {
	var out [16]byte
	id := uuid.New()
	copy(out[:10], id[:10])
	copy(out[10:], diskGUIDTag)
	return out
}

// TaggedByThisTool reports whether a disk GUID carries this tool's
// "NYXGPT" marker.
func TaggedByThisTool(guid [16]byte) bool {
	return string(guid[10:16]) == diskGUIDTag
}

// TypeGUIDForCategory returns the wire-format type GUID the writer emits
// for a GPT entry of the given category. spec.md §4.E's prose ("FAT32/
// Linux/Android share the Linux-filesystem GUID") conflicts with §4.C's
// scan-side recognition of a distinct FAT32/"Microsoft basic data" GUID;
// original_source/core/partition_writer.py resolves the conflict by
// giving FAT32 its own GUID_FAT32 constant, matching §4.C and the
// round-trip property in §8 (scan(write(L)) == L requires FAT32 to come
// back out as FAT32, not get reclassified as Linux/Android). We follow
// the original source here; see DESIGN.md.
func TypeGUIDForCategory(cat diskmodel.Category) [16]byte {
	switch cat {
	case diskmodel.FAT32:
		return TypeFAT32
	case diskmodel.EmuMMC:
		return TypeEmuMMC
	default: // Linux, Android
		return TypeLinuxFilesystem
	}
}
