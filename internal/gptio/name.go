package gptio

import "unicode/utf16"

// EncodeName UTF-16LE-encodes a partition name into the 72-byte GPT name
// field, truncated to 36 code units per spec.md §4.E.
func EncodeName(name string) [72]byte {
	var out [72]byte
	units := utf16.Encode([]rune(name))
	if len(units) > 36 {
		units = units[:36]
	}
	for i, u := range units {
		out[i*2] = byte(u)
		out[i*2+1] = byte(u >> 8)
	}
	return out
}

// DecodeName decodes a 72-byte GPT UTF-16LE name field back to a string,
// stopping at the first NUL code unit.
func DecodeName(raw [72]byte) string {
	units := make([]uint16, 0, 36)
	for i := 0; i < len(raw); i += 2 {
		u := uint16(raw[i]) | uint16(raw[i+1])<<8
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}
