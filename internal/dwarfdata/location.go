package dwarfdata

import (
	"encoding/binary"
	"fmt"
)

// DWARF location-expression opcodes this adapter understands. A real
// compiler emits more, but only resolving a variable to one of
// Absolute(addr) or FrameBaseOffset(offset) is needed here, which
// covers DW_OP_addr and DW_OP_fbreg — the two forms a non-PIE x86-64
// binary's frame-based locals and file-scope globals actually use.
const (
	opAddr  = 0x03
	opFbreg = 0x91
)

// decodeLocation interprets a single-location DW_AT_location expression
// (the []byte form debug/dwarf hands back for simple, non-list
// locations).
func decodeLocation(expr []byte) (Location, error) {
	if len(expr) == 0 {
		return Location{}, fmt.Errorf("empty location expression")
	}

	op := expr[0]
	rest := expr[1:]

	switch op {
	case opAddr:
		if len(rest) < 8 {
			return Location{}, fmt.Errorf("DW_OP_addr: short operand")
		}
		return Location{Absolute: binary.LittleEndian.Uint64(rest[:8])}, nil
	case opFbreg:
		offset, _, err := decodeSLEB128(rest)
		if err != nil {
			return Location{}, fmt.Errorf("DW_OP_fbreg: %w", err)
		}
		return Location{IsFrameRelative: true, FrameOffset: offset}, nil
	default:
		return Location{}, fmt.Errorf("unsupported location opcode %#x", op)
	}
}

// decodeSLEB128 decodes a DWARF signed LEB128 value, returning the
// value and how many bytes it consumed.
func decodeSLEB128(buf []byte) (int64, int, error) {
	var result int64
	var shift uint
	var i int
	var b byte

	for {
		if i >= len(buf) {
			return 0, i, fmt.Errorf("truncated SLEB128")
		}
		b = buf[i]
		i++
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, i, nil
}

// effectiveAddr resolves a Location against a live frame base (rbp),
// applying the +16 canonical-frame-address adjustment for this
// target's frame-base convention (push rbp; mov rbp, rsp leaves
// CFA = rbp+16: 8 for the saved rbp, 8 for the return address).
func effectiveAddr(loc Location, rbp uint64) uint64 {
	if !loc.IsFrameRelative {
		return loc.Absolute
	}
	return uint64(int64(rbp) + 16 + loc.FrameOffset)
}
