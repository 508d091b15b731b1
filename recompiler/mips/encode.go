package mips

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// EncodeR encodes a register-format instruction.
func EncodeR(op, rs, rt, rd, sa, funct uint32) uint32 {
	return op<<26 | (rs&31)<<21 | (rt&31)<<16 | (rd&31)<<11 | (sa&31)<<6 | funct&63
}

// EncodeI encodes an immediate-format instruction.
func EncodeI(op, rs, rt uint32, imm uint16) uint32 {
	return op<<26 | (rs&31)<<21 | (rt&31)<<16 | uint32(imm)
}

// EncodeJ encodes a jump to the 256MB-region-relative address target.
func EncodeJ(op uint32, target uint64) uint32 {
	return op<<26 | uint32(target>>2)&0x3ffffff
}

// Words lays out instruction words big-endian.
func Words(words ...uint32) []byte {
	out := make([]byte, 4*len(words))
	for k, w := range words {
		binary.BigEndian.PutUint32(out[4*k:], w)
	}
	return out
}

// ParseWords parses hex instruction words such as "24620005" or "0x24620005",
// separated by spaces or commas.
func ParseWords(s string) ([]byte, error) {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' || r == '\n' })
	words := make([]uint32, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimPrefix(strings.ToLower(f), "0x")
		v, err := strconv.ParseUint(f, 16, 32)
		if err != nil {
			return nil, fmt.Errorf("word %q: %w", f, err)
		}
		words = append(words, uint32(v))
	}
	return Words(words...), nil
}
