package x86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// Disassemble renders code as one line per instruction: offset, bytes and
// Intel syntax. Undecodable bytes are printed as db.
func Disassemble(code []byte) string {
	return DisassembleAt(code, 0)
}

// DisassembleAt is Disassemble with offsets and branch targets relative to pc.
func DisassembleAt(code []byte, pc uint64) string {
	var sb strings.Builder
	offset := 0
	for offset < len(code) {
		inst, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("0x%04x: db 0x%02x\n", pc+uint64(offset), code[offset]))
			offset++
			continue
		}
		length := inst.Len
		var hexBytes []string
		for i := 0; i < length; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		sb.WriteString(fmt.Sprintf(
			"0x%04x: %-16s %s\n",
			pc+uint64(offset),
			strings.Join(hexBytes, " "),
			x86asm.IntelSyntax(inst, pc+uint64(offset), nil),
		))
		offset += length
	}
	return sb.String()
}
