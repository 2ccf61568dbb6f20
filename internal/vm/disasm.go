package vm

import (
	"fmt"
	"strings"
)

// Disassemble renders one function body as a sequence of mnemonic
// lines, one instruction per line prefixed with its byte offset. It
// backs the CLI driver's --disasm listing.
//
// Disassemble never faults: a truncated immediate at the tail of code
// is rendered with a "<truncated>" marker rather than erroring, since
// this is a diagnostic aid, not part of the execution path.
func Disassemble(code []byte) []string {
	lines := make([]string, 0, len(code))
	pc := 0
	for pc < len(code) {
		op := Op(code[pc])
		width := op.immediateWidth()
		name := op.String()

		if pc+1+width > len(code) {
			lines = append(lines, fmt.Sprintf("%4d: %s <truncated>", pc, name))
			break
		}

		var line string
		switch width {
		case 0:
			line = fmt.Sprintf("%4d: %s", pc, name)
		case 1:
			line = fmt.Sprintf("%4d: %s %d", pc, name, code[pc+1])
		case 2:
			imm := uint16(code[pc+1])<<8 | uint16(code[pc+2])
			if isBranch(op) {
				line = fmt.Sprintf("%4d: %s %d", pc, name, int16(imm))
			} else {
				line = fmt.Sprintf("%4d: %s %d", pc, name, imm)
			}
		}
		lines = append(lines, line)
		pc += 1 + width
	}
	return lines
}

func isBranch(o Op) bool {
	switch o {
	case Goto, IfCmpeq, IfCmpne, IfIcmplt, IfIcmpge, IfIcmpgt, IfIcmple:
		return true
	default:
		return false
	}
}

// DisassembleProgram renders every function in the image, labelled by
// index, for a full-program listing.
func DisassembleProgram(functions [][]byte) string {
	var b strings.Builder
	for i, code := range functions {
		fmt.Fprintf(&b, "function %d:\n", i)
		for _, line := range Disassemble(code) {
			b.WriteString("  ")
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}
