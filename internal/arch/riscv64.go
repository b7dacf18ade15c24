package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
)

const (
	riscvNop = 0x00000013 // addi zero, zero, 0
	riscvRet = 0x00008067 // jalr zero, 0(ra)
)

var riscv64Arch = Arch{
	Kind:         RISCV64,
	GOARCH:       "riscv64",
	Machine:      elf.EM_RISCV,
	Class:        elf.ELFCLASS64,
	PtrSize:      8,
	ByteOrder:    binary.LittleEndian,
	Nop:          []byte{0x13, 0x00, 0x00, 0x00},
	NopDirective: "WORD $0x00000013",
	TextFlags:    "NOSPLIT|NOFRAME",
	ArgBase:      8,
	StackPointer: "sp",
	ABI0Suffix:   true,
	// X27 is g and X31 the assembler temporary.
	Registers: []Register{
		{"X10", "a0"}, {"X11", "a1"}, {"X12", "a2"}, {"X13", "a3"},
		{"X14", "a4"}, {"X15", "a5"}, {"X16", "a6"}, {"X17", "a7"},
		{"X5", "t0"}, {"X6", "t1"}, {"X7", "t2"}, {"X28", "t3"},
	},
	regAlias: riscvAlias,
	loads: map[loadKey]string{
		{1, true}: "MOVB", {1, false}: "MOVBU",
		{2, true}: "MOVH", {2, false}: "MOVHU",
		{4, true}: "MOVW", {4, false}: "MOVWU",
		{8, true}: "MOV", {8, false}: "MOV",
	},
	addrLoad: []string{"MOV $%s, X10", "MOV X10, ret+0(FP)"},
	decode:   decodeRISCV64,
}

var riscvABINames = [32]string{
	"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
	"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
	"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
	"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
}

var riscvAlias = func() map[string]string {
	m := map[string]string{"fp": "s0", "pc": "pc"}
	for i, n := range riscvABINames {
		m[n] = n
		m[fmt.Sprintf("x%d", i)] = n
	}
	return m
}()

// riscv load widths by funct3: lb lh lw ld lbu lhu lwu.
var riscvLoads = [7]struct {
	size   int
	signed bool
}{
	{1, true}, {2, true}, {4, true}, {8, true},
	{1, false}, {2, false}, {4, false},
}

func decodeRISCV64(code []byte) (Insn, error) {
	if len(code) < 2 {
		return Insn{}, errShortCode
	}
	// Compressed instructions have the two low bits clear of 0b11.
	if code[0]&3 != 3 {
		return Insn{Len: 2}, nil
	}
	if len(code) < 4 {
		return Insn{}, errShortCode
	}
	w := binary.LittleEndian.Uint32(code)
	switch {
	case w == riscvNop:
		return Insn{Kind: InsnNop, Len: 4}, nil
	case w == riscvRet:
		return Insn{Kind: InsnRet, Len: 4}, nil
	case w&0x7f == 0x03:
		funct3 := (w >> 12) & 7
		if int(funct3) >= len(riscvLoads) {
			return Insn{Len: 4}, nil
		}
		ld := riscvLoads[funct3]
		return Insn{
			Kind:   InsnLoad,
			Len:    4,
			Dst:    riscvABINames[(w>>7)&0x1f],
			Base:   riscvABINames[(w>>15)&0x1f],
			Disp:   int64(int32(w) >> 20),
			Size:   ld.size,
			Signed: ld.signed && ld.size < 8,
		}, nil
	}
	return Insn{Len: 4}, nil
}
