package arch

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"strings"

	"golang.org/x/arch/arm64/arm64asm"
)

const arm64Nop = 0xd503201f

var arm64Arch = Arch{
	Kind:         ARM64,
	GOARCH:       "arm64",
	Machine:      elf.EM_AARCH64,
	Class:        elf.ELFCLASS64,
	PtrSize:      8,
	ByteOrder:    binary.LittleEndian,
	Nop:          []byte{0x1f, 0x20, 0x03, 0xd5},
	NopDirective: "WORD $0xd503201f",
	TextFlags:    "NOSPLIT|NOFRAME",
	ArgBase:      8,
	StackPointer: "sp",
	ABI0Suffix:   true,
	Registers: []Register{
		{"R0", "x0"}, {"R1", "x1"}, {"R2", "x2"}, {"R3", "x3"},
		{"R4", "x4"}, {"R5", "x5"}, {"R6", "x6"}, {"R7", "x7"},
		{"R8", "x8"}, {"R9", "x9"}, {"R10", "x10"}, {"R11", "x11"},
	},
	regAlias: arm64Alias,
	loads: map[loadKey]string{
		{1, true}: "MOVB", {1, false}: "MOVBU",
		{2, true}: "MOVH", {2, false}: "MOVHU",
		{4, true}: "MOVW", {4, false}: "MOVWU",
		{8, true}: "MOVD", {8, false}: "MOVD",
	},
	addrLoad: []string{"MOVD $%s, R0", "MOVD R0, ret+0(FP)"},
	decode:   decodeARM64,
}

var arm64Alias = func() map[string]string {
	m := map[string]string{
		"sp": "sp", "wsp": "sp",
		"fp": "x29", "lr": "x30",
		"pc":  "pc",
		"xzr": "xzr", "wzr": "xzr",
	}
	for i := 0; i <= 30; i++ {
		x := fmt.Sprintf("x%d", i)
		m[x] = x
		m[fmt.Sprintf("w%d", i)] = x
		m[fmt.Sprintf("r%d", i)] = x
	}
	return m
}()

func decodeARM64(code []byte) (Insn, error) {
	if len(code) < 4 {
		return Insn{}, errShortCode
	}
	w := binary.LittleEndian.Uint32(code)
	if w == arm64Nop {
		return Insn{Kind: InsnNop, Len: 4}, nil
	}
	out := Insn{Len: 4}
	inst, err := arm64asm.Decode(code[:4])
	if err != nil {
		// arm64asm does not know every encoding; a stub never needs them.
		return out, nil
	}
	if inst.Op == arm64asm.RET {
		out.Kind = InsnRet
		return out, nil
	}
	if strings.HasPrefix(inst.Op.String(), "LD") {
		if ld, ok := arm64Load(w); ok {
			ld.Len = 4
			return ld, nil
		}
	}
	return out, nil
}

// arm64Load decodes the integer load forms the assembler emits for frame
// slots: scaled unsigned offset (LDR) and unscaled signed offset (LDUR).
func arm64Load(w uint32) (Insn, bool) {
	size := w >> 30
	if (w>>26)&1 != 0 {
		return Insn{}, false
	}
	var disp int64
	switch {
	case (w>>24)&0x3b == 0x39:
		disp = int64((w>>10)&0xfff) << size
	case (w>>24)&0x3b == 0x38 && (w>>21)&1 == 0 && (w>>10)&3 == 0:
		imm9 := int64((w >> 12) & 0x1ff)
		if imm9&0x100 != 0 {
			imm9 -= 0x200
		}
		disp = imm9
	default:
		return Insn{}, false
	}
	opc := (w >> 22) & 3
	if opc == 0 || (opc == 3 && size >= 2) {
		return Insn{}, false
	}
	rt, rn := w&0x1f, (w>>5)&0x1f
	dst := fmt.Sprintf("x%d", rt)
	if rt == 31 {
		dst = "xzr"
	}
	base := fmt.Sprintf("x%d", rn)
	if rn == 31 {
		base = "sp"
	}
	return Insn{
		Kind:   InsnLoad,
		Dst:    dst,
		Base:   base,
		Disp:   disp,
		Size:   1 << size,
		Signed: opc >= 2,
	}, true
}
