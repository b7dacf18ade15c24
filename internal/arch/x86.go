package arch

import (
	"debug/elf"
	"encoding/binary"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

var amd64Arch = Arch{
	Kind:         AMD64,
	GOARCH:       "amd64",
	Machine:      elf.EM_X86_64,
	Class:        elf.ELFCLASS64,
	PtrSize:      8,
	ByteOrder:    binary.LittleEndian,
	Nop:          []byte{0x90},
	NopDirective: "BYTE $0x90",
	TextFlags:    "NOSPLIT",
	ArgBase:      8,
	StackPointer: "rsp",
	ABI0Suffix:   true,
	// R14 holds g and X15 is zero under the register ABI; SP and BP are
	// left alone so unwinders keep working at the patch point.
	Registers: []Register{
		{"AX", "rax"}, {"BX", "rbx"}, {"CX", "rcx"}, {"DX", "rdx"},
		{"SI", "rsi"}, {"DI", "rdi"}, {"R8", "r8"}, {"R9", "r9"},
		{"R10", "r10"}, {"R11", "r11"}, {"R12", "r12"}, {"R13", "r13"},
	},
	regPrefix: "%",
	regAlias:  x86Alias64,
	loads: map[loadKey]string{
		{1, true}: "MOVBQSX", {1, false}: "MOVBQZX",
		{2, true}: "MOVWQSX", {2, false}: "MOVWQZX",
		{4, true}: "MOVLQSX", {4, false}: "MOVL",
		{8, true}: "MOVQ", {8, false}: "MOVQ",
	},
	addrLoad: []string{"LEAQ %s, AX", "MOVQ AX, ret+0(FP)"},
	decode:   x86Decoder(64, x86Alias64),
}

var i386Arch = Arch{
	Kind:         I386,
	GOARCH:       "386",
	Machine:      elf.EM_386,
	Class:        elf.ELFCLASS32,
	PtrSize:      4,
	ByteOrder:    binary.LittleEndian,
	Nop:          []byte{0x90},
	NopDirective: "BYTE $0x90",
	TextFlags:    "NOSPLIT",
	ArgBase:      4,
	StackPointer: "esp",
	Registers: []Register{
		{"AX", "eax"}, {"BX", "ebx"}, {"CX", "ecx"},
		{"DX", "edx"}, {"SI", "esi"}, {"DI", "edi"},
	},
	regPrefix: "%",
	regAlias:  x86Alias32,
	loads: map[loadKey]string{
		{1, true}: "MOVBLSX", {1, false}: "MOVBLZX",
		{2, true}: "MOVWLSX", {2, false}: "MOVWLZX",
		{4, true}: "MOVL", {4, false}: "MOVL",
	},
	addrLoad: []string{"LEAL %s, AX", "MOVL AX, ret+0(FP)"},
	decode:   x86Decoder(32, x86Alias32),
}

var (
	x86Alias64 = x86Aliases(true)
	x86Alias32 = x86Aliases(false)
)

// x86Aliases maps every sub-register spelling, in both the x86asm and the
// GNU assembler flavour, to the full register of the mode.
func x86Aliases(long bool) map[string]string {
	m := make(map[string]string)
	legacy := []struct{ q, l, w, b string }{
		{"rax", "eax", "ax", "al"},
		{"rbx", "ebx", "bx", "bl"},
		{"rcx", "ecx", "cx", "cl"},
		{"rdx", "edx", "dx", "dl"},
		{"rsi", "esi", "si", "sil"},
		{"rdi", "edi", "di", "dil"},
		{"rbp", "ebp", "bp", "bpl"},
		{"rsp", "esp", "sp", "spl"},
		{"rip", "eip", "ip", ""},
	}
	for _, r := range legacy {
		full := r.l
		if long {
			full = r.q
			m[r.q] = full
		}
		for _, n := range []string{r.l, r.w, r.b} {
			if n != "" {
				m[n] = full
			}
		}
	}
	// x86asm spells the low bytes of rsi, rdi, rbp and rsp differently.
	m["sib"], m["dib"], m["bpb"], m["spb"] = m["si"], m["di"], m["bp"], m["sp"]
	m["ah"], m["bh"], m["ch"], m["dh"] = m["ax"], m["bx"], m["cx"], m["dx"]
	if !long {
		return m
	}
	for _, n := range []string{"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"} {
		for _, suffix := range []string{"", "d", "l", "w", "b"} {
			m[n+suffix] = n
		}
	}
	return m
}

func x86Decoder(mode int, alias map[string]string) func([]byte) (Insn, error) {
	name := func(r x86asm.Reg) string {
		n := strings.ToLower(r.String())
		if c, ok := alias[n]; ok {
			return c
		}
		return n
	}
	return func(code []byte) (Insn, error) {
		if len(code) == 0 {
			return Insn{}, errShortCode
		}
		// Only the single byte nop is a patch point; multi-byte nops are
		// alignment padding.
		if code[0] == 0x90 {
			return Insn{Kind: InsnNop, Len: 1}, nil
		}
		inst, err := x86asm.Decode(code, mode)
		if err != nil {
			return Insn{}, err
		}
		out := Insn{Len: inst.Len}
		switch inst.Op {
		case x86asm.RET:
			out.Kind = InsnRet
		case x86asm.MOV, x86asm.MOVSX, x86asm.MOVSXD, x86asm.MOVZX:
			dst, ok := inst.Args[0].(x86asm.Reg)
			if !ok {
				break
			}
			mem, ok := inst.Args[1].(x86asm.Mem)
			if !ok || mem.Index != 0 || mem.Base == 0 {
				break
			}
			out.Kind = InsnLoad
			out.Dst = name(dst)
			out.Base = name(mem.Base)
			out.Disp = mem.Disp
			out.Size = inst.MemBytes
			out.Signed = inst.Op != x86asm.MOV && inst.Op != x86asm.MOVZX
		}
		return out, nil
	}
}
