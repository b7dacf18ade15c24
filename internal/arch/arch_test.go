package arch

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupIsTotalOverSupportedTargets(t *testing.T) {
	for _, a := range All() {
		got, ok := Lookup(a.GOARCH)
		require.True(t, ok, a.GOARCH)
		assert.Equal(t, a.Kind, got.Kind)

		byMachine, ok := ByMachine(a.Machine, a.Class)
		require.True(t, ok, a.GOARCH)
		assert.Equal(t, a.Kind, byMachine.Kind)

		assert.NotEmpty(t, a.Nop)
		assert.NotEmpty(t, a.NopDirective)
		assert.Greater(t, a.MaxArgs(), 0)
		for _, size := range []int{1, 2, 4} {
			for _, signed := range []bool{true, false} {
				_, err := a.LoadInsn(size, signed)
				assert.NoError(t, err, "%s %d %v", a.GOARCH, size, signed)
			}
		}
	}
}

func TestLookupUnsupported(t *testing.T) {
	for _, name := range []string{"ppc64le", "s390x", "mips", "wasm", ""} {
		_, ok := Lookup(name)
		assert.False(t, ok, name)
	}
	_, ok := ByMachine(elf.EM_PPC64, elf.ELFCLASS64)
	assert.False(t, ok)
	_, ok = ByMachine(elf.EM_X86_64, elf.ELFCLASS32)
	assert.False(t, ok)
}

func TestParseTargets(t *testing.T) {
	targets, skipped := ParseTargets("arm64, amd64,ppc64le,amd64,,wasm")
	require.Len(t, targets, 2)
	assert.Equal(t, AMD64, targets[0].Kind)
	assert.Equal(t, ARM64, targets[1].Kind)
	assert.Equal(t, []string{"ppc64le", "wasm"}, skipped)
}

func TestConstraint(t *testing.T) {
	amd, _ := Lookup("amd64")
	arm, _ := Lookup("arm64")
	assert.Equal(t, "linux && amd64", Constraint([]Arch{amd}))
	assert.Equal(t, "linux && (amd64 || arm64)", Constraint([]Arch{amd, arm}))
	assert.Equal(t, "ignore", Constraint(nil))
}

func TestArgString(t *testing.T) {
	tests := []struct {
		goarch string
		size   int
		signed bool
		reg    int
		want   string
	}{
		{"amd64", 8, true, 0, "-8@%rax"},
		{"amd64", 4, false, 1, "4@%rbx"},
		{"amd64", 1, false, 11, "1@%r13"},
		{"arm64", 8, true, 3, "-8@x3"},
		{"riscv64", 2, true, 0, "-2@a0"},
		{"riscv64", 8, false, 9, "8@t1"},
		{"386", 4, true, 5, "-4@%edi"},
	}
	for _, tt := range tests {
		a, ok := Lookup(tt.goarch)
		require.True(t, ok)
		got, err := a.ArgString(tt.size, tt.signed, tt.reg)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestArgLimits(t *testing.T) {
	i386, _ := Lookup("386")
	_, err := i386.ArgString(8, true, 0)
	assert.ErrorIs(t, err, ErrArgTooWide)
	_, err = i386.LoadInsn(8, true)
	assert.ErrorIs(t, err, ErrArgTooWide)
	_, err = i386.ArgString(4, true, 6)
	assert.ErrorIs(t, err, ErrTooManyArgs)

	amd, _ := Lookup("amd64")
	_, err = amd.ArgString(8, true, 12)
	assert.ErrorIs(t, err, ErrTooManyArgs)
}

func TestCanonicalRegister(t *testing.T) {
	amd, _ := Lookup("amd64")
	for in, want := range map[string]string{"%eax": "rax", "RAX": "rax", "r8d": "r8", "R9L": "r9", "sil": "rsi", "%rsp": "rsp"} {
		got, err := amd.CanonicalRegister(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	arm, _ := Lookup("arm64")
	for in, want := range map[string]string{"w3": "x3", "X3": "x3", "wsp": "sp", "lr": "x30"} {
		got, err := arm.CanonicalRegister(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	rv, _ := Lookup("riscv64")
	got, err := rv.CanonicalRegister("x10")
	require.NoError(t, err)
	assert.Equal(t, "a0", got)

	_, err = amd.CanonicalRegister("x0")
	assert.ErrorIs(t, err, ErrUnknownRegister)
}

func TestPatchPointAMD64(t *testing.T) {
	a, _ := Lookup("amd64")
	code := []byte{
		0x48, 0x8b, 0x44, 0x24, 0x08, // mov rax, [rsp+8]
		0x48, 0x63, 0x4c, 0x24, 0x10, // movsxd rcx, dword [rsp+16]
		0x48, 0x0f, 0xb6, 0x54, 0x24, 0x18, // movzx rdx, byte [rsp+24]
		0x90, // nop
		0xc3, // ret
	}
	off, err := a.PatchPoint(code)
	require.NoError(t, err)
	assert.Equal(t, 16, off)

	insn, err := a.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, Insn{Kind: InsnLoad, Len: 5, Dst: "rax", Base: "rsp", Disp: 8, Size: 8}, insn)

	insn, err = a.Decode(code[5:])
	require.NoError(t, err)
	assert.Equal(t, Insn{Kind: InsnLoad, Len: 5, Dst: "rcx", Base: "rsp", Disp: 16, Size: 4, Signed: true}, insn)

	insn, err = a.Decode(code[10:])
	require.NoError(t, err)
	assert.Equal(t, Insn{Kind: InsnLoad, Len: 6, Dst: "rdx", Base: "rsp", Disp: 24, Size: 1}, insn)
}

func TestPatchPointStopsAtReturn(t *testing.T) {
	a, _ := Lookup("amd64")
	_, err := a.PatchPoint([]byte{0x48, 0x8b, 0x44, 0x24, 0x08, 0xc3, 0x90})
	assert.ErrorIs(t, err, ErrNoPatchPoint)
}

func TestPatchPoint386(t *testing.T) {
	a, _ := Lookup("386")
	code := []byte{0x8b, 0x44, 0x24, 0x04, 0x90, 0xc3}
	off, err := a.PatchPoint(code)
	require.NoError(t, err)
	assert.Equal(t, 4, off)
	insn, err := a.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, "eax", insn.Dst)
	assert.Equal(t, "esp", insn.Base)
	assert.Equal(t, int64(4), insn.Disp)
}

func TestPatchPointARM64(t *testing.T) {
	a, _ := Lookup("arm64")
	code := []byte{
		0xe0, 0x07, 0x40, 0xf9, // ldr x0, [sp, #8]
		0xe2, 0x1b, 0x80, 0xb9, // ldrsw x2, [sp, #24]
		0x1f, 0x20, 0x03, 0xd5, // nop
		0xc0, 0x03, 0x5f, 0xd6, // ret
	}
	off, err := a.PatchPoint(code)
	require.NoError(t, err)
	assert.Equal(t, 8, off)

	insn, err := a.Decode(code)
	require.NoError(t, err)
	assert.Equal(t, Insn{Kind: InsnLoad, Len: 4, Dst: "x0", Base: "sp", Disp: 8, Size: 8}, insn)

	insn, err = a.Decode(code[4:])
	require.NoError(t, err)
	assert.Equal(t, Insn{Kind: InsnLoad, Len: 4, Dst: "x2", Base: "sp", Disp: 24, Size: 4, Signed: true}, insn)
}

func TestPatchPointRISCV64(t *testing.T) {
	a, _ := Lookup("riscv64")
	code := []byte{
		0x03, 0x35, 0x81, 0x00, // ld a0, 8(sp)
		0x83, 0x25, 0x01, 0x01, // lw a1, 16(sp)
		0x13, 0x00, 0x00, 0x00, // nop
		0x67, 0x80, 0x00, 0x00, // ret
	}
	off, err := a.PatchPoint(code)
	require.NoError(t, err)
	assert.Equal(t, 8, off)

	insn, err := a.Decode(code[4:])
	require.NoError(t, err)
	assert.Equal(t, Insn{Kind: InsnLoad, Len: 4, Dst: "a1", Base: "sp", Disp: 16, Size: 4, Signed: true}, insn)
}

func TestAddrLoad(t *testing.T) {
	want := map[string][]string{
		"386":     {"LEAL ·sdt_semaphores(SB), AX", "MOVL AX, ret+0(FP)"},
		"amd64":   {"LEAQ ·sdt_semaphores(SB), AX", "MOVQ AX, ret+0(FP)"},
		"arm64":   {"MOVD $·sdt_semaphores(SB), R0", "MOVD R0, ret+0(FP)"},
		"riscv64": {"MOV $·sdt_semaphores(SB), X10", "MOV X10, ret+0(FP)"},
	}
	for goarch, lines := range want {
		a, ok := Lookup(goarch)
		require.True(t, ok, goarch)
		got := a.AddrLoad("·sdt_semaphores(SB)")
		assert.Equal(t, lines, got, goarch)
		for _, l := range got {
			assert.NotContains(t, l, "%!", goarch)
		}
	}
}

func TestIsNop(t *testing.T) {
	for _, a := range All() {
		assert.True(t, a.IsNop(a.Nop), a.GOARCH)
		assert.False(t, a.IsNop(nil), a.GOARCH)
		insn, err := a.Decode(a.Nop)
		require.NoError(t, err, a.GOARCH)
		assert.Equal(t, InsnNop, insn.Kind, a.GOARCH)
	}
}
