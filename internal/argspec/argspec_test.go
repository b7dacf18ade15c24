package argspec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArg(t *testing.T) {
	tests := []struct {
		name     string
		in       string
		expected Arg
	}{
		{"register value", "8@%rax", Arg{Size: 8, Kind: Reg, Reg: "rax"}},
		{"signed register", "-4@%edi", Arg{Size: 4, Signed: true, Kind: Reg, Reg: "edi"}},
		{"arm64 register", "-8@x3", Arg{Size: 8, Signed: true, Kind: Reg, Reg: "x3"}},
		{"riscv register", "2@a0", Arg{Size: 2, Kind: Reg, Reg: "a0"}},
		{"upper case register", "8@%RAX", Arg{Size: 8, Kind: Reg, Reg: "rax"}},
		{"deref with offset", "-4@-1204(%rbp)", Arg{Size: 4, Signed: true, Kind: Deref, Reg: "rbp", Offset: -1204}},
		{"deref without offset", "8@(%rsp)", Arg{Size: 8, Kind: Deref, Reg: "rsp"}},
		{"deref positive offset", "4@100(%rbp)", Arg{Size: 4, Kind: Deref, Reg: "rbp", Offset: 100}},
		{"riscv deref", "-4@-20(s0)", Arg{Size: 4, Signed: true, Kind: Deref, Reg: "s0", Offset: -20}},
		{"arm64 deref", "-4@[sp, 60]", Arg{Size: 4, Signed: true, Kind: Deref, Reg: "sp", Offset: 60}},
		{"arm64 deref negative", "4@[x0, -8]", Arg{Size: 4, Kind: Deref, Reg: "x0", Offset: -8}},
		{"arm64 deref hash", "8@[x1, #16]", Arg{Size: 8, Kind: Deref, Reg: "x1", Offset: 16}},
		{"arm64 deref no offset", "8@[x1]", Arg{Size: 8, Kind: Deref, Reg: "x1"}},
		{"dollar constant", "-4@$5", Arg{Size: 4, Signed: true, Kind: Const, Value: 5}},
		{"negative constant", "-4@$-9", Arg{Size: 4, Signed: true, Kind: Const, Value: -9}},
		{"bare constant", "4@100", Arg{Size: 4, Kind: Const, Value: 100}},
		{"float register", "-8f@%xmm0", Arg{Size: 8, Signed: true, Float: true, Kind: Reg, Reg: "xmm0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseArg(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestParseArgErrors(t *testing.T) {
	tests := []struct {
		in  string
		err error
	}{
		{"", ErrMalformed},
		{"rax", ErrMalformed},
		{"8@", ErrMalformed},
		{"@%rax", ErrMalformed},
		{"8@%", ErrMalformed},
		{"x@%rax", ErrMalformed},
		{"8@(%rax", ErrMalformed},
		{"3@%rax", ErrBadSize},
		{"-16@%rax", ErrBadSize},
		{"0@%rax", ErrBadSize},
	}
	for _, tt := range tests {
		_, err := ParseArg(tt.in)
		assert.ErrorIs(t, err, tt.err, "input %q", tt.in)
	}
}

func TestParse(t *testing.T) {
	args, err := Parse("-4@%esi -4@-24(%rbp)  -8@[sp, 16] 8@a0")
	require.NoError(t, err)
	require.Len(t, args, 4)
	assert.Equal(t, "esi", args[0].Reg)
	assert.Equal(t, int64(-24), args[1].Offset)
	assert.Equal(t, "sp", args[2].Reg)
	assert.Equal(t, int64(16), args[2].Offset)
	assert.Equal(t, "a0", args[3].Reg)

	args, err = Parse("")
	require.NoError(t, err)
	assert.Empty(t, args)

	_, err = Parse("-4@%esi bogus")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestParseTooMany(t *testing.T) {
	in := ""
	for i := 0; i < MaxArgs+1; i++ {
		in += "8@%rax "
	}
	_, err := Parse(in)
	assert.ErrorIs(t, err, ErrTooManyArgs)
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"-4@[sp, 60]", "8@x0"}, Split(" -4@[sp, 60]\t8@x0 "))
	assert.Empty(t, Split("   "))
}

func TestExtend(t *testing.T) {
	tests := []struct {
		arg  Arg
		raw  uint64
		want uint64
	}{
		{Arg{Size: 8, Signed: true}, 0xfffffffffffffff9, 0xfffffffffffffff9},
		{Arg{Size: 4, Signed: true}, 0x00000000fffffff9, 0xfffffffffffffff9},
		{Arg{Size: 4}, 0xdeadbeeffffffff9, 0x00000000fffffff9},
		{Arg{Size: 1, Signed: true}, 0x80, 0xffffffffffffff80},
		{Arg{Size: 1}, 0x1ff, 0xff},
		{Arg{Size: 2, Signed: true}, 0x7fff, 0x7fff},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.arg.Extend(tt.raw), "%+v", tt.arg)
	}
}

func TestString(t *testing.T) {
	for _, in := range []string{"-8@rax", "4@-16(rbp)", "-4@$5", "8f@xmm1"} {
		a, err := ParseArg(in)
		require.NoError(t, err)
		assert.Equal(t, in, a.String())
	}
	assert.Equal(t, "Kind(9)", Kind(9).String())
	assert.Equal(t, "deref", Deref.String())
}
