// Package emu runs the argument loads of a probe stub over a synthetic
// argument frame. The resulting register file is what a tracer reads when
// the patch point fires, so argument strings can be checked against the code
// they describe without running it.
package emu

import (
	"errors"
	"fmt"

	"github.com/sdtprobe/sdtprobe/internal/arch"
	"github.com/sdtprobe/sdtprobe/internal/argspec"
	"github.com/sdtprobe/sdtprobe/internal/manifest"
)

// StackAddr is the stack pointer value at stub entry.
const StackAddr = 0x7ffe_0000

var (
	ErrUnsupportedInsn = errors.New("unsupported instruction before patch point")
	ErrUndefined       = errors.New("register not defined at patch point")
	ErrOutOfFrame      = errors.New("memory access outside argument frame")
	ErrMismatch        = errors.New("note does not match probe stub")
)

// State is the machine state at the patch point.
type State struct {
	Arch  arch.Arch
	PC    int // offset of the patch point in the stub
	Regs  map[string]uint64
	Stack []byte // memory from StackAddr up
}

// Frame returns the stack contents at entry of a stub with layout t called
// with values. values[i] is truncated to Sizes[i] bytes.
func Frame(a arch.Arch, t manifest.Target, values []uint64) ([]byte, error) {
	if len(values) != len(t.Offsets) || len(t.Sizes) != len(t.Offsets) {
		return nil, fmt.Errorf("%d values for %d arguments", len(values), len(t.Offsets))
	}
	buf := make([]byte, a.ArgBase+t.FrameSize)
	for i, off := range t.Offsets {
		start := a.ArgBase + off
		if start+t.Sizes[i] > len(buf) {
			return nil, fmt.Errorf("argument %d at %d+%d: %w", i, off, t.Sizes[i], ErrOutOfFrame)
		}
		put(a, buf[start:start+t.Sizes[i]], values[i])
	}
	return buf, nil
}

// Run executes code from its start up to the first patch-point nop.
func Run(a arch.Arch, code, stack []byte) (*State, error) {
	s := &State{
		Arch:  a,
		Regs:  map[string]uint64{a.StackPointer: StackAddr},
		Stack: stack,
	}
	for s.PC < len(code) {
		insn, err := a.Decode(code[s.PC:])
		if err != nil {
			return nil, fmt.Errorf("offset %#x: %w", s.PC, err)
		}
		switch insn.Kind {
		case arch.InsnNop:
			return s, nil
		case arch.InsnRet:
			return nil, arch.ErrNoPatchPoint
		case arch.InsnLoad:
			if err := s.load(insn); err != nil {
				return nil, fmt.Errorf("offset %#x: %w", s.PC, err)
			}
		default:
			return nil, fmt.Errorf("offset %#x: %w", s.PC, ErrUnsupportedInsn)
		}
		s.PC += insn.Len
	}
	return nil, arch.ErrNoPatchPoint
}

func (s *State) load(insn arch.Insn) error {
	base, ok := s.Regs[insn.Base]
	if !ok {
		return fmt.Errorf("%s: %w", insn.Base, ErrUndefined)
	}
	v, err := s.read(base+uint64(insn.Disp), insn.Size)
	if err != nil {
		return err
	}
	v = argspec.Arg{Size: insn.Size, Signed: insn.Signed}.Extend(v)
	if s.Arch.RegSize() < 8 {
		v &= 1<<(8*s.Arch.RegSize()) - 1
	}
	s.Regs[insn.Dst] = v
	return nil
}

func (s *State) read(addr uint64, size int) (uint64, error) {
	off := addr - StackAddr
	if addr < StackAddr || off+uint64(size) > uint64(len(s.Stack)) {
		return 0, fmt.Errorf("%#x+%d: %w", addr, size, ErrOutOfFrame)
	}
	var tmp [8]byte
	if isBigEndian(s.Arch) {
		copy(tmp[8-size:], s.Stack[off:off+uint64(size)])
	} else {
		copy(tmp[:size], s.Stack[off:off+uint64(size)])
	}
	return s.Arch.ByteOrder.Uint64(tmp[:]), nil
}

// Arg evaluates an SDT argument the way a tracer does: read the location,
// truncate to the declared width and extend.
func (s *State) Arg(a argspec.Arg) (uint64, error) {
	switch a.Kind {
	case argspec.Const:
		return a.Extend(uint64(a.Value)), nil
	case argspec.Reg:
		v, err := s.reg(a.Reg)
		if err != nil {
			return 0, err
		}
		return a.Extend(v), nil
	case argspec.Deref:
		base, err := s.reg(a.Reg)
		if err != nil {
			return 0, err
		}
		v, err := s.read(base+uint64(a.Offset), a.Size)
		if err != nil {
			return 0, err
		}
		return a.Extend(v), nil
	}
	return 0, fmt.Errorf("argument kind %s", a.Kind)
}

func (s *State) reg(name string) (uint64, error) {
	c, err := s.Arch.CanonicalRegister(name)
	if err != nil {
		return 0, err
	}
	v, ok := s.Regs[c]
	if !ok {
		return 0, fmt.Errorf("%s: %w", name, ErrUndefined)
	}
	return v, nil
}

func put(a arch.Arch, dst []byte, v uint64) {
	var tmp [8]byte
	a.ByteOrder.PutUint64(tmp[:], v)
	if isBigEndian(a) {
		copy(dst, tmp[8-len(dst):])
		return
	}
	copy(dst, tmp[:len(dst)])
}

func isBigEndian(a arch.Arch) bool {
	var probe [2]byte
	a.ByteOrder.PutUint16(probe[:], 1)
	return probe[1] == 1
}

// Check runs code over a frame of distinct argument values and evaluates
// format against the result. Argument i must read the value passed for
// parameter i of p, extended to the register.
func Check(a arch.Arch, code []byte, p manifest.Probe, t manifest.Target, format string) error {
	args, err := argspec.Parse(format)
	if err != nil {
		return err
	}
	if len(args) != len(p.Args) || len(t.Sizes) != len(p.Args) {
		return fmt.Errorf("%d arguments in note, %d declared: %w", len(args), len(p.Args), ErrMismatch)
	}
	values := make([]uint64, len(args))
	for i := range values {
		values[i] = Pattern(i)
	}
	frame, err := Frame(a, t, values)
	if err != nil {
		return err
	}
	st, err := Run(a, code, frame)
	if err != nil {
		return err
	}
	for i, arg := range args {
		got, err := st.Arg(arg)
		if err != nil {
			return fmt.Errorf("argument %d: %w", i, err)
		}
		want := argspec.Arg{Size: t.Sizes[i], Signed: p.Args[i].Signed}.Extend(values[i])
		if got != want {
			return fmt.Errorf("argument %d (%s) reads %#x, want %#x: %w", i, p.Args[i].Name, got, want, ErrMismatch)
		}
	}
	return nil
}

// Pattern is the test value placed in argument slot i: every byte differs
// and the sign bit of each width is set.
func Pattern(i int) uint64 {
	return 0x8182838485868788 + uint64(i)*0x0101010101010101
}
