// Package arch is the table of targets a probe site can be emitted for.
//
// Each supported target is one entry of a closed set keyed by Kind. An entry
// carries everything the rest of the tool needs to know about the target: the
// nop used as patch point, the registers arguments are placed in, the load
// instruction for every argument width and the decoder used to find the patch
// point again in linked code. Targets outside the set are not errors: callers
// get ok == false from Lookup and emit nothing for them.
package arch

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind identifies a supported target.
type Kind int

const (
	Unsupported Kind = iota
	AMD64
	ARM64
	RISCV64
	I386
)

// Section names used for SDT metadata.
const (
	NoteSection = ".note.stapsdt"
	// BaseSection marks the address stored as base in every note, which lets
	// readers undo prelink moves. link adds it over the sdt_base byte.
	BaseSection = ".stapsdt.base"
	// SemaphoreSection is where the Go linker places NOPTR data with content.
	SemaphoreSection = ".noptrdata"
)

var (
	ErrArgTooWide      = errors.New("argument wider than target register")
	ErrTooManyArgs     = errors.New("too many probe arguments for target")
	ErrNoPatchPoint    = errors.New("no patch point in probe stub")
	ErrUnknownRegister = errors.New("unknown register")
)

// Register is an argument register in both spellings the tool needs.
type Register struct {
	Asm string // Plan 9 assembler name
	SDT string // name used in SDT argument strings
}

type loadKey struct {
	size   int
	signed bool
}

// Arch describes one supported target.
type Arch struct {
	Kind      Kind
	GOARCH    string
	Machine   elf.Machine
	Class     elf.Class
	PtrSize   int
	ByteOrder binary.ByteOrder

	// Nop is the encoding of the patch-point instruction and NopDirective
	// the assembler directive that emits exactly those bytes.
	Nop          []byte
	NopDirective string

	// TextFlags are the flags of every generated TEXT symbol.
	TextFlags string
	// ArgBase is the offset from the stack pointer of the first argument
	// slot inside a frameless assembly function.
	ArgBase int
	// StackPointer is the canonical name of the stack pointer register.
	StackPointer string
	// ABI0Suffix is set when the Go linker names the assembly body of a
	// function "<name>.abi0" because a register-ABI wrapper owns "<name>".
	ABI0Suffix bool

	Registers []Register

	regPrefix string
	regAlias  map[string]string
	loads     map[loadKey]string
	addrLoad  []string
	decode    func(code []byte) (Insn, error)
}

// Supported targets, in the order they are generated.
var arches = []Arch{
	amd64Arch,
	arm64Arch,
	riscv64Arch,
	i386Arch,
}

// All returns every supported target.
func All() []Arch {
	out := make([]Arch, len(arches))
	copy(out, arches)
	return out
}

// Lookup returns the target for a GOARCH value.
func Lookup(goarch string) (Arch, bool) {
	for _, a := range arches {
		if a.GOARCH == goarch {
			return a, true
		}
	}
	return Arch{}, false
}

// ByMachine returns the target matching an ELF header.
func ByMachine(m elf.Machine, c elf.Class) (Arch, bool) {
	for _, a := range arches {
		if a.Machine == m && a.Class == c {
			return a, true
		}
	}
	return Arch{}, false
}

// ParseTargets turns a comma separated GOARCH list into targets. Names that
// are not supported are returned separately so the caller can report them;
// they never make the call fail.
func ParseTargets(list string) (targets []Arch, skipped []string) {
	seen := make(map[Kind]bool)
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		a, ok := Lookup(name)
		if !ok {
			skipped = append(skipped, name)
			continue
		}
		if seen[a.Kind] {
			continue
		}
		seen[a.Kind] = true
		targets = append(targets, a)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].Kind < targets[j].Kind })
	return targets, skipped
}

// Constraint returns the build constraint selecting the given targets on
// Linux, e.g. "linux && (amd64 || arm64)".
func Constraint(targets []Arch) string {
	if len(targets) == 0 {
		return "ignore"
	}
	names := make([]string, len(targets))
	for i, a := range targets {
		names[i] = a.GOARCH
	}
	if len(names) == 1 {
		return "linux && " + names[0]
	}
	return "linux && (" + strings.Join(names, " || ") + ")"
}

func (a Arch) String() string {
	return a.GOARCH
}

// RegSize is the width in bytes of an argument register.
func (a Arch) RegSize() int {
	return a.PtrSize
}

// MaxArgs is the number of arguments a probe can carry on this target.
func (a Arch) MaxArgs() int {
	return len(a.Registers)
}

// LoadInsn returns the mnemonic loading an argument of the given width into
// a full register, sign- or zero-extending as needed.
func (a Arch) LoadInsn(size int, signed bool) (string, error) {
	if size > a.RegSize() {
		return "", fmt.Errorf("%s: %d byte argument: %w", a.GOARCH, size, ErrArgTooWide)
	}
	insn, ok := a.loads[loadKey{size, signed}]
	if !ok {
		return "", fmt.Errorf("%s: no load for %d byte argument", a.GOARCH, size)
	}
	return insn, nil
}

// ArgString is the SDT description of an argument held in register reg,
// e.g. "-8@%rax" or "4@x1".
func (a Arch) ArgString(size int, signed bool, reg int) (string, error) {
	if reg < 0 || reg >= len(a.Registers) {
		return "", fmt.Errorf("%s: argument %d: %w", a.GOARCH, reg+1, ErrTooManyArgs)
	}
	if size > a.RegSize() {
		return "", fmt.Errorf("%s: %d byte argument: %w", a.GOARCH, size, ErrArgTooWide)
	}
	if signed {
		size = -size
	}
	return fmt.Sprintf("%d@%s%s", size, a.regPrefix, a.Registers[reg].SDT), nil
}

// AddrLoad returns the instructions storing the address of sym into the
// pointer result of a frameless function.
func (a Arch) AddrLoad(sym string) []string {
	out := make([]string, len(a.addrLoad))
	for i, l := range a.addrLoad {
		if strings.Contains(l, "%s") {
			l = fmt.Sprintf(l, sym)
		}
		out[i] = l
	}
	return out
}

// CanonicalRegister maps any spelling of a register (sub-register names,
// ABI aliases, a leading '%') to the name used in Registers and by Decode.
func (a Arch) CanonicalRegister(name string) (string, error) {
	n := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "%"))
	if c, ok := a.regAlias[n]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%s: %q: %w", a.GOARCH, name, ErrUnknownRegister)
}

// IsNop reports whether code starts with the patch-point instruction.
func (a Arch) IsNop(code []byte) bool {
	if len(code) < len(a.Nop) {
		return false
	}
	for i, b := range a.Nop {
		if code[i] != b {
			return false
		}
	}
	return true
}

// Decode decodes the instruction at the start of code.
func (a Arch) Decode(code []byte) (Insn, error) {
	if a.decode == nil {
		return Insn{}, fmt.Errorf("%s: no decoder", a.GOARCH)
	}
	return a.decode(code)
}

// PatchPoint returns the offset of the first patch-point nop in a probe
// stub. Decoding stops with ErrNoPatchPoint at the first return.
func (a Arch) PatchPoint(code []byte) (int, error) {
	off := 0
	for off < len(code) {
		insn, err := a.Decode(code[off:])
		if err != nil {
			return 0, fmt.Errorf("%s: offset %#x: %w", a.GOARCH, off, err)
		}
		switch insn.Kind {
		case InsnNop:
			return off, nil
		case InsnRet:
			return 0, ErrNoPatchPoint
		}
		off += insn.Len
	}
	return 0, ErrNoPatchPoint
}
