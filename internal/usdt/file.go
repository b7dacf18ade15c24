package usdt

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"

	"github.com/sdtprobe/sdtprobe/internal/arch"
)

var (
	ErrNoSymbol      = errors.New("symbol not found")
	ErrNoSymbolTable = errors.New("binary has no symbol table; build without -s")
	ErrNotMapped     = errors.New("address not in a loadable segment")
)

// File is an ELF binary opened for probe discovery. Parsing panics inside
// debug/elf are turned into errors.
type File struct {
	*elf.File
	symbols map[string]elf.Symbol
	symErr  error
}

// NewFile reads an ELF from r.
func NewFile(r io.ReaderAt) (f *File, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = fmt.Errorf("reading ELF file panicked: %v", r)
		}
	}()
	ef, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}
	return &File{File: ef}, nil
}

// Open reads the ELF at path; Close closes the underlying file.
func Open(path string) (f *File, err error) {
	defer func() {
		if r := recover(); r != nil {
			f = nil
			err = fmt.Errorf("reading ELF file %s panicked: %v", path, r)
		}
	}()
	ef, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	return &File{File: ef}, nil
}

// Target returns the architecture of the binary, ok == false when probes
// are not supported for it.
func (f *File) Target() (arch.Arch, bool) {
	return arch.ByMachine(f.Machine, f.Class)
}

// AddrSize is the size of an address in the note descriptor.
func (f *File) AddrSize() int {
	if f.Class == elf.ELFCLASS32 {
		return 4
	}
	return 8
}

// LoadSymbols reads the static symbol table. A stripped binary has none,
// which is ErrNoSymbolTable: nothing can be said about which symbols the
// linker kept.
func (f *File) LoadSymbols() error {
	if f.symbols != nil || f.symErr != nil {
		return f.symErr
	}
	syms, err := f.Symbols()
	if errors.Is(err, elf.ErrNoSymbols) {
		f.symErr = ErrNoSymbolTable
		return f.symErr
	}
	if err != nil {
		return err
	}
	f.symbols = make(map[string]elf.Symbol, len(syms))
	for _, s := range syms {
		if s.Section == elf.SHN_UNDEF {
			continue
		}
		f.symbols[s.Name] = s
	}
	return nil
}

// Symbol looks a symbol up in the static symbol table.
func (f *File) Symbol(name string) (elf.Symbol, error) {
	if err := f.LoadSymbols(); err != nil {
		return elf.Symbol{}, err
	}
	s, ok := f.symbols[name]
	if !ok {
		return elf.Symbol{}, fmt.Errorf("%s: %w", name, ErrNoSymbol)
	}
	return s, nil
}

// SectionsByName returns all sections with the given name.
func (f *File) SectionsByName(name string) []*elf.Section {
	var out []*elf.Section
	for _, s := range f.Sections {
		if s.Name == name {
			out = append(out, s)
		}
	}
	return out
}

// ProgByVaddr returns the PT_LOAD segment containing vaddr.
func (f *File) ProgByVaddr(vaddr uint64) *elf.Prog {
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD {
			continue
		}
		if prog.Vaddr <= vaddr && vaddr < prog.Vaddr+prog.Memsz {
			return prog
		}
	}
	return nil
}

// FileOffset maps a virtual address to its offset in the file, as the
// uprobe API wants it.
func (f *File) FileOffset(vaddr uint64) (uint64, error) {
	prog := f.ProgByVaddr(vaddr)
	if prog == nil || vaddr-prog.Vaddr >= prog.Filesz {
		return 0, fmt.Errorf("%#x: %w", vaddr, ErrNotMapped)
	}
	return vaddr - prog.Vaddr + prog.Off, nil
}

// ReadVirtual reads n bytes of file-backed memory at vaddr.
func (f *File) ReadVirtual(vaddr uint64, n int) ([]byte, error) {
	prog := f.ProgByVaddr(vaddr)
	if prog == nil || vaddr-prog.Vaddr+uint64(n) > prog.Filesz {
		return nil, fmt.Errorf("%#x+%d: %w", vaddr, n, ErrNotMapped)
	}
	buf := make([]byte, n)
	if _, err := prog.ReadAt(buf, int64(vaddr-prog.Vaddr)); err != nil {
		return nil, fmt.Errorf("read %#x: %w", vaddr, err)
	}
	return buf, nil
}

// ReadSymbol returns the bytes of a function or data symbol.
func (f *File) ReadSymbol(s elf.Symbol) ([]byte, error) {
	size := s.Size
	if size == 0 {
		return nil, fmt.Errorf("%s: zero size", s.Name)
	}
	return f.ReadVirtual(s.Value, int(size))
}

// StapsdtBase returns the address of .stapsdt.base, if present.
func (f *File) StapsdtBase() (uint64, bool, error) {
	secs := f.SectionsByName(arch.BaseSection)
	switch len(secs) {
	case 0:
		return 0, false, nil
	case 1:
		return secs[0].Addr, true, nil
	}
	return 0, false, fmt.Errorf("%d %s sections", len(secs), arch.BaseSection)
}
