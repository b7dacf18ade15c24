// Package elftest builds small synthetic ELF executables for tests: one
// executable and one writable PT_LOAD segment, a symbol table and optional
// SDT sections.
package elftest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

const page = 0x1000

// Symbol is placed relative to the start of its section.
type Symbol struct {
	Name   string
	Data   bool // in .noptrdata instead of .text
	Offset uint64
	Size   uint64
}

type Spec struct {
	Class   elf.Class
	Machine elf.Machine
	Order   binary.ByteOrder

	TextAddr uint64 // page aligned
	Text     []byte
	DataAddr uint64 // page aligned
	Data     []byte

	Symbols []Symbol
	// Notes is the raw .note.stapsdt payload; nil omits the section.
	Notes []byte
	// BaseAddr, when set, adds a .stapsdt.base section at that address.
	BaseAddr uint64
	// Stripped omits the symbol table, as go build -ldflags=-s does.
	Stripped bool
}

// AMD64 returns a spec for a little endian x86-64 executable.
func AMD64(text, data []byte, syms ...Symbol) Spec {
	return Spec{
		Class:    elf.ELFCLASS64,
		Machine:  elf.EM_X86_64,
		Order:    binary.LittleEndian,
		TextAddr: 0x401000,
		Text:     text,
		DataAddr: 0x4a0000,
		Data:     data,
		Symbols:  syms,
	}
}

type section struct {
	name                       string
	typ                        elf.SectionType
	flags                      elf.SectionFlag
	addr, off, size            uint64
	link, info, align, entsize uint64
}

// Build returns the file image.
func Build(s Spec) []byte {
	is64 := s.Class == elf.ELFCLASS64
	ehsize, phentsize, shentsize, symsize := uint64(52), uint64(32), uint64(40), uint64(16)
	if is64 {
		ehsize, phentsize, shentsize, symsize = 64, 56, 64, 24
	}

	img := make([]byte, page)
	put := func(data []byte, align uint64) uint64 {
		for uint64(len(img))%align != 0 {
			img = append(img, 0)
		}
		off := uint64(len(img))
		img = append(img, data...)
		return off
	}
	textOff := put(s.Text, page)
	dataOff := put(s.Data, page)
	if len(s.Data) == 0 {
		dataOff = uint64(len(img))
	}

	var strtab bytes.Buffer
	strtab.WriteByte(0)
	var symtab bytes.Buffer
	symtab.Write(make([]byte, symsize))
	for _, sym := range s.Symbols {
		name := uint32(strtab.Len())
		strtab.WriteString(sym.Name)
		strtab.WriteByte(0)
		shndx, addr, typ := uint16(1), s.TextAddr, elf.STT_FUNC
		if sym.Data {
			shndx, addr, typ = 2, s.DataAddr, elf.STT_OBJECT
		}
		info := elf.ST_INFO(elf.STB_GLOBAL, typ)
		if is64 {
			_ = binary.Write(&symtab, s.Order, elf.Sym64{Name: name, Info: info, Shndx: shndx, Value: addr + sym.Offset, Size: sym.Size})
		} else {
			_ = binary.Write(&symtab, s.Order, elf.Sym32{Name: name, Info: info, Shndx: shndx, Value: uint32(addr + sym.Offset), Size: uint32(sym.Size)})
		}
	}

	secs := []section{
		{},
		{name: ".text", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_EXECINSTR, addr: s.TextAddr, off: textOff, size: uint64(len(s.Text)), align: 16},
		{name: ".noptrdata", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC | elf.SHF_WRITE, addr: s.DataAddr, off: dataOff, size: uint64(len(s.Data)), align: 32},
	}
	if !s.Stripped {
		secs = append(secs,
			section{name: ".symtab", typ: elf.SHT_SYMTAB, off: put(symtab.Bytes(), 8), size: uint64(symtab.Len()), link: 4, info: 1, align: 8, entsize: symsize},
			section{name: ".strtab", typ: elf.SHT_STRTAB, off: put(strtab.Bytes(), 1), size: uint64(strtab.Len()), align: 1},
		)
	}
	if s.Notes != nil {
		secs = append(secs, section{name: ".note.stapsdt", typ: elf.SHT_NOTE, off: put(s.Notes, 4), size: uint64(len(s.Notes)), align: 4})
	}
	if s.BaseAddr != 0 {
		secs = append(secs, section{name: ".stapsdt.base", typ: elf.SHT_PROGBITS, flags: elf.SHF_ALLOC, addr: s.BaseAddr, off: textOff, size: 1, align: 1})
	}

	var shstrtab bytes.Buffer
	shstrtab.WriteByte(0)
	names := make([]uint32, len(secs)+1)
	for i := 1; i < len(secs); i++ {
		names[i] = uint32(shstrtab.Len())
		shstrtab.WriteString(secs[i].name)
		shstrtab.WriteByte(0)
	}
	shstrndx := len(secs)
	names[shstrndx] = uint32(shstrtab.Len())
	shstrtab.WriteString(".shstrtab\x00")
	secs = append(secs, section{name: ".shstrtab", typ: elf.SHT_STRTAB, off: put(shstrtab.Bytes(), 1), size: uint64(shstrtab.Len()), align: 1})

	for uint64(len(img))%8 != 0 {
		img = append(img, 0)
	}
	shoff := uint64(len(img))
	var shdrs bytes.Buffer
	for i, sec := range secs {
		if is64 {
			_ = binary.Write(&shdrs, s.Order, elf.Section64{
				Name: names[i], Type: uint32(sec.typ), Flags: uint64(sec.flags), Addr: sec.addr, Off: sec.off,
				Size: sec.size, Link: uint32(sec.link), Info: uint32(sec.info), Addralign: sec.align, Entsize: sec.entsize,
			})
		} else {
			_ = binary.Write(&shdrs, s.Order, elf.Section32{
				Name: names[i], Type: uint32(sec.typ), Flags: uint32(sec.flags), Addr: uint32(sec.addr), Off: uint32(sec.off),
				Size: uint32(sec.size), Link: uint32(sec.link), Info: uint32(sec.info), Addralign: uint32(sec.align), Entsize: uint32(sec.entsize),
			})
		}
	}
	img = append(img, shdrs.Bytes()...)

	type seg struct {
		flags           elf.ProgFlag
		off, addr, size uint64
	}
	segs := []seg{
		{elf.PF_R | elf.PF_X, textOff, s.TextAddr, uint64(len(s.Text))},
		{elf.PF_R | elf.PF_W, dataOff, s.DataAddr, uint64(len(s.Data))},
	}

	var hdr bytes.Buffer
	ident := [elf.EI_NIDENT]byte{0x7f, 'E', 'L', 'F', byte(s.Class), byte(dataEncoding(s.Order)), byte(elf.EV_CURRENT)}
	if is64 {
		_ = binary.Write(&hdr, s.Order, elf.Header64{
			Ident: ident, Type: uint16(elf.ET_EXEC), Machine: uint16(s.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: s.TextAddr, Phoff: ehsize, Shoff: shoff, Ehsize: uint16(ehsize),
			Phentsize: uint16(phentsize), Phnum: uint16(len(segs)), Shentsize: uint16(shentsize),
			Shnum: uint16(len(secs)), Shstrndx: uint16(shstrndx),
		})
		for _, g := range segs {
			_ = binary.Write(&hdr, s.Order, elf.Prog64{
				Type: uint32(elf.PT_LOAD), Flags: uint32(g.flags), Off: g.off, Vaddr: g.addr, Paddr: g.addr,
				Filesz: g.size, Memsz: g.size, Align: page,
			})
		}
	} else {
		_ = binary.Write(&hdr, s.Order, elf.Header32{
			Ident: ident, Type: uint16(elf.ET_EXEC), Machine: uint16(s.Machine), Version: uint32(elf.EV_CURRENT),
			Entry: uint32(s.TextAddr), Phoff: uint32(ehsize), Shoff: uint32(shoff), Ehsize: uint16(ehsize),
			Phentsize: uint16(phentsize), Phnum: uint16(len(segs)), Shentsize: uint16(shentsize),
			Shnum: uint16(len(secs)), Shstrndx: uint16(shstrndx),
		})
		for _, g := range segs {
			_ = binary.Write(&hdr, s.Order, elf.Prog32{
				Type: uint32(elf.PT_LOAD), Flags: uint32(g.flags), Off: uint32(g.off), Vaddr: uint32(g.addr), Paddr: uint32(g.addr),
				Filesz: uint32(g.size), Memsz: uint32(g.size), Align: page,
			})
		}
	}
	copy(img, hdr.Bytes())
	return img
}

func dataEncoding(order binary.ByteOrder) elf.Data {
	if order == binary.BigEndian {
		return elf.ELFDATA2MSB
	}
	return elf.ELFDATA2LSB
}

// Write builds s into a file under a test temp dir and returns its path.
func Write(tb testing.TB, s Spec) string {
	tb.Helper()
	path := filepath.Join(tb.TempDir(), "test.elf")
	if err := os.WriteFile(path, Build(s), 0o755); err != nil {
		tb.Fatalf("write synthetic elf: %v", err)
	}
	return path
}
